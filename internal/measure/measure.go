// Package measure runs one page-performance measurement against a URL.
package measure

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrTimeout = errors.New("measure: timed out")

// Metrics of one page load. Times are milliseconds from navigation start.
type Metrics struct {
	LoadTime                 float64
	DOMContentLoaded         *float64
	FirstByteTime            *float64
	FirstPaintTime           *float64
	FirstContentfulPaintTime *float64
	TimeToInteractive        *float64
	NumberOfRequests         *int
	PageSize                 *int64
}

type Provider interface {
	Measure(ctx context.Context, url string) (Metrics, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, url string) (Metrics, error)

func (f ProviderFunc) Measure(ctx context.Context, url string) (Metrics, error) { return f(ctx, url) }

type timeoutProvider struct {
	next    Provider
	timeout time.Duration
}

// WithTimeout bounds every Measure call by d. Expiry yields ErrTimeout even
// if next ignores its context; cancellation of the caller's context is
// returned as the context error.
func WithTimeout(next Provider, d time.Duration) Provider {
	return &timeoutProvider{next: next, timeout: d}
}

type outcome struct {
	m   Metrics
	err error
}

func (p *timeoutProvider) Measure(parent context.Context, url string) (Metrics, error) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		m, err := p.next.Measure(ctx, url)
		done <- outcome{m: m, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return Metrics{}, p.classify(parent, ctx, o.err)
		}
		return o.m, nil
	case <-ctx.Done():
		return Metrics{}, p.classify(parent, ctx, ctx.Err())
	}
}

func (p *timeoutProvider) classify(parent, ctx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
	}
	return err
}
