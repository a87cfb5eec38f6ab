package measure

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Synthetic produces random plausible metrics without loading the page.
type Synthetic struct {
	mu    sync.Mutex
	rng   *rand.Rand
	delay time.Duration
}

// NewSynthetic returns a provider seeded with seed that waits delay per call.
func NewSynthetic(seed uint64, delay time.Duration) *Synthetic {
	return &Synthetic{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), delay: delay}
}

func (s *Synthetic) Measure(ctx context.Context, _ string) (Metrics, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Metrics{}, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	load := float64(s.rng.IntN(5000))
	dcl := float64(s.rng.IntN(3000))
	if dcl > load {
		load, dcl = dcl, load
	}
	ttfb := dcl * s.rng.Float64() * 0.5
	fp := ttfb + (dcl-ttfb)*s.rng.Float64()
	fcp := fp
	tti := dcl
	reqs := 1 + s.rng.IntN(150)
	size := int64(10_000 + s.rng.IntN(5_000_000))

	return Metrics{
		LoadTime:                 load,
		DOMContentLoaded:         &dcl,
		FirstByteTime:            &ttfb,
		FirstPaintTime:           &fp,
		FirstContentfulPaintTime: &fcp,
		TimeToInteractive:        &tti,
		NumberOfRequests:         &reqs,
		PageSize:                 &size,
	}, nil
}
