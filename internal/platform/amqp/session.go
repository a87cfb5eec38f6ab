// Package amqp owns the broker connection used by the queue router and the
// worker consumer. A Session connects lazily on first use and reconnects with
// backoff after the channel or connection drops.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"sitespeed/internal/logger"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

var ErrClosed = errors.New("amqp: session closed")

// Channel is the subset of *amqp091.Channel the service uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	NotifyClose(c chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// Dialer opens a channel and returns the connection that owns it.
type Dialer func(url string) (Channel, io.Closer, error)

func DefaultDialer(url string) (Channel, io.Closer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

type Options struct {
	URL string
	// Attempts bounds dial attempts per Channel call; 0 retries until ctx ends.
	Attempts int
	Backoff  Backoff
	Dialer   Dialer
}

type Session struct {
	opts  Options
	log   *logger.Logger
	sleep func(context.Context, time.Duration) error

	mu      sync.Mutex
	ch      Channel
	conn    io.Closer
	closed  bool
	dialing *dialCall
}

func NewSession(o Options) *Session {
	if o.Dialer == nil {
		o.Dialer = DefaultDialer
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff.Initial = 500 * time.Millisecond
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 30 * time.Second
	}
	return &Session{opts: o, log: logger.New("AMQP"), sleep: sleepCtx}
}

// SetLogger replaces the session logger.
func (s *Session) SetLogger(l *logger.Logger) { s.log = l }

// dialCall is one in-flight dial round shared by concurrent callers.
type dialCall struct {
	done chan struct{}
	ch   Channel
	err  error
}

// Channel returns the live channel, dialing first if needed. Only one caller
// dials at a time; the others wait for its outcome or for their own ctx.
func (s *Session) Channel(ctx context.Context) (Channel, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if s.ch != nil {
			ch := s.ch
			s.mu.Unlock()
			return ch, nil
		}
		if call := s.dialing; call != nil {
			s.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return nil, fmt.Errorf("amqp: dial: %w", ctx.Err())
			}
			// The dialer's own ctx ended; this caller may still have time.
			if call.err != nil && isContextErr(call.err) && ctx.Err() == nil {
				continue
			}
			return call.ch, call.err
		}
		call := &dialCall{done: make(chan struct{})}
		s.dialing = call
		s.mu.Unlock()

		ch, conn, err := s.dial(ctx)

		s.mu.Lock()
		s.dialing = nil
		switch {
		case err != nil:
		case s.closed:
			_ = ch.Close()
			_ = conn.Close()
			ch, err = nil, ErrClosed
		default:
			s.ch, s.conn = ch, conn
			s.watch(ch)
		}
		call.ch, call.err = ch, err
		close(call.done)
		s.mu.Unlock()
		return ch, err
	}
}

// dial runs the attempt loop without holding the session lock.
func (s *Session) dial(ctx context.Context) (Channel, io.Closer, error) {
	var lastErr error
	for attempt := 1; s.opts.Attempts <= 0 || attempt <= s.opts.Attempts; attempt++ {
		ch, conn, err := s.opts.Dialer(s.opts.URL)
		if err == nil {
			if attempt > 1 {
				s.log.LogSuccessf("broker connected after %d attempts", attempt)
			}
			return ch, conn, nil
		}
		lastErr = err
		delay := s.opts.Backoff.Delay(attempt)
		s.log.LogWarnf("broker dial attempt %d failed: %v (retry in %s)", attempt, err, delay.Round(time.Millisecond))
		if err := s.sleep(ctx, delay); err != nil {
			return nil, nil, fmt.Errorf("amqp: dial: %w", errors.Join(lastErr, err))
		}
	}
	return nil, nil, fmt.Errorf("amqp: dial after %d attempts: %w", s.opts.Attempts, lastErr)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// watch drops ch from the session once the broker closes it.
func (s *Session) watch(ch Channel) {
	notify := ch.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		if err, ok := <-notify; ok && err != nil {
			s.log.LogWarnf("broker channel closed: %v", err)
		}
		s.Invalidate(ch)
	}()
}

// Invalidate discards ch if it is still the current channel so the next
// Channel call redials.
func (s *Session) Invalidate(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil || s.ch != ch {
		return
	}
	s.release()
}

func (s *Session) release() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.ch, s.conn = nil, nil
}

// Ping reports whether a channel can be obtained.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Channel(ctx)
	return err
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.release()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
