package amqp

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is exponential with full jitter: a random delay in
// [0, min(Initial * 2^(attempt-1), Max)].
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(b.Initial) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && ceiling > float64(b.Max) {
		ceiling = float64(b.Max)
	}
	return time.Duration(rand.Float64() * ceiling) //nolint:gosec // jitter does not need crypto rand
}
