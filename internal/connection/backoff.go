package connection

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Base * Factor^attempt, capped at Max,
// then spread by +/- Jitter (a fraction of the delay).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64

	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff returns the reconnect policy used in production.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(base) * math.Pow(factor, float64(attempt))
	if d > float64(max) || math.IsInf(d, 0) {
		d = float64(max)
	}

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64 // #nosec G404 -- jitter does not need crypto randomness
		}
		d *= 1 - b.Jitter + 2*b.Jitter*r()
	}
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}
