package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default reconnection parameters.
const (
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultJitter         = 0.2
)

// Backoff computes the delay before a reconnection attempt: exponential growth
// from Initial by Factor, capped at Max, spread by ±Jitter. A single Next call
// may return less than the previous one; [Backoff.Schedule] yields a sequence
// that never shrinks.
//
// The zero value is usable and takes the defaults above.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the relative spread in [0, 1]. 0.2 means ±20%.
	Jitter float64

	// rand returns a value in [0, 1). Nil means math/rand/v2.
	rand func() float64
}

// Next returns the delay before the attempt numbered attempt (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	initial, maxDelay, factor := b.Initial, b.maxDelay(), b.Factor
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if factor < 1 {
		factor = DefaultBackoffFactor
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(initial) * math.Pow(factor, float64(attempt))
	if d > float64(maxDelay) || math.IsInf(d, 0) {
		d = float64(maxDelay)
	}
	if j := min(max(b.Jitter, 0), 1); j > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		d += (r()*2 - 1) * d * j
	}
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Schedule returns a fresh reconnection sequence driven by b.
func (b Backoff) Schedule() *Schedule {
	return &Schedule{backoff: b}
}

// Schedule is a stateful run of reconnection delays. Each delay is at least
// the previous one and at most the backoff's Max. Not safe for concurrent use.
type Schedule struct {
	backoff Backoff
	attempt int
	prev    time.Duration
}

// Next returns the delay before the next attempt and advances the sequence.
func (s *Schedule) Next() time.Duration {
	d := max(s.backoff.Next(s.attempt), s.prev)
	d = min(d, s.backoff.maxDelay())
	s.attempt++
	s.prev = d
	return d
}

// Reset starts the sequence over from Initial.
func (s *Schedule) Reset() {
	s.attempt, s.prev = 0, 0
}

func (b Backoff) maxDelay() time.Duration {
	initial, maxDelay := b.Initial, b.Max
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	return max(maxDelay, initial)
}
