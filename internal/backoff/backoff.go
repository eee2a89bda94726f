// Package backoff implements the core's exponential reconnection backoff:
// deterministic under an injectable random source so the sequence it
// produces is reproducible in tests, unlike github.com/cenkalti/backoff/v4
// (used elsewhere in this module for ordinary jittered retry loops).
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// multiplier is the factor applied to the current backoff on every call to
// Next, per spec: M=1.6.
const multiplier = 1.6

// jitterFraction bounds the uniform jitter applied around the current
// backoff: ±0.2 × current.
const jitterFraction = 0.2

// maxMillis bounds backoff durations to a 31-bit millisecond range so timer
// arithmetic downstream (e.g. time.Duration multiplication) never overflows.
const maxMillis = math.MaxInt32

// Config parameterizes a Backoff sequence.
type Config struct {
	// Initial is the first value Next returns (before any jitter is
	// applied on top of it). Required, must be > 0.
	Initial time.Duration

	// Max caps the pre-jitter backoff value. Required, must be >= Initial.
	Max time.Duration

	// RandFloat64, when non-nil, is used in place of math/rand for
	// jitter so sequences are reproducible in tests. It must return a
	// value in [0, 1).
	RandFloat64 func() float64
}

// Backoff produces a monotone-non-decreasing (modulo jitter), capped
// sequence of durations: initial, multiplied by 1.6 on each subsequent
// call, capped at Max, and perturbed by uniform jitter in ±0.2×current.
type Backoff struct {
	cfg     Config
	current time.Duration
	first   bool
}

// New constructs a Backoff from cfg. Zero-value Initial/Max are replaced
// with a 1s/120s default pair so a zero Config is still usable.
func New(cfg Config) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = 120 * time.Second
	}
	if cfg.RandFloat64 == nil {
		cfg.RandFloat64 = rand.Float64
	}
	return &Backoff{cfg: cfg, first: true}
}

// Next returns the next backoff duration in the sequence and advances it.
func (b *Backoff) Next() time.Duration {
	if b.first {
		b.current = clampMillis(b.cfg.Initial)
		b.first = false
	} else {
		next := time.Duration(float64(b.current) * multiplier)
		if next > b.cfg.Max {
			next = b.cfg.Max
		}
		b.current = clampMillis(next)
	}
	return jitter(b.current, b.cfg.RandFloat64)
}

// Reset restores the sequence to its initial state; the next call to Next
// returns cfg.Initial (plus jitter) again.
func (b *Backoff) Reset() {
	b.first = true
	b.current = 0
}

func jitter(d time.Duration, randFloat64 func() float64) time.Duration {
	// Uniform in [-jitterFraction, +jitterFraction] * d.
	delta := (randFloat64()*2 - 1) * jitterFraction
	jittered := time.Duration(float64(d) * (1 + delta))
	if jittered < 0 {
		jittered = 0
	}
	return clampMillis(jittered)
}

func clampMillis(d time.Duration) time.Duration {
	ms := d.Milliseconds()
	if ms > maxMillis {
		ms = maxMillis
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
