package backoff_test

import (
	"testing"
	"time"

	"github.com/tripwire/chancore/internal/backoff"
)

// fixedRand returns a deterministic source that always yields v.
func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func TestNextStartsAtInitial(t *testing.T) {
	b := backoff.New(backoff.Config{
		Initial:     100 * time.Millisecond,
		Max:         time.Second,
		RandFloat64: fixedRand(0.5), // no jitter (midpoint of [-1,1] -> delta 0)
	})
	got := b.Next()
	if got != 100*time.Millisecond {
		t.Fatalf("first Next() = %v, want 100ms", got)
	}
}

func TestNextGrowsByMultiplierAndCaps(t *testing.T) {
	b := backoff.New(backoff.Config{
		Initial:     100 * time.Millisecond,
		Max:         300 * time.Millisecond,
		RandFloat64: fixedRand(0.5),
	})
	want := []time.Duration{
		100 * time.Millisecond,
		160 * time.Millisecond,
		256 * time.Millisecond,
		300 * time.Millisecond, // 256*1.6 = 409.6, capped at 300
		300 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("Next() call %d = %v, want %v", i, got, w)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	// RandFloat64 returning 1.0 yields the maximum +0.2 jitter.
	bHigh := backoff.New(backoff.Config{Initial: time.Second, Max: time.Minute, RandFloat64: fixedRand(1.0)})
	if got, want := bHigh.Next(), 1200*time.Millisecond; got != want {
		t.Fatalf("max jitter Next() = %v, want %v", got, want)
	}

	// RandFloat64 returning 0.0 yields the minimum -0.2 jitter.
	bLow := backoff.New(backoff.Config{Initial: time.Second, Max: time.Minute, RandFloat64: fixedRand(0.0)})
	if got, want := bLow.Next(), 800*time.Millisecond; got != want {
		t.Fatalf("min jitter Next() = %v, want %v", got, want)
	}
}

func TestReset(t *testing.T) {
	b := backoff.New(backoff.Config{Initial: 50 * time.Millisecond, Max: time.Second, RandFloat64: fixedRand(0.5)})
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != 50*time.Millisecond {
		t.Fatalf("after Reset Next() = %v, want 50ms", got)
	}
}

func TestClampTo31Bits(t *testing.T) {
	b := backoff.New(backoff.Config{
		Initial:     time.Hour * 1000000, // absurdly large
		Max:         time.Hour * 1000000,
		RandFloat64: fixedRand(0.5),
	})
	got := b.Next()
	if got.Milliseconds() > int64(1<<31-1) {
		t.Fatalf("backoff not clamped to 31-bit ms range: %v", got)
	}
}
