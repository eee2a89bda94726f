// Package throttle implements the per-channel retry throttle: a token
// bucket that suppresses further retry/hedging attempts once the channel
// has seen too many recent failures relative to successes.
package throttle

import (
	"log/slog"
	"math"
	"sync"
)

// Throttle is a thread-safe token bucket shared by every RetryCall and
// HedgingCall on a channel. Throttling is considered active once tokens
// drop to or below half of maxTokens.
type Throttle struct {
	mu         sync.Mutex
	maxTokens  float64
	tokenRatio float64
	tokens     float64
	logger     *slog.Logger
}

// New constructs a Throttle with maxTokens (must be > 0) and tokenRatio in
// [0, 1], truncated to 3 decimal places as required by the policy wire
// format. logger may be nil, in which case state changes are not logged.
func New(maxTokens int, tokenRatio float64, logger *slog.Logger) *Throttle {
	if maxTokens <= 0 {
		maxTokens = 1
	}
	tokenRatio = truncate3(clamp(tokenRatio, 0, 1))
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &Throttle{
		maxTokens:  float64(maxTokens),
		tokenRatio: tokenRatio,
		tokens:     float64(maxTokens),
		logger:     logger,
	}
}

// OnSuccess adds tokenRatio tokens, clamped at maxTokens.
func (t *Throttle) OnSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := t.active()
	t.tokens = math.Min(t.tokens+t.tokenRatio, t.maxTokens)
	t.logTransition(before)
}

// OnFailure subtracts one token, clamped at 0.
func (t *Throttle) OnFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := t.active()
	t.tokens = math.Max(t.tokens-1, 0)
	t.logTransition(before)
}

// Active reports whether the bucket currently suppresses further attempts:
// tokens <= maxTokens/2.
func (t *Throttle) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active()
}

// Tokens returns the current token count, always within [0, maxTokens].
func (t *Throttle) Tokens() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens
}

func (t *Throttle) active() bool {
	return t.tokens <= t.maxTokens/2
}

func (t *Throttle) logTransition(wasActive bool) {
	if isActive := t.active(); isActive != wasActive {
		t.logger.Debug("throttle: active state changed",
			slog.Bool("active", isActive),
			slog.Float64("tokens", t.tokens),
			slog.Float64("max_tokens", t.maxTokens),
		)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate3(v float64) float64 {
	return math.Trunc(v*1000) / 1000
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
