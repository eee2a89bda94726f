// Package retry implements RetryCall, the sequential retry state machine
// of spec.md §4.9: a worker that runs one attempt at a time, classifying
// its outcome into either a commit or a delayed next try, buffering
// outgoing messages until the call commits to one underlying attempt.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tripwire/chancore/internal/buffer"
	"github.com/tripwire/chancore/internal/callattempt"
	"github.com/tripwire/chancore/internal/callctx"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/throttle"
)

// CommitReason records why a Call committed to one attempt, for logging
// and tests (spec.md §4.9 step 3's named outcomes).
type CommitReason int

const (
	CommitUnknown CommitReason = iota
	// CommitDrop means the picker's Drop signal was observed; never
	// retried regardless of policy.
	CommitDrop
	// CommitHeadersReceived means response headers arrived (or, for a
	// streaming call, a terminal OK after headers), per spec.md's Design
	// Notes item treating both uniformly.
	CommitHeadersReceived
	// CommitPushbackStop means the server's pushback trailer asked the
	// client to stop retrying.
	CommitPushbackStop
	// CommitDeadlineExceeded means the call's own deadline fired.
	CommitDeadlineExceeded
	// CommitCanceled means the caller canceled the call.
	CommitCanceled
	// CommitThrottleActive means the retry throttle suppressed a further
	// attempt.
	CommitThrottleActive
	// CommitAttemptsExhausted means the policy's MaxAttempts was reached.
	CommitAttemptsExhausted
	// CommitStatusNotRetryable means the attempt's status code was not in
	// the policy's retryable set.
	CommitStatusNotRetryable
	// CommitBufferOverflow means a write would have exceeded the call or
	// channel buffer budget; the in-flight attempt committed immediately
	// (spec.md §7 RetryBudgetExceeded).
	CommitBufferOverflow
)

func (r CommitReason) String() string {
	switch r {
	case CommitDrop:
		return "Drop"
	case CommitHeadersReceived:
		return "ResponseHeadersReceived"
	case CommitPushbackStop:
		return "PushbackStop"
	case CommitDeadlineExceeded:
		return "DeadlineExceeded"
	case CommitCanceled:
		return "Canceled"
	case CommitThrottleActive:
		return "ThrottleActive"
	case CommitAttemptsExhausted:
		return "AttemptsExhausted"
	case CommitStatusNotRetryable:
		return "StatusNotRetryable"
	case CommitBufferOverflow:
		return "BufferOverflow"
	default:
		return "Unknown"
	}
}

// Result is the outcome a Call settles on once committed.
type Result struct {
	Reason   CommitReason
	Status   serviceconfig.Status
	Attempts int
}

// Call is the RetryCall state machine of spec.md §4.9. Exactly one
// attempt is ever "the committed attempt"; everything buffered before
// commit is replayed, in order, to each new attempt.
type Call struct {
	method      string
	factory     callattempt.Factory
	policy      serviceconfig.RetryPolicy
	throttle    *throttle.Throttle
	buf         *buffer.Buffer
	token       *callctx.Token
	logger      *slog.Logger
	randFloat64 func() float64

	mu               sync.Mutex
	attempts         int
	active           callattempt.Attempt
	committed        bool
	committedAttempt callattempt.Attempt
	result           Result

	doneCh chan struct{}
}

// New constructs a Call and starts its worker goroutine immediately.
// token is the call's composite cancellation (caller ∪ deadline).
func New(method string, factory callattempt.Factory, policy serviceconfig.RetryPolicy, th *throttle.Throttle, buf *buffer.Buffer, token *callctx.Token, logger *slog.Logger) *Call {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Call{
		method:      method,
		factory:     factory,
		policy:      policy,
		throttle:    th,
		buf:         buf,
		token:       token,
		logger:      logger,
		randFloat64: rand.Float64,
		doneCh:      make(chan struct{}),
	}
	go c.run()
	return c
}

// Wait blocks until the call commits or ctx is done, returning the
// committed attempt to read responses from.
func (c *Call) Wait(ctx context.Context) (callattempt.Attempt, Result, error) {
	select {
	case <-c.doneCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.committedAttempt, c.result, nil
	case <-ctx.Done():
		return nil, Result{}, ctx.Err()
	}
}

// Write buffers msg (if not yet committed) and forwards it to whichever
// attempt is currently live, per spec.md §4.8/§4.9: writes made before
// commit are replayed to every subsequent attempt in FIFO order.
func (c *Call) Write(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	if c.committed {
		attempt := c.committedAttempt
		c.mu.Unlock()
		return attempt.Write(ctx, msg)
	}

	added := c.buf.TryAdd(msg)
	active := c.active
	c.mu.Unlock()

	if !added {
		c.commit(CommitBufferOverflow, active, serviceconfig.New(serviceconfig.ResourceExhausted, "retry buffer budget exceeded"))
		if active == nil {
			return fmt.Errorf("retry: buffer budget exceeded with no active attempt")
		}
		return active.Write(ctx, msg)
	}
	if active != nil {
		return active.Write(ctx, msg)
	}
	return nil
}

func (c *Call) isCommitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// run is the worker of spec.md §4.9: take an attempt, await its headers,
// classify the result, and either commit or sleep and loop.
func (c *Call) run() {
	next := c.policy.InitialBackoff

	for {
		if c.isCommitted() {
			return
		}

		attempt := c.factory()
		c.mu.Lock()
		c.attempts++
		attemptNum := c.attempts
		c.active = attempt
		c.mu.Unlock()

		if err := attempt.Start(c.token.Context()); err != nil {
			if !c.handleFailure(attempt, attemptNum, synthesizeStatus(c.token, err), nil, &next) {
				return
			}
			continue
		}

		c.replayBuffered(attempt)

		hr, err := attempt.Headers(c.token.Context())
		if err != nil {
			if !c.handleFailure(attempt, attemptNum, synthesizeStatus(c.token, err), nil, &next) {
				return
			}
			continue
		}

		trailers := attempt.Trailers()
		if callattempt.IsDrop(trailers) {
			c.commit(CommitDrop, attempt, serviceconfig.New(serviceconfig.Unavailable, "dropped by picker"))
			return
		}

		if hr.Status == nil {
			// Headers returned with no terminal status yet: a
			// server-initiated response (spec.md §4.9 step 2).
			c.commit(CommitHeadersReceived, attempt, serviceconfig.OKStatus)
			if !hr.Streaming {
				go c.observeFinalStatus(attempt)
			}
			return
		}

		if hr.Status.IsOK() {
			// OK on a streaming response (spec.md Design Notes: a unary
			// OK after headers is treated the same way).
			c.throttle.OnSuccess()
			c.commit(CommitHeadersReceived, attempt, *hr.Status)
			return
		}

		if !c.handleFailure(attempt, attemptNum, *hr.Status, trailers, &next) {
			return
		}
	}
}

// replayBuffered writes every message buffered before this attempt
// started, in FIFO order, so a retried attempt sees exactly what the
// application already wrote (spec.md §4.8).
func (c *Call) replayBuffered(attempt callattempt.Attempt) {
	for _, msg := range c.buf.Messages() {
		_ = attempt.Write(c.token.Context(), msg)
	}
}

// handleFailure evaluates spec.md §4.9 step 3's retry classification for
// a failed attempt. When the attempt may be retried it advances *next,
// sleeps (for the pushback delay, or a random fraction of the previous
// *next) and returns true so the caller tries again; it returns false if
// it committed the call.
func (c *Call) handleFailure(attempt callattempt.Attempt, attemptNum int, status serviceconfig.Status, trailers map[string]string, next *time.Duration) bool {
	attempt.Cancel()

	switch c.token.Reason() {
	case callctx.Timeout:
		c.commit(CommitDeadlineExceeded, nil, serviceconfig.New(serviceconfig.DeadlineExceeded, "call deadline exceeded"))
		return false
	case callctx.CallerCancel:
		c.commit(CommitCanceled, nil, serviceconfig.New(serviceconfig.Canceled, "call canceled"))
		return false
	}

	// A real attempt failure (as opposed to caller cancellation or
	// deadline) is what the throttle tracks (spec.md §4.2).
	c.throttle.OnFailure()

	if c.throttle.Active() {
		c.commit(CommitThrottleActive, nil, status)
		return false
	}

	if c.policy.MaxAttempts > 0 && attemptNum >= c.policy.MaxAttempts {
		c.commit(CommitAttemptsExhausted, nil, status)
		return false
	}

	pushback := callattempt.ParsePushback(trailers)
	if pushback.Present && pushback.Stop {
		c.commit(CommitPushbackStop, nil, status)
		return false
	}

	if !c.policy.IsRetryable(status.Code) {
		c.commit(CommitStatusNotRetryable, nil, status)
		return false
	}

	var sleep time.Duration
	if pushback.Present {
		sleep = pushback.Delay
	} else {
		sleep = time.Duration(c.randFloat64() * float64(*next))
	}
	c.advanceBackoff(next)

	c.logger.Debug("retry: attempt failed, sleeping before next try",
		slog.Int("attempt", attemptNum), slog.String("status", status.Code.String()), slog.Duration("sleep", sleep))

	select {
	case <-time.After(sleep):
		return true
	case <-c.token.Done():
		if c.token.Reason() == callctx.Timeout {
			c.commit(CommitDeadlineExceeded, nil, serviceconfig.New(serviceconfig.DeadlineExceeded, "call deadline exceeded"))
		} else {
			c.commit(CommitCanceled, nil, serviceconfig.New(serviceconfig.Canceled, "call canceled"))
		}
		return false
	}
}

func (c *Call) advanceBackoff(next *time.Duration) {
	mult := c.policy.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	n := time.Duration(float64(*next) * mult)
	if c.policy.MaxBackoff > 0 && n > c.policy.MaxBackoff {
		n = c.policy.MaxBackoff
	}
	*next = n
}

// observeFinalStatus waits for a non-streaming call's terminal status
// after headers were already committed, solely to keep the throttle
// accurate (spec.md §4.9 step 3).
func (c *Call) observeFinalStatus(attempt callattempt.Attempt) {
	status := attempt.FinalStatus(c.token.Context())
	if status.IsOK() {
		c.throttle.OnSuccess()
	} else {
		c.throttle.OnFailure()
	}
}

// commit is the one-shot transition to a single underlying attempt: it
// clears the buffer, exposes the committed attempt, and unblocks Wait
// (spec.md §4.9 "Commit"). Safe to call more than once; only the first
// call has effect. attempt may be nil when the call commits without one
// (deadline/cancel/throttle/exhaustion, where the failed attempt was
// already canceled).
func (c *Call) commit(reason CommitReason, attempt callattempt.Attempt, status serviceconfig.Status) {
	c.mu.Lock()
	if c.committed {
		c.mu.Unlock()
		if attempt != nil {
			attempt.Cancel()
		}
		return
	}
	c.committed = true
	c.committedAttempt = attempt
	c.result = Result{Reason: reason, Status: status, Attempts: c.attempts}
	c.mu.Unlock()

	c.buf.Clear()
	c.logger.Debug("retry: call committed",
		slog.String("method", c.method), slog.String("reason", reason.String()), slog.Int("attempts", c.result.Attempts))
	close(c.doneCh)
}

// synthesizeStatus builds a status for an unexpected Start/Headers error,
// distinguishing cancel vs deadline vs other per spec.md §4.9 step 4.
func synthesizeStatus(token *callctx.Token, err error) serviceconfig.Status {
	switch token.Reason() {
	case callctx.Timeout:
		return serviceconfig.New(serviceconfig.DeadlineExceeded, err.Error())
	case callctx.CallerCancel:
		return serviceconfig.New(serviceconfig.Canceled, err.Error())
	default:
		return serviceconfig.New(serviceconfig.Unknown, err.Error())
	}
}
