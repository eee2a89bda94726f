// Package hedging implements HedgingCall, the parallel hedged-call state
// machine of spec.md §4.10: up to a policy's max_attempts run
// concurrently, separated by a hedging delay that a sibling attempt's
// non-fatal failure can interrupt, all buffering outgoing messages until
// the call commits to one underlying attempt.
package hedging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/chancore/internal/buffer"
	"github.com/tripwire/chancore/internal/callattempt"
	"github.com/tripwire/chancore/internal/callctx"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/throttle"
)

// CommitReason records why a Call committed (spec.md §4.10).
type CommitReason int

const (
	CommitUnknown CommitReason = iota
	// CommitDrop means the picker's Drop signal was observed on one
	// attempt; never retried regardless of policy.
	CommitDrop
	// CommitSuccess means an attempt reported success: response headers
	// arrived (streaming or not), or its status was OK.
	CommitSuccess
	// CommitFatal means an attempt failed with a status outside the
	// policy's non-fatal set.
	CommitFatal
	// CommitDeadlineExceeded means the call's own deadline fired.
	CommitDeadlineExceeded
	// CommitCanceled means the caller canceled the call.
	CommitCanceled
	// CommitLastAttempt means every sibling hedge failed non-fatally and
	// one attempt remains with no further attempts possible (the cap was
	// reached, or the throttle now suppresses more); the call binds to
	// that sole survivor rather than waiting idle.
	CommitLastAttempt
	// CommitAllFailed means every attempt failed (fatally or not) and
	// none remain.
	CommitAllFailed
	// CommitBufferOverflow means a write would have exceeded the call or
	// channel buffer budget; one in-flight attempt committed immediately
	// (spec.md §7 RetryBudgetExceeded).
	CommitBufferOverflow
)

func (r CommitReason) String() string {
	switch r {
	case CommitDrop:
		return "Drop"
	case CommitSuccess:
		return "Success"
	case CommitFatal:
		return "Fatal"
	case CommitDeadlineExceeded:
		return "DeadlineExceeded"
	case CommitCanceled:
		return "Canceled"
	case CommitLastAttempt:
		return "LastAttempt"
	case CommitAllFailed:
		return "AllFailed"
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

// Call is the HedgingCall state machine of spec.md §4.10.
type Call struct {
	method      string
	factory     callattempt.Factory
	policy      serviceconfig.HedgingPolicy
	throttle    *throttle.Throttle
	buf         *buffer.Buffer
	token       *callctx.Token
	logger      *slog.Logger
	interruptCh chan time.Duration

	mu               sync.Mutex
	launched         int
	active           map[callattempt.Attempt]struct{}
	committed        bool
	committedAttempt callattempt.Attempt
	result           Result

	doneCh chan struct{}
}

// New constructs a Call and starts hedging immediately. token is the
// call's composite cancellation (caller ∪ deadline).
func New(method string, factory callattempt.Factory, policy serviceconfig.HedgingPolicy, th *throttle.Throttle, buf *buffer.Buffer, token *callctx.Token, logger *slog.Logger) *Call {
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
		interruptCh: make(chan time.Duration, 1),
		active:      make(map[callattempt.Attempt]struct{}),
		doneCh:      make(chan struct{}),
	}
	go c.run()
	return c
}

func maxAttempts(p serviceconfig.HedgingPolicy) int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
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

// run is the coordinator of spec.md §4.10: it launches attempts either
// all at once (hedging_delay == 0) or one at a time, separated by the
// hedging delay or a sibling's non-fatal-failure interrupt.
func (c *Call) run() {
	if c.policy.HedgingDelay <= 0 {
		c.runImmediate()
		return
	}
	c.runDelayed()
}

func (c *Call) runImmediate() {
	cap := maxAttempts(c.policy)
	for i := 0; i < cap; i++ {
		if c.isCommitted() {
			return
		}
		if i > 0 && c.throttle.Active() {
			return
		}
		c.launchAttempt()
	}
}

func (c *Call) runDelayed() {
	c.launchAttempt()

	cap := maxAttempts(c.policy)
	for {
		if c.isCommitted() {
			return
		}
		c.mu.Lock()
		launched := c.launched
		c.mu.Unlock()
		if launched >= cap || c.throttle.Active() {
			return
		}

		wait := c.policy.HedgingDelay
		select {
		case override := <-c.interruptCh:
			if override > 0 {
				select {
				case <-time.After(override):
				case <-c.token.Done():
					c.commitDeadlineOrCancel()
					return
				}
			}
		case <-time.After(wait):
		case <-c.token.Done():
			c.commitDeadlineOrCancel()
			return
		}

		if c.isCommitted() {
			return
		}
		c.launchAttempt()
	}
}

func (c *Call) isCommitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

func (c *Call) launchAttempt() {
	c.mu.Lock()
	if c.committed {
		c.mu.Unlock()
		return
	}
	c.launched++
	c.mu.Unlock()

	attempt := c.factory()
	c.mu.Lock()
	c.active[attempt] = struct{}{}
	c.mu.Unlock()

	go c.runAttempt(attempt)
}

// runAttempt drives one hedge the same way RetryCall drives its single
// attempt: Drop and headers-received commit immediately; otherwise the
// status is classified as fatal or non-fatal (spec.md §4.10).
func (c *Call) runAttempt(attempt callattempt.Attempt) {
	if err := attempt.Start(c.token.Context()); err != nil {
		c.failAttempt(attempt, synthesizeStatus(c.token, err), nil)
		return
	}

	c.replayBuffered(attempt)

	hr, err := attempt.Headers(c.token.Context())
	if err != nil {
		c.failAttempt(attempt, synthesizeStatus(c.token, err), nil)
		return
	}

	trailers := attempt.Trailers()
	if callattempt.IsDrop(trailers) {
		c.commit(CommitDrop, attempt, serviceconfig.New(serviceconfig.Unavailable, "dropped by picker"))
		return
	}

	if hr.Status == nil {
		c.throttle.OnSuccess()
		c.commit(CommitSuccess, attempt, serviceconfig.OKStatus)
		if !hr.Streaming {
			go c.observeFinalStatus(attempt)
		}
		return
	}

	if hr.Status.IsOK() {
		c.throttle.OnSuccess()
		c.commit(CommitSuccess, attempt, *hr.Status)
		return
	}

	c.failAttempt(attempt, *hr.Status, trailers)
}

// replayBuffered writes every message buffered before this attempt
// started, in FIFO order (spec.md §4.8, §5 ordering guarantee).
func (c *Call) replayBuffered(attempt callattempt.Attempt) {
	for _, msg := range c.buf.Messages() {
		_ = attempt.Write(c.token.Context(), msg)
	}
}

// failAttempt handles one hedge's failure: a deadline/cancel always wins
// outright; a non-fatal status removes this hedge and nudges the
// coordinator to launch the next one sooner; anything else is fatal and
// commits the call to this failure.
func (c *Call) failAttempt(attempt callattempt.Attempt, status serviceconfig.Status, trailers map[string]string) {
	attempt.Cancel()

	switch c.token.Reason() {
	case callctx.Timeout:
		c.commit(CommitDeadlineExceeded, nil, serviceconfig.New(serviceconfig.DeadlineExceeded, "call deadline exceeded"))
		return
	case callctx.CallerCancel:
		c.commit(CommitCanceled, nil, serviceconfig.New(serviceconfig.Canceled, "call canceled"))
		return
	}

	if c.policy.IsNonFatal(status.Code) {
		c.throttle.OnFailure()
		c.removeActive(attempt)
		c.triggerDelayInterrupt(trailers)
		c.checkCommitConditions(status)
		return
	}

	c.commit(CommitFatal, attempt, status)
}

func (c *Call) removeActive(attempt callattempt.Attempt) {
	c.mu.Lock()
	delete(c.active, attempt)
	c.mu.Unlock()
}

// triggerDelayInterrupt wakes the coordinator so it launches the next
// hedge sooner than the configured delay, optionally overriding the wait
// with a server pushback (spec.md §4.10).
func (c *Call) triggerDelayInterrupt(trailers map[string]string) {
	pb := callattempt.ParsePushback(trailers)
	var wait time.Duration
	if pb.Present && !pb.Stop {
		wait = pb.Delay
	}
	select {
	case c.interruptCh <- wait:
	default:
	}
}

// checkCommitConditions evaluates the "single remaining" and "none
// remaining" commit conditions of spec.md §4.10 after one hedge has
// failed non-fatally.
func (c *Call) checkCommitConditions(lastFailureStatus serviceconfig.Status) {
	c.mu.Lock()
	if c.committed {
		c.mu.Unlock()
		return
	}
	remaining := len(c.active)
	launched := c.launched
	var lone callattempt.Attempt
	if remaining == 1 {
		for a := range c.active {
			lone = a
		}
	}
	c.mu.Unlock()

	switch {
	case remaining == 0 && (launched >= maxAttempts(c.policy) || c.throttle.Active()):
		c.commit(CommitAllFailed, nil, lastFailureStatus)
	case remaining == 1 && (launched >= maxAttempts(c.policy) || c.throttle.Active()):
		c.commit(CommitLastAttempt, lone, serviceconfig.OKStatus)
	}
}

func (c *Call) commitDeadlineOrCancel() {
	if c.token.Reason() == callctx.Timeout {
		c.commit(CommitDeadlineExceeded, nil, serviceconfig.New(serviceconfig.DeadlineExceeded, "call deadline exceeded"))
	} else {
		c.commit(CommitCanceled, nil, serviceconfig.New(serviceconfig.Canceled, "call canceled"))
	}
}

// observeFinalStatus waits for a non-streaming call's terminal status
// after headers were already committed, solely to keep the throttle
// accurate (mirrors retry.Call's behavior, spec.md §4.9 step 3).
func (c *Call) observeFinalStatus(attempt callattempt.Attempt) {
	status := attempt.FinalStatus(c.token.Context())
	if status.IsOK() {
		c.throttle.OnSuccess()
	} else {
		c.throttle.OnFailure()
	}
}

// commit is the one-shot transition to a single underlying attempt. Every
// other active attempt is canceled. Safe to call more than once; only the
// first call has effect.
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
	c.result = Result{Reason: reason, Status: status, Attempts: c.launched}
	others := make([]callattempt.Attempt, 0, len(c.active))
	for a := range c.active {
		if a != attempt {
			others = append(others, a)
		}
	}
	c.active = make(map[callattempt.Attempt]struct{})
	c.mu.Unlock()

	for _, a := range others {
		a.Cancel()
	}
	c.buf.Clear()
	c.logger.Debug("hedging: call committed",
		slog.String("method", c.method), slog.String("reason", reason.String()), slog.Int("attempts", c.result.Attempts))
	close(c.doneCh)
}

// Write broadcasts msg to every currently active hedge (spec.md §4.10
// "Client-stream writes broadcast to every active attempt") and resolves
// as soon as one attempt durably observes it, buffering first so a hedge
// launched later still replays every write in order.
func (c *Call) Write(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	if c.committed {
		attempt := c.committedAttempt
		c.mu.Unlock()
		if attempt == nil {
			return fmt.Errorf("hedging: call committed with no usable attempt")
		}
		return attempt.Write(ctx, msg)
	}

	added := c.buf.TryAdd(msg)
	attempts := make([]callattempt.Attempt, 0, len(c.active))
	for a := range c.active {
		attempts = append(attempts, a)
	}
	c.mu.Unlock()

	if !added {
		c.mu.Lock()
		var any callattempt.Attempt
		for a := range c.active {
			any = a
			break
		}
		c.mu.Unlock()
		c.commit(CommitBufferOverflow, any, serviceconfig.New(serviceconfig.ResourceExhausted, "hedging buffer budget exceeded"))
		if any == nil {
			return fmt.Errorf("hedging: buffer budget exceeded with no active attempt")
		}
		return any.Write(ctx, msg)
	}

	if len(attempts) == 0 {
		return nil
	}

	results := make(chan error, len(attempts))
	for _, a := range attempts {
		a := a
		go func() { results <- a.Write(ctx, msg) }()
	}
	var lastErr error
	for range attempts {
		if err := <-results; err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

// synthesizeStatus builds a status for an unexpected Start/Headers error,
// distinguishing cancel vs deadline vs other (mirrors retry.Call, spec.md
// §4.9 step 4 applied identically to hedging per §4.10).
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
