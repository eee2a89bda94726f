// Package balancer implements the pluggable load-balancing policies of
// spec.md §4.5: pickers that turn one outgoing request into a subchannel
// decision, and the LoadBalancer variants (PickFirst, RoundRobin,
// ChildHandler) that own subchannels and publish pickers.
package balancer

import (
	"context"
	"sync/atomic"

	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/subchannel"
)

// PickResultKind tags the variant a PickResult carries (spec.md §3).
type PickResultKind int

const (
	// Complete carries a subchannel to use for this request.
	Complete PickResultKind = iota
	// Queue means no subchannel is available yet; retry picking later.
	Queue
	// Fail is a failable outcome, subject to wait-for-ready.
	Fail
	// Drop is permanent and bypasses retry/hedging entirely.
	Drop
)

func (k PickResultKind) String() string {
	switch k {
	case Complete:
		return "Complete"
	case Queue:
		return "Queue"
	case Fail:
		return "Fail"
	case Drop:
		return "Drop"
	default:
		return "Unknown"
	}
}

// CallTracker is notified of call-lifecycle events by the subchannel a
// pick resolved to, e.g. for load-reporting pickers. The core's built-in
// pickers never populate one.
type CallTracker interface {
	Complete(status serviceconfig.Status)
}

// PickContext carries the outgoing request's context and method name to
// the picker.
type PickContext struct {
	Ctx    context.Context
	Method string
}

// PickResult is the outcome of Picker.Pick: exactly one of its fields is
// meaningful, selected by Kind.
type PickResult struct {
	Kind       PickResultKind
	Subchannel *subchannel.Subchannel
	Status     serviceconfig.Status
	Tracker    CallTracker
}

// Picker is a pure function from PickContext to PickResult (spec.md §3).
// Pickers must never call back into a balancer or acquire a balancer lock;
// they are immutable value-like snapshots shared freely with callers
// (spec.md §5 lock-ordering discipline).
type Picker interface {
	Pick(ctx PickContext) PickResult
}

// EmptyPicker always queues: used while a balancer has no subchannels yet.
type EmptyPicker struct{}

func (EmptyPicker) Pick(PickContext) PickResult { return PickResult{Kind: Queue} }

// ErrorPicker always fails with a fixed status: used when a balancer has
// given up (e.g. every subchannel is in TransientFailure).
type ErrorPicker struct {
	Status serviceconfig.Status
}

func (p ErrorPicker) Pick(PickContext) PickResult {
	return PickResult{Kind: Fail, Status: p.Status}
}

// SinglePicker always returns the same Ready subchannel: used by PickFirst.
type SinglePicker struct {
	Subchannel *subchannel.Subchannel
}

func (p SinglePicker) Pick(PickContext) PickResult {
	return PickResult{Kind: Complete, Subchannel: p.Subchannel}
}

// RoundRobinPicker cycles over a fixed list of Ready subchannels, starting
// at a random offset (spec.md §4.5 scenario S3).
type RoundRobinPicker struct {
	subchannels []*subchannel.Subchannel
	counter     atomic.Uint32
}

// NewRoundRobinPicker builds a picker over subchannels starting at
// startOffset (the balancer chooses this randomly per spec.md §4.5).
func NewRoundRobinPicker(subchannels []*subchannel.Subchannel, startOffset int) *RoundRobinPicker {
	p := &RoundRobinPicker{subchannels: append([]*subchannel.Subchannel(nil), subchannels...)}
	if n := len(subchannels); n > 0 {
		p.counter.Store(uint32(startOffset % n))
	}
	return p
}

func (p *RoundRobinPicker) Pick(PickContext) PickResult {
	if len(p.subchannels) == 0 {
		return PickResult{Kind: Queue}
	}
	idx := p.counter.Add(1) - 1
	sc := p.subchannels[int(idx)%len(p.subchannels)]
	return PickResult{Kind: Complete, Subchannel: sc}
}

// Equal reports whether two pickers are the same snapshot by value, used
// to skip republishing a picker that would be identical to the one already
// published (spec.md "Design Notes", duplicate resolver updates).
func Equal(a, b Picker) bool {
	switch pa := a.(type) {
	case EmptyPicker:
		_, ok := b.(EmptyPicker)
		return ok
	case ErrorPicker:
		pb, ok := b.(ErrorPicker)
		return ok && pa.Status == pb.Status
	case SinglePicker:
		pb, ok := b.(SinglePicker)
		return ok && pa.Subchannel == pb.Subchannel
	case *RoundRobinPicker:
		pb, ok := b.(*RoundRobinPicker)
		if !ok || len(pa.subchannels) != len(pb.subchannels) {
			return false
		}
		for i := range pa.subchannels {
			if pa.subchannels[i] != pb.subchannels[i] {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
