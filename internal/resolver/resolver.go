// Package resolver defines the downstream resolver contract of spec.md §6
// and §4.7: a callback-driven producer of address lists plus an optional
// service config, and FileResolver, a concrete implementation backed by a
// YAML target-list file so channel.Manager is exercisable end to end
// without a network (SPEC_FULL.md §5).
package resolver

import (
	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/serviceconfig"
)

// Result is one resolver update, delivered to the callback registered with
// Start (spec.md §6).
type Result struct {
	Addresses []address.BalancerAddress

	// ServiceConfig is the parsed config to use, if the resolver produced
	// one this round.
	ServiceConfig *serviceconfig.ServiceConfig

	// ServiceConfigError is set when the resolver attempted to produce a
	// service config but failed; the channel falls back per spec.md §4.7.
	ServiceConfigError error
}

// Callback receives every resolver Result, including repeated ones
// carrying an unchanged address list (the channel itself dedupes).
type Callback func(Result)

// Resolver is the downstream contract of spec.md §6.
type Resolver interface {
	// Start begins resolution and registers cb for every future result.
	// It may invoke cb synchronously with the first result before
	// returning.
	Start(cb Callback) error

	// ResolveNow asks for an out-of-band refresh, e.g. after a balancer
	// reports every subchannel TransientFailure.
	ResolveNow()

	// Dispose stops the resolver and releases any watched resources.
	Dispose()
}

// StaticResolver is the simplest Resolver: a fixed address list and
// service config, delivered once on Start. Used in tests and for channels
// dialing a single known target.
type StaticResolver struct {
	Result Result
	cb     Callback
}

// NewStatic constructs a StaticResolver that always reports result.
func NewStatic(result Result) *StaticResolver {
	return &StaticResolver{Result: result}
}

func (r *StaticResolver) Start(cb Callback) error {
	r.cb = cb
	cb(r.Result)
	return nil
}

func (r *StaticResolver) ResolveNow() {
	if r.cb != nil {
		r.cb(r.Result)
	}
}

func (r *StaticResolver) Dispose() {}

var _ Resolver = (*StaticResolver)(nil)
