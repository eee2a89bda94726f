package balancer

import (
	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/subchannel"
)

// ChannelState is the aggregate (connectivity, picker) pair a balancer
// publishes and the ConnectionManager observes (spec.md §3).
type ChannelState struct {
	Connectivity subchannel.State
	Picker       Picker
}

// ChannelControlHelper is how a LoadBalancer creates subchannels and
// publishes its ChannelState, without holding a strong reference back to
// the ConnectionManager (spec.md "Design Notes").
type ChannelControlHelper interface {
	// NewSubchannel creates and registers a Subchannel over addrs, wired to
	// report every transition to helper (ordinarily the calling balancer
	// itself).
	NewSubchannel(addrs []address.BalancerAddress, helper subchannel.Helper) *subchannel.Subchannel

	// UpdateState publishes a new (connectivity, picker) snapshot.
	UpdateState(ChannelState)

	// ResolveNow asks the resolver to refresh out of band (e.g. after
	// every subchannel enters TransientFailure).
	ResolveNow()
}

// LoadBalancer is the common contract of spec.md §4.5. Implementations
// own their subchannels exclusively.
type LoadBalancer interface {
	// UpdateClientConnState applies a new address list (and optional raw
	// policy config) from the resolver.
	UpdateClientConnState(addrs []address.BalancerAddress, lbConfig any) error

	// RequestConnection asks every idle subchannel to connect.
	RequestConnection()

	// Dispose shuts down every owned subchannel. Terminal.
	Dispose()
}

// Factory constructs a fresh LoadBalancer bound to helper.
type Factory func(helper ChannelControlHelper) LoadBalancer

// registry is the small string-keyed factory map spec.md's "Design Notes"
// calls for in place of a class hierarchy.
var registry = map[string]Factory{
	"pick_first": func(helper ChannelControlHelper) LoadBalancer {
		return NewPickFirst(helper)
	},
	"round_robin": func(helper ChannelControlHelper) LoadBalancer {
		return NewRoundRobin(helper)
	},
}

// Lookup returns the factory registered under name, if any.
func Lookup(name string) (Factory, bool) {
	f, ok := registry[name]
	return f, ok
}

// Register adds or replaces a factory, letting callers extend the policy
// set without modifying this package (e.g. a weighted variant).
func Register(name string, f Factory) {
	registry[name] = f
}

// unavailableStatus builds the status an all-TransientFailure balancer
// reports.
func unavailableStatus(msg string) serviceconfig.Status {
	return serviceconfig.New(serviceconfig.Unavailable, msg)
}
