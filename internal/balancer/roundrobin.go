package balancer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/backoff"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/subchannel"
)

// RoundRobin maintains one subchannel per resolved address. Its picker
// cycles over the Ready subset starting at a random offset (spec.md §4.5,
// scenario S3); aggregate connectivity is Ready iff at least one
// subchannel is Ready, otherwise the strongest of {Connecting,
// TransientFailure, Idle}.
type RoundRobin struct {
	helper   ChannelControlHelper
	randIntn func(int) int

	mu        sync.Mutex
	byAddr    map[string]*subchannel.Subchannel
	states    map[*subchannel.Subchannel]subchannel.State
	reconnect map[*subchannel.Subchannel]*backoff.Backoff
}

// NewRoundRobin constructs a RoundRobin balancer bound to helper, using
// math/rand for the picker's start offset.
func NewRoundRobin(helper ChannelControlHelper) *RoundRobin {
	return NewRoundRobinWithRand(helper, rand.Intn)
}

// NewRoundRobinWithRand is NewRoundRobin with an injectable offset source,
// for deterministic tests (spec.md scenario S3 fixes the offset at 0).
func NewRoundRobinWithRand(helper ChannelControlHelper, randIntn func(int) int) *RoundRobin {
	return &RoundRobin{
		helper:    helper,
		randIntn:  randIntn,
		byAddr:    make(map[string]*subchannel.Subchannel),
		states:    make(map[*subchannel.Subchannel]subchannel.State),
		reconnect: make(map[*subchannel.Subchannel]*backoff.Backoff),
	}
}

func (b *RoundRobin) UpdateClientConnState(addrs []address.BalancerAddress, _ any) error {
	b.mu.Lock()

	want := make(map[string]address.BalancerAddress, len(addrs))
	for _, a := range addrs {
		want[a.Endpoint] = a
	}

	// Shut down subchannels for addresses no longer present.
	for ep, sc := range b.byAddr {
		if _, ok := want[ep]; !ok {
			delete(b.byAddr, ep)
			delete(b.states, sc)
			delete(b.reconnect, sc)
			sc.Shutdown()
		}
	}

	var toCreate []address.BalancerAddress
	for ep, a := range want {
		if _, ok := b.byAddr[ep]; !ok {
			toCreate = append(toCreate, a)
		}
	}
	b.mu.Unlock()

	// Creating subchannels and kicking off their first connect is
	// independent per address; fan it out concurrently.
	var eg errgroup.Group
	for _, a := range toCreate {
		a := a
		eg.Go(func() error {
			sc := b.helper.NewSubchannel([]address.BalancerAddress{a}, b)
			b.mu.Lock()
			b.byAddr[a.Endpoint] = sc
			b.states[sc] = subchannel.Idle
			b.reconnect[sc] = backoff.New(backoff.Config{})
			b.mu.Unlock()
			sc.RequestConnection(context.Background())
			return nil
		})
	}
	_ = eg.Wait()

	b.mu.Lock()
	b.publishLocked()
	b.mu.Unlock()
	return nil
}

func (b *RoundRobin) RequestConnection() {
	b.mu.Lock()
	subs := make([]*subchannel.Subchannel, 0, len(b.byAddr))
	for _, sc := range b.byAddr {
		subs = append(subs, sc)
	}
	b.mu.Unlock()
	for _, sc := range subs {
		sc.RequestConnection(context.Background())
	}
}

func (b *RoundRobin) Dispose() {
	b.mu.Lock()
	subs := make([]*subchannel.Subchannel, 0, len(b.byAddr))
	for _, sc := range b.byAddr {
		subs = append(subs, sc)
	}
	b.byAddr = make(map[string]*subchannel.Subchannel)
	b.states = make(map[*subchannel.Subchannel]subchannel.State)
	b.reconnect = make(map[*subchannel.Subchannel]*backoff.Backoff)
	b.mu.Unlock()
	for _, sc := range subs {
		sc.Shutdown()
	}
}

// OnSubchannelStateChange implements subchannel.Helper. On TransientFailure
// it schedules a backoff-delayed reconnect of sc, per spec.md §4.4's
// "driven by balancer via backoff" transition; the backoff sequence for sc
// resets once it reaches Ready.
func (b *RoundRobin) OnSubchannelStateChange(sc *subchannel.Subchannel, state subchannel.State, _ serviceconfig.Status) {
	b.mu.Lock()
	if _, tracked := b.states[sc]; !tracked {
		b.mu.Unlock()
		return
	}
	b.states[sc] = state
	b.publishLocked()
	if state == subchannel.Ready {
		if bo, ok := b.reconnect[sc]; ok {
			bo.Reset()
		}
	}
	var delay time.Duration
	resolveNow := state == subchannel.TransientFailure
	if resolveNow {
		if bo, ok := b.reconnect[sc]; ok {
			delay = bo.Next()
		}
	}
	b.mu.Unlock()

	if resolveNow {
		b.helper.ResolveNow()
		time.AfterFunc(delay, func() {
			b.mu.Lock()
			_, stillTracked := b.states[sc]
			b.mu.Unlock()
			if stillTracked {
				sc.RequestConnection(context.Background())
			}
		})
	}
}

// publishLocked walks b.byAddr in Endpoint-sorted order rather than
// ranging over the state map directly: map iteration order is randomized
// per-range in Go, and the round-robin cycling order must be stable
// across publishes (spec.md §4.5/S3 randomizes only the picker's start
// offset, not the underlying subchannel order).
func (b *RoundRobin) publishLocked() {
	eps := make([]string, 0, len(b.byAddr))
	for ep := range b.byAddr {
		eps = append(eps, ep)
	}
	sort.Strings(eps)

	var ready []*subchannel.Subchannel
	strongest := subchannel.Idle
	for _, ep := range eps {
		sc := b.byAddr[ep]
		st := b.states[sc]
		if st == subchannel.Ready {
			ready = append(ready, sc)
		}
		strongest = strongerOf(strongest, st)
	}

	if len(ready) > 0 {
		offset := 0
		if len(ready) > 1 {
			offset = b.randIntn(len(ready))
		}
		b.helper.UpdateState(ChannelState{
			Connectivity: subchannel.Ready,
			Picker:       NewRoundRobinPicker(ready, offset),
		})
		return
	}

	var picker Picker
	switch strongest {
	case subchannel.TransientFailure:
		picker = ErrorPicker{Status: unavailableStatus("no healthy subchannels")}
	default:
		picker = EmptyPicker{}
	}
	b.helper.UpdateState(ChannelState{Connectivity: strongest, Picker: picker})
}

// strongerOf ranks Connecting > TransientFailure > Idle, per spec.md §4.5.
func strongerOf(a, b subchannel.State) subchannel.State {
	rank := func(s subchannel.State) int {
		switch s {
		case subchannel.Connecting:
			return 2
		case subchannel.TransientFailure:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
