package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/backoff"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/subchannel"
)

// PickFirst maintains a single subchannel over the full address list,
// relying on the subchannel's transport to fail over between addresses on
// connect failure; its aggregate state mirrors that one subchannel
// (spec.md §4.5).
type PickFirst struct {
	helper ChannelControlHelper

	mu        sync.Mutex
	sc        *subchannel.Subchannel
	reconnect *backoff.Backoff
}

// NewPickFirst constructs a PickFirst balancer bound to helper.
func NewPickFirst(helper ChannelControlHelper) *PickFirst {
	return &PickFirst{helper: helper, reconnect: backoff.New(backoff.Config{})}
}

func (b *PickFirst) UpdateClientConnState(addrs []address.BalancerAddress, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sc == nil {
		b.sc = b.helper.NewSubchannel(addrs, b)
		b.publishLocked(subchannel.Idle, serviceconfig.OKStatus)
		b.sc.RequestConnection(context.Background())
		return nil
	}
	b.sc.UpdateAddresses(addrs)
	return nil
}

func (b *PickFirst) RequestConnection() {
	b.mu.Lock()
	sc := b.sc
	b.mu.Unlock()
	if sc != nil {
		sc.RequestConnection(context.Background())
	}
}

func (b *PickFirst) Dispose() {
	b.mu.Lock()
	sc := b.sc
	b.sc = nil
	b.mu.Unlock()
	if sc != nil {
		sc.Shutdown()
	}
}

// OnSubchannelStateChange implements subchannel.Helper: the aggregate
// state always mirrors the single owned subchannel.
func (b *PickFirst) OnSubchannelStateChange(sc *subchannel.Subchannel, state subchannel.State, status serviceconfig.Status) {
	b.mu.Lock()
	if b.sc != sc {
		b.mu.Unlock()
		return
	}
	b.publishLocked(state, status)
	if state == subchannel.Ready {
		b.reconnect.Reset()
	}
	var delay time.Duration
	if state == subchannel.TransientFailure {
		delay = b.reconnect.Next()
	}
	b.mu.Unlock()

	if state == subchannel.TransientFailure {
		// Driven by the balancer via backoff, per spec.md §4.4: the
		// subchannel does not reconnect automatically after a failure, so
		// re-resolve (the addresses may have changed) and schedule a
		// delayed reconnect of this same subchannel.
		b.helper.ResolveNow()
		time.AfterFunc(delay, func() {
			b.mu.Lock()
			still := b.sc == sc
			b.mu.Unlock()
			if still {
				sc.RequestConnection(context.Background())
			}
		})
	}
}

func (b *PickFirst) publishLocked(state subchannel.State, status serviceconfig.Status) {
	var picker Picker
	switch state {
	case subchannel.Ready:
		picker = SinglePicker{Subchannel: b.sc}
	case subchannel.TransientFailure:
		picker = ErrorPicker{Status: status}
	default:
		picker = EmptyPicker{}
	}
	b.helper.UpdateState(ChannelState{Connectivity: state, Picker: picker})
}
