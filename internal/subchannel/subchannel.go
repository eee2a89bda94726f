// Package subchannel implements the per-endpoint connectivity state
// machine owned by a LoadBalancer (spec.md §3, §4.4).
package subchannel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/transport"
)

// State is one of the five connectivity states in spec.md §4.4.
type State int

const (
	Idle State = iota
	Connecting
	Ready
	TransientFailure
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Ready:
		return "Ready"
	case TransientFailure:
		return "TransientFailure"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Helper is the channel-control-helper callback a Subchannel reports every
// transition to. Subchannels reference their owning balancer through this
// interface rather than a strong back-pointer (spec.md "Design Notes").
type Helper interface {
	OnSubchannelStateChange(sc *Subchannel, state State, status serviceconfig.Status)
}

// Subchannel is the state machine of spec.md §4.4, mutated only by its
// owning balancer and by internal transport callbacks (connect results,
// health-ping failures).
type Subchannel struct {
	id     string
	helper Helper
	logger *slog.Logger

	connectGroup singleflight.Group

	notifyCh chan notification

	mu        sync.Mutex
	addrs     []address.BalancerAddress
	transport transport.Transport
	state     State
	lastState serviceconfig.Status
	attempt   int
}

// notification is one queued (state, status) transition awaiting delivery
// to the helper. Transitions are delivered by a single dedicated
// goroutine so the helper observes them in the exact order they occurred,
// even though setStateLocked itself must return promptly while mu is held
// (spec.md invariant: "the state sequence observed by the balancer is a
// valid walk of the transition table").
type notification struct {
	state  State
	status serviceconfig.Status
}

// New creates a Subchannel identified by a fresh UUID, driving tr and
// reporting every transition to helper.
func New(addrs []address.BalancerAddress, tr transport.Transport, helper Helper, logger *slog.Logger) *Subchannel {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subchannel{
		id:        uuid.NewString(),
		helper:    helper,
		logger:    logger,
		addrs:     addrs,
		transport: tr,
		state:     Idle,
		notifyCh:  make(chan notification, 32),
	}
	go s.notifyLoop()
	return s
}

// notifyLoop delivers queued transitions to the helper one at a time, in
// the order they were produced.
func (s *Subchannel) notifyLoop() {
	for n := range s.notifyCh {
		if s.helper != nil {
			s.helper.OnSubchannelStateChange(s, n.state, n.status)
		}
	}
}

// ID returns the subchannel's stable identity.
func (s *Subchannel) ID() string { return s.id }

// State returns the current connectivity state.
func (s *Subchannel) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addresses returns the subchannel's current address list.
func (s *Subchannel) Addresses() []address.BalancerAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]address.BalancerAddress, len(s.addrs))
	copy(out, s.addrs)
	return out
}

// UpdateAddresses replaces the subchannel's address list. Does not itself
// trigger a reconnect.
func (s *Subchannel) UpdateAddresses(addrs []address.BalancerAddress) {
	s.mu.Lock()
	s.addrs = addrs
	s.mu.Unlock()
	if u, ok := s.transport.(interface {
		UpdateAddresses([]address.BalancerAddress)
	}); ok {
		u.UpdateAddresses(addrs)
	}
}

// Transport returns the subchannel's transport, primarily so a picker's
// PickResult can reach it to obtain a stream.
func (s *Subchannel) Transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// CurrentAddress reports the transport's currently connected address.
func (s *Subchannel) CurrentAddress() (address.BalancerAddress, bool) {
	return s.transport.CurrentAddress()
}

// RequestConnection transitions Idle->Connecting (or TransientFailure->
// Connecting, driven by the balancer after its own backoff) and starts a
// connect attempt. Concurrent calls while a connect is already underway
// are deduplicated with singleflight so a burst of picks does not spawn
// redundant dials.
func (s *Subchannel) RequestConnection(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case Shutdown, Connecting, Ready:
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Connecting, serviceconfig.OKStatus)
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	go func() {
		_, _, _ = s.connectGroup.Do(s.id, func() (any, error) {
			s.doConnect(ctx, attempt)
			return nil, nil
		})
	}()
}

func (s *Subchannel) doConnect(ctx context.Context, attempt int) {
	result, err := s.transport.TryConnect(ctx, attempt)

	s.mu.Lock()
	if s.state == Shutdown {
		s.mu.Unlock()
		return
	}
	switch result {
	case transport.ConnectSuccess:
		s.setStateLocked(Ready, serviceconfig.OKStatus)
	case transport.ConnectTimeout:
		s.setStateLocked(TransientFailure, serviceconfig.New(serviceconfig.Unavailable, "connect timeout"))
	default:
		msg := "connect failed"
		if err != nil {
			msg = err.Error()
		}
		s.setStateLocked(TransientFailure, serviceconfig.New(serviceconfig.Unavailable, msg))
	}
	s.mu.Unlock()
}

// OnTransportUnhealthy implements transport.UnhealthyNotifier: the health
// ping found a dead socket, so the subchannel reverts Ready->Idle with the
// reported status (spec.md §4.3, scenario S8).
func (s *Subchannel) OnTransportUnhealthy(status serviceconfig.Status) {
	s.mu.Lock()
	if s.state == Ready {
		s.setStateLocked(Idle, status)
	}
	s.mu.Unlock()
}

// Disconnect returns the subchannel to Idle, tearing down its transport.
func (s *Subchannel) Disconnect() {
	s.mu.Lock()
	if s.state == Shutdown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.transport.Disconnect()
	s.mu.Lock()
	s.setStateLocked(Idle, serviceconfig.OKStatus)
	s.mu.Unlock()
}

// Shutdown terminates the subchannel. Terminal; idempotent.
func (s *Subchannel) Shutdown() {
	s.mu.Lock()
	if s.state == Shutdown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.transport.Disconnect()
	s.mu.Lock()
	s.setStateLocked(Shutdown, serviceconfig.OKStatus)
	s.mu.Unlock()
	close(s.notifyCh)
}

// setStateLocked updates state and queues the transition for delivery to
// the helper via notifyLoop, preserving transition order without calling
// back into the balancer while mu is held (spec.md §5 lock ordering:
// ConnectionManager -> LoadBalancer -> Subchannel -> Transport).
func (s *Subchannel) setStateLocked(newState State, status serviceconfig.Status) {
	if s.state == newState {
		return
	}
	s.state = newState
	s.lastState = status
	s.logger.Debug("subchannel: state transition",
		slog.String("id", s.id),
		slog.String("state", newState.String()),
	)
	s.notifyCh <- notification{state: newState, status: status}
}

// LastStatus returns the status that caused the most recent transition.
func (s *Subchannel) LastStatus() serviceconfig.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastState
}
