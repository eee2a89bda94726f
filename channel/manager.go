package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/balancer"
	"github.com/tripwire/chancore/internal/buffer"
	"github.com/tripwire/chancore/internal/resolver"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/subchannel"
	"github.com/tripwire/chancore/internal/throttle"
	"github.com/tripwire/chancore/internal/transport"
)

// nextChannelID is the process-global channel-id counter (spec.md §5's
// one piece of permitted global state), a free-running atomic.
var nextChannelID atomic.Uint64

// PickRequest carries the outgoing call's context and method name into
// the picker (spec.md §3 PickContext).
type PickRequest struct {
	Method string
}

// PickedTransport is a successful Pick outcome: the subchannel to use and
// the address it is currently connected to.
type PickedTransport struct {
	Subchannel *subchannel.Subchannel
	Address    address.BalancerAddress
	Tracker    balancer.CallTracker
}

// PickError is returned when a picker reports Fail and wait-for-ready is
// not set (spec.md §4.6, §7 PickFailure).
type PickError struct {
	Status serviceconfig.Status
}

func (e *PickError) Error() string { return e.Status.Error() }

// DropError is returned when a picker reports Drop: permanent, never
// retried by retry.Call or hedging.Call (spec.md §7 PickDrop).
type DropError struct {
	Status serviceconfig.Status
}

func (e *DropError) Error() string { return e.Status.Error() }

// UnsupportedConfigError describes a resolver result whose service config
// names no load-balancing policy this channel recognizes (spec.md §4.7, §7
// UnsupportedConfig). No Manager method returns it: onResolverResult logs
// such a result as a warning and leaves the current balancer unchanged.
type UnsupportedConfigError struct {
	Status serviceconfig.Status
}

func (e *UnsupportedConfigError) Error() string { return e.Status.Error() }

// Manager is the ConnectionManager of spec.md §4.6. It exclusively owns
// its Resolver and root LoadBalancer (a ChildHandler, so a resolver's
// mid-life policy-name change gets a glitch-free swap per spec.md §4.5).
type Manager struct {
	id     uint64
	opts   Options
	logger *slog.Logger

	res resolver.Resolver
	lb  *balancer.ChildHandler

	Throttle      *throttle.Throttle
	ChannelBudget *buffer.ChannelBudget

	resolverMu          sync.Mutex
	cachedServiceConfig *serviceconfig.ServiceConfig

	mu       sync.Mutex
	state    balancer.ChannelState
	notifyCh chan struct{}
	disposed bool

	watchMu  sync.Mutex
	watchers map[watchKey]*watchEntry
}

// New constructs a Manager dialing the addresses res produces, applying
// opts (zero-value fields get sane defaults). The Manager calls res.Start
// and begins connecting immediately.
func New(res resolver.Resolver, opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		id:            nextChannelID.Add(1),
		opts:          opts,
		logger:        opts.Logger,
		res:           res,
		Throttle:      throttle.New(opts.ThrottleMaxTokens, opts.ThrottleTokenRatio, opts.Logger),
		ChannelBudget: buffer.NewChannelBudget(opts.ChannelBufferBytes),
		notifyCh:      make(chan struct{}),
		watchers:      make(map[watchKey]*watchEntry),
	}
	m.state = balancer.ChannelState{Connectivity: subchannel.Idle, Picker: balancer.EmptyPicker{}}
	m.lb = balancer.NewChildHandler(&channelHelper{m: m})

	if err := res.Start(m.onResolverResult); err != nil {
		m.logger.Error("channel: resolver start failed",
			slog.Uint64("channel_id", m.id), slog.Any("error", err))
		m.publish(balancer.ChannelState{
			Connectivity: subchannel.TransientFailure,
			Picker:       balancer.ErrorPicker{Status: serviceconfig.New(serviceconfig.Unavailable, err.Error())},
		})
	}
	return m
}

// ID returns the channel's process-unique identifier, for log correlation.
func (m *Manager) ID() uint64 { return m.id }

// CallBufferBytes reports the per-call buffer cap configured for this
// channel, so retry.Call/hedging.Call can size their own buffers.
func (m *Manager) CallBufferBytes() int64 { return m.opts.CallBufferBytes }

// onResolverResult implements spec.md §4.7: decide the effective service
// config, then dispatch the chosen load-balancing policy and address list
// to the root balancer.
func (m *Manager) onResolverResult(res resolver.Result) {
	m.resolverMu.Lock()
	defer m.resolverMu.Unlock()

	sc := res.ServiceConfig
	scErr := res.ServiceConfigError
	if m.opts.DisableResolverServiceConfig {
		sc, scErr = nil, nil
	}

	var effective *serviceconfig.ServiceConfig
	switch {
	case sc != nil:
		effective = sc
		m.cachedServiceConfig = sc
	case scErr != nil && m.cachedServiceConfig != nil:
		m.logger.Warn("channel: resolver reported a service config error, continuing with previous config",
			slog.Uint64("channel_id", m.id), slog.Any("error", scErr))
		effective = m.cachedServiceConfig
	case scErr != nil:
		m.logger.Error("channel: resolver reported a service config error with no previous config cached",
			slog.Uint64("channel_id", m.id), slog.Any("error", scErr))
		m.publish(balancer.ChannelState{
			Connectivity: subchannel.TransientFailure,
			Picker:       balancer.ErrorPicker{Status: serviceconfig.New(serviceconfig.Unavailable, scErr.Error())},
		})
		return
	default:
		effective = serviceconfig.Empty()
	}

	chosen, ok := firstKnownLBConfig(effective.LBConfigs)
	if !ok {
		m.logger.Warn("channel: no load-balancing policy in the service config resolved to a known factory; balancer unchanged",
			slog.Uint64("channel_id", m.id))
		return
	}

	if err := m.lb.UpdateClientConnState(res.Addresses, chosen); err != nil {
		m.logger.Error("channel: balancer rejected the new address list",
			slog.Uint64("channel_id", m.id), slog.Any("error", err))
	}
}

// firstKnownLBConfig returns the first entry whose Name resolves to a
// registered balancer.Factory, defaulting to pick_first when the list is
// empty (a channel with no explicit LB policy behaves like grpc-go's
// default).
func firstKnownLBConfig(cfgs []serviceconfig.LBConfig) (serviceconfig.LBConfig, bool) {
	if len(cfgs) == 0 {
		return serviceconfig.LBConfig{Name: "pick_first"}, true
	}
	for _, cfg := range cfgs {
		if _, ok := balancer.Lookup(cfg.Name); ok {
			return cfg, true
		}
	}
	return serviceconfig.LBConfig{}, false
}

// MethodConfig returns the effective per-method resilience policy for
// method, from the most recently cached service config.
func (m *Manager) MethodConfig(method string) serviceconfig.MethodConfig {
	m.resolverMu.Lock()
	sc := m.cachedServiceConfig
	m.resolverMu.Unlock()
	return sc.MethodConfigFor(method)
}

// publish republishes state, skipping the update entirely if it is
// value-equal to the currently published state (spec.md "Design Notes",
// duplicate resolver updates) so Pick's picker-change wait never wakes
// for nothing.
func (m *Manager) publish(state balancer.ChannelState) {
	m.mu.Lock()
	if state.Connectivity == m.state.Connectivity && balancer.Equal(state.Picker, m.state.Picker) {
		m.mu.Unlock()
		return
	}
	m.logger.Debug("channel: state published",
		slog.Uint64("channel_id", m.id), slog.String("connectivity", state.Connectivity.String()))
	m.state = state
	old := m.notifyCh
	m.notifyCh = make(chan struct{})
	m.mu.Unlock()
	close(old)
}

// snapshot returns the current ChannelState and the channel that closes
// on its next publication (the "watch-next" primitive of spec.md §9).
func (m *Manager) snapshot() (balancer.ChannelState, chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.notifyCh
}

// CurrentState returns the Manager's current (connectivity, picker) pair.
func (m *Manager) CurrentState() balancer.ChannelState {
	state, _ := m.snapshot()
	return state
}

// Connect asks the root balancer to (re)connect every idle subchannel. If
// waitForReady is set, it blocks until the channel reaches Ready or ctx is
// done.
func (m *Manager) Connect(ctx context.Context, waitForReady bool) error {
	m.lb.RequestConnection()
	if !waitForReady {
		return nil
	}
	for {
		state, ch := m.snapshot()
		if state.Connectivity == subchannel.Ready {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pick implements the pick loop of spec.md §4.6: block until a picker
// differs from the last one tried, invoke it, and dispatch its result.
// Cancellation of ctx breaks out of the loop with no partial state left.
func (m *Manager) Pick(ctx context.Context, req PickRequest, waitForReady bool) (PickedTransport, error) {
	var lastPicker balancer.Picker
	havePicker := false

	for {
		state, ch := m.snapshot()
		if havePicker && balancer.Equal(state.Picker, lastPicker) {
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return PickedTransport{}, ctx.Err()
			}
		}
		lastPicker = state.Picker
		havePicker = true

		result := state.Picker.Pick(balancer.PickContext{Ctx: ctx, Method: req.Method})
		switch result.Kind {
		case balancer.Complete:
			addr, ok := result.Subchannel.CurrentAddress()
			if ok && result.Subchannel.State() == subchannel.Ready {
				return PickedTransport{Subchannel: result.Subchannel, Address: addr, Tracker: result.Tracker}, nil
			}
			// Subchannel went stale between publish and pick; wait for a
			// fresher picker instead of spinning on this one.
			continue
		case balancer.Queue:
			continue
		case balancer.Fail:
			if waitForReady {
				continue
			}
			return PickedTransport{}, &PickError{Status: result.Status}
		case balancer.Drop:
			return PickedTransport{}, &DropError{Status: result.Status}
		default:
			return PickedTransport{}, fmt.Errorf("channel: picker returned unknown result kind %v", result.Kind)
		}
	}
}

// Dispose tears down the balancer and resolver. Terminal; idempotent.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.mu.Unlock()

	m.lb.Dispose()
	m.res.Dispose()
	m.publish(balancer.ChannelState{Connectivity: subchannel.Shutdown, Picker: balancer.ErrorPicker{
		Status: serviceconfig.New(serviceconfig.Unavailable, "channel disposed"),
	}})
}

// channelHelper implements balancer.ChannelControlHelper, handing the root
// balancer a way to create subchannels and publish state without holding a
// strong back-reference to the Manager (spec.md "Design Notes").
type channelHelper struct {
	m *Manager
}

func (h *channelHelper) NewSubchannel(addrs []address.BalancerAddress, helper subchannel.Helper) *subchannel.Subchannel {
	// The transport needs a handle to the Subchannel it will notify on an
	// unhealthy ping (spec.md §4.3), but the Subchannel can only be built
	// once its Transport already exists. proxyNotifier breaks the cycle:
	// it is handed to the transport first and pointed at the real
	// Subchannel once constructed.
	proxy := &proxyNotifier{}
	tr := h.m.newTransport(addrs, proxy)
	sc := subchannel.New(addrs, tr, helper, h.m.logger)
	proxy.set(sc)
	return sc
}

func (h *channelHelper) UpdateState(state balancer.ChannelState) {
	h.m.publish(state)
}

func (h *channelHelper) ResolveNow() {
	h.m.res.ResolveNow()
}

// newTransport builds the Transport variant configured for this channel
// (spec.md §4.3): Passive when the caller hands off to a bundled HTTP/2
// stack, Socket-supervising (the default) otherwise.
func (m *Manager) newTransport(addrs []address.BalancerAddress, notifier transport.UnhealthyNotifier) transport.Transport {
	if m.opts.UsePassiveTransport {
		addr := address.BalancerAddress{}
		if len(addrs) > 0 {
			addr = addrs[0]
		}
		return transport.NewPassive(addr, m.opts.DefaultConnectTimeout)
	}
	return transport.NewSocket(addrs, transport.Options{
		ConnectTimeout: m.opts.DefaultConnectTimeout,
		IdleTimeout:    m.opts.IdleTimeout,
		PingInterval:   m.opts.PingInterval,
		Dial:           m.opts.Dial,
		Notifier:       notifier,
	})
}

// proxyNotifier forwards transport health-ping failures to a Subchannel
// set after construction, breaking the Transport<->Subchannel
// construction cycle (spec.md §9 "back/forward references").
type proxyNotifier struct {
	mu     sync.Mutex
	target transport.UnhealthyNotifier
}

func (p *proxyNotifier) set(n transport.UnhealthyNotifier) {
	p.mu.Lock()
	p.target = n
	p.mu.Unlock()
}

func (p *proxyNotifier) OnTransportUnhealthy(status serviceconfig.Status) {
	p.mu.Lock()
	t := p.target
	p.mu.Unlock()
	if t != nil {
		t.OnTransportUnhealthy(status)
	}
}

var _ transport.UnhealthyNotifier = (*proxyNotifier)(nil)
