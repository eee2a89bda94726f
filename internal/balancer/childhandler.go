package balancer

import (
	"sync"

	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/subchannel"
)

// ChildHandler is the meta-balancer of spec.md §4.5: it holds a current
// and a pending child LoadBalancer. A policy-name change in the service
// config spawns a new pending child; the pending child is swapped in to
// become current only once it reports Ready, and the previous current is
// disposed. State updates from a child that is neither current nor
// pending (a stale child superseded by a second swap) are dropped.
type ChildHandler struct {
	parent ChannelControlHelper

	mu             sync.Mutex
	currentName    string
	current        LoadBalancer
	currentWrapper *childWrapper
	pendingName    string
	pending        LoadBalancer
	pendingWrapper *childWrapper
}

// NewChildHandler constructs a ChildHandler that publishes to parent.
func NewChildHandler(parent ChannelControlHelper) *ChildHandler {
	return &ChildHandler{parent: parent}
}

// UpdateClientConnState applies addrs under the load-balancing policy
// lbConfig (expected to be a serviceconfig.LBConfig chosen by the caller
// per spec.md §4.7). A name change spawns a pending child; an unchanged
// name forwards straight to the current (or in-flight pending) child.
func (h *ChildHandler) UpdateClientConnState(addrs []address.BalancerAddress, lbConfig any) error {
	cfg, _ := lbConfig.(serviceconfig.LBConfig)

	h.mu.Lock()
	switch {
	case h.current == nil:
		// First config ever seen: becomes current directly, no pending
		// swap needed since there is nothing to glitch-free-transition
		// away from.
		factory, ok := Lookup(cfg.Name)
		if !ok {
			h.mu.Unlock()
			return errUnsupportedConfig(cfg.Name)
		}
		w := &childWrapper{handler: h}
		lb := factory(w)
		h.currentName = cfg.Name
		h.current = lb
		h.currentWrapper = w
		h.mu.Unlock()
		return lb.UpdateClientConnState(addrs, cfg.Raw)

	case cfg.Name == h.currentName:
		// No policy change: forward straight to current.
		cur := h.current
		h.mu.Unlock()
		return cur.UpdateClientConnState(addrs, cfg.Raw)

	case cfg.Name == h.pendingName && h.pending != nil:
		pending := h.pending
		h.mu.Unlock()
		return pending.UpdateClientConnState(addrs, cfg.Raw)

	default:
		factory, ok := Lookup(cfg.Name)
		if !ok {
			h.mu.Unlock()
			return errUnsupportedConfig(cfg.Name)
		}
		if h.pending != nil {
			// A second policy change arrived before the first pending
			// child ever went Ready: discard it.
			h.pending.Dispose()
		}
		w := &childWrapper{handler: h}
		lb := factory(w)
		h.pendingName = cfg.Name
		h.pending = lb
		h.pendingWrapper = w
		h.mu.Unlock()
		return lb.UpdateClientConnState(addrs, cfg.Raw)
	}
}

func (h *ChildHandler) RequestConnection() {
	h.mu.Lock()
	cur, pend := h.current, h.pending
	h.mu.Unlock()
	if cur != nil {
		cur.RequestConnection()
	}
	if pend != nil {
		pend.RequestConnection()
	}
}

func (h *ChildHandler) Dispose() {
	h.mu.Lock()
	cur, pend := h.current, h.pending
	h.current, h.pending = nil, nil
	h.mu.Unlock()
	if cur != nil {
		cur.Dispose()
	}
	if pend != nil {
		pend.Dispose()
	}
}

// onChildUpdateState routes a state update from w: forwarded if w is the
// current child; triggers a swap if w is the pending child reporting
// Ready; dropped otherwise (a stale, superseded child).
func (h *ChildHandler) onChildUpdateState(w *childWrapper, state ChannelState) {
	h.mu.Lock()
	switch {
	case w == h.currentWrapper:
		h.mu.Unlock()
		h.parent.UpdateState(state)
	case w == h.pendingWrapper && state.Connectivity == subchannel.Ready:
		oldCurrent := h.current
		h.current, h.currentWrapper, h.currentName = h.pending, h.pendingWrapper, h.pendingName
		h.pending, h.pendingWrapper, h.pendingName = nil, nil, ""
		h.mu.Unlock()
		if oldCurrent != nil {
			oldCurrent.Dispose()
		}
		h.parent.UpdateState(state)
	default:
		h.mu.Unlock()
	}
}

// childWrapper is the ChannelControlHelper each child LoadBalancer is
// constructed with; it tags every update with the issuing child so
// ChildHandler can tell current, pending, and stale children apart.
type childWrapper struct {
	handler *ChildHandler
}

func (w *childWrapper) NewSubchannel(addrs []address.BalancerAddress, helper subchannel.Helper) *subchannel.Subchannel {
	return w.handler.parent.NewSubchannel(addrs, helper)
}

func (w *childWrapper) UpdateState(state ChannelState) {
	w.handler.onChildUpdateState(w, state)
}

func (w *childWrapper) ResolveNow() {
	w.handler.parent.ResolveNow()
}

type unsupportedConfigError string

func (e unsupportedConfigError) Error() string { return string(e) }

func errUnsupportedConfig(name string) error {
	return unsupportedConfigError("balancer: no factory registered for policy " + name)
}
