package balancer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/subchannel"
	"github.com/tripwire/chancore/internal/transport"
)

// fakeTransport is a scriptable transport.Transport: TryConnect returns
// whatever result/err is configured for the subchannel under test, without
// touching the network.
type fakeTransport struct {
	mu     sync.Mutex
	addr   address.BalancerAddress
	result transport.ConnectResult
	err    error
	status transport.Status
}

func newFakeTransport(addr address.BalancerAddress, result transport.ConnectResult, err error) *fakeTransport {
	return &fakeTransport{addr: addr, result: result, err: err}
}

func (t *fakeTransport) TryConnect(context.Context, int) (transport.ConnectResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == transport.ConnectSuccess {
		t.status = transport.Passive
	}
	return t.result, t.err
}

func (t *fakeTransport) GetStream(address.BalancerAddress) (transport.Stream, error) {
	return nil, unsupportedConfigError("fakeTransport: no stream support")
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = transport.NotConnected
}

func (t *fakeTransport) CurrentAddress() (address.BalancerAddress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr, t.status != transport.NotConnected
}

func (t *fakeTransport) ConnectTimeout() time.Duration { return time.Second }

func (t *fakeTransport) Status() transport.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

var _ transport.Transport = (*fakeTransport)(nil)

// fakeControlHelper is a ChannelControlHelper recording every published
// ChannelState, wiring each requested subchannel to a fakeTransport whose
// connect outcome is scripted per endpoint.
type fakeControlHelper struct {
	mu           sync.Mutex
	outcomes     map[string]func() (transport.ConnectResult, error)
	states       []ChannelState
	resolveCalls int
	notif        chan struct{}
}

func newFakeControlHelper() *fakeControlHelper {
	return &fakeControlHelper{
		outcomes: make(map[string]func() (transport.ConnectResult, error)),
		notif:    make(chan struct{}, 64),
	}
}

// waitForStateCount blocks until at least n states have been published.
func (h *fakeControlHelper) waitForStateCount(n int, t *testing.T) {
	t.Helper()
	for h.stateCount() < n {
		select {
		case <-h.notif:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d published states, have %d", n, h.stateCount())
		}
	}
}

// waitUntil blocks until cond reports true against the most recently
// published state, for tests where the exact number of intermediate
// publishes isn't significant but the final settled state is.
func (h *fakeControlHelper) waitUntil(t *testing.T, cond func(ChannelState) bool) ChannelState {
	t.Helper()
	for {
		if state, ok := h.lastState(); ok && cond(state) {
			return state
		}
		select {
		case <-h.notif:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for expected published state")
		}
	}
}

// setOutcome scripts the connect result for the subchannel created over the
// address with this endpoint.
func (h *fakeControlHelper) setOutcome(endpoint string, result transport.ConnectResult, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcomes[endpoint] = func() (transport.ConnectResult, error) { return result, err }
}

func (h *fakeControlHelper) NewSubchannel(addrs []address.BalancerAddress, helper subchannel.Helper) *subchannel.Subchannel {
	ep := addrs[0].Endpoint
	h.mu.Lock()
	outcome, ok := h.outcomes[ep]
	h.mu.Unlock()
	result, err := transport.ConnectSuccess, error(nil)
	if ok {
		result, err = outcome()
	}
	tr := newFakeTransport(addrs[0], result, err)
	return subchannel.New(addrs, tr, helper, nil)
}

func (h *fakeControlHelper) UpdateState(state ChannelState) {
	h.mu.Lock()
	h.states = append(h.states, state)
	h.mu.Unlock()
	h.notif <- struct{}{}
}

func (h *fakeControlHelper) ResolveNow() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolveCalls++
}

func (h *fakeControlHelper) lastState() (ChannelState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) == 0 {
		return ChannelState{}, false
	}
	return h.states[len(h.states)-1], true
}

func (h *fakeControlHelper) stateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.states)
}

var _ ChannelControlHelper = (*fakeControlHelper)(nil)
