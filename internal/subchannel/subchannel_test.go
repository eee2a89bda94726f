package subchannel_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/chancore/internal/address"
	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/subchannel"
	"github.com/tripwire/chancore/internal/transport"
)

// fakeTransport is a controllable transport.Transport for state-machine tests.
type fakeTransport struct {
	mu       sync.Mutex
	result   transport.ConnectResult
	err      error
	addr     address.BalancerAddress
	status   transport.Status
	attempts int
}

func (f *fakeTransport) TryConnect(context.Context, int) (transport.ConnectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.result == transport.ConnectSuccess {
		f.status = transport.InitialSocket
	}
	return f.result, f.err
}
func (f *fakeTransport) GetStream(address.BalancerAddress) (transport.Stream, error) { return nil, nil }
func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = transport.NotConnected
}
func (f *fakeTransport) CurrentAddress() (address.BalancerAddress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr, f.status != transport.NotConnected
}
func (f *fakeTransport) ConnectTimeout() time.Duration { return time.Second }
func (f *fakeTransport) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// recordingHelper captures every (state, status) transition in order.
type recordingHelper struct {
	mu    sync.Mutex
	seen  []subchannel.State
	notif chan struct{}
}

func newRecordingHelper() *recordingHelper {
	return &recordingHelper{notif: make(chan struct{}, 64)}
}

func (h *recordingHelper) OnSubchannelStateChange(_ *subchannel.Subchannel, state subchannel.State, _ serviceconfig.Status) {
	h.mu.Lock()
	h.seen = append(h.seen, state)
	h.mu.Unlock()
	h.notif <- struct{}{}
}

func (h *recordingHelper) waitFor(n int, t *testing.T) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.notif:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for transition %d/%d", i+1, n)
		}
	}
}

func (h *recordingHelper) states() []subchannel.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]subchannel.State, len(h.seen))
	copy(out, h.seen)
	return out
}

func TestRequestConnectionSuccessSequence(t *testing.T) {
	ft := &fakeTransport{result: transport.ConnectSuccess}
	helper := newRecordingHelper()
	sc := subchannel.New(nil, ft, helper, nil)

	if got := sc.State(); got != subchannel.Idle {
		t.Fatalf("initial State() = %v, want Idle", got)
	}

	sc.RequestConnection(context.Background())
	helper.waitFor(2, t) // Connecting, then Ready

	want := []subchannel.State{subchannel.Connecting, subchannel.Ready}
	got := helper.states()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
	if sc.State() != subchannel.Ready {
		t.Fatalf("final State() = %v, want Ready", sc.State())
	}
}

func TestRequestConnectionFailureSequence(t *testing.T) {
	ft := &fakeTransport{result: transport.ConnectFailure, err: errConnRefused}
	helper := newRecordingHelper()
	sc := subchannel.New(nil, ft, helper, nil)

	sc.RequestConnection(context.Background())
	helper.waitFor(2, t)

	want := []subchannel.State{subchannel.Connecting, subchannel.TransientFailure}
	got := helper.states()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestOnTransportUnhealthyRevertsReadyToIdle(t *testing.T) {
	ft := &fakeTransport{result: transport.ConnectSuccess}
	helper := newRecordingHelper()
	sc := subchannel.New(nil, ft, helper, nil)

	sc.RequestConnection(context.Background())
	helper.waitFor(2, t)

	sc.OnTransportUnhealthy(serviceconfig.New(serviceconfig.Unavailable, "Lost connection to socket"))
	helper.waitFor(1, t)

	if got := sc.State(); got != subchannel.Idle {
		t.Fatalf("State() after unhealthy = %v, want Idle", got)
	}
}

func TestShutdownIsIdempotentAndTerminal(t *testing.T) {
	ft := &fakeTransport{result: transport.ConnectSuccess}
	helper := newRecordingHelper()
	sc := subchannel.New(nil, ft, helper, nil)

	sc.Shutdown()
	sc.Shutdown() // must not panic or double-close notifyCh

	if got := sc.State(); got != subchannel.Shutdown {
		t.Fatalf("State() = %v, want Shutdown", got)
	}

	// RequestConnection after Shutdown must be a no-op.
	sc.RequestConnection(context.Background())
	time.Sleep(20 * time.Millisecond)
	if got := sc.State(); got != subchannel.Shutdown {
		t.Fatalf("State() after post-shutdown RequestConnection = %v, want Shutdown", got)
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

var errConnRefused = sentinelErr("connection refused")
