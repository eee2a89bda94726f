package balancer

import (
	"testing"

	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/subchannel"
	"github.com/tripwire/chancore/internal/transport"
)

func TestChildHandlerFirstConfigBecomesCurrentDirectly(t *testing.T) {
	h := newFakeControlHelper()
	h.setOutcome("a", transport.ConnectSuccess, nil)

	ch := NewChildHandler(h)
	err := ch.UpdateClientConnState(addrs("a"), serviceconfig.LBConfig{Name: "pick_first"})
	if err != nil {
		t.Fatalf("UpdateClientConnState: %v", err)
	}

	state := h.waitUntil(t, func(s ChannelState) bool { return s.Connectivity == subchannel.Ready })
	if _, ok := state.Picker.(SinglePicker); !ok {
		t.Fatalf("Picker = %T, want SinglePicker", state.Picker)
	}

	ch.mu.Lock()
	name := ch.currentName
	ch.mu.Unlock()
	if name != "pick_first" {
		t.Fatalf("currentName = %q, want pick_first", name)
	}
}

func TestChildHandlerRejectsUnknownPolicy(t *testing.T) {
	h := newFakeControlHelper()
	ch := NewChildHandler(h)
	err := ch.UpdateClientConnState(addrs("a"), serviceconfig.LBConfig{Name: "does_not_exist"})
	if err == nil {
		t.Fatal("expected an error for an unregistered policy name")
	}
}

func TestChildHandlerSwapsToPendingOnlyWhenReady(t *testing.T) {
	h := newFakeControlHelper()
	h.setOutcome("old", transport.ConnectFailure, errDialRefused)
	h.setOutcome("new", transport.ConnectSuccess, nil)

	ch := NewChildHandler(h)
	if err := ch.UpdateClientConnState(addrs("old"), serviceconfig.LBConfig{Name: "pick_first"}); err != nil {
		t.Fatalf("initial UpdateClientConnState: %v", err)
	}
	h.waitUntil(t, func(s ChannelState) bool { return s.Connectivity == subchannel.TransientFailure })

	if err := ch.UpdateClientConnState(addrs("new"), serviceconfig.LBConfig{Name: "round_robin"}); err != nil {
		t.Fatalf("config-change UpdateClientConnState: %v", err)
	}

	ch.mu.Lock()
	pendingName := ch.pendingName
	currentName := ch.currentName
	ch.mu.Unlock()
	if pendingName != "round_robin" || currentName != "pick_first" {
		t.Fatalf("pendingName=%q currentName=%q, want round_robin pending under pick_first current before swap", pendingName, currentName)
	}

	// The pending round_robin child's non-Ready updates (Idle, Connecting)
	// are dropped by design: a pending child is only ever observed by the
	// parent once it swaps in. Its picker type (*RoundRobinPicker) tells
	// the promoted publish apart from pick_first's SinglePicker/ErrorPicker.
	state := h.waitUntil(t, func(s ChannelState) bool {
		_, ok := s.Picker.(*RoundRobinPicker)
		return ok
	})
	if state.Connectivity != subchannel.Ready {
		t.Fatalf("Connectivity after swap = %v, want Ready", state.Connectivity)
	}

	ch.mu.Lock()
	currentName = ch.currentName
	stillPending := ch.pending != nil
	ch.mu.Unlock()
	if currentName != "round_robin" || stillPending {
		t.Fatalf("after swap currentName=%q pending-present=%v, want round_robin with no pending", currentName, stillPending)
	}
}

func TestChildHandlerDisposeTearsDownBothChildren(t *testing.T) {
	h := newFakeControlHelper()
	h.setOutcome("old", transport.ConnectFailure, errDialRefused)
	h.setOutcome("new", transport.ConnectFailure, errDialRefused)

	ch := NewChildHandler(h)
	_ = ch.UpdateClientConnState(addrs("old"), serviceconfig.LBConfig{Name: "pick_first"})
	h.waitForStateCount(2, t)
	_ = ch.UpdateClientConnState(addrs("new"), serviceconfig.LBConfig{Name: "round_robin"})

	// The pending round_robin child never reaches Ready, so it never
	// swaps in or surfaces to the parent; current stays pick_first.
	ch.mu.Lock()
	currentName, pendingName := ch.currentName, ch.pendingName
	ch.mu.Unlock()
	if currentName != "pick_first" || pendingName != "round_robin" {
		t.Fatalf("currentName=%q pendingName=%q, want pick_first current / round_robin still pending", currentName, pendingName)
	}

	ch.Dispose()

	ch.mu.Lock()
	cur, pend := ch.current, ch.pending
	ch.mu.Unlock()
	if cur != nil || pend != nil {
		t.Fatal("Dispose() did not clear both current and pending")
	}
}
