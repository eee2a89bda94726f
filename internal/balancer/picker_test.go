package balancer

import (
	"testing"

	"github.com/tripwire/chancore/internal/serviceconfig"
	"github.com/tripwire/chancore/internal/subchannel"
)

func TestEmptyPickerQueues(t *testing.T) {
	r := (EmptyPicker{}).Pick(PickContext{})
	if r.Kind != Queue {
		t.Fatalf("Kind = %v, want Queue", r.Kind)
	}
}

func TestErrorPickerFails(t *testing.T) {
	status := serviceconfig.New(serviceconfig.Unavailable, "no subchannels")
	r := (ErrorPicker{Status: status}).Pick(PickContext{})
	if r.Kind != Fail || r.Status != status {
		t.Fatalf("Pick() = %+v, want Fail with status %v", r, status)
	}
}

func TestSinglePickerAlwaysSameSubchannel(t *testing.T) {
	sc := subchannel.New(nil, &fakeTransport{result: 0}, discardHelper{}, nil)
	p := SinglePicker{Subchannel: sc}
	for i := 0; i < 3; i++ {
		r := p.Pick(PickContext{})
		if r.Kind != Complete || r.Subchannel != sc {
			t.Fatalf("Pick() = %+v, want Complete with %v", r, sc)
		}
	}
}

func TestRoundRobinPickerCyclesFromOffset(t *testing.T) {
	// Scenario: 4 ready subchannels {A,B,C,D}; 8 picks with initial offset
	// 0 yield A,B,C,D,A,B,C,D.
	var subs []*subchannel.Subchannel
	for i := 0; i < 4; i++ {
		subs = append(subs, subchannel.New(nil, &fakeTransport{}, discardHelper{}, nil))
	}
	p := NewRoundRobinPicker(subs, 0)

	var got []*subchannel.Subchannel
	for i := 0; i < 8; i++ {
		r := p.Pick(PickContext{})
		if r.Kind != Complete {
			t.Fatalf("Pick() #%d Kind = %v, want Complete", i, r.Kind)
		}
		got = append(got, r.Subchannel)
	}
	for i := 0; i < 8; i++ {
		want := subs[i%4]
		if got[i] != want {
			t.Fatalf("pick %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestRoundRobinPickerHonorsStartOffset(t *testing.T) {
	var subs []*subchannel.Subchannel
	for i := 0; i < 4; i++ {
		subs = append(subs, subchannel.New(nil, &fakeTransport{}, discardHelper{}, nil))
	}
	p := NewRoundRobinPicker(subs, 2)
	r := p.Pick(PickContext{})
	if r.Subchannel != subs[2] {
		t.Fatalf("first pick = %v, want %v", r.Subchannel, subs[2])
	}
}

func TestRoundRobinPickerEmptyQueues(t *testing.T) {
	p := NewRoundRobinPicker(nil, 0)
	r := p.Pick(PickContext{})
	if r.Kind != Queue {
		t.Fatalf("Kind = %v, want Queue", r.Kind)
	}
}

func TestEqual(t *testing.T) {
	statusA := serviceconfig.New(serviceconfig.Unavailable, "down")
	statusB := serviceconfig.New(serviceconfig.Unavailable, "down")
	sc1 := subchannel.New(nil, &fakeTransport{}, discardHelper{}, nil)
	sc2 := subchannel.New(nil, &fakeTransport{}, discardHelper{}, nil)

	cases := []struct {
		name string
		a, b Picker
		want bool
	}{
		{"empty-empty", EmptyPicker{}, EmptyPicker{}, true},
		{"empty-error", EmptyPicker{}, ErrorPicker{Status: statusA}, false},
		{"error-equal-status", ErrorPicker{Status: statusA}, ErrorPicker{Status: statusB}, true},
		{"single-same", SinglePicker{Subchannel: sc1}, SinglePicker{Subchannel: sc1}, true},
		{"single-diff", SinglePicker{Subchannel: sc1}, SinglePicker{Subchannel: sc2}, false},
		{"rr-same", NewRoundRobinPicker([]*subchannel.Subchannel{sc1, sc2}, 0), NewRoundRobinPicker([]*subchannel.Subchannel{sc1, sc2}, 1), true},
		{"rr-diff", NewRoundRobinPicker([]*subchannel.Subchannel{sc1, sc2}, 0), NewRoundRobinPicker([]*subchannel.Subchannel{sc2, sc1}, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equal(tc.a, tc.b); got != tc.want {
				t.Fatalf("Equal() = %v, want %v", got, tc.want)
			}
		})
	}
}

// discardHelper is a no-op subchannel.Helper for tests that only exercise
// pickers and don't care about transition delivery.
type discardHelper struct{}

func (discardHelper) OnSubchannelStateChange(*subchannel.Subchannel, subchannel.State, serviceconfig.Status) {
}
