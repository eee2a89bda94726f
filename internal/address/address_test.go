package address_test

import (
	"testing"

	"github.com/tripwire/chancore/internal/address"
)

type hostOverrideKey struct{}

func TestAttributesEqual(t *testing.T) {
	a := address.New(hostOverrideKey{}, "a.example.com")
	b := address.New(hostOverrideKey{}, "a.example.com")
	c := address.New(hostOverrideKey{}, "b.example.com")

	if !a.Equal(b) {
		t.Fatalf("expected equal attribute bags")
	}
	if a.Equal(c) {
		t.Fatalf("expected unequal attribute bags")
	}
	if !(*address.Attributes)(nil).Equal(nil) {
		t.Fatalf("two nil attribute bags must be equal")
	}
}

func TestAttributesWithValueImmutable(t *testing.T) {
	a := address.New(hostOverrideKey{}, "x")
	b := a.WithValue("extra", 1)

	if a.Len() != 1 {
		t.Fatalf("original attributes mutated: len=%d", a.Len())
	}
	if b.Len() != 2 {
		t.Fatalf("expected derived bag to have 2 entries, got %d", b.Len())
	}
}

func TestBalancerAddressEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b address.BalancerAddress
		want bool
	}{
		{
			name: "identical endpoint no attributes",
			a:    address.BalancerAddress{Endpoint: "10.0.0.1:443"},
			b:    address.BalancerAddress{Endpoint: "10.0.0.1:443"},
			want: true,
		},
		{
			name: "different endpoint",
			a:    address.BalancerAddress{Endpoint: "10.0.0.1:443"},
			b:    address.BalancerAddress{Endpoint: "10.0.0.2:443"},
			want: false,
		},
		{
			name: "same endpoint different attributes",
			a:    address.BalancerAddress{Endpoint: "10.0.0.1:443", Attributes: address.New("w", 1)},
			b:    address.BalancerAddress{Endpoint: "10.0.0.1:443", Attributes: address.New("w", 2)},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEqualSlices(t *testing.T) {
	a := []address.BalancerAddress{{Endpoint: "a"}, {Endpoint: "b"}}
	b := []address.BalancerAddress{{Endpoint: "a"}, {Endpoint: "b"}}
	c := []address.BalancerAddress{{Endpoint: "b"}, {Endpoint: "a"}}

	if !address.EqualSlices(a, b) {
		t.Fatalf("expected equal slices")
	}
	if address.EqualSlices(a, c) {
		t.Fatalf("expected order to matter")
	}
}
