package intent

import (
	"testing"

	"github.com/glennswest/microfabric/pkg/network"
)

func cp(dev string, port uint32) network.ConnectPoint {
	return network.ConnectPoint{Device: network.DeviceID(dev), Port: network.PortNumber(port)}
}

func TestCanonicalSortsAndDedupes(t *testing.T) {
	in := []FilteredPoint{Point(cp("s2", 1)), Point(cp("s1", 3)), Point(cp("s1", 1)), Point(cp("s1", 3))}
	r := Record{Key: "k", Ingress: in}.Canonical()

	want := []FilteredPoint{Point(cp("s1", 1)), Point(cp("s1", 3)), Point(cp("s2", 1))}
	if len(r.Ingress) != len(want) {
		t.Fatalf("expected %d ingress points, got %d", len(want), len(r.Ingress))
	}
	for i := range want {
		if r.Ingress[i] != want[i] {
			t.Errorf("ingress[%d]: expected %s, got %s", i, want[i], r.Ingress[i])
		}
	}
	if in[0] != Point(cp("s2", 1)) {
		t.Error("Canonical must not reorder the caller's slice")
	}
}

func TestEqualIsStructural(t *testing.T) {
	a := Record{Key: "k", Kind: KindBroadcast, Ingress: []FilteredPoint{Point(cp("s1", 1))},
		Egress: []FilteredPoint{Point(cp("s1", 2)), Point(cp("s2", 1))}}.Canonical()
	b := Record{Key: "k", Kind: KindBroadcast, Ingress: []FilteredPoint{Point(cp("s1", 1))},
		Egress: []FilteredPoint{Point(cp("s2", 1)), Point(cp("s1", 2))}}.Canonical()
	if !a.Equal(b) {
		t.Errorf("expected %s to equal %s", a, b)
	}

	c := b.WithIngress(Point(cp("s3", 1)))
	if a.Equal(c) {
		t.Error("membership change must break equality")
	}
	if !a.Equal(b) {
		t.Error("WithIngress must not modify its receiver")
	}
}

func TestWithIngressIsIdempotent(t *testing.T) {
	r := Record{Key: "k"}.WithIngress(Point(cp("s1", 1)))
	again := r.WithIngress(Point(cp("s1", 1)))
	if !r.Equal(again) {
		t.Errorf("expected redundant add to be a no-op, got %s", again)
	}
}

func TestWithoutIngress(t *testing.T) {
	r := Record{Key: "k"}.WithIngress(Point(cp("s1", 1)), Point(cp("s1", 2)))
	r = r.WithoutIngress(cp("s1", 1))
	if r.HasIngress(cp("s1", 1)) {
		t.Error("expected s1/1 removed")
	}
	if !r.HasIngress(cp("s1", 2)) {
		t.Error("expected s1/2 kept")
	}
	r = r.WithoutIngress(cp("s1", 2))
	if len(r.Ingress) != 0 {
		t.Errorf("expected empty ingress, got %d", len(r.Ingress))
	}
}

func TestWithEncapsulationReplaces(t *testing.T) {
	r := Record{Key: "k", Constraints: []Constraint{{Type: PartialFailure}}}.Canonical()

	r = r.WithEncapsulation(network.EncapVLAN)
	r = r.WithEncapsulation(network.EncapMPLS)

	count := 0
	for _, c := range r.Constraints {
		if c.Type == Encapsulation {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one encapsulation constraint, got %d", count)
	}
	if r.Encap() != network.EncapMPLS {
		t.Errorf("expected MPLS, got %s", r.Encap())
	}

	r = r.WithEncapsulation(network.EncapNone)
	if r.Encap() != network.EncapNone {
		t.Errorf("expected no encapsulation, got %s", r.Encap())
	}
	if len(r.Constraints) != 1 {
		t.Errorf("expected partial failure constraint kept, got %v", r.Constraints)
	}
}

func TestStatePredicates(t *testing.T) {
	tests := []struct {
		state   State
		active  bool
		retired bool
	}{
		{StateAbsent, false, false},
		{StateInstallReq, true, false},
		{StateInstalled, true, false},
		{StateWithdrawing, false, false},
		{StateWithdrawn, false, true},
		{StateFailed, false, true},
	}
	for _, tt := range tests {
		if got := tt.state.Active(); got != tt.active {
			t.Errorf("%q.Active(): expected %v, got %v", tt.state, tt.active, got)
		}
		if got := tt.state.Retired(); got != tt.retired {
			t.Errorf("%q.Retired(): expected %v, got %v", tt.state, tt.retired, got)
		}
	}
}
