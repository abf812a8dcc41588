package driver

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/glennswest/microfabric/pkg/config"
	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/intent"
)

func testRecord(key string) intent.Record {
	cp := network.ConnectPoint{Device: "of:1", Port: 1}
	return intent.Record{
		Key:     intent.Key(key),
		Kind:    intent.KindUnicast,
		App:     "test",
		Ingress: []intent.FilteredPoint{intent.Point(network.ConnectPoint{Device: "of:2", Port: 1})},
		Egress:  []intent.FilteredPoint{intent.Point(cp)},
	}.Canonical()
}

type recorder struct {
	mu     sync.Mutex
	hosts  []network.HostEvent
	ifaces []network.InterfaceEvent
	devs   []network.DeviceEvent
	routes []network.RouteEvent
}

func (r *recorder) HostChanged(ev network.HostEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = append(r.hosts, ev)
}

func (r *recorder) InterfaceChanged(ev network.InterfaceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ifaces = append(r.ifaces, ev)
}

func (r *recorder) DeviceChanged(ev network.DeviceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devs = append(r.devs, ev)
}

func (r *recorder) RouteChanged(ev network.RouteEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, ev)
}

func TestMemorySubmitIsAsynchronous(t *testing.T) {
	m := NewMemory(zap.NewNop().Sugar())

	called := false
	m.Submit(testRecord("k1"), func(err error) {
		called = true
		if err != nil {
			t.Errorf("expected success, got %v", err)
		}
	})
	if called {
		t.Fatal("expected done not to run inside Submit")
	}
	if s := m.State("k1"); s != intent.StateInstallReq {
		t.Errorf("expected INSTALL_REQ, got %s", s)
	}

	m.Flush()
	if !called {
		t.Error("expected done after Flush")
	}
	if s := m.State("k1"); s != intent.StateInstalled {
		t.Errorf("expected INSTALLED, got %s", s)
	}
	if id, ok := m.IntentID("k1"); !ok || id.String() == "" {
		t.Error("expected an installer id")
	}
}

func TestMemoryFailHook(t *testing.T) {
	m := NewMemory(zap.NewNop().Sugar())
	m.Fail = func(intent.Record) error { return errors.New("no path") }

	var got error
	m.Submit(testRecord("k1"), func(err error) { got = err })
	m.Flush()

	if got == nil {
		t.Fatal("expected failure")
	}
	if s := m.State("k1"); s != intent.StateFailed {
		t.Errorf("expected FAILED, got %s", s)
	}
}

func TestMemoryWithdrawAndPurge(t *testing.T) {
	m := NewMemory(zap.NewNop().Sugar())
	m.Submit(testRecord("k1"), nil)
	m.Flush()

	// Purge of an active intent is ignored.
	m.Purge("k1")
	m.Flush()
	if s := m.State("k1"); s != intent.StateInstalled {
		t.Fatalf("expected INSTALLED, got %s", s)
	}

	m.Withdraw("k1")
	if s := m.State("k1"); s != intent.StateWithdrawReq {
		t.Errorf("expected WITHDRAW_REQ, got %s", s)
	}
	m.Flush()
	if s := m.State("k1"); s != intent.StateWithdrawn {
		t.Errorf("expected WITHDRAWN, got %s", s)
	}

	m.Purge("k1")
	m.Flush()
	if intent.Exists(m, "k1") {
		t.Error("expected intent to be purged")
	}
}

func TestMemoryPurgeRequestCompletes(t *testing.T) {
	m := NewMemory(zap.NewNop().Sugar())
	m.Submit(testRecord("k1"), nil)
	m.Withdraw("k1")
	m.Flush()

	m.Purge("k1")
	if s := m.State("k1"); s != intent.StateWithdrawn {
		t.Errorf("expected WITHDRAWN while the purge is queued, got %s", s)
	}
	// A second purge request while one is queued is absorbed.
	m.Purge("k1")
	m.Flush()
	if s := m.State("k1"); s != intent.StateAbsent {
		t.Fatalf("expected ABSENT after purge, got %s", s)
	}

	// A submit racing the queued purge wins.
	m.Submit(testRecord("k2"), nil)
	m.Withdraw("k2")
	m.Flush()
	m.Purge("k2")
	m.Submit(testRecord("k2"), nil)
	m.Flush()
	if s := m.State("k2"); s != intent.StateInstalled {
		t.Errorf("expected INSTALLED, got %s", s)
	}
}

func TestMemorySupersededSubmit(t *testing.T) {
	m := NewMemory(zap.NewNop().Sugar())

	first := testRecord("k1")
	second := first.WithIngress(intent.Point(network.ConnectPoint{Device: "of:3", Port: 1}))
	m.Submit(first, nil)
	m.Submit(second, nil)
	m.Flush()

	got, ok := m.Get("k1")
	if !ok || !got.Equal(second) {
		t.Errorf("expected latest record, got %v", got)
	}
	if s := m.State("k1"); s != intent.StateInstalled {
		t.Errorf("expected INSTALLED, got %s", s)
	}
}

func TestMemoryKeysByApp(t *testing.T) {
	m := NewMemory(zap.NewNop().Sugar())
	m.Submit(testRecord("b"), nil)
	m.Submit(testRecord("a"), nil)
	other := testRecord("c")
	other.App = "other"
	m.Submit(other, nil)

	keys := m.Keys("test")
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("expected [a b], got %v", keys)
	}
	if len(m.Keys("")) != 3 {
		t.Errorf("expected all keys for empty app")
	}
}

func TestMemoryRunDrainsQueue(t *testing.T) {
	m := NewMemory(zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go m.Run(ctx)
	m.Submit(testRecord("k1"), func(err error) { done <- err })

	if err := <-done; err != nil {
		t.Errorf("expected success, got %v", err)
	}
}

func TestMemoryFlowRules(t *testing.T) {
	m := NewMemory(zap.NewNop().Sugar())
	ctx := context.Background()

	r1 := network.FlowRule{Device: "of:1", Priority: 10, App: "a", Treatment: network.Treatment{Punt: true}}
	r2 := network.FlowRule{Device: "of:2", Priority: 10, App: "b", Treatment: network.Treatment{Punt: true}}
	if err := m.Apply(ctx, r1, r2, r1); err != nil {
		t.Fatal(err)
	}
	if n := len(m.FlowRules()); n != 2 {
		t.Fatalf("expected 2 rules, got %d", n)
	}
	if err := m.RemoveByApp(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	rules := m.FlowRules()
	if len(rules) != 1 || rules[0] != r2 {
		t.Errorf("expected only r2, got %v", rules)
	}
	_ = m.Remove(ctx, r2)
	if len(m.FlowRules()) != 0 {
		t.Error("expected empty flow table")
	}
}

func TestMemoryDirectories(t *testing.T) {
	mac, _ := network.ParseMAC("00:00:00:00:00:0a")
	ip := netip.MustParseAddr("10.0.0.2")
	cp := network.ConnectPoint{Device: "of:1", Port: 2}

	m := NewMemoryFromInventory(config.Inventory{
		Devices: []network.DeviceID{"of:1"},
		Interfaces: []network.Interface{
			{Name: "h1", ConnectPoint: cp},
		},
	}, zap.NewNop().Sugar())

	rec := &recorder{}
	m.Listen(rec)

	if !m.IsAvailable("of:1") || m.IsAvailable("of:2") {
		t.Error("unexpected device availability")
	}
	if got := m.InterfacesAt(cp); len(got) != 1 || got[0].Name != "h1" {
		t.Errorf("expected h1 at %s, got %v", cp, got)
	}

	m.StartMonitoringIP(ip)
	if !m.Monitored(ip) {
		t.Error("expected ip to be monitored")
	}

	m.PutHost(network.Host{MAC: mac, IPs: []netip.Addr{ip}, Location: cp})
	if m.Monitored(ip) {
		t.Error("expected learning to stop monitoring")
	}
	if len(m.HostsByIP(ip)) != 1 || len(m.HostsByMAC(mac)) != 1 {
		t.Error("expected host in every index")
	}

	moved := network.Host{MAC: mac, IPs: []netip.Addr{ip}, Location: network.ConnectPoint{Device: "of:1", Port: 3}}
	m.PutHost(moved)
	m.DeleteHost(mac.String())
	m.AddDevice("of:2")
	m.RemoveDevice("of:1")
	m.PutInterface(network.Interface{Name: "h1", ConnectPoint: cp, VLAN: 100})
	m.DeleteInterface("h1")
	m.DeleteInterface("absent")

	if len(rec.hosts) != 3 || rec.hosts[1].Type != network.EventMoved || rec.hosts[2].Type != network.EventRemoved {
		t.Errorf("unexpected host events %+v", rec.hosts)
	}
	if len(rec.devs) != 2 || rec.devs[1].Available {
		t.Errorf("unexpected device events %+v", rec.devs)
	}
	if len(rec.ifaces) != 2 || rec.ifaces[0].Type != network.EventUpdated || rec.ifaces[0].Prev == nil {
		t.Errorf("unexpected interface events %+v", rec.ifaces)
	}
}

func TestMemoryEmit(t *testing.T) {
	m := NewMemory(zap.NewNop().Sugar())
	_ = m.Emit(network.OutboundPacket{Output: network.ConnectPoint{Device: "of:1", Port: 1}, Data: []byte{1}})

	if got := m.TakeEmitted(); len(got) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(got))
	}
	if got := m.TakeEmitted(); len(got) != 0 {
		t.Errorf("expected outbox cleared, got %d", len(got))
	}
}

func TestRouteTable(t *testing.T) {
	def := network.Route{Source: network.RouteStatic, Prefix: netip.MustParsePrefix("0.0.0.0/0"), NextHop: netip.MustParseAddr("192.0.2.1")}
	more := network.Route{Source: network.RouteLearned, Prefix: netip.MustParsePrefix("8.8.0.0/16"), NextHop: netip.MustParseAddr("192.0.2.2")}

	rt := NewRouteTable(zap.NewNop().Sugar(), def)
	rec := &recorder{}
	rt.Listen(rec)

	rt.Update(more)
	r, ok := rt.LongestPrefixMatch(netip.MustParseAddr("8.8.8.8"))
	if !ok || r.NextHop != more.NextHop {
		t.Errorf("expected /16 match, got %v", r)
	}
	r, ok = rt.LongestPrefixMatch(netip.MustParseAddr("1.1.1.1"))
	if !ok || r.NextHop != def.NextHop {
		t.Errorf("expected default match, got %v", r)
	}

	rt.Withdraw(more, more)
	if len(rt.Routes()) != 1 {
		t.Errorf("expected 1 route, got %v", rt.Routes())
	}
	if len(rec.routes) != 2 || rec.routes[1].Type != network.EventRemoved {
		t.Errorf("expected update then a single removal, got %+v", rec.routes)
	}
}
