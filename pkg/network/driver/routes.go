package driver

import (
	"net/netip"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/ipam"
)

// RouteTable is an in-process external route table.
type RouteTable struct {
	log *zap.SugaredLogger
	idx *ipam.RouteIndex

	mu        sync.Mutex
	listeners []network.Listener
}

// NewRouteTable returns a table seeded with routes. Seeding fires no events.
func NewRouteTable(log *zap.SugaredLogger, routes ...network.Route) *RouteTable {
	t := &RouteTable{
		log: log.Named("route-table"),
		idx: ipam.NewRouteIndex(),
	}
	for _, r := range routes {
		t.idx.InsertRoute(r)
	}
	return t
}

// Listen registers l for route events.
func (t *RouteTable) Listen(l network.Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *RouteTable) Update(routes ...network.Route) {
	for _, r := range routes {
		if prev, replaced := t.idx.InsertRoute(r); replaced {
			t.log.Debugw("route replaced", "prefix", r.Prefix, "old", prev.NextHop, "new", r.NextHop)
		}
	}
	t.notify(network.EventUpdated, routes)
}

func (t *RouteTable) Withdraw(routes ...network.Route) {
	var gone []network.Route
	for _, r := range routes {
		if t.idx.Remove(r.Prefix) {
			gone = append(gone, r)
		}
	}
	t.notify(network.EventRemoved, gone)
}

func (t *RouteTable) LongestPrefixMatch(ip netip.Addr) (network.Route, bool) {
	return t.idx.FindContaining(ip)
}

func (t *RouteTable) Routes() []network.Route {
	return t.idx.List()
}

func (t *RouteTable) notify(typ network.EventType, routes []network.Route) {
	t.mu.Lock()
	ls := slices.Clone(t.listeners)
	t.mu.Unlock()

	for _, r := range routes {
		for _, l := range ls {
			l.RouteChanged(network.RouteEvent{Type: typ, Route: r})
		}
	}
}

var _ network.RouteService = (*RouteTable)(nil)
