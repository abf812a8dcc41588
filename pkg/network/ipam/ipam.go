// Package ipam indexes locally owned subnets and border routes by prefix and
// answers longest-prefix-match queries over them.
package ipam

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/apparentlymart/go-cidr/cidr"
	iradix "github.com/hashicorp/go-immutable-radix"
	"go4.org/netipx"

	"github.com/glennswest/microfabric/pkg/network"
)

// Table maps IP prefixes to values. IPv4 and IPv6 prefixes live in separate
// radix trees keyed by the prefix bits, one byte per bit, so a radix walk
// along an address key visits exactly the prefixes that contain it.
type Table[T any] struct {
	mu sync.RWMutex
	v4 *iradix.Tree
	v6 *iradix.Tree
}

// NewTable returns an empty Table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		v4: iradix.New(),
		v6: iradix.New(),
	}
}

// Insert stores v under prefix, replacing any value with the same prefix.
// The replaced value is returned so callers can report the conflict.
func (t *Table[T]) Insert(prefix netip.Prefix, v T) (prev T, replaced bool) {
	prefix = prefix.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()

	tree := t.tree(prefix.Addr())
	next, old, ok := (*tree).Insert(prefixKey(prefix), v)
	*tree = next
	if ok {
		prev = old.(T)
	}
	return prev, ok
}

// Remove deletes the entry for prefix. It reports whether one existed.
func (t *Table[T]) Remove(prefix netip.Prefix) bool {
	prefix = prefix.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()

	tree := t.tree(prefix.Addr())
	next, _, ok := (*tree).Delete(prefixKey(prefix))
	if ok {
		*tree = next
	}
	return ok
}

// FindContaining returns the value of the longest prefix containing addr.
func (t *Table[T]) FindContaining(addr netip.Addr) (T, bool) {
	var zero T
	if !addr.IsValid() {
		return zero, false
	}
	addr = addr.Unmap()
	t.mu.RLock()
	tree := *t.tree(addr)
	t.mu.RUnlock()

	_, v, ok := tree.Root().LongestPrefix(prefixKey(netip.PrefixFrom(addr, addr.BitLen())))
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// Get returns the value stored under exactly prefix.
func (t *Table[T]) Get(prefix netip.Prefix) (T, bool) {
	var zero T
	prefix = prefix.Masked()
	t.mu.RLock()
	tree := *t.tree(prefix.Addr())
	t.mu.RUnlock()

	v, ok := tree.Get(prefixKey(prefix))
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// IsExactPrefixKnown reports whether prefix itself, not merely an address in
// it, has an entry.
func (t *Table[T]) IsExactPrefixKnown(prefix netip.Prefix) bool {
	_, ok := t.Get(prefix)
	return ok
}

// List returns every value, IPv4 first, each family in trie order.
func (t *Table[T]) List() []T {
	t.mu.RLock()
	v4, v6 := t.v4, t.v6
	t.mu.RUnlock()

	out := make([]T, 0, v4.Len()+v6.Len())
	collect := func(_ []byte, v interface{}) bool {
		out = append(out, v.(T))
		return false
	}
	v4.Root().Walk(collect)
	v6.Root().Walk(collect)
	return out
}

// Len returns the number of entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.v4.Len() + t.v6.Len()
}

func (t *Table[T]) tree(addr netip.Addr) **iradix.Tree {
	if addr.Unmap().Is4() {
		return &t.v4
	}
	return &t.v6
}

// prefixKey renders the first Bits() bits of prefix as '0'/'1' bytes.
func prefixKey(prefix netip.Prefix) []byte {
	addr := prefix.Addr().Unmap()
	raw := addr.AsSlice()
	bits := prefix.Bits()
	if bits < 0 {
		bits = 0
	}
	if bits > addr.BitLen() {
		bits = addr.BitLen()
	}
	key := make([]byte, bits)
	for i := 0; i < bits; i++ {
		if raw[i/8]&(0x80>>(i%8)) != 0 {
			key[i] = '1'
		} else {
			key[i] = '0'
		}
	}
	return key
}

// ─── Subnet and route indexes ────────────────────────────────────────────────

// SubnetIndex is the table of locally owned subnets.
type SubnetIndex struct {
	*Table[network.Subnet]
}

// NewSubnetIndex returns an empty SubnetIndex.
func NewSubnetIndex() *SubnetIndex {
	return &SubnetIndex{Table: NewTable[network.Subnet]()}
}

// InsertSubnet adds s, replacing a subnet with the same prefix.
func (x *SubnetIndex) InsertSubnet(s network.Subnet) (network.Subnet, bool) {
	return x.Insert(s.Prefix, s)
}

// RemoveSubnet deletes s by prefix.
func (x *SubnetIndex) RemoveSubnet(s network.Subnet) bool {
	return x.Remove(s.Prefix)
}

// RouteIndex is the table of border routes.
type RouteIndex struct {
	*Table[network.Route]
}

// NewRouteIndex returns an empty RouteIndex.
func NewRouteIndex() *RouteIndex {
	return &RouteIndex{Table: NewTable[network.Route]()}
}

// InsertRoute adds r, replacing a route with the same prefix.
func (x *RouteIndex) InsertRoute(r network.Route) (network.Route, bool) {
	return x.Insert(r.Prefix, r)
}

// ─── Address helpers ─────────────────────────────────────────────────────────

// BroadcastAddr returns the directed broadcast address of prefix.
func BroadcastAddr(prefix netip.Prefix) netip.Addr {
	return netipx.PrefixLastIP(prefix.Masked())
}

// DefaultGateway returns the first host address of prefix, used when a
// subnet is configured without an explicit gateway.
func DefaultGateway(prefix netip.Prefix) (netip.Addr, error) {
	ipnet := netipx.PrefixIPNet(prefix.Masked())
	ip, err := cidr.Host(ipnet, 1)
	if err != nil {
		return netip.Addr{}, err
	}
	addr, ok := netipx.FromStdIP(ip)
	if !ok {
		return netip.Addr{}, fmt.Errorf("invalid gateway address %s for %s", ip, prefix)
	}
	return addr, nil
}

// GatewaySet is an immutable set of virtual gateway addresses.
type GatewaySet struct {
	set *netipx.IPSet
}

// NewGatewaySet builds a set from addrs. Invalid addresses are ignored.
func NewGatewaySet(addrs ...netip.Addr) GatewaySet {
	var b netipx.IPSetBuilder
	for _, a := range addrs {
		if a.IsValid() {
			b.Add(a.Unmap())
		}
	}
	set, _ := b.IPSet()
	return GatewaySet{set: set}
}

// Contains reports whether addr is a gateway address.
func (g GatewaySet) Contains(addr netip.Addr) bool {
	if g.set == nil {
		return false
	}
	return g.set.Contains(addr.Unmap())
}

// Addrs lists the gateway addresses.
func (g GatewaySet) Addrs() []netip.Addr {
	if g.set == nil {
		return nil
	}
	var out []netip.Addr
	for _, r := range g.set.Ranges() {
		for a := r.From(); ; a = a.Next() {
			out = append(out, a)
			if a == r.To() {
				break
			}
		}
	}
	return out
}
