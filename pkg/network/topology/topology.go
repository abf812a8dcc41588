// Package topology keeps the catalog of L2 networks: named broadcast domains,
// their member interfaces and their reconciliation state.
package topology

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/glennswest/microfabric/pkg/network"
)

// State is the lifecycle state of an L2 network.
type State string

const (
	StateAdding   State = "ADDING"
	StateAdded    State = "ADDED"
	StateUpdating State = "UPDATING"
	StateRemoving State = "REMOVING"
	StateRemoved  State = "REMOVED"
	StateFailed   State = "FAILED"
)

// Terminal reports whether the network is being or has been removed.
func (s State) Terminal() bool {
	return s == StateRemoving || s == StateRemoved
}

// Spec is the configured shape of an L2 network.
type Spec struct {
	Name           string                `json:"name" yaml:"name"`
	InterfaceNames []string              `json:"interfaces" yaml:"interfaces"`
	Encapsulation  network.Encapsulation `json:"encapsulation" yaml:"encapsulation"`
	L2Forward      bool                  `json:"l2Forward" yaml:"l2Forward"`
}

// L2Network is a snapshot of one broadcast domain. Snapshots returned by the
// Registry are copies and safe to keep.
type L2Network struct {
	Spec
	Interfaces []network.Interface `json:"resolvedInterfaces" yaml:"resolvedInterfaces"`
	State      State               `json:"state" yaml:"state"`
	// Failures counts the installation failures reported for the network.
	Failures uint64 `json:"failures" yaml:"failures"`
}

// Dirty reports whether the network's intents need to be recomputed.
func (n L2Network) Dirty() bool {
	return n.State == StateAdding || n.State == StateUpdating
}

// Contains reports whether (cp, vlan) is one of the member interfaces.
func (n L2Network) Contains(cp network.ConnectPoint, vlan network.VlanID) bool {
	for _, i := range n.Interfaces {
		if i.ConnectPoint == cp && i.VLAN == vlan {
			return true
		}
	}
	return false
}

// ContainsDevice reports whether any member interface is on device.
func (n L2Network) ContainsDevice(id network.DeviceID) bool {
	for _, i := range n.Interfaces {
		if i.ConnectPoint.Device == id {
			return true
		}
	}
	return false
}

// HasInterface reports whether the named interface is a member.
func (n L2Network) HasInterface(name string) bool {
	for _, i := range n.Interfaces {
		if i.Name == name {
			return true
		}
	}
	return false
}

func (n *L2Network) clone() L2Network {
	out := *n
	out.InterfaceNames = slices.Clone(n.InterfaceNames)
	out.Interfaces = slices.Clone(n.Interfaces)
	return out
}

type attachment struct {
	cp   network.ConnectPoint
	vlan network.VlanID
}

// Registry tracks L2 networks by name and by member attachment.
type Registry struct {
	mu       sync.RWMutex
	networks map[string]*L2Network
	owners   map[attachment]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		networks: make(map[string]*L2Network),
		owners:   make(map[attachment]string),
	}
}

// Upsert creates or updates a network from its spec and resolved member
// interfaces. A new network starts ADDING; an existing one moves to UPDATING
// when anything changed. Re-adding a network that is being removed revives it.
// It reports whether the network changed.
func (r *Registry) Upsert(spec Spec, ifaces []network.Interface) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ifaces = sortInterfaces(ifaces)
	n, ok := r.networks[spec.Name]
	if !ok {
		n = &L2Network{Spec: spec, Interfaces: ifaces, State: StateAdding}
		n.InterfaceNames = slices.Clone(spec.InterfaceNames)
		r.networks[spec.Name] = n
		r.index(n)
		return true
	}

	if n.State.Terminal() {
		r.unindex(n)
		n.Spec = spec
		n.InterfaceNames = slices.Clone(spec.InterfaceNames)
		n.Interfaces = ifaces
		n.State = StateAdding
		r.index(n)
		return true
	}

	same := n.Encapsulation == spec.Encapsulation &&
		n.L2Forward == spec.L2Forward &&
		slices.Equal(n.InterfaceNames, spec.InterfaceNames) &&
		equalInterfaces(n.Interfaces, ifaces)
	if same {
		return false
	}

	r.unindex(n)
	n.Spec = spec
	n.InterfaceNames = slices.Clone(spec.InterfaceNames)
	n.Interfaces = ifaces
	if n.State != StateAdding {
		n.State = StateUpdating
	}
	r.index(n)
	return true
}

// FindByName returns a snapshot of the named network.
func (r *Registry) FindByName(name string) (L2Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.networks[name]
	if !ok {
		return L2Network{}, false
	}
	return n.clone(), true
}

// FindByAttachment returns the network owning (cp, vlan).
func (r *Registry) FindByAttachment(cp network.ConnectPoint, vlan network.VlanID) (L2Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.owners[attachment{cp: cp, vlan: vlan}]
	if !ok {
		return L2Network{}, false
	}
	return r.networks[name].clone(), true
}

// IsL2NetworkInterface reports whether iface is a member of any network.
func (r *Registry) IsL2NetworkInterface(iface network.Interface) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.owners[attachment{cp: iface.ConnectPoint, vlan: iface.VLAN}]
	if !ok {
		return false
	}
	return r.networks[name].HasInterface(iface.Name)
}

// AddInterface adds iface to the named network.
func (r *Registry) AddInterface(name string, iface network.Interface) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.networks[name]
	if !ok {
		return fmt.Errorf("l2 network %q not found", name)
	}
	if n.HasInterface(iface.Name) {
		return nil
	}
	n.Interfaces = sortInterfaces(append(n.Interfaces, iface))
	if !slices.Contains(n.InterfaceNames, iface.Name) {
		n.InterfaceNames = append(n.InterfaceNames, iface.Name)
	}
	r.owners[attachment{cp: iface.ConnectPoint, vlan: iface.VLAN}] = name
	r.touch(n)
	return nil
}

// RemoveInterface removes the named interface from the named network.
func (r *Registry) RemoveInterface(name, ifaceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.networks[name]
	if !ok {
		return fmt.Errorf("l2 network %q not found", name)
	}
	idx := slices.IndexFunc(n.Interfaces, func(i network.Interface) bool { return i.Name == ifaceName })
	if idx < 0 {
		return fmt.Errorf("interface %q not in l2 network %q", ifaceName, name)
	}
	iface := n.Interfaces[idx]
	n.Interfaces = slices.Delete(slices.Clone(n.Interfaces), idx, idx+1)
	n.InterfaceNames = slices.DeleteFunc(n.InterfaceNames, func(s string) bool { return s == ifaceName })
	a := attachment{cp: iface.ConnectPoint, vlan: iface.VLAN}
	if r.owners[a] == name {
		delete(r.owners, a)
	}
	r.touch(n)
	return nil
}

// MarkDirty forces the named network to be recomputed.
func (r *Registry) MarkDirty(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.networks[name]; ok {
		r.touch(n)
	}
}

// MarkReconciled records a successful reconcile pass for the named network.
// failures is the network's failure count when the pass started; a failure
// reported since then keeps the network FAILED.
func (r *Registry) MarkReconciled(name string, failures uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.networks[name]
	if !ok || n.Failures != failures {
		return
	}
	switch n.State {
	case StateAdding, StateUpdating, StateFailed:
		n.State = StateAdded
	case StateRemoving:
		n.State = StateRemoved
	}
}

// MarkFailed records an installation failure for the named network.
func (r *Registry) MarkFailed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.networks[name]; ok && !n.State.Terminal() {
		n.State = StateFailed
		n.Failures++
	}
}

// Remove starts removal of the named network. Its attachments stop resolving
// immediately. It reports whether the network existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.networks[name]
	if !ok {
		return false
	}
	if n.State != StateRemoved {
		n.State = StateRemoving
	}
	r.unindex(n)
	return true
}

// Destroy deletes a REMOVED network. Networks in other states are kept.
func (r *Registry) Destroy(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.networks[name]
	if !ok || n.State != StateRemoved {
		return false
	}
	delete(r.networks, name)
	return true
}

// List returns snapshots of all networks sorted by name.
func (r *Registry) List() []L2Network {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]L2Network, 0, len(r.networks))
	for _, n := range r.networks {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of networks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.networks)
}

// touch moves n to UPDATING unless it is new or terminal.
// Must be called with r.mu held.
func (r *Registry) touch(n *L2Network) {
	switch n.State {
	case StateAdding, StateRemoving, StateRemoved:
	default:
		n.State = StateUpdating
	}
}

// Must be called with r.mu held.
func (r *Registry) index(n *L2Network) {
	if n.State.Terminal() {
		return
	}
	for _, i := range n.Interfaces {
		r.owners[attachment{cp: i.ConnectPoint, vlan: i.VLAN}] = n.Name
	}
}

// Must be called with r.mu held.
func (r *Registry) unindex(n *L2Network) {
	for _, i := range n.Interfaces {
		a := attachment{cp: i.ConnectPoint, vlan: i.VLAN}
		if r.owners[a] == n.Name {
			delete(r.owners, a)
		}
	}
}

func sortInterfaces(ifaces []network.Interface) []network.Interface {
	out := slices.Clone(ifaces)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func equalInterfaces(a, b []network.Interface) bool {
	return slices.EqualFunc(a, b, func(x, y network.Interface) bool {
		return x.Name == y.Name && x.ConnectPoint == y.ConnectPoint && x.VLAN == y.VLAN &&
			x.MAC == y.MAC && slices.Equal(x.IPs, y.IPs)
	})
}
