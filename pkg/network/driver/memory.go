package driver

import (
	"context"
	"net/netip"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glennswest/microfabric/pkg/config"
	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/intent"
)

// Memory is an in-process fabric: intent installer, flow table, packet I/O and
// the interface, host and device directories.
//
// Intent operations are queued and applied by Run (or Flush), never inside
// the calling goroutine's Submit/Withdraw/Purge call.
type Memory struct {
	log *zap.SugaredLogger

	mu         sync.Mutex
	intents    map[intent.Key]*memIntent
	ops        []memOp
	flows      map[network.FlowRule]bool
	emitted    []network.OutboundPacket
	interfaces map[string]network.Interface
	hosts      map[string]network.Host
	devices    map[network.DeviceID]bool
	monitored  map[netip.Addr]bool
	listeners  []network.Listener

	// Fail, when set, decides whether an installation fails.
	Fail func(intent.Record) error

	kick chan struct{}
}

type memIntent struct {
	id     uuid.UUID
	record intent.Record
	state  intent.State
}

type memOpKind int

const (
	opInstall memOpKind = iota
	opWithdraw
	opPurge
)

type memOp struct {
	kind   memOpKind
	record intent.Record
	key    intent.Key
	done   func(error)
}

// NewMemory returns an empty in-process fabric.
func NewMemory(log *zap.SugaredLogger) *Memory {
	return &Memory{
		log:        log.Named("mem-driver"),
		intents:    make(map[intent.Key]*memIntent),
		flows:      make(map[network.FlowRule]bool),
		interfaces: make(map[string]network.Interface),
		hosts:      make(map[string]network.Host),
		devices:    make(map[network.DeviceID]bool),
		monitored:  make(map[netip.Addr]bool),
		kick:       make(chan struct{}, 1),
	}
}

// NewMemoryFromInventory returns an in-process fabric seeded with inv.
func NewMemoryFromInventory(inv config.Inventory, log *zap.SugaredLogger) *Memory {
	m := NewMemory(log)
	for _, id := range inv.Devices {
		m.devices[id] = true
	}
	for _, i := range inv.Interfaces {
		m.interfaces[i.Name] = i
	}
	for _, h := range inv.Hosts {
		if h.ID == "" {
			h.ID = h.MAC.String()
		}
		m.hosts[h.ID] = h
	}
	m.log.Infow("inventory loaded",
		"devices", len(inv.Devices),
		"interfaces", len(inv.Interfaces),
		"hosts", len(inv.Hosts))
	return m
}

// Listen registers l for directory events.
func (m *Memory) Listen(l network.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Run applies queued intent operations until ctx is cancelled.
func (m *Memory) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
			m.Flush()
		}
	}
}

// Flush applies every queued intent operation and runs their callbacks.
func (m *Memory) Flush() {
	for {
		m.mu.Lock()
		if len(m.ops) == 0 {
			m.mu.Unlock()
			return
		}
		op := m.ops[0]
		m.ops = m.ops[1:]
		done, err := m.apply(op)
		m.mu.Unlock()

		if done != nil {
			done(err)
		}
	}
}

// Must be called with m.mu held.
func (m *Memory) apply(op memOp) (func(error), error) {
	switch op.kind {
	case opInstall:
		e, ok := m.intents[op.record.Key]
		if !ok {
			return op.done, nil
		}
		// Superseded by a later submit, or withdrawn meanwhile.
		if !e.record.Equal(op.record) || e.state != intent.StateInstallReq {
			return op.done, nil
		}
		if m.Fail != nil {
			if err := m.Fail(op.record); err != nil {
				e.state = intent.StateFailed
				m.log.Debugw("intent install failed", "key", op.record.Key, "error", err)
				return op.done, err
			}
		}
		e.state = intent.StateInstalled
		return op.done, nil

	case opWithdraw:
		if e, ok := m.intents[op.key]; ok && e.state == intent.StateWithdrawReq {
			e.state = intent.StateWithdrawn
		}
	case opPurge:
		// Resubmitted meanwhile.
		if e, ok := m.intents[op.key]; ok && e.state == intent.StatePurgeReq {
			delete(m.intents, op.key)
		}
	}
	return nil, nil
}

// Must be called with m.mu held.
func (m *Memory) enqueue(op memOp) {
	m.ops = append(m.ops, op)
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// ─── intent.Service ──────────────────────────────────────────────────────────

func (m *Memory) Submit(rec intent.Record, done func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.intents[rec.Key]
	if !ok {
		e = &memIntent{id: uuid.New()}
		m.intents[rec.Key] = e
	}
	e.record = rec
	e.state = intent.StateInstallReq
	m.enqueue(memOp{kind: opInstall, record: rec, done: done})
}

func (m *Memory) Withdraw(key intent.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.intents[key]
	if !ok || e.state == intent.StateWithdrawn {
		return
	}
	e.state = intent.StateWithdrawReq
	m.enqueue(memOp{kind: opWithdraw, key: key})
}

func (m *Memory) Purge(key intent.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.intents[key]; ok && e.state.Retired() {
		e.state = intent.StatePurgeReq
		m.enqueue(memOp{kind: opPurge, key: key})
	}
}

func (m *Memory) Get(key intent.Key) (intent.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.intents[key]
	if !ok {
		return intent.Record{}, false
	}
	return e.record, true
}

func (m *Memory) State(key intent.Key) intent.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.intents[key]
	if !ok {
		return intent.StateAbsent
	}
	if e.state == intent.StatePurgeReq {
		// Purge is only accepted for retired intents.
		return intent.StateWithdrawn
	}
	return e.state
}

func (m *Memory) Keys(app string) []intent.Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []intent.Key
	for k, e := range m.intents {
		if app == "" || e.record.App == app {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// IntentID returns the installer id of key.
func (m *Memory) IntentID(key intent.Key) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.intents[key]
	if !ok {
		return uuid.Nil, false
	}
	return e.id, true
}

// SetState forces the state of an intent, as the installer would after a
// network failure.
func (m *Memory) SetState(key intent.Key, s intent.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.intents[key]; ok {
		e.state = s
	}
}

// ─── network.FlowRuleService ─────────────────────────────────────────────────

func (m *Memory) Apply(_ context.Context, rules ...network.FlowRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rules {
		m.flows[r] = true
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, rules ...network.FlowRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rules {
		delete(m.flows, r)
	}
	return nil
}

func (m *Memory) RemoveByApp(_ context.Context, app string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for r := range m.flows {
		if r.App == app {
			delete(m.flows, r)
		}
	}
	return nil
}

// FlowRules returns the installed rules.
func (m *Memory) FlowRules() []network.FlowRule {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]network.FlowRule, 0, len(m.flows))
	for r := range m.flows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ─── network.PacketService ───────────────────────────────────────────────────

func (m *Memory) Emit(pkt network.OutboundPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted = append(m.emitted, pkt)
	return nil
}

// TakeEmitted returns and clears the emitted packets.
func (m *Memory) TakeEmitted() []network.OutboundPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.emitted
	m.emitted = nil
	return out
}

// ─── Directories ─────────────────────────────────────────────────────────────

// AddDevice marks a device available.
func (m *Memory) AddDevice(id network.DeviceID) {
	m.mu.Lock()
	m.devices[id] = true
	ls := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, l := range ls {
		l.DeviceChanged(network.DeviceEvent{Device: id, Available: true})
	}
}

// RemoveDevice marks a device unavailable.
func (m *Memory) RemoveDevice(id network.DeviceID) {
	m.mu.Lock()
	delete(m.devices, id)
	ls := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, l := range ls {
		l.DeviceChanged(network.DeviceEvent{Device: id, Available: false})
	}
}

func (m *Memory) IsAvailable(id network.DeviceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[id]
}

func (m *Memory) AvailableDevices() []network.DeviceID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]network.DeviceID, 0, len(m.devices))
	for id := range m.devices {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// PutInterface adds or replaces an interface.
func (m *Memory) PutInterface(iface network.Interface) {
	m.mu.Lock()
	prev, existed := m.interfaces[iface.Name]
	m.interfaces[iface.Name] = iface
	ls := slices.Clone(m.listeners)
	m.mu.Unlock()

	ev := network.InterfaceEvent{Type: network.EventAdded, Interface: iface}
	if existed {
		ev.Type = network.EventUpdated
		ev.Prev = &prev
	}
	for _, l := range ls {
		l.InterfaceChanged(ev)
	}
}

// DeleteInterface removes an interface by name.
func (m *Memory) DeleteInterface(name string) {
	m.mu.Lock()
	iface, ok := m.interfaces[name]
	delete(m.interfaces, name)
	ls := slices.Clone(m.listeners)
	m.mu.Unlock()

	if !ok {
		return
	}
	for _, l := range ls {
		l.InterfaceChanged(network.InterfaceEvent{Type: network.EventRemoved, Interface: iface})
	}
}

func (m *Memory) Interfaces() []network.Interface {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]network.Interface, 0, len(m.interfaces))
	for _, i := range m.interfaces {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Memory) InterfaceByName(name string) (network.Interface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.interfaces[name]
	return i, ok
}

func (m *Memory) InterfacesAt(cp network.ConnectPoint) []network.Interface {
	var out []network.Interface
	for _, i := range m.Interfaces() {
		if i.ConnectPoint == cp {
			out = append(out, i)
		}
	}
	return out
}

// PutHost learns or moves a host.
func (m *Memory) PutHost(h network.Host) {
	if h.ID == "" {
		h.ID = h.MAC.String()
	}
	m.mu.Lock()
	prev, existed := m.hosts[h.ID]
	m.hosts[h.ID] = h
	for _, ip := range h.IPs {
		delete(m.monitored, ip)
	}
	ls := slices.Clone(m.listeners)
	m.mu.Unlock()

	ev := network.HostEvent{Type: network.EventAdded, Host: h}
	if existed {
		ev.Type = network.EventUpdated
		if prev.Location != h.Location {
			ev.Type = network.EventMoved
		}
		ev.Prev = &prev
	}
	for _, l := range ls {
		l.HostChanged(ev)
	}
}

// DeleteHost forgets a host.
func (m *Memory) DeleteHost(id string) {
	m.mu.Lock()
	h, ok := m.hosts[id]
	delete(m.hosts, id)
	ls := slices.Clone(m.listeners)
	m.mu.Unlock()

	if !ok {
		return
	}
	for _, l := range ls {
		l.HostChanged(network.HostEvent{Type: network.EventRemoved, Host: h})
	}
}

func (m *Memory) Hosts() []network.Host {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]network.Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) HostsByIP(ip netip.Addr) []network.Host {
	var out []network.Host
	for _, h := range m.Hosts() {
		if slices.Contains(h.IPs, ip) {
			out = append(out, h)
		}
	}
	return out
}

func (m *Memory) HostsByMAC(mac network.MAC) []network.Host {
	var out []network.Host
	for _, h := range m.Hosts() {
		if h.MAC == mac {
			out = append(out, h)
		}
	}
	return out
}

func (m *Memory) StartMonitoringIP(ip netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitored[ip] = true
}

// Monitored reports whether ip is being probed.
func (m *Memory) Monitored(ip netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitored[ip]
}

var (
	_ intent.Service           = (*Memory)(nil)
	_ network.FlowRuleService  = (*Memory)(nil)
	_ network.PacketService    = (*Memory)(nil)
	_ network.InterfaceService = (*Memory)(nil)
	_ network.HostService      = (*Memory)(nil)
	_ network.DeviceService    = (*Memory)(nil)
)
