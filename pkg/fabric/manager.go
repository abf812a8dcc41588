package fabric

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"

	"github.com/glennswest/microfabric/pkg/config"
	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/intent"
	"github.com/glennswest/microfabric/pkg/network/ipam"
	"github.com/glennswest/microfabric/pkg/network/topology"
)

// ErrUnhandledFrame is returned for punted frames that are neither IP nor
// address resolution traffic.
var ErrUnhandledFrame = errors.New("unhandled frame")

const refreshKey = "refresh"

// Manager wires configuration, directory events and punted packets to the
// reconciler. It implements network.Listener.
type Manager struct {
	app     string
	deps    Deps
	log     *zap.SugaredLogger
	metrics *Metrics

	registry   *topology.Registry
	subnets    *ipam.SubnetIndex
	reconciler *Reconciler
	classifier *Classifier
	neighbours *NeighbourResolver
	state      *network.StateStore
	throttle   *cache.Cache

	queue workqueue.RateLimitingInterface
	idle  time.Duration

	mu         sync.RWMutex
	specs      []topology.Spec
	border     []string
	gatewayMAC network.MAC
	gateways   ipam.GatewaySet
	missing    sets.Set[string]

	// interceptMu serializes refresh passes and guards intercepts. It is
	// taken before mu and never by the packet path.
	interceptMu sync.Mutex
	intercepts  map[network.FlowRule]bool
}

// NewManager builds a Manager for cfg. Metrics are registered with reg when
// it is non-nil. Keys persisted by a previous run are adopted as pending
// purges.
func NewManager(cfg *config.Fabric, deps Deps, reg prometheus.Registerer, log *zap.SugaredLogger) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	eng := cfg.Engine
	def := config.Defaults()
	if eng.IdleInterval <= 0 {
		eng.IdleInterval = def.IdleInterval
	}
	if eng.ResolveHoldoff <= 0 {
		eng.ResolveHoldoff = def.ResolveHoldoff
	}

	metrics := NewMetrics(reg)
	registry := topology.New()
	m := &Manager{
		app:        cfg.AppID,
		deps:       deps,
		log:        log.Named("fabric"),
		metrics:    metrics,
		registry:   registry,
		subnets:    ipam.NewSubnetIndex(),
		reconciler: NewReconciler(cfg.AppID, deps.Intents, registry, metrics, log),
		state:      network.NewStateStore(eng.StatePath),
		// No janitor goroutine; expired entries are dropped on the idle tick.
		throttle:   cache.New(eng.ResolveHoldoff, 0),
		queue:      workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), "fabric-refresh"),
		idle:       eng.IdleInterval,
		missing:    sets.New[string](),
		intercepts: make(map[network.FlowRule]bool),
	}
	m.classifier = &Classifier{m: m, log: m.log.Named("reactive")}
	m.neighbours = &NeighbourResolver{m: m, log: m.log.Named("neighbour")}

	if err := m.state.Load(); err != nil {
		m.log.Warnw("ignoring fabric state", "error", err)
	} else if st := m.state.Get(); len(st.Installed)+len(st.PendingPurge) > 0 {
		var keys []intent.Key
		for _, k := range append(st.Installed, st.PendingPurge...) {
			keys = append(keys, intent.Key(k))
		}
		m.reconciler.Adopt(keys...)
		m.log.Infow("adopted intents from previous run", "count", len(keys))
	}

	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
	return m, nil
}

// Registry returns the L2 network registry.
func (m *Manager) Registry() *topology.Registry { return m.registry }

// Reconciler returns the intent reconciler.
func (m *Manager) Reconciler() *Reconciler { return m.reconciler }

// Metrics returns the engine metrics.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// ─── Configuration ───────────────────────────────────────────────────────────

// Configure replaces the fabric configuration and schedules a refresh.
func (m *Manager) Configure(cfg *config.Fabric) {
	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
	m.Refresh()
}

// Must be called with m.mu held.
func (m *Manager) applyLocked(cfg *config.Fabric) {
	want := make(map[netip.Prefix]bool, len(cfg.Subnets))
	for _, s := range cfg.Subnets {
		want[s.Prefix] = true
	}
	for _, s := range m.subnets.List() {
		if !want[s.Prefix] {
			m.subnets.RemoveSubnet(s)
		}
	}
	var gws []netip.Addr
	for _, s := range cfg.Subnets {
		if prev, replaced := m.subnets.InsertSubnet(s); replaced && prev != s {
			m.log.Infow("subnet replaced", "prefix", s.Prefix, "old", prev.L2Network, "new", s.L2Network)
		}
		gws = append(gws, s.Gateway)
	}

	names := make(map[string]bool, len(cfg.L2Networks))
	for _, spec := range cfg.L2Networks {
		names[spec.Name] = true
	}
	for _, n := range m.registry.List() {
		if !names[n.Name] && !n.State.Terminal() {
			m.registry.Remove(n.Name)
			m.log.Infow("l2 network removed", "name", n.Name)
		}
	}

	m.specs = slices.Clone(cfg.L2Networks)
	m.border = slices.Clone(cfg.BorderInterfaces)
	m.gatewayMAC = cfg.VirtualGatewayMAC
	m.gateways = ipam.NewGatewaySet(gws...)
	m.syncRegistryLocked()
}

// syncRegistryLocked resolves every configured network's interface names
// against the interface directory.
// A missing interface is warned about once until it appears.
// Must be called with m.mu held.
func (m *Manager) syncRegistryLocked() {
	missing := sets.New[string]()
	for _, spec := range m.specs {
		var ifaces []network.Interface
		for _, name := range spec.InterfaceNames {
			key := spec.Name + "/" + name
			iface, ok := m.deps.Interfaces.InterfaceByName(name)
			if !ok {
				missing.Insert(key)
				if !m.missing.Has(key) {
					m.log.Warnw("l2 network interface not found", "network", spec.Name, "interface", name)
				}
				continue
			}
			if m.missing.Has(key) {
				m.log.Infow("l2 network interface found", "network", spec.Name, "interface", name)
			}
			ifaces = append(ifaces, iface)
		}
		if m.registry.Upsert(spec, ifaces) {
			m.log.Infow("l2 network updated", "name", spec.Name, "interfaces", len(ifaces))
		}
	}
	m.missing = missing
}

// ─── Refresh ─────────────────────────────────────────────────────────────────

// Refresh schedules a refresh pass. Requests made while one is pending
// collapse into it.
func (m *Manager) Refresh() {
	m.queue.Add(refreshKey)
}

// RefreshNow runs a refresh pass: L2 intents, border intents, network
// removal and intercept rules. Intercept rules are programmed after mu is
// released.
func (m *Manager) RefreshNow(ctx context.Context) {
	m.interceptMu.Lock()
	defer m.interceptMu.Unlock()

	m.mu.Lock()
	m.syncRegistryLocked()
	networks := m.registry.List()
	failures := make(map[string]uint64, len(networks))
	for _, n := range networks {
		failures[n.Name] = n.Failures
	}
	for _, name := range m.reconciler.RefreshL2(networks, m.deps.Hosts.Hosts()) {
		m.registry.MarkReconciled(name, failures[name])
	}
	m.syncBorderLocked()
	m.destroyRemovedLocked()
	var rules []network.FlowRule
	if m.deps.Flows != nil {
		rules = buildIntercepts(m.interceptInputLocked())
	}
	m.mu.Unlock()

	if m.deps.Flows != nil {
		m.syncIntercepts(ctx, rules)
	}
	m.metrics.L2Networks.Set(float64(m.registry.Count()))
	m.metrics.Refreshes.Inc()
	m.saveState()
}

// Must be called with m.mu held.
func (m *Manager) syncBorderLocked() {
	ingress := m.l2PointsLocked()
	var desired []BorderIntent
	for _, route := range m.deps.Routes.Routes() {
		t, ok := m.targetLocked(route.Prefix, route.NextHop, m.encapFor(route.NextHop))
		if !ok {
			continue
		}
		desired = append(desired, BorderIntent{Target: t, Ingress: ingress})
	}
	m.reconciler.SyncBorder(desired)
}

// l2PointsLocked returns every attachment of every live L2 network.
// Must be called with m.mu held.
func (m *Manager) l2PointsLocked() []intent.FilteredPoint {
	var out []intent.FilteredPoint
	for _, n := range m.registry.List() {
		if n.State.Terminal() {
			continue
		}
		for _, iface := range n.Interfaces {
			out = append(out, intent.FilteredPoint{ConnectPoint: iface.ConnectPoint, VLAN: iface.VLAN})
		}
	}
	return out
}

// Must be called with m.mu held.
func (m *Manager) destroyRemovedLocked() {
	for _, n := range m.registry.List() {
		if n.State != topology.StateRemoved || m.reconciler.PendingFor(n.Name) {
			continue
		}
		if m.registry.Destroy(n.Name) {
			m.log.Infow("l2 network destroyed", "name", n.Name)
		}
	}
}

// Must be called with m.mu held.
func (m *Manager) interceptInputLocked() interceptInput {
	return interceptInput{
		app:      m.app,
		gateway:  m.gatewayMAC,
		devices:  m.deps.Devices.AvailableDevices(),
		subnets:  m.subnets.List(),
		networks: m.registry.List(),
		routes:   m.deps.Routes.Routes(),
	}
}

// syncIntercepts programs the difference between the applied rules and rules.
// Must be called with m.interceptMu held.
func (m *Manager) syncIntercepts(ctx context.Context, rules []network.FlowRule) {
	remove, apply := diffRules(m.intercepts, rules)
	if len(remove) > 0 {
		if err := m.deps.Flows.Remove(ctx, remove...); err != nil {
			m.log.Warnw("removing intercept rules", "count", len(remove), "error", err)
			return
		}
	}
	if len(apply) > 0 {
		if err := m.deps.Flows.Apply(ctx, apply...); err != nil {
			m.log.Warnw("applying intercept rules", "count", len(apply), "error", err)
			return
		}
	}
	m.intercepts = make(map[network.FlowRule]bool, len(rules))
	for _, r := range rules {
		m.intercepts[r] = true
	}
	if len(remove)+len(apply) > 0 {
		m.log.Infow("intercept rules updated", "removed", len(remove), "applied", len(apply), "total", len(m.intercepts))
	}
}

// Intercepts returns the applied intercept rules.
func (m *Manager) Intercepts() []network.FlowRule {
	m.interceptMu.Lock()
	defer m.interceptMu.Unlock()

	out := make([]network.FlowRule, 0, len(m.intercepts))
	for r := range m.intercepts {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b network.FlowRule) int {
		switch sa, sb := a.String(), b.String(); {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	})
	return out
}

func (m *Manager) saveState() {
	snap := m.reconciler.Snapshot()
	installed := make([]string, len(snap.Installed))
	for i, rec := range snap.Installed {
		installed[i] = string(rec.Key)
	}
	pending := make([]string, len(snap.PendingPurge))
	for i, k := range snap.PendingPurge {
		pending[i] = string(k)
	}
	m.state.Set(installed, pending)
	if err := m.state.Save(); err != nil {
		m.log.Warnw("saving fabric state", "error", err)
	}
}

// ─── Idle tick ───────────────────────────────────────────────────────────────

// Idle advances pending purges, revalidates prefix intents against the
// topology and probes border next hops. It is safe to call at any rate.
func (m *Manager) Idle(_ context.Context) {
	m.reconciler.CheckPendingPurge()
	m.revalidate()

	m.mu.RLock()
	m.monitorBorderPeersLocked()
	m.mu.RUnlock()

	m.mu.Lock()
	m.destroyRemovedLocked()
	m.mu.Unlock()

	m.throttle.DeleteExpired()
	m.saveState()
}

// revalidate checks prefix intents against the interface directory and the
// L2 networks. It does not hold mu while the installer is queried.
func (m *Manager) revalidate() {
	m.mu.RLock()
	border := slices.Clone(m.border)
	m.mu.RUnlock()

	borderCPs := make(map[network.ConnectPoint]bool)
	for _, name := range border {
		if iface, ok := m.deps.Interfaces.InterfaceByName(name); ok {
			borderCPs[iface.ConnectPoint] = true
		}
	}
	member := func(p intent.FilteredPoint) bool {
		return slices.ContainsFunc(m.deps.Interfaces.InterfacesAt(p.ConnectPoint), func(iface network.Interface) bool {
			return iface.VLAN == p.VLAN && m.registry.IsL2NetworkInterface(iface)
		})
	}
	// Traffic enters and leaves through L2 network members or the border.
	ingressOK := func(p intent.FilteredPoint) bool {
		return borderCPs[p.ConnectPoint] || member(p)
	}
	egressOK := func(p intent.FilteredPoint) bool {
		return m.deps.Devices.IsAvailable(p.Device) && ingressOK(p)
	}
	if re, wd := m.reconciler.RevalidatePrefixIntents(ingressOK, egressOK); re+wd > 0 {
		m.log.Infow("prefix intents revalidated", "resubmitted", re, "withdrawn", wd)
	}
}

// Must be called with m.mu held.
func (m *Manager) monitorBorderPeersLocked() {
	for _, route := range m.deps.Routes.Routes() {
		if len(m.deps.Hosts.HostsByIP(route.NextHop)) == 0 {
			m.resolveLocked(route.NextHop)
		}
	}
}

// ─── Address resolution ──────────────────────────────────────────────────────

// targetLocked resolves the egress of traffic toward prefix via nextHop. When
// the next hop is unknown it starts resolving it and reports false.
// Must be called with m.mu held.
func (m *Manager) targetLocked(prefix netip.Prefix, nextHop netip.Addr, encap network.Encapsulation) (PrefixTarget, bool) {
	hosts := m.deps.Hosts.HostsByIP(nextHop)
	if len(hosts) == 0 {
		m.resolveLocked(nextHop)
		return PrefixTarget{}, false
	}
	h := hosts[0]
	return PrefixTarget{
		Prefix:     prefix.Masked(),
		Egress:     intent.FilteredPoint{ConnectPoint: h.Location, VLAN: h.VLAN},
		NextHopMAC: h.MAC,
		GatewayMAC: m.gatewayMAC,
		Encap:      encap,
	}, true
}

func (m *Manager) encapFor(ip netip.Addr) network.Encapsulation {
	if s, ok := m.subnets.FindContaining(ip); ok && s.Encapsulation != "" {
		return s.Encapsulation
	}
	return network.EncapNone
}

// resolveLocked starts monitoring ip and sends a resolution request for it,
// at most once per hold-off period.
// Must be called with m.mu held.
func (m *Manager) resolveLocked(ip netip.Addr) {
	if err := m.throttle.Add(ip.String(), struct{}{}, cache.DefaultExpiration); err != nil {
		return
	}
	m.deps.Hosts.StartMonitoringIP(ip)
	m.requestMACLocked(ip)
}

// requestMACLocked emits an ARP request or neighbour solicitation for ip on
// every interface of the L2 network owning ip's subnet. Addresses outside the
// local subnets are asked for on the interfaces whose subnets hold them.
// Must be called with m.mu held.
func (m *Manager) requestMACLocked(ip netip.Addr) {
	if s, ok := m.subnets.FindContaining(ip); ok {
		if m.gatewayMAC.IsZero() {
			m.log.Debugw("no virtual gateway mac, not resolving", "ip", ip)
			return
		}
		n, ok := m.registry.FindByName(s.L2Network)
		if !ok {
			m.log.Warnw("subnet has no l2 network, not resolving", "ip", ip, "subnet", s.Prefix)
			return
		}
		for _, iface := range n.Interfaces {
			m.emitRequest(m.gatewayMAC, s.Gateway, ip, iface)
		}
		return
	}

	sent := false
	for _, iface := range m.deps.Interfaces.Interfaces() {
		for _, p := range iface.IPs {
			if !p.Contains(ip) {
				continue
			}
			src := iface.MAC
			if src.IsZero() {
				src = m.gatewayMAC
			}
			m.emitRequest(src, p.Addr(), ip, iface)
			sent = true
			break
		}
	}
	if !sent {
		m.log.Debugw("no interface faces address, not resolving", "ip", ip)
	}
}

func (m *Manager) emitRequest(srcMAC network.MAC, srcIP, target netip.Addr, iface network.Interface) {
	var (
		data []byte
		err  error
	)
	if target.Is4() {
		data, err = arpFrame(arpRequest, srcMAC, srcIP, network.ZeroMAC, target, iface.VLAN)
	} else {
		data, err = neighborSolicitation(srcMAC, srcIP, target, iface.VLAN)
	}
	if err != nil {
		m.log.Warnw("building resolution request", "target", target, "error", err)
		return
	}
	if err := m.deps.Packets.Emit(network.OutboundPacket{Output: iface.ConnectPoint, Data: data}); err != nil {
		m.log.Warnw("emitting resolution request", "target", target, "interface", iface.Name, "error", err)
	}
}

// ─── Events ──────────────────────────────────────────────────────────────────

func (m *Manager) HostChanged(ev network.HostEvent) {
	gone := ev.Prev
	if ev.Type == network.EventRemoved {
		gone = &ev.Host
	}
	if gone != nil && (ev.Type == network.EventRemoved || gone.Location != ev.Host.Location) {
		if n := m.reconciler.WithdrawToward(gone.MAC, gone.Location); n > 0 {
			m.log.Infow("withdrew intents toward departed host", "mac", gone.MAC, "location", gone.Location, "count", n)
		}
		m.markDirtyAt(gone.Location, gone.VLAN)
	}
	if ev.Type != network.EventRemoved {
		m.markDirtyAt(ev.Host.Location, ev.Host.VLAN)
	}
	m.Refresh()
}

// markDirtyAt flags the network owning (cp, vlan) for recomputation of its
// unicast intents.
func (m *Manager) markDirtyAt(cp network.ConnectPoint, vlan network.VlanID) {
	if n, ok := m.registry.FindByAttachment(cp, vlan); ok {
		m.registry.MarkDirty(n.Name)
	}
}

func (m *Manager) InterfaceChanged(ev network.InterfaceEvent) {
	m.mu.Lock()
	iface := ev.Interface
	switch {
	case ev.Type == network.EventRemoved:
		m.detachLocked(iface)
	case ev.Prev != nil && (ev.Prev.ConnectPoint != iface.ConnectPoint || ev.Prev.VLAN != iface.VLAN):
		m.detachLocked(*ev.Prev)
		m.attachLocked(iface)
	case ev.Type == network.EventAdded:
		m.attachLocked(iface)
	}
	m.mu.Unlock()
	m.Refresh()
}

// Must be called with m.mu held.
func (m *Manager) attachLocked(iface network.Interface) {
	member := false
	for _, spec := range m.specs {
		if !slices.Contains(spec.InterfaceNames, iface.Name) {
			continue
		}
		if err := m.registry.AddInterface(spec.Name, iface); err != nil {
			m.log.Warnw("adding interface to l2 network", "network", spec.Name, "interface", iface.Name, "error", err)
			continue
		}
		member = true
	}
	if member {
		p := intent.FilteredPoint{ConnectPoint: iface.ConnectPoint, VLAN: iface.VLAN}
		if n := m.reconciler.AddInterface(p); n > 0 {
			m.log.Infow("border intents extended", "interface", iface.Name, "count", n)
		}
	}
}

// Must be called with m.mu held.
func (m *Manager) detachLocked(iface network.Interface) {
	for _, spec := range m.specs {
		if slices.Contains(spec.InterfaceNames, iface.Name) {
			_ = m.registry.RemoveInterface(spec.Name, iface.Name)
		}
	}
	if shrunk, wd := m.reconciler.RemoveInterface(iface.ConnectPoint); shrunk+wd > 0 {
		m.log.Infow("prefix intents updated for removed interface", "interface", iface.Name, "shrunk", shrunk, "withdrawn", wd)
	}
}

func (m *Manager) DeviceChanged(ev network.DeviceEvent) {
	m.log.Debugw("device changed", "device", ev.Device, "available", ev.Available)
	m.Refresh()
}

func (m *Manager) RouteChanged(ev network.RouteEvent) {
	if ev.Type == network.EventRemoved && m.reconciler.WithdrawRoute(ev.Route.Prefix) {
		m.log.Infow("route intent withdrawn", "prefix", ev.Route.Prefix)
	}
	m.Refresh()
}

var _ network.Listener = (*Manager)(nil)

// ─── Packets ─────────────────────────────────────────────────────────────────

// HandlePacket dispatches a punted frame to the neighbour resolver or the
// reactive classifier.
func (m *Manager) HandlePacket(pkt network.InboundPacket) error {
	f, err := decodeFrame(pkt.Data)
	if err != nil {
		return err
	}
	switch {
	case f.isNeighbour():
		m.neighbours.Process(pkt, f)
	case f.ip4 != nil || f.ip6 != nil:
		m.classifier.Process(pkt, f)
	default:
		return ErrUnhandledFrame
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run adopts the installer's intents of the application, refreshes once, then
// serves refresh requests and the idle tick until ctx is cancelled. Adopted
// intents that the first refresh does not claim are retired.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Infow("fabric manager started", "app", m.app, "idleInterval", m.idle)

	if keys := m.deps.Intents.Keys(m.app); len(keys) > 0 {
		m.reconciler.Adopt(keys...)
		m.log.Infow("adopted installer intents", "count", len(keys))
	}
	m.RefreshNow(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		m.queue.ShutDown()
		return nil
	})
	g.Go(func() error {
		for m.processNext(ctx) {
		}
		return nil
	})
	g.Go(func() error {
		wait.UntilWithContext(ctx, m.Idle, m.idle)
		return nil
	})

	err := g.Wait()
	m.log.Info("fabric manager stopped")
	return err
}

func (m *Manager) processNext(ctx context.Context) bool {
	item, shutdown := m.queue.Get()
	if shutdown {
		return false
	}
	defer m.queue.Done(item)
	m.RefreshNow(ctx)
	m.queue.Forget(item)
	return true
}

// Flush withdraws every packet synthesized intent.
func (m *Manager) Flush() int {
	n := m.reconciler.FlushReactive()
	m.log.Infow("reactive intents flushed", "count", n)
	m.saveState()
	return n
}

// Shutdown withdraws every intent and clears the intercept rules.
func (m *Manager) Shutdown(ctx context.Context) {
	n := m.reconciler.WithdrawAll()
	m.interceptMu.Lock()
	if m.deps.Flows != nil {
		if err := m.deps.Flows.RemoveByApp(ctx, m.app); err != nil {
			m.log.Warnw("clearing intercept rules", "error", err)
		}
	}
	m.intercepts = make(map[network.FlowRule]bool)
	m.interceptMu.Unlock()
	m.saveState()
	m.log.Infow("fabric shut down", "withdrawn", n)
}
