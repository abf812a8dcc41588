package fabric

import (
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/intent"
	"github.com/glennswest/microfabric/pkg/network/topology"
)

// Reconciler owns the installed intent set and the keys waiting to be purged.
// It computes the desired L2 intents, submits and withdraws the difference,
// and maintains border and reactive prefix intents.
type Reconciler struct {
	app      string
	svc      intent.Service
	registry *topology.Registry
	metrics  *Metrics
	log      *zap.SugaredLogger

	mu           sync.Mutex
	installed    map[intent.Key]intent.Record
	pendingPurge sets.Set[intent.Key]
	purging      map[intent.Key]purgeEntry
	seq          uint64
}

// purgeEntry is the owner of a pending key and the withdrawal it waits on.
type purgeEntry struct {
	group string
	seq   uint64
}

// NewReconciler returns a Reconciler submitting to svc on behalf of app.
// Install failures of L2 intents mark the owning network FAILED in registry.
func NewReconciler(app string, svc intent.Service, registry *topology.Registry, metrics *Metrics, log *zap.SugaredLogger) *Reconciler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Reconciler{
		app:          app,
		svc:          svc,
		registry:     registry,
		metrics:      metrics,
		log:          log.Named("reconciler"),
		installed:    make(map[intent.Key]intent.Record),
		pendingPurge: sets.New[intent.Key](),
		purging:      make(map[intent.Key]purgeEntry),
	}
}

// ─── L2 networks ─────────────────────────────────────────────────────────────

// RefreshL2 converges the broadcast and unicast intents of networks toward
// what their membership and hosts require. It returns the names of the
// networks it reconciled.
func (r *Reconciler) RefreshL2(networks []topology.L2Network, hosts []network.Host) []string {
	desired := make(map[intent.Key]intent.Record)
	var names []string
	for _, n := range networks {
		names = append(names, n.Name)
		if n.State.Terminal() {
			continue
		}
		// One snapshot of members and hosts per network.
		for _, rec := range r.l2Records(n, hosts) {
			desired[rec.Key] = rec
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var toInstall []intent.Record
	for key, want := range desired {
		if have, ok := r.installed[key]; ok && have.Equal(want) {
			continue
		}
		toInstall = append(toInstall, want)
	}

	var toWithdraw []intent.Record
	for key, have := range r.installed {
		if !isL2(have.Kind) {
			continue
		}
		if _, ok := desired[key]; !ok {
			toWithdraw = append(toWithdraw, have)
		}
	}

	sortRecords(toInstall)
	sortRecords(toWithdraw)

	for _, rec := range toWithdraw {
		r.withdrawLocked(rec)
	}
	for _, rec := range toInstall {
		r.submitLocked(rec)
	}

	if len(toInstall) > 0 || len(toWithdraw) > 0 {
		r.log.Infow("l2 intents reconciled",
			"networks", len(names),
			"submitted", len(toInstall),
			"withdrawn", len(toWithdraw),
			"pendingPurge", r.pendingPurge.Len())
	}
	r.updateGauges()
	return names
}

// l2Records builds the broadcast and unicast records of one network.
func (r *Reconciler) l2Records(n topology.L2Network, hosts []network.Host) []intent.Record {
	if !n.L2Forward || len(n.Interfaces) < 2 {
		return nil
	}

	points := make([]intent.FilteredPoint, 0, len(n.Interfaces))
	for _, iface := range n.Interfaces {
		points = append(points, intent.FilteredPoint{ConnectPoint: iface.ConnectPoint, VLAN: iface.VLAN})
	}

	var out []intent.Record
	for _, src := range points {
		egress := slices.DeleteFunc(slices.Clone(points), func(p intent.FilteredPoint) bool { return p == src })
		if len(egress) == 0 {
			continue
		}
		rec := intent.Record{
			Key:           broadcastKey(n.Name, src),
			Kind:          intent.KindBroadcast,
			App:           r.app,
			Selector:      network.Selector{EthDst: network.BroadcastMAC},
			Ingress:       []intent.FilteredPoint{src},
			Egress:        egress,
			Constraints:   []intent.Constraint{{Type: intent.PartialFailure}},
			Priority:      priL2Broadcast,
			ResourceGroup: n.Name,
		}
		out = append(out, rec.WithEncapsulation(n.Encapsulation).Canonical())
	}

	for _, h := range hosts {
		if !n.Contains(h.Location, h.VLAN) {
			continue
		}
		ingress := slices.DeleteFunc(slices.Clone(points), func(p intent.FilteredPoint) bool {
			return p.ConnectPoint == h.Location
		})
		if len(ingress) == 0 {
			continue
		}
		rec := intent.Record{
			Key:           unicastKey(n.Name, h),
			Kind:          intent.KindUnicast,
			App:           r.app,
			Selector:      network.Selector{EthDst: h.MAC},
			Ingress:       ingress,
			Egress:        []intent.FilteredPoint{{ConnectPoint: h.Location, VLAN: h.VLAN}},
			Constraints:   []intent.Constraint{{Type: intent.PartialFailure}},
			Priority:      priL2Unicast,
			ResourceGroup: n.Name,
		}
		out = append(out, rec.WithEncapsulation(n.Encapsulation).Canonical())
	}
	return out
}

func isL2(k intent.Kind) bool {
	return k == intent.KindBroadcast || k == intent.KindUnicast
}

func isPrefix(k intent.Kind) bool {
	return k == intent.KindBorder || k == intent.KindReactive
}

// ─── Purge tracking ──────────────────────────────────────────────────────────

// CheckPendingPurge advances every withdrawn key toward retirement: keys the
// installer no longer knows are dropped, retired ones are purged, and ones
// that are still active are withdrawn again. In-flight keys are left alone.
//
// The installer is queried without holding the lock. A key submitted or
// withdrawn again meanwhile is skipped until the next call.
func (r *Reconciler) CheckPendingPurge() {
	r.mu.Lock()
	pending := make(map[intent.Key]uint64, r.pendingPurge.Len())
	for _, key := range sets.List(r.pendingPurge) {
		pending[key] = r.purging[key].seq
	}
	r.mu.Unlock()

	states := make(map[intent.Key]intent.State, len(pending))
	for key := range pending {
		states[key] = r.svc.State(key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range sets.List(sets.KeySet(pending)) {
		if !r.pendingPurge.Has(key) || r.purging[key].seq != pending[key] {
			continue
		}
		switch state := states[key]; {
		case state == intent.StateAbsent:
			r.forgetPendingLocked(key)
			r.log.Debugw("intent retired", "key", key)
		case state.Retired():
			r.svc.Purge(key)
			r.metrics.Purges.Inc()
		case state.Active():
			r.log.Debugw("intent still active, withdrawing again", "key", key, "state", state)
			r.svc.Withdraw(key)
		}
	}
	r.updateGauges()
}

// PendingFor reports whether any key of group is still waiting to be purged.
func (r *Reconciler) PendingFor(group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.purging {
		if e.group == group {
			return true
		}
	}
	return false
}

// Adopt registers keys left installed by a previous run as pending purges.
// Keys that are desired again leave the set on the next refresh.
func (r *Reconciler) Adopt(keys ...intent.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		if _, ok := r.installed[key]; ok {
			continue
		}
		r.markPendingLocked(key, "")
	}
	r.updateGauges()
}

// WithdrawAll withdraws every installed intent.
func (r *Reconciler) WithdrawAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.sortedLocked(nil)
	for _, rec := range recs {
		r.withdrawLocked(rec)
	}
	r.updateGauges()
	return len(recs)
}

// ─── Inspection ──────────────────────────────────────────────────────────────

// Snapshot is a point in time copy of the reconciler state.
type Snapshot struct {
	Installed    []intent.Record `json:"installed" yaml:"installed"`
	PendingPurge []intent.Key    `json:"pendingPurge" yaml:"pendingPurge"`
}

// Snapshot returns the installed records in key order and the pending keys.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Snapshot{
		Installed:    r.sortedLocked(nil),
		PendingPurge: sets.List(r.pendingPurge),
	}
}

// Installed returns the installed record under key.
func (r *Reconciler) Installed(key intent.Key) (intent.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.installed[key]
	return rec, ok
}

// ─── Submission ──────────────────────────────────────────────────────────────

// Must be called with r.mu held.
func (r *Reconciler) submitLocked(rec intent.Record) {
	r.installed[rec.Key] = rec
	r.forgetPendingLocked(rec.Key)
	r.metrics.Submits.WithLabelValues(string(rec.Kind)).Inc()
	r.log.Debugw("submitting intent", "intent", rec.String())
	r.svc.Submit(rec, func(err error) {
		if err != nil {
			r.installFailed(rec, err)
		}
	})
}

// Must be called with r.mu held.
func (r *Reconciler) withdrawLocked(rec intent.Record) {
	delete(r.installed, rec.Key)
	r.markPendingLocked(rec.Key, rec.ResourceGroup)
	r.metrics.Withdraws.WithLabelValues(string(rec.Kind)).Inc()
	r.log.Debugw("withdrawing intent", "key", rec.Key)
	r.svc.Withdraw(rec.Key)
}

// Must be called with r.mu held.
func (r *Reconciler) markPendingLocked(key intent.Key, group string) {
	r.seq++
	r.pendingPurge.Insert(key)
	r.purging[key] = purgeEntry{group: group, seq: r.seq}
}

// Must be called with r.mu held.
func (r *Reconciler) forgetPendingLocked(key intent.Key) {
	r.pendingPurge.Delete(key)
	delete(r.purging, key)
}

// installFailed forgets rec so the next refresh submits it again.
func (r *Reconciler) installFailed(rec intent.Record, err error) {
	r.mu.Lock()
	if have, ok := r.installed[rec.Key]; ok && have.Equal(rec) {
		delete(r.installed, rec.Key)
	}
	r.updateGauges()
	r.mu.Unlock()

	r.metrics.InstallFailure.WithLabelValues(string(rec.Kind)).Inc()
	r.log.Warnw("intent installation failed", "key", rec.Key, "kind", rec.Kind, "error", err)
	if isL2(rec.Kind) && r.registry != nil {
		r.registry.MarkFailed(rec.ResourceGroup)
	}
}

// Must be called with r.mu held.
func (r *Reconciler) sortedLocked(keep func(intent.Record) bool) []intent.Record {
	out := make([]intent.Record, 0, len(r.installed))
	for _, rec := range r.installed {
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

// Must be called with r.mu held.
func (r *Reconciler) updateGauges() {
	r.metrics.Installed.Set(float64(len(r.installed)))
	r.metrics.PendingPurge.Set(float64(r.pendingPurge.Len()))
}

func sortRecords(recs []intent.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
}
