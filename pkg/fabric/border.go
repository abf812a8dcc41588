package fabric

import (
	"net/netip"
	"slices"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/intent"
)

// PrefixTarget is where traffic toward Prefix leaves the fabric: the egress
// attachment of the next hop and the MAC rewrite toward it.
type PrefixTarget struct {
	Prefix     netip.Prefix
	Egress     intent.FilteredPoint
	NextHopMAC network.MAC
	GatewayMAC network.MAC
	Encap      network.Encapsulation
}

// BorderIntent is the desired border intent for one route.
type BorderIntent struct {
	Target  PrefixTarget
	Ingress []intent.FilteredPoint
}

func (r *Reconciler) prefixRecord(kind intent.Kind, t PrefixTarget, ingress []intent.FilteredPoint) intent.Record {
	rec := intent.Record{
		Key:      prefixKey(t.Prefix),
		Kind:     kind,
		App:      r.app,
		Selector: prefixSelector(t.GatewayMAC, t.Prefix),
		Treatment: network.Treatment{
			SetEthSrc: t.GatewayMAC,
			SetEthDst: t.NextHopMAC,
		},
		Ingress: ingress,
		Egress:  []intent.FilteredPoint{t.Egress},
		Constraints: []intent.Constraint{
			{Type: intent.PartialFailure},
			{Type: intent.HashedPathSelection},
		},
		Priority:      reactivePriority(t.Prefix.Bits(), priRoute),
		ResourceGroup: BorderGroup,
	}
	return rec.WithEncapsulation(t.Encap).WithoutIngress(t.Egress.ConnectPoint).Canonical()
}

// ─── Border routes ───────────────────────────────────────────────────────────

// SyncBorder converges border intents to one per route in desired. Ingress
// already granted to an intent whose egress is unchanged is kept. Border
// intents for routes no longer desired are withdrawn.
func (r *Reconciler) SyncBorder(desired []BorderIntent) (submitted, withdrawn int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[intent.Key]bool, len(desired))
	for _, d := range desired {
		keep[prefixKey(d.Target.Prefix)] = true
		if r.updateRouteLocked(d) {
			submitted++
		}
	}
	for _, rec := range r.sortedLocked(func(rec intent.Record) bool { return rec.Kind == intent.KindBorder }) {
		if !keep[rec.Key] {
			r.withdrawLocked(rec)
			withdrawn++
		}
	}
	if submitted > 0 || withdrawn > 0 {
		r.log.Infow("border intents reconciled", "submitted", submitted, "withdrawn", withdrawn)
	}
	r.updateGauges()
	return submitted, withdrawn
}

// UpdateRoute installs or updates the border intent of one route. It
// reports whether anything was submitted.
func (r *Reconciler) UpdateRoute(d BorderIntent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.updateRouteLocked(d)
	r.updateGauges()
	return ok
}

// Must be called with r.mu held.
func (r *Reconciler) updateRouteLocked(d BorderIntent) bool {
	want := r.prefixRecord(intent.KindBorder, d.Target, d.Ingress)
	have, ok := r.installed[want.Key]
	if ok && slices.Equal(have.Egress, want.Egress) {
		want = want.WithIngress(have.Ingress...)
	}
	if len(want.Ingress) == 0 {
		if ok {
			r.withdrawLocked(have)
		}
		return false
	}
	if ok && have.Equal(want) {
		return false
	}
	r.submitLocked(want)
	return true
}

// WithdrawRoute withdraws the border or reactive intent toward prefix.
func (r *Reconciler) WithdrawRoute(prefix netip.Prefix) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.installed[prefixKey(prefix)]
	if !ok || !isPrefix(rec.Kind) {
		return false
	}
	r.withdrawLocked(rec)
	r.updateGauges()
	return true
}

// AddInterface grows the ingress of every border intent by p. Intents that
// already use p's attachment are left alone.
func (r *Reconciler) AddInterface(p intent.FilteredPoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.sortedLocked(func(rec intent.Record) bool { return rec.Kind == intent.KindBorder }) {
		if rec.HasIngress(p.ConnectPoint) || rec.HasEgress(p.ConnectPoint) {
			continue
		}
		r.submitLocked(rec.WithIngress(p))
		n++
	}
	r.updateGauges()
	return n
}

// RemoveInterface drops cp from every border and reactive intent. An intent
// leaving through cp is withdrawn. Otherwise cp is removed from its ingress,
// and the intent is withdrawn when no ingress is left.
func (r *Reconciler) RemoveInterface(cp network.ConnectPoint) (shrunk, withdrawn int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.sortedLocked(func(rec intent.Record) bool { return isPrefix(rec.Kind) }) {
		switch {
		case rec.HasEgress(cp):
			r.withdrawLocked(rec)
			withdrawn++
		case rec.HasIngress(cp):
			next := rec.WithoutIngress(cp)
			if len(next.Ingress) == 0 {
				r.withdrawLocked(rec)
				withdrawn++
				continue
			}
			r.submitLocked(next)
			shrunk++
		}
	}
	r.updateGauges()
	return shrunk, withdrawn
}

// ─── Reactive ────────────────────────────────────────────────────────────────

// SetUpConnectivity makes src an ingress of the intent toward t.Prefix,
// creating it when missing. Ingress of an existing intent is kept. Nothing is
// submitted when src is already an ingress and the egress and rewrite are
// unchanged. It reports whether anything was submitted.
func (r *Reconciler) SetUpConnectivity(src intent.FilteredPoint, t PrefixTarget) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := r.prefixRecord(intent.KindReactive, t, []intent.FilteredPoint{src})
	if have, ok := r.installed[want.Key]; ok {
		want.Kind = have.Kind
		want = want.WithIngress(have.Ingress...).WithoutIngress(t.Egress.ConnectPoint)
		if have.Equal(want) {
			return false
		}
	}
	if len(want.Ingress) == 0 {
		return false
	}
	r.submitLocked(want)
	r.updateGauges()
	return true
}

// ExtendIngress adds p to the ingress of the intent under key. It reports
// whether the intent exists and whether it was resubmitted; adding a point
// that is already present is a no-op.
func (r *Reconciler) ExtendIngress(key intent.Key, p intent.FilteredPoint) (found, extended bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.installed[key]
	if !ok {
		return false, false
	}
	if rec.HasIngress(p.ConnectPoint) || rec.HasEgress(p.ConnectPoint) {
		return true, false
	}
	r.submitLocked(rec.WithIngress(p))
	return true, true
}

// RevalidatePrefixIntents checks every border and reactive intent against the
// current topology. Retired intents are purged. Intents whose egress fails
// egressOK are withdrawn. Ingress points failing ingressOK are dropped, and
// the intent is withdrawn when none is left.
//
// Installer state is queried without holding the lock; records changed
// meanwhile are left for the next call.
func (r *Reconciler) RevalidatePrefixIntents(ingressOK, egressOK func(intent.FilteredPoint) bool) (resubmitted, withdrawn int) {
	r.mu.Lock()
	recs := r.sortedLocked(func(rec intent.Record) bool { return isPrefix(rec.Kind) })
	r.mu.Unlock()

	states := make([]intent.State, len(recs))
	for i, rec := range recs {
		states[i] = r.svc.State(rec.Key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rec := range recs {
		if have, ok := r.installed[rec.Key]; !ok || !have.Equal(rec) {
			continue
		}
		switch state := states[i]; {
		case state.Retired():
			delete(r.installed, rec.Key)
			r.markPendingLocked(rec.Key, rec.ResourceGroup)
			r.svc.Purge(rec.Key)
			r.metrics.Purges.Inc()
			withdrawn++
			continue
		case state == intent.StateAbsent:
			// Lost by the installer; the next packet or sync recreates it.
			delete(r.installed, rec.Key)
			continue
		}

		if !slices.ContainsFunc(rec.Egress, egressOK) {
			r.log.Infow("prefix intent egress gone", "key", rec.Key, "egress", rec.Egress)
			r.withdrawLocked(rec)
			withdrawn++
			continue
		}
		kept := slices.DeleteFunc(slices.Clone(rec.Ingress), func(p intent.FilteredPoint) bool { return !ingressOK(p) })
		switch {
		case len(kept) == 0:
			r.withdrawLocked(rec)
			withdrawn++
		case len(kept) != len(rec.Ingress):
			r.submitLocked(rec.WithIngressOnly(kept))
			resubmitted++
		}
	}
	r.updateGauges()
	return resubmitted, withdrawn
}

// WithdrawToward withdraws the prefix intents that rewrite toward mac and
// leave through cp, as when the next hop host moved or vanished.
func (r *Reconciler) WithdrawToward(mac network.MAC, cp network.ConnectPoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.sortedLocked(func(rec intent.Record) bool { return isPrefix(rec.Kind) }) {
		if rec.Treatment.SetEthDst == mac && rec.HasEgress(cp) {
			r.withdrawLocked(rec)
			n++
		}
	}
	r.updateGauges()
	return n
}

// FlushReactive withdraws every packet synthesized intent.
func (r *Reconciler) FlushReactive() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.sortedLocked(func(rec intent.Record) bool { return rec.Kind == intent.KindReactive })
	for _, rec := range recs {
		r.withdrawLocked(rec)
	}
	r.updateGauges()
	return len(recs)
}
