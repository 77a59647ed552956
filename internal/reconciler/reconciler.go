// Package reconciler keeps the capacity model consistent with cluster facts
// and lease records. A single periodic background task refreshes both
// sources, applies the lease state machine, repairs drift and publishes a
// fresh snapshot. Overlapping runs are skipped, never queued; an on-demand
// trigger shortens confirmation latency right after an allocation.
package reconciler

import (
	"context"
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/walkai-org/walkai-api/internal/capacity"
	"github.com/walkai-org/walkai-api/internal/clusterfacts"
	"github.com/walkai-org/walkai-api/internal/constants"
	"github.com/walkai-org/walkai-api/internal/errs"
	"github.com/walkai-org/walkai-api/internal/lease"
	"github.com/walkai-org/walkai-api/internal/lifecycle"
	"github.com/walkai-org/walkai-api/internal/metrics"
	"github.com/walkai-org/walkai-api/internal/statestore"
)

type Reconciler struct {
	source    clusterfacts.Source
	store     statestore.Store
	holder    *capacity.Holder
	lifecycle *lifecycle.Manager

	interval     time.Duration
	storeTimeout time.Duration

	trigger  chan struct{}
	inFlight atomic.Bool

	// lastSuccess is the unix-nano timestamp of the last completed cycle,
	// the basis for the degraded health signal.
	lastSuccess atomic.Int64
}

func New(
	source clusterfacts.Source,
	store statestore.Store,
	holder *capacity.Holder,
	lc *lifecycle.Manager,
	interval, storeTimeout time.Duration,
) *Reconciler {
	return &Reconciler{
		source:       source,
		store:        store,
		holder:       holder,
		lifecycle:    lc,
		interval:     interval,
		storeTimeout: storeTimeout,
		trigger:      make(chan struct{}, 1),
	}
}

// Trigger requests an on-demand pass. Coalesces: a pending trigger absorbs
// later ones.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run drives the loop until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		case ev := <-r.lifecycle.Events():
			// Expiry events run the compensating cleanup immediately
			// instead of waiting out the tick.
			klog.V(2).InfoS("lease expiry event, running compensating cleanup pass",
				"lease", ev.LeaseID, "partition", ev.Partition, "reason", ev.Reason)
		}
		if err := r.RunOnce(ctx); err != nil {
			klog.ErrorS(err, "reconcile cycle skipped")
		}
	}
}

// RunOnce executes a single cycle. Fetch failures skip the cycle with an
// error instead of crashing the loop; the next tick retries. Safe to call
// concurrently with Run: overlapping invocations are dropped.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		metrics.ReconcileCycles.WithLabelValues("skipped").Inc()
		return nil
	}
	defer r.inFlight.Store(false)

	start := time.Now()
	err := r.reconcile(ctx)
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReconcileCycles.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ReconcileCycles.WithLabelValues("ok").Inc()
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	facts, err := r.source.Fetch(ctx)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	leases, err := r.store.List(cctx)
	cancel()
	if err != nil {
		return err
	}
	now, err := r.storeNow(ctx)
	if err != nil {
		return err
	}

	snap := capacity.Merge(facts, leases, now)
	for _, key := range snap.Conflicts {
		klog.ErrorS(errs.Drift("partition %s owner disagreement", key),
			"cluster facts and lease records disagree", "partition", key)
	}

	updated := r.applyTransitions(ctx, snap, now)

	// Publish from the post-transition lease set so readers see the cycle's
	// outcome, not its input.
	final := capacity.Merge(facts, updated, now)
	r.holder.Store(final)
	metrics.ObserveSnapshot(final)
	r.cacheSnapshot(ctx, final)
	r.lastSuccess.Store(now.UnixNano())
	klog.V(3).InfoS("reconcile cycle complete",
		"nodes", len(final.Nodes),
		"partitions", len(final.Partitions),
		"leases", len(final.Leases),
		"orphans", len(final.Orphans))
	return nil
}

// applyTransitions walks every lease through the state machine against the
// merged snapshot and returns the resulting lease set. Store failures on a
// single lease are logged and left for the next cycle, they never abort the
// pass.
func (r *Reconciler) applyTransitions(ctx context.Context, snap *capacity.Snapshot, now time.Time) []*lease.Lease {
	ids := make([]string, 0, len(snap.Leases))
	for id := range snap.Leases {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*lease.Lease, 0, len(ids))
	for _, id := range ids {
		l := snap.Leases[id].Clone()
		switch l.State {
		case lease.StatePending:
			switch {
			case r.bindingMatches(snap.Bindings, l):
				l = r.transition(ctx, l, lease.StateConfirmed, now, "binding materialized")
			case r.lifecycle.ConfirmationOverdue(l, now):
				l = r.transition(ctx, l, lease.StateExpired, now, "confirmation window elapsed")
				r.lifecycle.NotifyExpired(l, "confirmation window elapsed")
			}
		case lease.StateConfirmed:
			_, partitionExists := snap.Partitions[l.Partition]
			switch {
			case !partitionExists:
				l = r.transition(ctx, l, lease.StateExpired, now, "partition disappeared from cluster")
				r.lifecycle.NotifyExpired(l, "partition disappeared from cluster")
			case !r.bindingMatches(snap.Bindings, l):
				l = r.transition(ctx, l, lease.StateExpired, now, "binding externally revoked")
				r.lifecycle.NotifyExpired(l, "binding externally revoked")
			case r.lifecycle.OwnerExpired(l, now):
				l = r.transition(ctx, l, lease.StateExpired, now, "owner ttl elapsed")
				r.lifecycle.NotifyExpired(l, "owner ttl elapsed")
			}
		}

		if l.Terminal() {
			// Compensating release: terminal leases hold no partition. The
			// claim delete is conditional on the lease still holding it, so
			// a partition re-claimed by a newer lease is untouched.
			r.releaseClaim(ctx, l)
			if r.lifecycle.RetentionElapsed(l, now) {
				r.gc(ctx, l)
				continue
			}
		}
		out = append(out, l)
	}

	out = append(out, r.adoptOrphans(ctx, snap, now)...)
	return out
}

// bindingMatches reports whether the cluster shows the expected binding for
// this lease's partition.
func (r *Reconciler) bindingMatches(bindings map[string]clusterfacts.Binding, l *lease.Lease) bool {
	b, ok := bindings[l.Partition]
	if !ok {
		return false
	}
	if b.LeaseID != "" {
		return b.LeaseID == l.ID
	}
	return b.Owner == l.Owner
}

// transition applies a CAS state update. On contention another actor moved
// the lease first; the stored record wins and is returned.
func (r *Reconciler) transition(ctx context.Context, l *lease.Lease, to lease.State, now time.Time, reason string) *lease.Lease {
	if !lease.CanTransition(l.State, to) {
		klog.ErrorS(errs.Drift("illegal transition %s -> %s", l.State, to),
			"refusing lease transition", "lease", l.ID)
		return l
	}
	from := l.State
	next := l.Clone()
	next.State = to
	next.UpdatedAt = now

	cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	err := r.store.Update(cctx, next)
	cancel()
	if err == nil {
		metrics.LeaseTransitions.WithLabelValues(string(from), string(to)).Inc()
		klog.InfoS("lease transitioned",
			"lease", l.ID, "partition", l.Partition,
			"from", from, "to", to, "reason", reason)
		return next
	}
	if errs.IsContention(err) || errs.IsNotFound(err) {
		cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		defer cancel()
		if current, getErr := r.store.Get(cctx, l.ID); getErr == nil {
			return current
		}
		return l
	}
	klog.ErrorS(err, "lease transition deferred to next cycle",
		"lease", l.ID, "from", from, "to", to)
	return l
}

func (r *Reconciler) releaseClaim(ctx context.Context, l *lease.Lease) {
	cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	if err := r.store.ReleaseClaim(cctx, l.Partition, l.ID); err != nil {
		klog.ErrorS(err, "failed to release partition claim",
			"lease", l.ID, "partition", l.Partition)
	}
}

func (r *Reconciler) gc(ctx context.Context, l *lease.Lease) {
	cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	if err := r.store.Delete(cctx, l.ID); err != nil && !errs.IsNotFound(err) {
		klog.ErrorS(err, "failed to garbage collect lease", "lease", l.ID)
		return
	}
	klog.V(2).InfoS("lease garbage collected after retention window",
		"lease", l.ID, "state", l.State)
}

// adoptOrphans creates synthetic Confirmed leases for bound partitions whose
// binding names an owner, so a restarted service re-learns claims it lost.
// Bindings without an owner are flagged for eviction and left alone.
func (r *Reconciler) adoptOrphans(ctx context.Context, snap *capacity.Snapshot, now time.Time) []*lease.Lease {
	var adopted []*lease.Lease
	for _, b := range snap.Orphans {
		if b.Owner == "" {
			klog.ErrorS(errs.Drift("bound partition %s has no owner annotation", b.Partition),
				"orphaned binding flagged for eviction",
				"partition", b.Partition, "pod", b.PodName, "namespace", b.Namespace)
			continue
		}
		synthetic := lease.NewPending(b.Owner, b.Partition, now, r.lifecycle.DefaultTTL())
		if b.LeaseID != "" {
			synthetic.ID = b.LeaseID
		}
		synthetic.State = lease.StateConfirmed
		synthetic.Adopted = true

		cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		err := r.store.Create(cctx, synthetic)
		cancel()
		if err != nil {
			if errs.IsContention(err) {
				// someone claimed the partition between merge and adoption
				continue
			}
			klog.ErrorS(err, "failed to adopt orphaned binding", "partition", b.Partition)
			continue
		}
		klog.InfoS("adopted orphaned binding with synthetic lease",
			"partition", b.Partition, "owner", b.Owner, "lease", synthetic.ID)
		adopted = append(adopted, synthetic)
	}
	return adopted
}

func (r *Reconciler) cacheSnapshot(ctx context.Context, snap *capacity.Snapshot) {
	raw, err := json.Marshal(snap.Summary())
	if err != nil {
		klog.ErrorS(err, "failed to encode capacity summary")
		return
	}
	cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	if err := r.store.SetCache(cctx, constants.CapacityCacheKey, raw, 2*r.interval); err != nil {
		klog.V(2).InfoS("capacity cache write failed", "err", err)
	}
}

// LastSuccess returns the completion time of the last successful cycle.
func (r *Reconciler) LastSuccess() time.Time {
	nanos := r.lastSuccess.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// BehindSchedule reports whether the loop missed enough cycles that health
// should degrade. Two intervals of slack absorbs one skipped cycle.
func (r *Reconciler) BehindSchedule(now time.Time) bool {
	last := r.LastSuccess()
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > 2*r.interval
}

func (r *Reconciler) storeNow(ctx context.Context) (time.Time, error) {
	cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.store.Now(cctx)
}
