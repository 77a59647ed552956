// Package metrics exposes the Prometheus instrumentation for the capacity
// core. All collectors register on the default registry served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/walkai-org/walkai-api/internal/capacity"
)

var (
	AllocationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walkai_allocations_total",
		Help: "Allocation attempts by outcome kind.",
	}, []string{"result"})

	ReleaseResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walkai_releases_total",
		Help: "Release calls by outcome kind.",
	}, []string{"result"})

	RenewResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walkai_renewals_total",
		Help: "Renewal calls by outcome kind.",
	}, []string{"result"})

	ReconcileCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walkai_reconcile_cycles_total",
		Help: "Reconcile cycles by outcome (ok, skipped, failed).",
	}, []string{"result"})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "walkai_reconcile_duration_seconds",
		Help:    "Wall time of one reconcile cycle.",
		Buckets: prometheus.DefBuckets,
	})

	LeaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walkai_lease_transitions_total",
		Help: "Lease state machine transitions applied by the reconciler.",
	}, []string{"from", "to"})

	PartitionStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walkai_partitions",
		Help: "Partitions in the latest snapshot by state.",
	}, []string{"state"})

	LeaseStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walkai_leases",
		Help: "Lease records in the latest snapshot by state.",
	}, []string{"state"})

	DriftOrphans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "walkai_drift_orphaned_partitions",
		Help: "Bound partitions with no matching active lease.",
	})

	DriftConflicts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "walkai_drift_conflicts",
		Help: "Partitions where cluster facts and lease records disagree.",
	})
)

// ObserveSnapshot refreshes the gauges from a freshly published snapshot.
func ObserveSnapshot(snap *capacity.Snapshot) {
	for state, count := range snap.Counts() {
		PartitionStates.WithLabelValues(string(state)).Set(float64(count))
	}
	for state, ids := range snap.LeasesByState() {
		LeaseStates.WithLabelValues(string(state)).Set(float64(len(ids)))
	}
	DriftOrphans.Set(float64(len(snap.Orphans)))
	DriftConflicts.Set(float64(len(snap.Conflicts)))
}
