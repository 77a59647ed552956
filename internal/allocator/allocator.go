// Package allocator serves allocation and release requests against the
// capacity model. The conditional claim write in the state store is the sole
// concurrency-correctness mechanism: two concurrent allocations of the same
// partition cannot both succeed, in-process or across service replicas.
package allocator

import (
	"context"
	"time"

	goerrors "github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"github.com/walkai-org/walkai-api/internal/allocator/filter"
	"github.com/walkai-org/walkai-api/internal/capacity"
	"github.com/walkai-org/walkai-api/internal/errs"
	"github.com/walkai-org/walkai-api/internal/lease"
	"github.com/walkai-org/walkai-api/internal/metrics"
	"github.com/walkai-org/walkai-api/internal/statestore"
)

// Request carries the allocation constraints: how many partitions and where
// they may live.
type Request struct {
	// Owner is the request/session key that will own the leases.
	Owner string

	// Count is the number of partitions required, each granted its own lease.
	Count int

	// Node pins the allocation to one node when set.
	Node string

	// NodeLabels requires every granted partition's node to carry these labels.
	NodeLabels map[string]string

	// TTL overrides the default lease TTL when positive.
	TTL time.Duration
}

// Grant is the successful result: one Pending lease per granted partition.
type Grant struct {
	Leases []*lease.Lease
}

func (g *Grant) PartitionKeys() []string {
	return lo.Map(g.Leases, func(l *lease.Lease, _ int) string { return l.Partition })
}

type Scheduler struct {
	store  statestore.Store
	holder *capacity.Holder

	baseRegistry *filter.FilterRegistry

	defaultTTL   time.Duration
	maxRetries   int
	storeTimeout time.Duration

	// trigger asks the reconciler for an on-demand pass right after a grant,
	// shortening confirmation latency. Optional.
	trigger func()
}

func NewScheduler(store statestore.Store, holder *capacity.Holder, defaultTTL time.Duration, maxRetries int, storeTimeout time.Duration) *Scheduler {
	return &Scheduler{
		store:        store,
		holder:       holder,
		baseRegistry: filter.NewFilterRegistry(),
		defaultTTL:   defaultTTL,
		maxRetries:   maxRetries,
		storeTimeout: storeTimeout,
	}
}

func (s *Scheduler) RegisterTrigger(trigger func()) {
	s.trigger = trigger
}

// Allocate picks free partitions in deterministic ascending order and claims
// them with conditional Pending-lease writes. A lost race skips the contested
// partition and retries selection up to a bounded attempt count; the call
// never blocks waiting for capacity.
func (s *Scheduler) Allocate(ctx context.Context, req Request) (*Grant, error) {
	grant, err := s.allocate(ctx, req)
	metrics.AllocationResults.WithLabelValues(errs.Kind(err)).Inc()
	return grant, err
}

func (s *Scheduler) allocate(ctx context.Context, req Request) (*Grant, error) {
	if req.Owner == "" {
		return nil, goerrors.New("allocation request missing owner key")
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	contested := make(map[string]struct{})
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		// Re-read the latest published snapshot on every attempt so a
		// reconcile pass completed mid-retry is visible. The contested set
		// still applies in case the refresh has not caught up yet.
		snap := s.holder.Load()
		if snap == nil {
			return nil, errs.Timeout("capacity model not initialized yet")
		}
		candidates, err := s.candidates(ctx, snap, req, contested)
		if err != nil {
			return nil, err
		}
		if len(candidates) < req.Count {
			if len(contested) > 0 {
				return nil, errs.Contention("lost %d partition races, none left matching constraints", len(contested))
			}
			return nil, errs.NoCapacity("need %d partitions, %d free match constraints", req.Count, len(candidates))
		}

		grant, lost, err := s.claim(ctx, candidates[:req.Count], req.Owner, ttl)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			if s.trigger != nil {
				s.trigger()
			}
			klog.InfoS("allocation granted",
				"owner", req.Owner,
				"count", req.Count,
				"partitions", grant.PartitionKeys())
			return grant, nil
		}
		contested[lost] = struct{}{}
	}
	return nil, errs.Contention("gave up after %d contested attempts", s.maxRetries+1)
}

func (s *Scheduler) candidates(ctx context.Context, snap *capacity.Snapshot, req Request, contested map[string]struct{}) ([]*capacity.Partition, error) {
	registry := s.baseRegistry
	if req.Node != "" {
		registry = registry.With(filter.NewNodeNameFilter(req.Node))
	}
	if len(req.NodeLabels) > 0 {
		registry = registry.With(filter.NewNodeLabelFilter(req.NodeLabels))
	}
	if len(contested) > 0 {
		registry = registry.With(filter.NewExcludeFilter(contested))
	}
	return registry.Apply(ctx, snap, snap.FreePartitions())
}

// claim conditionally creates one Pending lease per partition. Returns the
// grant on success, or the contested partition key when a race was lost; any
// partially created leases are rolled back before retrying.
func (s *Scheduler) claim(ctx context.Context, partitions []*capacity.Partition, owner string, ttl time.Duration) (*Grant, string, error) {
	now, err := s.storeNow(ctx)
	if err != nil {
		return nil, "", err
	}

	created := make([]*lease.Lease, 0, len(partitions))
	for _, p := range partitions {
		l := lease.NewPending(owner, p.Key, now, ttl)
		cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		err := s.store.Create(cctx, l)
		cancel()
		switch {
		case err == nil:
			created = append(created, l)
		case errs.IsContention(err):
			s.rollback(created)
			return nil, p.Key, nil
		case errs.IsTimeout(err):
			// The write outcome is unknown: confirm it landed before
			// reporting anything, a timed-out allocate must not leak a
			// Pending lease. When confirmation fails the write may still
			// have landed server-side, so the lease itself joins the
			// compensating delete alongside the rest of the batch.
			if s.confirmWrite(l.ID) {
				created = append(created, l)
				continue
			}
			s.rollback(append(created, l))
			return nil, "", errs.Timeout("lease write for %s did not confirm: %v", p.Key, err)
		default:
			s.rollback(created)
			return nil, "", err
		}
	}
	return &Grant{Leases: created}, "", nil
}

// confirmWrite re-reads a lease whose create timed out, on a detached
// context so a canceled request context cannot mask a successful write.
func (s *Scheduler) confirmWrite(leaseID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()
	_, err := s.store.Get(ctx, leaseID)
	return err == nil
}

// rollback best-effort deletes leases created before a failed multi-claim.
func (s *Scheduler) rollback(created []*lease.Lease) {
	for _, l := range created {
		ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
		if err := s.store.Delete(ctx, l.ID); err != nil && !errs.IsNotFound(err) {
			klog.ErrorS(err, "failed to roll back lease, reconciler will expire it",
				"lease", l.ID, "partition", l.Partition)
		}
		cancel()
	}
}

// Release transitions a Pending or Confirmed lease to Released. The
// partition stays claimed until the next reconcile pass frees it (lazy
// release); the call never blocks on cluster-side teardown.
func (s *Scheduler) Release(ctx context.Context, leaseID string) error {
	err := s.release(ctx, leaseID)
	metrics.ReleaseResults.WithLabelValues(errs.Kind(err)).Inc()
	return err
}

func (s *Scheduler) release(ctx context.Context, leaseID string) error {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		l, err := s.store.Get(ctx, leaseID)
		if err != nil {
			return err
		}
		if l.State == lease.StateReleased {
			return nil
		}
		if l.Terminal() {
			return errs.Expired("lease %s is already %s", leaseID, l.State)
		}
		now, err := s.storeNow(ctx)
		if err != nil {
			return err
		}
		next := l.Clone()
		next.State = lease.StateReleased
		next.UpdatedAt = now
		err = s.store.Update(ctx, next)
		if err == nil {
			klog.InfoS("lease released", "lease", leaseID, "partition", l.Partition)
			return nil
		}
		if !errs.IsContention(err) {
			return err
		}
		// version raced with the reconciler, re-read and retry
	}
	return errs.Contention("lease %s kept changing while releasing", leaseID)
}

// Status returns the authoritative lease record from the state store.
func (s *Scheduler) Status(ctx context.Context, leaseID string) (*lease.Lease, error) {
	return s.store.Get(ctx, leaseID)
}

func (s *Scheduler) storeNow(ctx context.Context) (time.Time, error) {
	cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.Now(cctx)
}
