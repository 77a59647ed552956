package allocator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walkai-org/walkai-api/internal/capacity"
	"github.com/walkai-org/walkai-api/internal/clusterfacts"
	"github.com/walkai-org/walkai-api/internal/errs"
	"github.com/walkai-org/walkai-api/internal/lease"
	"github.com/walkai-org/walkai-api/internal/statestore"
)

func testHolder(t *testing.T, leases []*lease.Lease) *capacity.Holder {
	t.Helper()
	facts := &clusterfacts.Facts{
		Nodes: []clusterfacts.NodeFact{
			{Name: "node-a", Labels: map[string]string{"zone": "a"}, Partitions: 2},
			{Name: "node-b", Labels: map[string]string{"zone": "b"}, Partitions: 2},
		},
	}
	holder := capacity.NewHolder()
	holder.Store(capacity.Merge(facts, leases, time.Now().UTC()))
	return holder
}

func testScheduler(t *testing.T, store statestore.Store, holder *capacity.Holder) *Scheduler {
	t.Helper()
	return NewScheduler(store, holder, 10*time.Minute, 3, time.Second)
}

func TestAllocateDeterministicFirstFit(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, testHolder(t, nil))

	grant, err := s.Allocate(context.Background(), Request{Owner: "job-1"})
	require.NoError(t, err)
	require.Len(t, grant.Leases, 1)

	l := grant.Leases[0]
	assert.Equal(t, "node-a/0", l.Partition)
	assert.Equal(t, lease.StatePending, l.State)
	assert.Equal(t, "job-1", l.Owner)

	holder, claimed := store.ClaimHolder("node-a/0")
	require.True(t, claimed)
	assert.Equal(t, l.ID, holder)
}

func TestAllocateMultiplePartitions(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, testHolder(t, nil))

	grant, err := s.Allocate(context.Background(), Request{Owner: "job-1", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a/0", "node-a/1", "node-b/0"}, grant.PartitionKeys())
}

func TestAllocateNodePinned(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, testHolder(t, nil))

	grant, err := s.Allocate(context.Background(), Request{Owner: "job-1", Node: "node-b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b/0"}, grant.PartitionKeys())
}

func TestAllocateNodeLabels(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, testHolder(t, nil))

	grant, err := s.Allocate(context.Background(), Request{
		Owner:      "job-1",
		NodeLabels: map[string]string{"zone": "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b/0"}, grant.PartitionKeys())
}

func TestAllocateNoCapacity(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, testHolder(t, nil))

	_, err := s.Allocate(context.Background(), Request{Owner: "job-1", Count: 5})
	require.Error(t, err)
	assert.True(t, errs.IsNoCapacity(err))
}

func TestAllocateMissingOwner(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, testHolder(t, nil))

	_, err := s.Allocate(context.Background(), Request{})
	require.Error(t, err)
}

func TestAllocateBeforeFirstSnapshot(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, capacity.NewHolder())

	_, err := s.Allocate(context.Background(), Request{Owner: "job-1"})
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
}

// A stale snapshot can show a partition free that another replica already
// claimed. The lost race is skipped and the next candidate wins.
func TestAllocateRetriesPastContestedPartition(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	now := time.Now().UTC()
	rival := lease.NewPending("rival", "node-a/0", now, time.Minute)
	require.NoError(t, store.Create(context.Background(), rival))

	// snapshot built before the rival's claim
	s := testScheduler(t, store, testHolder(t, nil))

	grant, err := s.Allocate(context.Background(), Request{Owner: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a/1"}, grant.PartitionKeys())
}

// Losing the race mid multi-claim rolls back the partial grant before the
// retry so no Pending lease leaks.
func TestAllocateRollbackOnPartialContention(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	ctx := context.Background()
	rival := lease.NewPending("rival", "node-a/1", time.Now().UTC(), time.Minute)
	require.NoError(t, store.Create(ctx, rival))

	s := testScheduler(t, store, testHolder(t, nil))

	grant, err := s.Allocate(ctx, Request{Owner: "job-1", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a/0", "node-b/0"}, grant.PartitionKeys())

	leases, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, leases, 3, "rival plus the two granted, nothing leaked by rollback")
}

func TestAllocateAllCandidatesContested(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	ctx := context.Background()
	for _, p := range []string{"node-a/0", "node-a/1", "node-b/0", "node-b/1"} {
		require.NoError(t, store.Create(ctx, lease.NewPending("rival", p, time.Now().UTC(), time.Minute)))
	}

	s := testScheduler(t, store, testHolder(t, nil))

	_, err := s.Allocate(ctx, Request{Owner: "job-1"})
	require.Error(t, err)
	assert.True(t, errs.IsContention(err))
}

func TestAllocateFiresTrigger(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, testHolder(t, nil))

	fired := false
	s.RegisterTrigger(func() { fired = true })

	_, err := s.Allocate(context.Background(), Request{Owner: "job-1"})
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestReleaseIsLazy(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	ctx := context.Background()
	s := testScheduler(t, store, testHolder(t, nil))

	grant, err := s.Allocate(ctx, Request{Owner: "job-1"})
	require.NoError(t, err)
	id := grant.Leases[0].ID

	require.NoError(t, s.Release(ctx, id))

	got, err := s.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, lease.StateReleased, got.State)

	// lazy release: the claim stays until the next reconcile pass frees it
	_, claimed := store.ClaimHolder("node-a/0")
	assert.True(t, claimed)

	// releasing again is idempotent
	require.NoError(t, s.Release(ctx, id))
}

func TestReleaseExpiredLease(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	ctx := context.Background()
	s := testScheduler(t, store, testHolder(t, nil))

	grant, err := s.Allocate(ctx, Request{Owner: "job-1"})
	require.NoError(t, err)

	expired := grant.Leases[0].Clone()
	expired.State = lease.StateExpired
	require.NoError(t, store.Update(ctx, expired))

	err = s.Release(ctx, expired.ID)
	require.Error(t, err)
	assert.True(t, errs.IsExpired(err))
}

func TestReleaseUnknownLease(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, testHolder(t, nil))

	err := s.Release(context.Background(), "L-absent")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

// unreliableStore lands writes server-side but reports transport failures,
// the shape of a network partition between the write and its acknowledgement.
type unreliableStore struct {
	*statestore.MemoryStore
	timeoutCreates bool
	failGets       bool
}

func (s *unreliableStore) Create(ctx context.Context, l *lease.Lease) error {
	if err := s.MemoryStore.Create(ctx, l); err != nil {
		return err
	}
	if s.timeoutCreates {
		return errs.Timeout("write deadline passed")
	}
	return nil
}

func (s *unreliableStore) Get(ctx context.Context, id string) (*lease.Lease, error) {
	if s.failGets {
		return nil, errs.Timeout("read deadline passed")
	}
	return s.MemoryStore.Get(ctx, id)
}

// A Timeout denial must not leave a Pending lease behind: when the write
// cannot be confirmed, the compensating delete removes whatever landed.
func TestAllocateTimeoutDoesNotLeakPendingLease(t *testing.T) {
	mem := statestore.NewMemoryStore(nil)
	store := &unreliableStore{MemoryStore: mem, timeoutCreates: true, failGets: true}
	s := testScheduler(t, store, testHolder(t, nil))

	_, err := s.Allocate(context.Background(), Request{Owner: "job-1"})
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))

	leases, err := mem.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, leases, "unconfirmed lease must be compensated away")

	_, claimed := mem.ClaimHolder("node-a/0")
	assert.False(t, claimed)
}

func TestAllocateTimeoutConfirmedWriteStillGrants(t *testing.T) {
	mem := statestore.NewMemoryStore(nil)
	store := &unreliableStore{MemoryStore: mem, timeoutCreates: true}
	s := testScheduler(t, store, testHolder(t, nil))

	grant, err := s.Allocate(context.Background(), Request{Owner: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a/0"}, grant.PartitionKeys())

	holder, claimed := mem.ClaimHolder("node-a/0")
	require.True(t, claimed)
	assert.Equal(t, grant.Leases[0].ID, holder)
}

// No two successful concurrent allocations may ever return the same
// partition; the conditional claim write is the only arbiter.
func TestConcurrentAllocationsAreDisjoint(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, testHolder(t, nil))

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			grant, err := s.Allocate(context.Background(), Request{
				Owner: fmt.Sprintf("job-%d", i),
			})
			if err != nil {
				return
			}
			mu.Lock()
			granted = append(granted, grant.PartitionKeys()...)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, granted, 4, "every partition is won exactly once")
	seen := map[string]struct{}{}
	for _, key := range granted {
		_, dup := seen[key]
		assert.False(t, dup, "partition %s granted twice", key)
		seen[key] = struct{}{}
	}
}

// publishOnContentionStore publishes a fresh snapshot while an allocate call
// is losing a claim race, the way the triggered reconcile pass does.
type publishOnContentionStore struct {
	statestore.Store
	holder *capacity.Holder
	snap   *capacity.Snapshot
	once   sync.Once
}

func (s *publishOnContentionStore) Create(ctx context.Context, l *lease.Lease) error {
	err := s.Store.Create(ctx, l)
	if err != nil {
		s.once.Do(func() { s.holder.Store(s.snap) })
	}
	return err
}

// A retry after contention must run against the latest published snapshot,
// not the one the attempt started with.
func TestAllocateRetriesAgainstRefreshedSnapshot(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	mem := statestore.NewMemoryStore(nil)
	rival := lease.NewPending("rival", "node-a/0", now, time.Minute)
	require.NoError(t, mem.Create(ctx, rival))

	holder := capacity.NewHolder()
	holder.Store(capacity.Merge(&clusterfacts.Facts{
		Nodes: []clusterfacts.NodeFact{{Name: "node-a", Partitions: 1}},
	}, nil, now))

	// the refreshed snapshot knows about node-b and the rival's claim
	refreshed := capacity.Merge(&clusterfacts.Facts{
		Nodes: []clusterfacts.NodeFact{
			{Name: "node-a", Partitions: 1},
			{Name: "node-b", Partitions: 1},
		},
	}, []*lease.Lease{rival}, now)

	store := &publishOnContentionStore{Store: mem, holder: holder, snap: refreshed}
	s := testScheduler(t, store, holder)

	grant, err := s.Allocate(ctx, Request{Owner: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b/0"}, grant.PartitionKeys())
}

func TestStatusUnknownLease(t *testing.T) {
	store := statestore.NewMemoryStore(nil)
	s := testScheduler(t, store, testHolder(t, nil))

	_, err := s.Status(context.Background(), "L-absent")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}
