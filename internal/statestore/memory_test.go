package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/walkai-org/walkai-api/internal/errs"
	"github.com/walkai-org/walkai-api/internal/lease"
)

func newTestLease(id, partition string) *lease.Lease {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &lease.Lease{
		ID:        id,
		Owner:     "job-1",
		Partition: partition,
		State:     lease.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
}

func TestMemoryCreateClaimsPartition(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	l := newTestLease("L-1", "node-a/0")
	require.NoError(t, s.Create(ctx, l))
	assert.Equal(t, int64(1), l.Version)

	holder, claimed := s.ClaimHolder("node-a/0")
	require.True(t, claimed)
	assert.Equal(t, "L-1", holder)

	got, err := s.Get(ctx, "L-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a/0", got.Partition)
}

func TestMemoryCreateContentionOnClaimedPartition(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTestLease("L-1", "node-a/0")))
	err := s.Create(ctx, newTestLease("L-2", "node-a/0"))
	require.Error(t, err)
	assert.True(t, errs.IsContention(err))

	// the loser must not overwrite the claim
	holder, _ := s.ClaimHolder("node-a/0")
	assert.Equal(t, "L-1", holder)
}

func TestMemoryUpdateCAS(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	l := newTestLease("L-1", "node-a/0")
	require.NoError(t, s.Create(ctx, l))

	next := l.Clone()
	next.State = lease.StateConfirmed
	require.NoError(t, s.Update(ctx, next))
	assert.Equal(t, int64(2), next.Version)

	// stale version loses
	stale := l.Clone()
	stale.State = lease.StateReleased
	err := s.Update(ctx, stale)
	require.Error(t, err)
	assert.True(t, errs.IsContention(err))

	got, err := s.Get(ctx, "L-1")
	require.NoError(t, err)
	assert.Equal(t, lease.StateConfirmed, got.State)
}

func TestMemoryUpdateMissingLease(t *testing.T) {
	s := NewMemoryStore(nil)
	err := s.Update(context.Background(), newTestLease("L-absent", "node-a/0"))
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestMemoryReleaseClaimIsConditional(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTestLease("L-1", "node-a/0")))

	// a release naming the wrong lease leaves the claim alone
	require.NoError(t, s.ReleaseClaim(ctx, "node-a/0", "L-other"))
	_, claimed := s.ClaimHolder("node-a/0")
	assert.True(t, claimed)

	require.NoError(t, s.ReleaseClaim(ctx, "node-a/0", "L-1"))
	_, claimed = s.ClaimHolder("node-a/0")
	assert.False(t, claimed)

	// releasing an unclaimed partition is a noop
	require.NoError(t, s.ReleaseClaim(ctx, "node-a/0", "L-1"))
}

func TestMemoryDeleteFreesOwnClaimOnly(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTestLease("L-1", "node-a/0")))
	require.NoError(t, s.Delete(ctx, "L-1"))

	_, claimed := s.ClaimHolder("node-a/0")
	assert.False(t, claimed)

	err := s.Delete(ctx, "L-1")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestMemoryListClones(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTestLease("L-1", "node-a/0")))
	require.NoError(t, s.Create(ctx, newTestLease("L-2", "node-a/1")))

	leases, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 2)

	// mutating a listed lease must not leak into the store
	leases[0].State = lease.StateExpired
	got, err := s.Get(ctx, leases[0].ID)
	require.NoError(t, err)
	assert.Equal(t, lease.StatePending, got.State)
}

func TestMemoryCacheTTL(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clocktesting.NewFakePassiveClock(start)
	s := NewMemoryStore(fake)
	ctx := context.Background()

	require.NoError(t, s.SetCache(ctx, "cluster:capacity", []byte(`{"nodes":[]}`), time.Minute))

	val, err := s.GetCache(ctx, "cluster:capacity")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"nodes":[]}`), val)

	fake.SetTime(start.Add(2 * time.Minute))
	_, err = s.GetCache(ctx, "cluster:capacity")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestMemoryNowUsesInjectedClock(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clocktesting.NewFakePassiveClock(start)
	s := NewMemoryStore(fake)

	now, err := s.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, start, now)
}
