// Package statestore is the boundary to the key-value store that holds lease
// records. The store is the single durability point of the core; everything
// else is re-derived from the cluster on every reconcile pass.
//
// The conditional create of a partition claim is the only cross-process
// mutual-exclusion primitive the core relies on. Every backend must implement
// Create so that two concurrent calls for the same partition cannot both
// succeed, in-process or across service replicas.
package statestore

import (
	"context"
	"time"

	"github.com/walkai-org/walkai-api/internal/lease"
)

type Store interface {
	// Get returns the lease record or errs.ErrNotFound.
	Get(ctx context.Context, id string) (*lease.Lease, error)

	// Create atomically claims l.Partition and writes the lease record.
	// Fails with errs.ErrContention when the partition is already claimed,
	// which is how concurrent allocations lose the race. On success the
	// record's version token is 1.
	Create(ctx context.Context, l *lease.Lease) error

	// Update performs a compare-and-swap on l.Version. Fails with
	// errs.ErrContention when the stored version differs and with
	// errs.ErrNotFound when the record is gone. On success l.Version is
	// bumped in place.
	Update(ctx context.Context, l *lease.Lease) error

	// ReleaseClaim frees the partition claim if it is still held by the
	// given lease. A claim held by a different lease is left untouched.
	ReleaseClaim(ctx context.Context, partition, leaseID string) error

	// Delete removes the lease record and best-effort releases its claim.
	Delete(ctx context.Context, id string) error

	// List scans all lease records under the lease key prefix. Order is
	// unspecified; callers sort.
	List(ctx context.Context) ([]*lease.Lease, error)

	// Now returns the store's notion of current time. TTL and expiry
	// decisions use this, never a bare local clock, so they stay correct
	// across restarts of the orchestrating process.
	Now(ctx context.Context) (time.Time, error)

	// SetCache / GetCache hold small opaque payloads (the capacity snapshot
	// served to read-only endpoints) with a TTL.
	SetCache(ctx context.Context, key string, val []byte, ttl time.Duration) error
	GetCache(ctx context.Context, key string) ([]byte, error)

	// Healthy pings the backend.
	Healthy(ctx context.Context) error
}
