package statestore

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/walkai-org/walkai-api/internal/errs"
	"github.com/walkai-org/walkai-api/internal/lease"
)

// MemoryStore is an in-process Store used by tests and single-node dev mode.
// It honors the same conditional-write contract as the networked backends.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]*lease.Lease
	claims map[string]string // partition -> lease ID
	cache  map[string]cacheEntry
	clock  clock.PassiveClock
}

type cacheEntry struct {
	val       []byte
	expiresAt time.Time
}

func NewMemoryStore(c clock.PassiveClock) *MemoryStore {
	if c == nil {
		c = clock.RealClock{}
	}
	return &MemoryStore{
		leases: make(map[string]*lease.Lease),
		claims: make(map[string]string),
		cache:  make(map[string]cacheEntry),
		clock:  c,
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return nil, errs.NotFound("lease %s", id)
	}
	return l.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, l *lease.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, claimed := s.claims[l.Partition]; claimed {
		return errs.Contention("partition %s already claimed by lease %s", l.Partition, holder)
	}
	if _, exists := s.leases[l.ID]; exists {
		return errs.Contention("lease %s already exists", l.ID)
	}
	l.Version = 1
	s.claims[l.Partition] = l.ID
	s.leases[l.ID] = l.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, l *lease.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[l.ID]
	if !ok {
		return errs.NotFound("lease %s", l.ID)
	}
	if cur.Version != l.Version {
		return errs.Contention("lease %s version %d != %d", l.ID, cur.Version, l.Version)
	}
	l.Version++
	s.leases[l.ID] = l.Clone()
	return nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, partition, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.claims[partition]; ok && holder == leaseID {
		delete(s.claims, partition)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return errs.NotFound("lease %s", id)
	}
	if holder, claimed := s.claims[l.Partition]; claimed && holder == id {
		delete(s.claims, l.Partition)
	}
	delete(s.leases, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*lease.Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Now(_ context.Context) (time.Time, error) {
	return s.clock.Now().UTC(), nil
}

func (s *MemoryStore) SetCache(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{val: val, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetCache(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok || s.clock.Now().After(e.expiresAt) {
		return nil, errs.NotFound("cache key %s", key)
	}
	return e.val, nil
}

func (s *MemoryStore) Healthy(_ context.Context) error {
	return nil
}

// ClaimHolder is a test hook exposing who currently claims a partition.
func (s *MemoryStore) ClaimHolder(partition string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.claims[partition]
	return id, ok
}
