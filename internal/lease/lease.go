// Package lease defines the durable lease record and its state machine.
package lease

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
)

type State string

const (
	StatePending   State = "Pending"
	StateConfirmed State = "Confirmed"
	StateExpired   State = "Expired"
	StateReleased  State = "Released"
)

// Lease is a time-bounded claim on a single partition. It is the only record
// the core persists in the state store; node and partition facts are always
// re-derived from the cluster.
type Lease struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Partition string    `json:"partition"` // "node/index"
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Version is the monotonically increasing token used for conditional
	// writes. The store bumps it on every successful update.
	Version int64 `json:"version"`

	// Adopted marks synthetic leases the reconciler created for bound
	// partitions that had no matching record.
	Adopted bool `json:"adopted,omitempty"`
}

// NewPending builds a fresh Pending lease claiming the given partition.
func NewPending(owner, partition string, now time.Time, ttl time.Duration) *Lease {
	return &Lease{
		ID:        shortuuid.New(),
		Owner:     owner,
		Partition: partition,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Active reports whether the lease still owns its partition claim.
func (l *Lease) Active() bool {
	return l.State == StatePending || l.State == StateConfirmed
}

// Terminal reports whether the lease reached an end state. Terminal leases
// are kept for a retention window for late diagnostics, then garbage
// collected.
func (l *Lease) Terminal() bool {
	return l.State == StateExpired || l.State == StateReleased
}

// validTransitions is the full lease state machine. Anything not listed is
// rejected; in particular there is no resurrection out of a terminal state.
var validTransitions = map[State][]State{
	StatePending:   {StateConfirmed, StateExpired, StateReleased},
	StateConfirmed: {StateExpired, StateReleased},
}

// CanTransition reports whether from -> to is a legal lease transition.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to mutate before a conditional update.
func (l *Lease) Clone() *Lease {
	out := *l
	return &out
}
