// Package capacity holds the in-memory model of all simulated GPU partitions
// across pool nodes. The model is an immutable snapshot rebuilt by every
// reconcile pass and atomically swapped; it is never patched in place.
package capacity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/walkai-org/walkai-api/internal/clusterfacts"
	"github.com/walkai-org/walkai-api/internal/lease"
)

type PartitionState string

const (
	PartitionFree     PartitionState = "Free"
	PartitionReserved PartitionState = "Reserved"
	PartitionBound    PartitionState = "Bound"
)

// Partition is one allocatable slice of simulated GPU capacity. When
// Reserved or Bound it carries a non-owning back-reference to its lease.
type Partition struct {
	Key   string // "node/index"
	Node  string
	Index int
	State PartitionState

	// LeaseID is the current owner, empty when Free.
	LeaseID string

	// Orphaned marks partitions the cluster reports as bound without a
	// matching active lease. Surfaced to the reconciler for repair, never
	// silently trusted.
	Orphaned bool
}

type Node struct {
	Name       string
	Labels     map[string]string
	Partitions []*Partition // ascending by index
}

// Snapshot is a point-in-time merge of cluster facts and lease records.
// Snapshots are immutable once published; readers never see partial merges.
type Snapshot struct {
	Nodes      map[string]*Node
	Partitions map[string]*Partition
	Leases     map[string]*lease.Lease

	// Bindings indexes the observed pod-to-partition bindings by partition
	// key, one deterministic winner per partition.
	Bindings map[string]clusterfacts.Binding

	// Orphans are bindings on partitions with no matching active lease,
	// candidates for adoption or eviction.
	Orphans []clusterfacts.Binding

	// Conflicts are partition keys where cluster facts and lease records
	// point at different owners. Pure drift signal for operators.
	Conflicts []string

	BuiltAt time.Time
}

// ParsePartitionKey splits "node/index". The node name may itself contain
// slashes in theory, so the split is on the last separator.
func ParsePartitionKey(key string) (node string, index int, err error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return "", 0, fmt.Errorf("malformed partition key %q", key)
	}
	index, err = strconv.Atoi(key[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed partition index in %q", key)
	}
	return key[:i], index, nil
}
