package capacity

import (
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/exp/maps"

	"github.com/walkai-org/walkai-api/internal/clusterfacts"
	"github.com/walkai-org/walkai-api/internal/lease"
)

// Merge builds a fresh snapshot from cluster facts and the persisted lease
// set. It is pure and deterministic: identical inputs produce an identical
// snapshot regardless of the order lease records or bindings arrive in.
//
// Conflict policy: when the cluster reports a partition bound but no active
// lease claims it, the partition is marked Bound-orphaned for the reconciler
// to repair. When lease records and bindings name different owners for the
// same partition, the lease record wins the back-reference and the key is
// recorded as a conflict.
func Merge(facts *clusterfacts.Facts, leases []*lease.Lease, builtAt time.Time) *Snapshot {
	snap := &Snapshot{
		Nodes:      make(map[string]*Node, len(facts.Nodes)),
		Partitions: make(map[string]*Partition),
		Leases:     make(map[string]*lease.Lease, len(leases)),
		Bindings:   make(map[string]clusterfacts.Binding, len(facts.Bindings)),
		BuiltAt:    builtAt,
	}

	for _, nf := range facts.Nodes {
		node := &Node{
			Name:       nf.Name,
			Labels:     nf.Labels,
			Partitions: make([]*Partition, 0, nf.Partitions),
		}
		for i := 0; i < nf.Partitions; i++ {
			p := &Partition{
				Key:   clusterfacts.PartitionKeyFor(nf.Name, i),
				Node:  nf.Name,
				Index: i,
				State: PartitionFree,
			}
			node.Partitions = append(node.Partitions, p)
			snap.Partitions[p.Key] = p
		}
		snap.Nodes[nf.Name] = node
	}

	// Apply leases in ID order so the merge is independent of input order.
	// Two active leases on one partition cannot happen while conditional
	// claim writes hold, but a deterministic winner is still picked and the
	// loser surfaces as drift.
	ordered := make([]*lease.Lease, len(leases))
	copy(ordered, leases)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	for _, l := range ordered {
		snap.Leases[l.ID] = l
		if !l.Active() {
			continue
		}
		p, ok := snap.Partitions[l.Partition]
		if !ok {
			continue // node gone, reconciler expires the lease
		}
		if p.LeaseID != "" {
			snap.Conflicts = append(snap.Conflicts, p.Key)
			continue
		}
		p.LeaseID = l.ID
		p.State = PartitionReserved
	}

	bindings := make([]clusterfacts.Binding, len(facts.Bindings))
	copy(bindings, facts.Bindings)
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Partition != bindings[j].Partition {
			return bindings[i].Partition < bindings[j].Partition
		}
		return bindings[i].PodName < bindings[j].PodName
	})

	for _, b := range bindings {
		p, ok := snap.Partitions[b.Partition]
		if !ok {
			continue
		}
		if _, seen := snap.Bindings[b.Partition]; !seen {
			snap.Bindings[b.Partition] = b
		}
		switch {
		case p.LeaseID == "":
			p.State = PartitionBound
			p.Orphaned = true
			snap.Orphans = append(snap.Orphans, b)
		case b.LeaseID != "" && b.LeaseID != p.LeaseID:
			snap.Conflicts = append(snap.Conflicts, p.Key)
		default:
			p.State = PartitionBound
		}
	}

	return snap
}

// FreePartitions returns free partitions in deterministic ascending order
// (node name, then partition index) so allocation is reproducible.
func (s *Snapshot) FreePartitions() []*Partition {
	nodeNames := maps.Keys(s.Nodes)
	slices.Sort(nodeNames)

	var out []*Partition
	for _, name := range nodeNames {
		for _, p := range s.Nodes[name].Partitions {
			if p.State == PartitionFree {
				out = append(out, p)
			}
		}
	}
	return out
}

// Counts summarizes partition states for metrics and the capacity endpoint.
func (s *Snapshot) Counts() map[PartitionState]int {
	counts := map[PartitionState]int{
		PartitionFree:     0,
		PartitionReserved: 0,
		PartitionBound:    0,
	}
	for _, p := range s.Partitions {
		counts[p.State]++
	}
	return counts
}

// LeasesByState groups lease IDs for metrics.
func (s *Snapshot) LeasesByState() map[lease.State][]string {
	grouped := lo.GroupBy(maps.Values(s.Leases), func(l *lease.Lease) lease.State {
		return l.State
	})
	out := make(map[lease.State][]string, len(grouped))
	for state, ls := range grouped {
		ids := lo.Map(ls, func(l *lease.Lease, _ int) string { return l.ID })
		slices.Sort(ids)
		out[state] = ids
	}
	return out
}

// PartitionView and NodeView are the read-only shapes served by the capacity
// endpoint and cached in the state store.
type PartitionView struct {
	Key     string `json:"key"`
	State   string `json:"state"`
	LeaseID string `json:"leaseId,omitempty"`
}

type NodeView struct {
	Name       string          `json:"name"`
	Partitions []PartitionView `json:"partitions"`
}

type SummaryView struct {
	Nodes   []NodeView     `json:"nodes"`
	Counts  map[string]int `json:"counts"`
	Orphans int            `json:"orphans"`
	BuiltAt time.Time      `json:"builtAt"`
}

// Summary flattens the snapshot into its serializable read-only view.
func (s *Snapshot) Summary() SummaryView {
	nodeNames := maps.Keys(s.Nodes)
	slices.Sort(nodeNames)

	view := SummaryView{
		Counts:  make(map[string]int, 3),
		Orphans: len(s.Orphans),
		BuiltAt: s.BuiltAt,
	}
	for state, count := range s.Counts() {
		view.Counts[string(state)] = count
	}
	for _, name := range nodeNames {
		node := s.Nodes[name]
		nv := NodeView{Name: name, Partitions: make([]PartitionView, 0, len(node.Partitions))}
		for _, p := range node.Partitions {
			nv.Partitions = append(nv.Partitions, PartitionView{
				Key:     p.Key,
				State:   string(p.State),
				LeaseID: p.LeaseID,
			})
		}
		view.Nodes = append(view.Nodes, nv)
	}
	return view
}

// Holder publishes the current snapshot with a single atomic pointer swap.
// Readers never block writers and never observe a half-merged snapshot.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

func NewHolder() *Holder {
	return &Holder{}
}

// Load returns the latest published snapshot, nil before the first publish.
func (h *Holder) Load() *Snapshot {
	return h.current.Load()
}

func (h *Holder) Store(s *Snapshot) {
	h.current.Store(s)
}
