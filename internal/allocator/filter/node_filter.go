package filter

import (
	"context"

	"github.com/walkai-org/walkai-api/internal/capacity"
)

// NodeNameFilter keeps partitions on a single node, the constraint used for
// node-affinity requests.
type NodeNameFilter struct {
	node string
}

func NewNodeNameFilter(node string) *NodeNameFilter {
	return &NodeNameFilter{node: node}
}

func (f *NodeNameFilter) Filter(_ context.Context, _ *capacity.Snapshot, partitions []*capacity.Partition) ([]*capacity.Partition, error) {
	if f.node == "" {
		return partitions, nil
	}
	filtered := make([]*capacity.Partition, 0, len(partitions))
	for _, p := range partitions {
		if p.Node == f.node {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (f *NodeNameFilter) Name() string {
	return "NodeNameFilter"
}
