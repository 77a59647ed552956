package filter

import (
	"context"

	"github.com/walkai-org/walkai-api/internal/capacity"
)

// NodeLabelFilter keeps partitions whose node carries every required label.
type NodeLabelFilter struct {
	required map[string]string
}

func NewNodeLabelFilter(required map[string]string) *NodeLabelFilter {
	return &NodeLabelFilter{required: required}
}

func (f *NodeLabelFilter) Filter(_ context.Context, snap *capacity.Snapshot, partitions []*capacity.Partition) ([]*capacity.Partition, error) {
	if len(f.required) == 0 {
		return partitions, nil
	}
	filtered := make([]*capacity.Partition, 0, len(partitions))
	for _, p := range partitions {
		node, ok := snap.Nodes[p.Node]
		if !ok {
			continue
		}
		if matchesLabels(node.Labels, f.required) {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func matchesLabels(labels, required map[string]string) bool {
	for k, v := range required {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (f *NodeLabelFilter) Name() string {
	return "NodeLabelFilter"
}
