package filter

import (
	"context"

	"github.com/walkai-org/walkai-api/internal/capacity"
)

// ExcludeFilter drops partitions by key. The scheduler uses it to skip
// partitions it just lost a claim race on while retrying against the same
// snapshot.
type ExcludeFilter struct {
	excluded map[string]struct{}
}

func NewExcludeFilter(excluded map[string]struct{}) *ExcludeFilter {
	return &ExcludeFilter{excluded: excluded}
}

func (f *ExcludeFilter) Filter(_ context.Context, _ *capacity.Snapshot, partitions []*capacity.Partition) ([]*capacity.Partition, error) {
	if len(f.excluded) == 0 {
		return partitions, nil
	}
	filtered := make([]*capacity.Partition, 0, len(partitions))
	for _, p := range partitions {
		if _, skip := f.excluded[p.Key]; !skip {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (f *ExcludeFilter) Name() string {
	return "ExcludeFilter"
}
