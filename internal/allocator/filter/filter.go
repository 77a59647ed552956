// Package filter provides composable partition filters applied before
// allocation. Filters narrow the candidate set; they never mutate partitions.
package filter

import (
	"context"
	"fmt"

	"github.com/walkai-org/walkai-api/internal/capacity"
)

type PartitionFilter interface {
	Filter(ctx context.Context, snap *capacity.Snapshot, partitions []*capacity.Partition) ([]*capacity.Partition, error)
	Name() string
}

// FilterRegistry chains filters in order. With returns a copy so a base
// registry can be extended per request without sharing state.
type FilterRegistry struct {
	filters []PartitionFilter
}

func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{}
}

func (r *FilterRegistry) With(filters ...PartitionFilter) *FilterRegistry {
	combined := make([]PartitionFilter, 0, len(r.filters)+len(filters))
	combined = append(combined, r.filters...)
	combined = append(combined, filters...)
	return &FilterRegistry{filters: combined}
}

// Apply runs the filters in sequence, short-circuiting once nothing is left.
func (r *FilterRegistry) Apply(ctx context.Context, snap *capacity.Snapshot, partitions []*capacity.Partition) ([]*capacity.Partition, error) {
	current := partitions
	for _, f := range r.filters {
		if len(current) == 0 {
			return current, nil
		}
		var err error
		current, err = f.Filter(ctx, snap, current)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Name(), err)
		}
	}
	return current, nil
}
