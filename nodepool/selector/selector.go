// Package selector orders proxy nodes for a new connection attempt.
package selector

import (
	"sort"

	"proxynode/nodepool/model"
)

type candidate struct {
	item  *model.NodeItem
	snap  model.ItemSnapshot
	index int
}

// Order returns the active, enabled nodes sorted by priority for the given
// request counter: ascending sort value, then least recently used first, then
// pool order. Each item's state is read once so concurrent score updates
// cannot make the comparison inconsistent.
func Order(items []*model.NodeItem, counter int64) []*model.NodeItem {
	candidates := make([]candidate, 0, len(items))
	for i, it := range items {
		snap := it.Snapshot(counter)
		if !snap.Selectable {
			continue
		}
		candidates = append(candidates, candidate{item: it, snap: snap, index: i})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].snap, candidates[j].snap
		if a.SortValue != b.SortValue {
			return a.SortValue < b.SortValue
		}
		if !a.LastUsedTime.Equal(b.LastUsedTime) {
			return a.LastUsedTime.Before(b.LastUsedTime)
		}
		return candidates[i].index < candidates[j].index
	})

	ordered := make([]*model.NodeItem, len(candidates))
	for i, c := range candidates {
		ordered[i] = c.item
	}
	return ordered
}
