package distributor

import (
	"fmt"
	"sort"

	"stratus/internal/types"
)

// aggregateResults folds the per-subtask results of a finished task into
// one value, by shape:
//
//   - every result a list: concatenate in subtask index order
//   - every result a map:  per-key consensus across contributors
//   - anything else:       the raw result list in index order
//
// Only completed subtasks contribute; failed shards are simply absent
// from their slot.
func aggregateResults(subtasks []*types.Subtask) any {
	ordered := make([]*types.Subtask, len(subtasks))
	copy(ordered, subtasks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var results []any
	for _, st := range ordered {
		if st.Status == types.SubtaskCompleted {
			results = append(results, st.Result)
		}
	}
	if len(results) == 0 {
		return nil
	}

	if lists, ok := allLists(results); ok {
		var merged []any
		for _, l := range lists {
			merged = append(merged, l...)
		}
		return merged
	}

	if maps, ok := allMaps(results); ok {
		return mergeMaps(maps)
	}

	return results
}

func allLists(results []any) ([][]any, bool) {
	lists := make([][]any, 0, len(results))
	for _, r := range results {
		l, ok := r.([]any)
		if !ok {
			return nil, false
		}
		lists = append(lists, l)
	}
	return lists, true
}

func allMaps(results []any) ([]map[string]any, bool) {
	maps := make([]map[string]any, 0, len(results))
	for _, r := range results {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, false
		}
		maps = append(maps, m)
	}
	return maps, true
}

// mergeMaps produces one map over the union of keys. A key whose values
// are all numeric gets the arithmetic mean; otherwise the plurality
// value wins, with ties broken by whichever value was seen first across
// the maps in subtask index order.
func mergeMaps(maps []map[string]any) map[string]any {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		var values []any
		for _, m := range maps {
			if v, ok := m[k]; ok {
				values = append(values, v)
			}
		}
		out[k] = consensusValue(values)
	}
	return out
}

func consensusValue(values []any) any {
	if len(values) == 0 {
		return nil
	}

	numeric := true
	var sum float64
	for _, v := range values {
		f, ok := toFloat(v)
		if !ok {
			numeric = false
			break
		}
		sum += f
	}
	if numeric {
		return sum / float64(len(values))
	}

	// Plurality vote over the stringified value; first-seen wins ties.
	counts := make(map[string]int)
	first := make(map[string]any)
	order := make(map[string]int)
	for i, v := range values {
		key := voteKey(v)
		if _, ok := first[key]; !ok {
			first[key] = v
			order[key] = i
		}
		counts[key]++
	}

	bestKey := ""
	bestCount := -1
	for key, n := range counts {
		if n > bestCount || (n == bestCount && order[key] < order[bestKey]) {
			bestKey = key
			bestCount = n
		}
	}
	return first[bestKey]
}

// voteKey collapses a value to a comparable ballot. Type is part of the
// key so int(1) and "1" vote separately.
func voteKey(v any) string {
	return fmt.Sprintf("%T:%v", v, v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
