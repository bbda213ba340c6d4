package storage

import (
	"sort"
	"time"
)

func unixNanoTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// sortedKeys returns m's keys in ascending order, so callers that need a
// deterministic traversal (fingerprinting, index rebuilding) don't depend on
// Go's randomized map iteration order.
func sortedKeys(m Tags) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// clampLimit applies the engine-wide default/maximum to a caller-supplied
// query limit, the way stonedb's query path clamps an unset or oversized
// page size rather than rejecting it outright.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
