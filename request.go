package lockperf

import (
	"fmt"
	"sort"
)

// DeductionRequest names the stock records one call deducts from. A request is
// created per incoming call, consumed by exactly one strategy, and never
// retried automatically.
type DeductionRequest struct {
	// ItemIDs are the stock record identifiers to deduct, in caller order.
	ItemIDs []int64
}

// Validate checks that the request names at least one positive identifier.
func (r DeductionRequest) Validate() error {
	if len(r.ItemIDs) == 0 {
		return fmt.Errorf("request must name at least one item")
	}
	for _, id := range r.ItemIDs {
		if id <= 0 {
			return fmt.Errorf("invalid item id %d", id)
		}
	}
	return nil
}

// UniqueSortedIDs returns the request's identifiers deduplicated and sorted
// ascending. Sorting fixes a global lock-acquisition order across concurrent
// callers, which is what prevents circular waits on overlapping sets.
func (r DeductionRequest) UniqueSortedIDs() []int64 {
	seen := make(map[int64]struct{}, len(r.ItemIDs))
	ids := make([]int64, 0, len(r.ItemIDs))
	for _, id := range r.ItemIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// KeyFunc derives the lock-key identifiers for a call from its request.
// A KeyFunc must be pure: it reads the request and produces identifiers
// without side effects. Returning an error, or an empty set, rejects the call
// before any lock attempt.
type KeyFunc func(req DeductionRequest) ([]int64, error)

// ItemIDKeys is the default key derivation: one lock key per requested item.
// Calls touching the same items contend on the same lock names by construction.
func ItemIDKeys(req DeductionRequest) ([]int64, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req.UniqueSortedIDs(), nil
}
