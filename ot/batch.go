package ot

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// ConflictRecord pairs operations with the prior operations they conflicted
// against during a batch transform. Both sides hold the transformed forms.
type ConflictRecord struct {
	Operations            []Operation `json:"operations"`
	ConflictingOperations []Operation `json:"conflictingOperations"`
}

// BatchResult is the output of TransformBatch: every input operation in its
// transformed form, in application order, plus the conflicts found along the
// way.
type BatchResult struct {
	Operations []Operation      `json:"operations"`
	Conflicts  []ConflictRecord `json:"conflicts,omitempty"`
}

// TransformBatch reconciles an unordered set of concurrent operations into a
// single deterministic application order.
//
// Operations are sorted by timestamp (ties broken by author, then id) and
// each one is transformed against every already-transformed operation before
// it, so the returned slice applies to the shared baseline as a simple fold.
// The result is identical for any arrival order of the same operation set.
func TransformBatch(ops []Operation) BatchResult {
	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Before(sorted[j])
	})

	transformed := make([]Operation, 0, len(sorted))
	var conflicts []ConflictRecord

	for _, op := range sorted {
		cur := op
		seen := mapset.NewSet[string]()
		var against []Operation

		for _, prior := range transformed {
			res := Transform(cur, prior)
			cur = res.Op
			if !res.Conflict {
				continue
			}
			for _, c := range res.ConflictsWith {
				if seen.Add(c.ID) {
					against = append(against, c)
				}
			}
		}

		if len(against) > 0 {
			conflicts = append(conflicts, ConflictRecord{
				Operations:            []Operation{cur},
				ConflictingOperations: against,
			})
		}
		transformed = append(transformed, cur)
	}

	return BatchResult{Operations: transformed, Conflicts: conflicts}
}
