package ot

import "sort"

// MergeOperations coalesces spatially adjacent operations of the same type.
// The input is processed in position order (merging is about adjacency in the
// document, not causal order), and operations that cannot merge pass through
// unchanged.
func MergeOperations(ops []Operation) []Operation {
	if len(ops) == 0 {
		return nil
	}

	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})

	out := []Operation{sorted[0]}
	for _, op := range sorted[1:] {
		last := out[len(out)-1]
		if merged, ok := tryMerge(last, op); ok {
			out[len(out)-1] = merged
		} else {
			out = append(out, op)
		}
	}
	return out
}

// tryMerge coalesces b into a when they are same-type and exactly adjacent:
// an insert ending where the next begins, or a delete ending at the next
// delete's start. The merged operation keeps a's id and the later timestamp.
// Replace and format operations are structurally harder to coalesce safely
// and are never merged.
func tryMerge(a, b Operation) (Operation, bool) {
	if a.Type != b.Type {
		return Operation{}, false
	}

	switch a.Type {
	case OpInsert:
		if a.Position+len(a.Content) != b.Position {
			return Operation{}, false
		}
		merged := a
		merged.Content = a.Content + b.Content
		if a.Timestamp.Before(b.Timestamp) {
			merged.Timestamp = b.Timestamp
		}
		return merged, true

	case OpDelete:
		if a.Position+a.Length != b.Position {
			return Operation{}, false
		}
		merged := a
		merged.Length = a.Length + b.Length
		if a.Timestamp.Before(b.Timestamp) {
			merged.Timestamp = b.Timestamp
		}
		return merged, true
	}

	return Operation{}, false
}
