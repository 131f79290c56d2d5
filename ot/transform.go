package ot

// TransformResult is the outcome of transforming one operation against a
// concurrent one: the adjusted operation plus conflict information.
type TransformResult struct {
	Op            Operation   `json:"op"`
	Conflict      bool        `json:"conflict"`
	ConflictsWith []Operation `json:"conflictsWith,omitempty"`
}

// Transform takes two operations a and b issued against the same base
// document state and returns the form of a that applies cleanly to a document
// that already reflects b.
//
// Conflict detection combines two signals: a coarse same-position check
// between any two non-retain operations, and the type-specific range-overlap
// rules below. Either one marks the result as conflicting.
func Transform(a, b Operation) TransformResult {
	// Retains are pure anchors: they are never adjusted and never conflict,
	// and nothing conflicts against them.
	if a.Type == OpRetain || b.Type == OpRetain {
		return TransformResult{Op: a}
	}

	op := a
	conflict := a.Position == b.Position

	switch a.Type {
	case OpInsert:
		op = transformInsert(a, b)
	case OpDelete:
		op, conflict = transformDelete(a, b, conflict)
	case OpReplace:
		op, conflict = transformReplace(a, b, conflict)
	case OpFormat:
		conflict = transformFormatConflict(a, b, conflict)
	}

	res := TransformResult{Op: op, Conflict: conflict}
	if conflict {
		res.ConflictsWith = []Operation{b}
	}
	return res
}

// transformInsert shifts an insert past a concurrent edit. Inserts never
// raise a type-specific conflict; only the coarse same-position check
// applies to them.
func transformInsert(a, b Operation) Operation {
	switch b.Type {
	case OpInsert:
		if b.Position <= a.Position {
			a.Position += len(b.Content)
		}
	case OpDelete:
		if b.Position < a.Position {
			shift := b.Length
			if d := a.Position - b.Position; d < shift {
				shift = d
			}
			a.Position -= shift
		}
	case OpReplace:
		if b.Position < a.Position {
			a.Position += len(b.NewContent) - len(b.OldContent)
		}
	case OpFormat:
		// Formatting does not move text.
	}
	return a
}

func transformDelete(a, b Operation, conflict bool) (Operation, bool) {
	aStart, aEnd := a.Span()
	bStart, bEnd := b.Span()

	switch b.Type {
	case OpInsert:
		if b.Position <= a.Position {
			a.Position += len(b.Content)
		}
	case OpDelete:
		if rangesOverlap(aStart, aEnd, bStart, bEnd) {
			conflict = true
			a = trimDelete(a, b)
		} else if b.Position < a.Position {
			a.Position -= b.Length
		}
	case OpReplace:
		if rangesOverlap(aStart, aEnd, bStart, bEnd) {
			conflict = true
		} else if b.Position < a.Position {
			a.Position += len(b.NewContent) - len(b.OldContent)
		}
	case OpFormat:
		// Formatting does not move text.
	}
	return a, conflict
}

// trimDelete shrinks delete a by the portion already removed by the
// overlapping delete b, so the overlapped text is not deleted twice. A delete
// fully absorbed by b degenerates to a retain at the surviving position.
func trimDelete(a, b Operation) Operation {
	aStart, aEnd := a.Span()
	bStart, bEnd := b.Span()

	ovStart, ovEnd := aStart, aEnd
	if bStart > ovStart {
		ovStart = bStart
	}
	if bEnd < ovEnd {
		ovEnd = bEnd
	}

	a.Length -= ovEnd - ovStart
	if bStart < a.Position {
		a.Position = bStart
	}
	if a.Length == 0 {
		return Operation{
			ID:        a.ID,
			Author:    a.Author,
			Timestamp: a.Timestamp,
			Type:      OpRetain,
			Position:  a.Position,
		}
	}
	return a
}

func transformReplace(a, b Operation, conflict bool) (Operation, bool) {
	aStart, aEnd := a.Span()
	bStart, bEnd := b.Span()

	switch b.Type {
	case OpInsert:
		if b.Position <= a.Position {
			a.Position += len(b.Content)
		}
	case OpDelete:
		if rangesOverlap(aStart, aEnd, bStart, bEnd) {
			conflict = true
		} else if b.Position < a.Position {
			a.Position -= b.Length
		}
	case OpReplace:
		// Replaces never silently coexist on overlapping spans.
		if rangesOverlap(aStart, aEnd, bStart, bEnd) {
			conflict = true
		} else if b.Position < a.Position {
			a.Position += len(b.NewContent) - len(b.OldContent)
		}
	case OpFormat:
		// Formatting does not move text.
	}
	return a, conflict
}

// transformFormatConflict detects competing formats. Two formats clash only
// when they cover the exact same span and disagree on the value of at least
// one shared attribute.
func transformFormatConflict(a, b Operation, conflict bool) bool {
	if b.Type != OpFormat {
		return conflict
	}
	if a.Position != b.Position || a.Length != b.Length {
		return conflict
	}
	for k, av := range a.Attributes {
		if bv, ok := b.Attributes[k]; ok && av != bv {
			return true
		}
	}
	return conflict
}
