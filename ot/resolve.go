package ot

import "fmt"

// Strategy selects how a detected conflict set is resolved. The engine never
// picks a strategy on its own; the caller's policy decides.
type Strategy string

const (
	LastWriterWins   Strategy = "last-writer-wins"
	FirstWriterWins  Strategy = "first-writer-wins"
	MergeChanges     Strategy = "merge-changes"
	ManualResolution Strategy = "manual-resolution"
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case LastWriterWins, FirstWriterWins, MergeChanges, ManualResolution:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown conflict resolution strategy %q", s)
}

// ResolveConflict reduces a set of conflicting operations according to the
// given strategy. It is a pure selection over an already-detected conflict
// set; detection itself is Transform's job.
//
// ManualResolution returns all contenders unchanged: the caller must put
// them in front of a human.
func ResolveConflict(ops []Operation, strategy Strategy) []Operation {
	if len(ops) == 0 {
		return nil
	}

	switch strategy {
	case LastWriterWins:
		winner := ops[0]
		for _, op := range ops[1:] {
			if winner.Before(op) {
				winner = op
			}
		}
		return []Operation{winner}

	case FirstWriterWins:
		winner := ops[0]
		for _, op := range ops[1:] {
			if op.Before(winner) {
				winner = op
			}
		}
		return []Operation{winner}

	case MergeChanges:
		return MergeOperations(ops)

	default: // ManualResolution
		out := make([]Operation, len(ops))
		copy(out, ops)
		return out
	}
}
