package ot

import (
	"time"

	"github.com/google/uuid"
)

// OpType identifies the kind of edit an operation performs.
type OpType string

const (
	OpInsert  OpType = "insert"
	OpDelete  OpType = "delete"
	OpReplace OpType = "replace"
	OpRetain  OpType = "retain"
	OpFormat  OpType = "format"
)

// Operation is a single atomic edit against a document. Only the payload
// fields for its Type are meaningful; the rest stay zero. Operations are
// treated as immutable values — transforms return new operations rather than
// mutating their inputs.
type Operation struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Type      OpType    `json:"type"`

	Position   int               `json:"position"`
	Length     int               `json:"length,omitempty"`
	Content    string            `json:"content,omitempty"`
	OldContent string            `json:"oldContent,omitempty"`
	NewContent string            `json:"newContent,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewInsert creates an insert of content at pos.
func NewInsert(author string, ts time.Time, pos int, content string) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Author:    author,
		Timestamp: ts,
		Type:      OpInsert,
		Position:  pos,
		Content:   content,
	}
}

// NewDelete creates a delete of length chars starting at pos.
func NewDelete(author string, ts time.Time, pos, length int) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Author:    author,
		Timestamp: ts,
		Type:      OpDelete,
		Position:  pos,
		Length:    length,
	}
}

// NewReplace creates a replace of oldContent by newContent at pos.
func NewReplace(author string, ts time.Time, pos int, oldContent, newContent string) Operation {
	return Operation{
		ID:         uuid.NewString(),
		Author:     author,
		Timestamp:  ts,
		Type:       OpReplace,
		Position:   pos,
		OldContent: oldContent,
		NewContent: newContent,
	}
}

// NewRetain creates a no-op anchor at pos. Retains preserve cursor/selection
// positions through a transform chain and never conflict.
func NewRetain(author string, ts time.Time, pos int) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Author:    author,
		Timestamp: ts,
		Type:      OpRetain,
		Position:  pos,
	}
}

// NewFormat creates a formatting span of length chars at pos.
func NewFormat(author string, ts time.Time, pos, length int, attrs map[string]string) Operation {
	return Operation{
		ID:         uuid.NewString(),
		Author:     author,
		Timestamp:  ts,
		Type:       OpFormat,
		Position:   pos,
		Length:     length,
		Attributes: attrs,
	}
}

// Span returns the half-open range [start, end) of the base document this
// operation touches. Inserts and retains are zero-width anchors; a replace
// spans its old content.
func (op Operation) Span() (start, end int) {
	switch op.Type {
	case OpDelete, OpFormat:
		return op.Position, op.Position + op.Length
	case OpReplace:
		return op.Position, op.Position + len(op.OldContent)
	default:
		return op.Position, op.Position
	}
}

// rangesOverlap reports whether the half-open ranges [start1,end1) and
// [start2,end2) overlap.
func rangesOverlap(start1, end1, start2, end2 int) bool {
	return start1 < end2 && start2 < end1
}

// Before orders operations by timestamp, breaking ties by author and then by
// id so the order is total and reproducible across replicas.
func (op Operation) Before(other Operation) bool {
	if !op.Timestamp.Equal(other.Timestamp) {
		return op.Timestamp.Before(other.Timestamp)
	}
	if op.Author != other.Author {
		return op.Author < other.Author
	}
	return op.ID < other.ID
}
