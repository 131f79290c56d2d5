package ot

// Document is a collaborative document with its full operation history.
// History holds operations in application order, already transformed to the
// document baseline.
type Document struct {
	Content string
	Version int
	History []Operation
}

// NewDocument creates a document with the given initial content.
func NewDocument(content string) *Document {
	return &Document{Content: content}
}

// Apply folds a transformed operation into the document. Positions are
// clamped to the current content so application is total: a delete shifted
// past the end removes nothing. Every operation except a retain advances the
// version and is appended to history; retains change nothing and are not
// recorded.
func (d *Document) Apply(op Operation) error {
	switch op.Type {
	case OpRetain:
		return nil
	case OpInsert:
		pos := clamp(op.Position, 0, len(d.Content))
		d.Content = d.Content[:pos] + op.Content + d.Content[pos:]
	case OpDelete:
		start := clamp(op.Position, 0, len(d.Content))
		end := clamp(op.Position+op.Length, start, len(d.Content))
		d.Content = d.Content[:start] + d.Content[end:]
	case OpReplace:
		start := clamp(op.Position, 0, len(d.Content))
		end := clamp(op.Position+len(op.OldContent), start, len(d.Content))
		d.Content = d.Content[:start] + op.NewContent + d.Content[end:]
	case OpFormat:
		// Attributes are render-level; content is unchanged but the edit
		// still advances the version.
	}

	d.Version++
	d.History = append(d.History, op)
	return nil
}

// ApplyAll folds a batch result into the document in order.
func (d *Document) ApplyAll(ops []Operation) error {
	for _, op := range ops {
		if err := d.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
