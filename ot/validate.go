package ot

// ValidationResult lists every structural rule an operation violates. Valid
// is true iff Errors is empty.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validate checks a single operation for structural soundness, independent of
// any other operation. It accumulates all violations instead of failing fast,
// so one call surfaces every problem with a malformed operation.
//
// Transform and TransformBatch assume validated input and do not re-check.
func Validate(op Operation) ValidationResult {
	errs := []string{}

	if op.ID == "" {
		errs = append(errs, "missing operation id")
	}
	if op.Author == "" {
		errs = append(errs, "missing author")
	}
	if op.Timestamp.IsZero() {
		errs = append(errs, "missing timestamp")
	}
	if op.Position < 0 {
		errs = append(errs, "position must be non-negative")
	}

	switch op.Type {
	case OpInsert:
		if op.Content == "" {
			errs = append(errs, "insert requires non-empty content")
		}
	case OpDelete:
		if op.Length <= 0 {
			errs = append(errs, "delete requires positive length")
		}
	case OpReplace:
		if op.OldContent == "" {
			errs = append(errs, "replace requires non-empty old content")
		}
		if op.NewContent == "" {
			errs = append(errs, "replace requires non-empty new content")
		}
	case OpRetain:
		// Position is the only payload.
	case OpFormat:
		if op.Length <= 0 {
			errs = append(errs, "format requires positive length")
		}
		if len(op.Attributes) == 0 {
			errs = append(errs, "format requires at least one attribute")
		}
	default:
		errs = append(errs, "unknown operation type "+string(op.Type))
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
