package memory

import (
	"errors"
	"fmt"
	"strings"
)

// Taxonomy sentinels. Match them with errors.Is.
// Call sites wrap them with goerr to attach context values.
var (
	// ErrEmbeddingUnavailable means the embedding call failed or timed out.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrStoreUnavailable means a persistence call failed or timed out.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDimensionMismatch means two vectors of different length were compared.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrDegenerateVector means a vector with zero norm was compared.
	ErrDegenerateVector = errors.New("degenerate vector")
	// ErrOwnershipViolation means a batch referenced ids the caller doesn't own.
	ErrOwnershipViolation = errors.New("ownership violation")
	// ErrValidation means malformed input was rejected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means the record doesn't exist for this owner.
	ErrNotFound = errors.New("memory not found")
)

// causeError keeps a taxonomy sentinel and the underlying cause both
// reachable through errors.Is / errors.As.
type causeError struct {
	kind  error
	cause error
}

func (e *causeError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *causeError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func mark(kind, err error) error {
	if err == nil {
		return nil
	}
	return &causeError{kind: kind, cause: err}
}

// EmbeddingUnavailable marks err as an embedding provider failure.
func EmbeddingUnavailable(err error) error { return mark(ErrEmbeddingUnavailable, err) }

// StoreUnavailable marks err as a persistence failure.
func StoreUnavailable(err error) error { return mark(ErrStoreUnavailable, err) }

// FieldError describes one rejected field. Index is the batch position,
// or -1 for single-item operations.
type FieldError struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (f FieldError) String() string {
	if f.Index < 0 {
		return fmt.Sprintf("%s: %s", f.Field, f.Reason)
	}
	return fmt.Sprintf("[%d] %s: %s", f.Index, f.Field, f.Reason)
}

// ValidationError collects per-item rejections.
type ValidationError struct {
	Items []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Items))
	for i, it := range e.Items {
		parts[i] = it.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Add records a rejected field.
func (e *ValidationError) Add(index int, field, reason string) {
	e.Items = append(e.Items, FieldError{Index: index, Field: field, Reason: reason})
}

// Err returns e if any items were recorded, nil otherwise.
func (e *ValidationError) Err() error {
	if len(e.Items) == 0 {
		return nil
	}
	return e
}
