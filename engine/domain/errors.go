package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the pipeline. Callers match them with errors.Is.
var (
	ErrValidation           = errors.New("validation failed")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrSearchUnavailable    = errors.New("similarity search unavailable")
	ErrGenerationFailed     = errors.New("generation failed")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrStorageDegraded      = errors.New("storage degraded")
	ErrTimeout              = errors.New("request timed out")
)

// Sentinel errors for lookups and configuration.
var (
	ErrNotFound          = errors.New("not found")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyQuestion     = errors.New("question is empty")
	ErrQuestionTooLong   = errors.New("question too long")
	ErrInvalidThresholds = errors.New("invalid thresholds")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

// Unwrap exposes both the specific sentinel and ErrValidation.
func (e *ValidationError) Unwrap() []error { return []error{e.Wrapped, ErrValidation} }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// ProcessingError is returned by the pipeline when a request cannot produce an answer.
// Kind is one of the pipeline error kinds above.
type ProcessingError struct {
	Kind  error
	Stage string
	Steps []string
	Err   error
}

func (e *ProcessingError) Error() string {
	var b strings.Builder
	b.WriteString("qa: ")
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil && !errors.Is(e.Kind, e.Err) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProcessingError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the pipeline error kind carried by err, or nil if none matches.
func KindOf(err error) error {
	for _, k := range []error{
		ErrValidation, ErrEmbeddingUnavailable, ErrSearchUnavailable, ErrQuotaExceeded,
		ErrUnauthorized, ErrTimeout, ErrGenerationFailed, ErrStorageDegraded,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
