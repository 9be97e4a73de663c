package types

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies a pipeline failure for retry and surfacing
// decisions. Errors are tagged once, at the edge where they occur; downstream
// code never re-classifies.
type ErrorCategory string

// Error categories. Retryability is fixed per category.
const (
	ErrValidation ErrorCategory = "VALIDATION" // missing/invalid inputs; 4xx; never retried
	ErrTimeout    ErrorCategory = "TIMEOUT"    // stage or HTTP timeout; retried with backoff
	ErrTransient  ErrorCategory = "TRANSIENT"  // 429, rate limit, temporary network; retried
	ErrExternal   ErrorCategory = "EXTERNAL"   // provider 5xx, network, DB transient; retried
	ErrInternal   ErrorCategory = "INTERNAL"   // programmer error, invariant violation; dead quickly
)

// Retryable reports whether the category admits another attempt.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case ErrTimeout, ErrTransient, ErrExternal:
		return true
	default:
		return false
	}
}

// PipelineError is a categorized failure raised by a stage or a provider
// call. Code is a short machine-readable token (e.g. "provider_http_503",
// "stage_timeout", "schema_mismatch").
type PipelineError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *PipelineError) Unwrap() error { return e.Err }

// Retryable reports whether the error's category admits another attempt.
func (e *PipelineError) Retryable() bool { return e.Category.Retryable() }

// NewError builds a categorized error with no wrapped cause.
func NewError(cat ErrorCategory, code, msg string) *PipelineError {
	return &PipelineError{Category: cat, Code: code, Message: msg}
}

// WrapError builds a categorized error wrapping err.
func WrapError(cat ErrorCategory, code, msg string, err error) *PipelineError {
	return &PipelineError{Category: cat, Code: code, Message: msg, Err: err}
}

// CategoryOf extracts the category from err, walking the wrap chain.
// Uncategorized errors default to INTERNAL: an untagged failure is a
// programmer error by definition.
func CategoryOf(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrInternal
}

// Retryable reports whether err should be retried, walking the wrap chain.
func Retryable(err error) bool {
	return CategoryOf(err).Retryable()
}

// CodeOf extracts the machine-readable code from err, or "uncategorized".
func CodeOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "uncategorized"
}
