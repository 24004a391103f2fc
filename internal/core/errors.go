package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies storage errors for handling decisions.
type ErrorCategory string

const (
	ErrCatTransient  ErrorCategory = "transient"  // Busy/locked store, retryable
	ErrCatStore      ErrorCategory = "store"      // Definitive storage failure
	ErrCatNotFound   ErrorCategory = "not_found"  // Referenced row missing
	ErrCatPool       ErrorCategory = "pool"       // Connection pool exhausted
	ErrCatDurability ErrorCategory = "durability" // Primary and fallback both failed
	ErrCatValidation ErrorCategory = "validation" // Invalid input
)

// DomainError is a structured error carrying category and retryability.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches errors by category and code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// ErrTransientStore creates a retryable busy/locked error.
func ErrTransientStore(code, message string) *DomainError {
	return &DomainError{Category: ErrCatTransient, Code: code, Message: message, Retryable: true}
}

// ErrStore creates a definitive storage error.
func ErrStore(code, message string) *DomainError {
	return &DomainError{Category: ErrCatStore, Code: code, Message: message}
}

// ErrNotFound creates a missing-row error. Never retried.
func ErrNotFound(code, message string) *DomainError {
	return &DomainError{Category: ErrCatNotFound, Code: code, Message: message}
}

// ErrPoolExhausted creates a connection-acquire timeout error.
func ErrPoolExhausted(message string) *DomainError {
	return &DomainError{Category: ErrCatPool, Code: "pool_exhausted", Message: message}
}

// ErrDurabilityFallback marks the condition where both the primary insert
// and the backup write failed. The only path on which a step may be lost.
func ErrDurabilityFallback(message string) *DomainError {
	return &DomainError{Category: ErrCatDurability, Code: "fallback_failed", Message: message}
}

// ErrValidation creates an invalid-input error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{Category: ErrCatValidation, Code: code, Message: message}
}

// IsRetryable reports whether err represents transient store contention.
func IsRetryable(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Category == ErrCatNotFound
	}
	return false
}

// IsPoolExhausted reports whether err is a pool-acquire timeout.
func IsPoolExhausted(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Category == ErrCatPool
	}
	return false
}
