package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies an error for the retry engine, the budget governor and
// the degradation registry. Classification is explicit: callers construct
// errors with a kind, and Classify derives one for foreign errors.
type Kind string

const (
	KindTransient      Kind = "transient"
	KindFatal          Kind = "fatal"
	KindCircuitOpen    Kind = "circuit_open"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindAskFirst       Kind = "ask_first"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindTimeout        Kind = "timeout"
	KindInternal       Kind = "internal"
)

// AppError carries a classified error with context.
type AppError struct {
	Kind      Kind              `json:"kind"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new application error
func New(kind Kind, code, message string) *AppError {
	return &AppError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewTransientError(message string) *AppError {
	return New(KindTransient, "TRANSIENT_ERROR", message)
}

func NewFatalError(message string) *AppError {
	return New(KindFatal, "FATAL_ERROR", message)
}

// NewCircuitOpenError is returned when a call is rejected before any
// attempt because the category's circuit breaker is open.
func NewCircuitOpenError(category string) *AppError {
	return New(KindCircuitOpen, "CIRCUIT_OPEN", fmt.Sprintf("circuit breaker for category %q is open", category)).
		WithDetail("category", category)
}

// NewBudgetExceededError signals that the error budget governor decided the
// process should stop and be investigated.
func NewBudgetExceededError(reason string) *AppError {
	return New(KindBudgetExceeded, "BUDGET_EXCEEDED", reason)
}

// NewAskFirstError is raised instead of blocking when the decision layer
// judges an action too low-confidence to run autonomously.
func NewAskFirstError(actionID, description string) *AppError {
	return New(KindAskFirst, "ASK_FIRST", fmt.Sprintf("action %q requires approval before execution", description)).
		WithDetail("action_id", actionID)
}

func NewValidationError(message string) *AppError {
	return New(KindValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return New(KindNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return New(KindConflict, "CONFLICT", message)
}

func NewTimeoutError(operation string) *AppError {
	return New(KindTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewInternalError(message string) *AppError {
	return New(KindInternal, "INTERNAL_ERROR", message)
}

// IsKind checks if the error (or any error in its chain) has the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// Classify derives a Kind for an arbitrary error. AppErrors keep their
// declared kind; context errors map to timeout; everything else is treated
// as transient, which is the safe default for a retrying executor.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return KindFatal
	}
	return KindTransient
}

// Retryable reports whether an error of this classification should be
// retried by the retry engine.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindTimeout, KindConflict:
		return true
	default:
		return false
	}
}
