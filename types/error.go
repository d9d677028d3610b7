package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

const (
	ErrValidation         ErrorCode = "VALIDATION"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrStaleWrite         ErrorCode = "STALE_WRITE"
	ErrCapacityExceeded   ErrorCode = "CAPACITY_EXCEEDED"
	ErrShardUnavailable   ErrorCode = "SHARD_UNAVAILABLE"
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrInternal           ErrorCode = "INTERNAL"
)

// Ingestion stage tags, used as the Stage field of pipeline failures.
const (
	StageNormalize = "normalize"
	StageExtract   = "extract"
	StageConflict  = "conflict"
	StageResolve   = "resolve"
	StageScore     = "score"
	StagePersist   = "persist"
	StageIndex     = "index"
)

// Error represents a structured error with code, message, and metadata.
// Every error carries a correlation id for cross-referencing telemetry.
type Error struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	Subsystem     string    `json:"subsystem,omitempty"`
	Stage         string    `json:"stage,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Retryable     bool      `json:"retryable"`
	Cause         error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: uuid.NewString(),
	}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSubsystem tags the error with the backend that produced it.
func (e *Error) WithSubsystem(subsystem string) *Error {
	e.Subsystem = subsystem
	return e
}

// WithStage tags the error with the ingestion stage that failed.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsRetryable checks if an error is retryable. Validation, NotFound and
// StaleWrite are never retryable regardless of the flag.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrValidation, ErrNotFound, ErrStaleWrite, ErrCapacityExceeded, ErrCancelled:
		return false
	}
	return e.Retryable
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrNotFound)
}

// IsStaleWrite reports whether err is a StaleWrite error.
func IsStaleWrite(err error) bool {
	return IsCode(err, ErrStaleWrite)
}
