package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, provisioning backend unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the counterparty or a backend is rate limiting us.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a concurrent modification or a held lease.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a failure that retrying cannot fix.
	// Examples: counterparty refusal, resource declared permanently failed.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// ProcessID is the transfer process the error relates to, if any.
	ProcessID string `json:"process_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.ProcessID != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (process=%s, operation=%s)", msg, e.ProcessID, e.Operation)
	case e.ProcessID != "":
		msg = fmt.Sprintf("%s (process=%s)", msg, e.ProcessID)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code agree.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithProcess adds transfer process context to an error.
func (e *EngineError) WithProcess(processID string) *EngineError {
	e.ProcessID = processID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeLeased            = "LEASED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRejected          = "REJECTED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeProvisionFailed   = "PROVISION_FAILED"
	ErrCodeDispatchFailed    = "DISPATCH_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Sentinel errors, matched with errors.Is against any EngineError of the same class and code.
var (
	// ErrNotFound is returned by stores when a transfer process does not exist.
	ErrNotFound = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound, Message: "transfer process not found"}

	// ErrAlreadyExists is returned by stores when creating a process whose id is taken.
	ErrAlreadyExists = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeAlreadyExists, Message: "transfer process already exists"}

	// ErrConflict is returned by stores when a save loses the optimistic-concurrency race.
	ErrConflict = &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: "transfer process was modified concurrently"}

	// ErrLeased is returned when another owner holds the lease on a process.
	ErrLeased = &EngineError{Class: ErrorClassConflict, Code: ErrCodeLeased, Message: "transfer process is leased by another owner"}

	// ErrInvalidTransition is returned for edges missing from the transition graph.
	ErrInvalidTransition = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidTransition, Message: "invalid state transition"}

	// ErrRejected is returned by dispatchers when the counterparty refuses a message.
	ErrRejected = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeRejected, Message: "message rejected by counterparty"}
)

// NewNotFoundError returns an ErrNotFound-compatible error for the given process.
func NewNotFoundError(processID string) *EngineError {
	return NewPermanentError("transfer process not found", nil).
		WithCode(ErrCodeNotFound).
		WithProcess(processID)
}

// NewConflictErrorFor returns an ErrConflict-compatible error for the given process.
func NewConflictErrorFor(processID string, expectedVersion int64) *EngineError {
	return NewConflictError("transfer process was modified concurrently", nil).
		WithCode(ErrCodeConflict).
		WithProcess(processID).
		WithDetail("expected_version", expectedVersion)
}

// NewRejectedError returns an ErrRejected-compatible error carrying the counterparty's reason.
func NewRejectedError(reason string) *EngineError {
	return NewPermanentError("message rejected by counterparty", errors.New(reason)).
		WithCode(ErrCodeRejected)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried. Unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
