package pipeline

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassValidation indicates structurally invalid input.
	// Examples: degenerate geometry, out-of-range coordinates. Never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: network timeouts, 5xx responses, rate limits.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable failure.
	// Examples: 4xx responses, scene withdrawn by the provider. Never retried.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassContract indicates an external collaborator returned a
	// response violating its declared schema. Never coerced, never retried.
	ErrorClassContract ErrorClass = "contract"
)

// Error is the classified pipeline error. Every failure crossing a component
// boundary is wrapped in one of these; no provider-specific error type is
// visible above the adapter layer.
type Error struct {
	// Class is the taxonomy category for retry logic.
	Class ErrorClass `json:"class"`

	// Stage is the pipeline stage where the error occurred
	// (e.g. "parse", "search", "poll", "download").
	Stage string `json:"stage,omitempty"`

	// Code is a machine-readable error code.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Feature identifies the feature being processed, if applicable.
	Feature string `json:"feature,omitempty"`

	// Retryable reports whether the operation may be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Stage != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Class, e.Stage, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error equality for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a validation error. Never retryable.
func NewValidationError(message string, cause error) *Error {
	return &Error{Class: ErrorClassValidation, Message: message, Cause: cause}
}

// NewTransientError creates a transient, retryable error.
func NewTransientError(message string, cause error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Retryable: true, Cause: cause}
}

// NewPermanentError creates a permanent error. Never retryable.
func NewPermanentError(message string, cause error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Cause: cause}
}

// NewContractError creates a contract error for schema drift between
// components. Never retryable.
func NewContractError(message string, cause error) *Error {
	return &Error{Class: ErrorClassContract, Message: message, Cause: cause}
}

// WithStage adds stage context to the error.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithCode adds a machine-readable code to the error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithFeature adds feature context to the error.
func (e *Error) WithFeature(feature string) *Error {
	e.Feature = feature
	return e
}

// AsPipelineError returns the *Error in err's chain, or wraps err as a
// permanent error so that nothing unclassified crosses a phase boundary.
func AsPipelineError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewPermanentError("unclassified failure", err).WithCode(CodeInternal)
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return classOf(err) == ErrorClassValidation
}

// IsTransient reports whether err is a transient error.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsPermanent reports whether err is a permanent error.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsContract reports whether err is a contract error.
func IsContract(err error) bool {
	return classOf(err) == ErrorClassContract
}

func classOf(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ""
}

// Common error codes.
const (
	CodeParseFailed      = "PARSE_FAILED"
	CodeInvalidGeometry  = "INVALID_GEOMETRY"
	CodeProviderFailed   = "PROVIDER_FAILED"
	CodeOrderFailed      = "ORDER_FAILED"
	CodePollExpired      = "POLL_EXPIRED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"
	CodePostProcess      = "POST_PROCESS_FAILED"
	CodeMetadataWrite    = "METADATA_WRITE_FAILED"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL_ERROR"
)
