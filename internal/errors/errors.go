// Package errors provides structured error types for the Tally pipeline.
// All errors include a category, code, message, and retryable flag so that
// transports and the log poller can decide how to surface or retry them.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// ErrorCategory classifies errors by the pipeline taxonomy.
type ErrorCategory string

const (
	ErrCategoryClientInput    ErrorCategory = "CLIENT_INPUT"
	ErrCategoryInfrastructure ErrorCategory = "INFRASTRUCTURE"
	ErrCategoryDecode         ErrorCategory = "DECODE"
	ErrCategoryQuery          ErrorCategory = "QUERY"
	ErrCategoryInternal       ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Client input codes
	CodeMalformedBody = "MALFORMED_BODY"
	CodeInvalidParam  = "INVALID_PARAMETER"
	CodeBodyTooLarge  = "BODY_TOO_LARGE"

	// Infrastructure codes
	CodeAppendFailed     = "APPEND_FAILED"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeReadFailed       = "READ_FAILED"
	CodeWriteFailed      = "WRITE_FAILED"
	CodeCheckpointFailed = "CHECKPOINT_FAILED"
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeTimeout          = "TIMEOUT"

	// Decode codes
	CodeInvalidRecord = "INVALID_RECORD"
	CodeInvalidValue  = "INVALID_VALUE"
	CodeMissingKey    = "MISSING_KEY"

	// Query codes
	CodeExecutionFailed = "EXECUTION_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TallyError is the structured error type used throughout the pipeline.
type TallyError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TallyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TallyError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TallyError) Is(target error) bool {
	var t *TallyError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TallyError.
func New(category ErrorCategory, code, message string) *TallyError {
	return &TallyError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category),
	}
}

// Wrap creates a new TallyError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TallyError {
	return &TallyError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *TallyError) WithDetails(details map[string]interface{}) *TallyError {
	cp := *e
	cp.Details = details
	return &cp
}

// PublicMessage is the message shown to API callers: the message plus the
// cause text, without the category prefix.
func (e *TallyError) PublicMessage() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var te *TallyError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TallyError.
func GetCategory(err error) ErrorCategory {
	var te *TallyError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TallyError.
func GetCode(err error) string {
	var te *TallyError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Message returns the caller-facing message for err.
func Message(err error) string {
	var te *TallyError
	if errors.As(err, &te) {
		return te.PublicMessage()
	}
	return err.Error()
}

// StatusCode maps an error to the HTTP status returned to API callers.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch GetCategory(err) {
	case ErrCategoryClientInput:
		if GetCode(err) == CodeBodyTooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case ErrCategoryInfrastructure:
		if GetCode(err) == CodeCapacityExceeded {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error to the gRPC status code returned to API callers.
func GRPCCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	switch GetCategory(err) {
	case ErrCategoryClientInput:
		return codes.InvalidArgument
	case ErrCategoryInfrastructure:
		if GetCode(err) == CodeTimeout {
			return codes.DeadlineExceeded
		}
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Infrastructure and decode failures are redelivered or retried by the caller.
func isRetryable(category ErrorCategory) bool {
	switch category {
	case ErrCategoryInfrastructure, ErrCategoryDecode:
		return true
	default:
		return false
	}
}

// Convenience constructors for the pipeline taxonomy.

func NewClientInputError(code, message string, cause error) *TallyError {
	return Wrap(ErrCategoryClientInput, code, message, cause)
}

func NewInfrastructureError(code, message string, cause error) *TallyError {
	return Wrap(ErrCategoryInfrastructure, code, message, cause)
}

func NewDecodeError(code, message string, cause error) *TallyError {
	return Wrap(ErrCategoryDecode, code, message, cause)
}

func NewQueryError(message string, cause error) *TallyError {
	return Wrap(ErrCategoryQuery, CodeExecutionFailed, message, cause)
}

func NewInternalError(message string, cause error) *TallyError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
