package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestTallyError_Error(t *testing.T) {
	err := New(ErrCategoryClientInput, CodeMalformedBody, "bad body")
	expected := "[CLIENT_INPUT:MALFORMED_BODY] bad body"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestTallyError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryInfrastructure, CodeAppendFailed, "append failed", cause)
	expected := "[INFRASTRUCTURE:APPEND_FAILED] append failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
	if err.PublicMessage() != "append failed: connection refused" {
		t.Errorf("unexpected public message %q", err.PublicMessage())
	}
}

func TestTallyError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryInfrastructure, CodeWriteFailed, "put", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestTallyError_Is(t *testing.T) {
	err1 := New(ErrCategoryDecode, CodeInvalidValue, "first")
	err2 := New(ErrCategoryDecode, CodeInvalidValue, "second")
	err3 := New(ErrCategoryDecode, CodeMissingKey, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
	wrapped := fmt.Errorf("batch: %w", err1)
	if !errors.Is(wrapped, err2) {
		t.Error("Is should see through fmt wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryClientInput, CodeMalformedBody, false},
		{ErrCategoryClientInput, CodeInvalidParam, false},
		{ErrCategoryInfrastructure, CodeAppendFailed, true},
		{ErrCategoryInfrastructure, CodeCapacityExceeded, true},
		{ErrCategoryInfrastructure, CodeWriteFailed, true},
		{ErrCategoryDecode, CodeInvalidRecord, true},
		{ErrCategoryDecode, CodeMissingKey, true},
		{ErrCategoryQuery, CodeExecutionFailed, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := NewQueryError("scan failed", fmt.Errorf("disk"))
	if GetCategory(err) != ErrCategoryQuery {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryQuery)
	}
	if GetCode(err) != CodeExecutionFailed {
		t.Errorf("got %q, want %q", GetCode(err), CodeExecutionFailed)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" || GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-TallyError should return empty category and code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryDecode, CodeInvalidRecord, "bad record")
	detailed := err.WithDetails(map[string]interface{}{"sequence": "00000000000000000007"})

	if detailed.Details["sequence"] != "00000000000000000007" {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestMessage(t *testing.T) {
	if got := Message(NewClientInputError(CodeMalformedBody, "invalid JSON body", fmt.Errorf("unexpected EOF"))); got != "invalid JSON body: unexpected EOF" {
		t.Errorf("got %q", got)
	}
	if got := Message(fmt.Errorf("plain")); got != "plain" {
		t.Errorf("got %q", got)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NewClientInputError(CodeMalformedBody, "x", nil), http.StatusBadRequest},
		{NewClientInputError(CodeBodyTooLarge, "x", nil), http.StatusRequestEntityTooLarge},
		{NewInfrastructureError(CodeAppendFailed, "x", nil), http.StatusInternalServerError},
		{NewInfrastructureError(CodeCapacityExceeded, "x", nil), http.StatusServiceUnavailable},
		{NewQueryError("x", nil), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestGRPCCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{NewClientInputError(CodeInvalidParam, "x", nil), codes.InvalidArgument},
		{NewInfrastructureError(CodeAppendFailed, "x", nil), codes.Unavailable},
		{NewInfrastructureError(CodeTimeout, "x", nil), codes.DeadlineExceeded},
		{NewQueryError("x", nil), codes.Internal},
		{NewInternalError("x", nil), codes.Internal},
	}
	for _, tt := range tests {
		if got := GRPCCode(tt.err); got != tt.want {
			t.Errorf("GRPCCode(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
