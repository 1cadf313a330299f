package raffel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestDefaultErrorTransformer_Idempotent(t *testing.T) {
	inputs := []error{
		NewError(CodeNotFound, "missing"),
		errors.New("plain failure"),
		context.DeadlineExceeded,
		&ValidationError{Issues: []ValidationIssue{{Field: "a", Message: "required"}}},
	}
	for _, in := range inputs {
		once := DefaultErrorTransformer(in)
		twice := DefaultErrorTransformer(once)
		if once.Code != twice.Code || once.Message != twice.Message {
			t.Errorf("transform not idempotent for %T: %v then %v", in, once, twice)
		}
	}

	// An already-transformed *Error passes through as the same value.
	orig := NewError(CodeAborted, "conflict").WithDetail("key", "v")
	if got := DefaultErrorTransformer(orig); got != orig {
		t.Error("expected *Error to pass through unchanged")
	}
}

func TestDefaultErrorTransformer_Mappings(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code Code
	}{
		{"wire error", NewError(CodePermissionDenied, "no"), CodePermissionDenied},
		{"wrapped wire error", fmt.Errorf("call failed: %w", NewError(CodeNotFound, "gone")), CodeNotFound},
		{"deadline", context.DeadlineExceeded, CodeDeadlineExceeded},
		{"cancelled", context.Canceled, CodeCancelled},
		{"stream closed", ErrStreamClosed, CodeCancelled},
		{"validation", &ValidationError{Issues: []ValidationIssue{{Field: "x", Message: "bad"}}}, CodeValidation},
		{"unknown", errors.New("disk on fire"), CodeInternal},
		{"joined", errors.Join(NewError(CodeUnavailable, "down"), errors.New("also this")), CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultErrorTransformer(tt.err); got.Code != tt.code {
				t.Errorf("code = %s, want %s", got.Code, tt.code)
			}
		})
	}
}

func TestDefaultErrorTransformer_ValidationDetails(t *testing.T) {
	err := &ValidationError{Issues: []ValidationIssue{
		{Field: "a", Message: "required", Code: "required"},
		{Field: "b", Message: "must be at least 1", Code: "min"},
	}}
	wire := DefaultErrorTransformer(err)
	issues, ok := wire.Details["errors"].([]ValidationIssue)
	if !ok {
		t.Fatalf("details[errors] = %T, want issue list", wire.Details["errors"])
	}
	if len(issues) != 2 || issues[0].Field != "a" || issues[1].Field != "b" {
		t.Errorf("issues = %+v", issues)
	}
}

func TestCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeAlreadyExists, http.StatusConflict},
		{CodeResourceExhausted, http.StatusTooManyRequests},
		{CodeCancelled, 499},
		{CodeDeadlineExceeded, http.StatusGatewayTimeout},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeUnimplemented, http.StatusNotImplemented},
		{CodeInternal, http.StatusInternalServerError},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.code, got, tt.status)
		}
	}
}

func TestCode_JSONRPCCode(t *testing.T) {
	tests := []struct {
		code Code
		rpc  int
	}{
		{CodeParseError, -32700},
		{CodeInvalidEnvelope, -32600},
		{CodeNotFound, -32601},
		{CodeValidation, -32602},
		{CodeInternal, -32603},
		{CodeUnauthenticated, -32001},
		{CodePermissionDenied, -32002},
	}
	for _, tt := range tests {
		if got := tt.code.JSONRPCCode(); got != tt.rpc {
			t.Errorf("%s: json-rpc code = %d, want %d", tt.code, got, tt.rpc)
		}
	}
}

func TestError_WithDetailImmutability(t *testing.T) {
	base := NewError(CodeResourceExhausted, "slow down").WithDetail("limit", 10)
	extended := base.WithDetail("retryAfter", 5)

	if _, leaked := base.Details["retryAfter"]; leaked {
		t.Error("WithDetail mutated the receiver")
	}
	if extended.Details["limit"] != 10 || extended.Details["retryAfter"] != 5 {
		t.Errorf("details = %v", extended.Details)
	}
}

func TestCode_Retryable(t *testing.T) {
	if !CodeUnavailable.Retryable() || !CodeDeadlineExceeded.Retryable() {
		t.Error("transient codes must be retryable")
	}
	if CodeValidation.Retryable() || CodeNotFound.Retryable() || CodeCancelled.Retryable() {
		t.Error("terminal codes must not be retryable")
	}
}
