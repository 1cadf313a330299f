package raffel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Code is a machine-readable error code from the closed taxonomy. Every
// failure that crosses a wire boundary is normalized to exactly one Code.
type Code string

const (
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeParseError         Code = "PARSE_ERROR"
	CodeInvalidEnvelope    Code = "INVALID_ENVELOPE"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeAborted            Code = "ABORTED"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeCancelled          Code = "CANCELLED"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeInternal           Code = "INTERNAL"
	CodeUnimplemented      Code = "UNIMPLEMENTED"
	CodeUnknown            Code = "UNKNOWN"
)

// Retryable reports whether a client may reasonably retry after this code.
func (c Code) Retryable() bool {
	switch c {
	case CodeAborted, CodeResourceExhausted, CodeDeadlineExceeded,
		CodeUnavailable, CodeInternal, CodeUnknown:
		return true
	}
	return false
}

// HTTPStatus maps a Code to its HTTP response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest, CodeValidation, CodeParseError, CodeInvalidEnvelope, CodeFailedPrecondition:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeAborted:
		return http.StatusConflict
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeCancelled:
		return 499 // Client Closed Request (Nginx standard)
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeUnimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode maps a Code to its JSON-RPC 2.0 error code.
func (c Code) JSONRPCCode() int {
	switch c {
	case CodeParseError:
		return -32700
	case CodeBadRequest, CodeInvalidEnvelope:
		return -32600
	case CodeNotFound, CodeUnimplemented:
		return -32601
	case CodeValidation:
		return -32602
	case CodeUnauthenticated:
		return -32001
	case CodePermissionDenied:
		return -32002
	case CodeAlreadyExists:
		return -32005
	case CodeResourceExhausted:
		return -32006
	case CodeDeadlineExceeded:
		return -32008
	case CodeCancelled:
		return -32009
	case CodeFailedPrecondition:
		return -32010
	case CodeAborted:
		return -32011
	default:
		return -32603
	}
}

// Error is the structured error that crosses wire boundaries. It carries a
// code from the closed taxonomy, a human-readable message, and optional
// structured details (field errors, rate-limit state, and so on).
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a new Error with the key-value pair added to details.
func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Code: e.Code, Message: e.Message, Details: details}
}

// WithDetails returns a new Error with the provided map merged into details.
func (e *Error) WithDetails(details map[string]any) *Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &Error{Code: e.Code, Message: e.Message, Details: merged}
}

// ErrorTransformer maps an application error to a wire Error. A nil return
// falls back to DefaultErrorTransformer.
type ErrorTransformer func(error) *Error

// DefaultErrorTransformer normalizes any error into a wire Error.
// It is idempotent: transforming an already-transformed *Error returns
// the same value.
func DefaultErrorTransformer(err error) *Error {
	if err == nil {
		return nil
	}

	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return valErr.wire()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeDeadlineExceeded, "deadline exceeded")
	}

	if errors.Is(err, context.Canceled) {
		return NewError(CodeCancelled, "request cancelled")
	}

	if errors.Is(err, ErrStreamClosed) {
		return NewError(CodeCancelled, "stream closed")
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		issues := make([]ValidationIssue, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			issues = append(issues, ValidationIssue{
				Field:   fe.Field(),
				Message: formatFieldError(fe),
				Code:    fe.Tag(),
			})
		}
		return (&ValidationError{Issues: issues}).wire()
	}

	// Multi-errors (errors.Join): map by the first member, keep all messages.
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		errs := u.Unwrap()
		if len(errs) > 0 {
			first := DefaultErrorTransformer(errs[0])
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.Error()
			}
			return &Error{Code: first.Code, Message: strings.Join(msgs, "; "), Details: first.Details}
		}
	}

	return NewError(CodeInternal, err.Error())
}

// formatFieldError converts a validator.FieldError to a short human message.
func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lt":
		return fmt.Sprintf("must be less than %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s validation", fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
