package raffel

import (
	"fmt"
	"sync/atomic"
)

// ValidationIssue is one field-level validation failure.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ValidationError aggregates the issues found while validating a payload
// against a schema. The router maps it to VALIDATION_ERROR with the issue
// list in details.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	first := e.Issues[0]
	if len(e.Issues) == 1 {
		return fmt.Sprintf("validation failed: %s: %s", first.Field, first.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s (and %d more)", first.Field, first.Message, len(e.Issues)-1)
}

func (e *ValidationError) wire() *Error {
	return NewError(CodeValidation, e.Error()).WithDetail("errors", e.Issues)
}

// Validator is the pluggable validation port. Schemas registered with
// handlers are opaque to the core; only the active validator interprets
// them. Validate returns the (possibly coerced) value on success, or an
// error (a *ValidationError for field-level failures).
type Validator interface {
	Validate(schema any, data any) (any, error)
}

// SchemaExporter is optionally implemented by validators that can render
// their schemas as JSON Schema for documentation tooling.
type SchemaExporter interface {
	ToJSONSchema(schema any) (any, error)
}

// defaultValidator is the process-wide fallback used when a Router is not
// constructed with WithValidator. Constructor injection is preferred;
// this exists for ergonomics.
var defaultValidator atomic.Pointer[Validator]

// SetDefaultValidator installs the process-wide fallback validator.
// Passing nil clears it.
func SetDefaultValidator(v Validator) {
	if v == nil {
		defaultValidator.Store(nil)
		return
	}
	defaultValidator.Store(&v)
}

// DefaultValidator returns the process-wide fallback validator, or nil.
func DefaultValidator() Validator {
	if p := defaultValidator.Load(); p != nil {
		return *p
	}
	return nil
}

// validationInterceptor validates the inbound payload against the entry's
// input schema (substituting the validated value) and the outbound result
// against the output schema. It sits innermost in the chain, directly
// around the terminal dispatch.
func validationInterceptor(v Validator, entry *Entry) Interceptor {
	return func(ctx *Context, env *Envelope, next Next) (any, error) {
		if entry.InputSchema != nil {
			value, err := v.Validate(entry.InputSchema, env.Payload)
			if err != nil {
				return nil, err
			}
			env = env.WithPayload(value)
		}
		result, err := next(ctx, env)
		if err != nil {
			return nil, err
		}
		if entry.OutputSchema != nil && entry.Kind == HandlerProcedure {
			validated, err := v.Validate(entry.OutputSchema, result)
			if err != nil {
				return nil, err
			}
			result = validated
		}
		return result, nil
	}
}
