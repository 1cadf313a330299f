package validators

import (
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/raffelframework/raffel"
)

// StructTag validates payloads by decoding them into a registered struct
// prototype and running go-playground/validator struct-tag rules. The
// handler schema is a struct value (or pointer to one) whose type defines
// both the decoded shape and the validation tags:
//
//	reg.Register("users.create", raffel.NewProcedure(fn).
//	    WithInput(CreateUserRequest{}))
//
// On success Validate returns a pointer to the decoded struct, so the
// handler receives the typed value instead of the raw payload map.
type StructTag struct {
	validate *validator.Validate
}

// NewStructTag creates a struct-tag validator.
func NewStructTag() *StructTag {
	return &StructTag{validate: validator.New()}
}

// Validate implements raffel.Validator.
func (v *StructTag) Validate(schema any, data any) (any, error) {
	typ := reflect.TypeOf(schema)
	if typ == nil {
		return nil, raffel.NewError(raffel.CodeInternal, "struct validator: nil schema")
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, raffel.Errorf(raffel.CodeInternal, "struct validator: schema must be a struct, got %s", typ.Kind())
	}

	target := reflect.New(typ).Interface()
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, raffel.Errorf(raffel.CodeBadRequest, "failed to encode payload: %v", err)
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, raffel.Errorf(raffel.CodeBadRequest, "failed to decode payload: %v", err)
		}
	}

	if err := v.validate.Struct(target); err != nil {
		// The default transformer converts validator.ValidationErrors to
		// field issues; surface them here so all backends report uniformly.
		return nil, toValidationError(err)
	}
	return target, nil
}

func toValidationError(err error) error {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	issues := make([]raffel.ValidationIssue, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		issues = append(issues, raffel.ValidationIssue{
			Field:   fe.Field(),
			Message: fe.Tag(),
			Code:    fe.Tag(),
		})
	}
	return &raffel.ValidationError{Issues: issues}
}
