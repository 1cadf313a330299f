// Package validators provides backends for the raffel validation port:
// a JSON Schema validator for dynamic map payloads and a struct-tag
// validator for typed payloads. Either can be installed per router with
// raffel.WithValidator or process-wide with raffel.SetDefaultValidator.
package validators

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/raffelframework/raffel"
)

// defaultCompiledSchemas bounds the compiled-schema cache.
const defaultCompiledSchemas = 256

// JSONSchema validates payloads against JSON Schema documents. Handler
// schemas may be pre-compiled *jsonschema.Schema values, raw JSON
// (string, []byte, json.RawMessage), or plain map documents; compiled
// forms are cached by document fingerprint.
type JSONSchema struct {
	compiled *lru.Cache[string, *jsonschema.Schema]
	printer  *message.Printer
}

// NewJSONSchema creates a JSON Schema validator.
func NewJSONSchema() *JSONSchema {
	cache, _ := lru.New[string, *jsonschema.Schema](defaultCompiledSchemas)
	return &JSONSchema{
		compiled: cache,
		printer:  message.NewPrinter(language.English),
	}
}

// Validate implements raffel.Validator. The returned value is the payload
// normalized to plain JSON values (maps, slices, float64, string, bool).
func (v *JSONSchema) Validate(schema any, data any) (any, error) {
	sch, err := v.compile(schema)
	if err != nil {
		return nil, err
	}

	normalized, err := normalize(data)
	if err != nil {
		return nil, raffel.Errorf(raffel.CodeBadRequest, "payload is not JSON-representable: %v", err)
	}

	if err := sch.Validate(normalized); err != nil {
		var valErr *jsonschema.ValidationError
		if errors.As(err, &valErr) {
			return nil, &raffel.ValidationError{Issues: v.flatten(valErr)}
		}
		return nil, err
	}
	return normalized, nil
}

// compile resolves a handler schema to a compiled *jsonschema.Schema.
func (v *JSONSchema) compile(schema any) (*jsonschema.Schema, error) {
	if sch, ok := schema.(*jsonschema.Schema); ok {
		return sch, nil
	}

	var raw []byte
	switch s := schema.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	case json.RawMessage:
		raw = s
	default:
		var err error
		raw, err = json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("encode schema: %w", err)
		}
	}

	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if sch, ok := v.compiled.Get(key); ok {
		return sch, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.compiled.Add(key, sch)
	return sch, nil
}

// flatten collects the leaf causes of a validation error as field issues.
func (v *JSONSchema) flatten(err *jsonschema.ValidationError) []raffel.ValidationIssue {
	var issues []raffel.ValidationIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, raffel.ValidationIssue{
				Field:   "/" + strings.Join(e.InstanceLocation, "/"),
				Message: e.ErrorKind.LocalizedString(v.printer),
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(err)
	return issues
}

// normalize round-trips a value through JSON so the schema engine sees
// plain JSON values regardless of the payload's Go type.
func normalize(data any) (any, error) {
	switch data.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
