package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// FieldError describes the first failing parameter of a request. It is the
// error type a Validator returns so the dispatcher can build an
// invalid_params response naming the offending field.
type FieldError struct {
	Field  string
	Detail string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Detail)
}

// Validator checks a request's params against the declared shape for its
// method. A nil return means the params are acceptable; a non-nil return is
// a *FieldError describing the first failure.
type Validator interface {
	Validate(method string, params json.RawMessage) error
}

// StructValidator derives method parameter schemas from Go struct prototypes
// via reflection and validates incoming params at the top level: required
// properties must be present and primitive properties must carry the right
// JSON type. Deeper structural validation is the handler's own concern once
// it unmarshals into its typed params.
type StructValidator struct {
	mu      sync.RWMutex
	methods map[string]*jsonschema.Schema
}

var _ Validator = (*StructValidator)(nil)

// NewStructValidator constructs an empty validator. Methods without a bound
// prototype validate permissively.
func NewStructValidator() *StructValidator {
	return &StructValidator{methods: make(map[string]*jsonschema.Schema)}
}

// Bind derives and stores the schema for a method from a struct prototype.
func (v *StructValidator) Bind(method string, prototype any) error {
	if prototype == nil {
		return fmt.Errorf("prototype required for method %q", method)
	}
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(prototype)
	if schema.Type != "object" {
		return fmt.Errorf("method %q: prototype must reflect to an object schema, got %q", method, schema.Type)
	}

	v.mu.Lock()
	v.methods[method] = schema
	v.mu.Unlock()
	return nil
}

// Schema returns the derived schema for a method, if one is bound.
func (v *StructValidator) Schema(method string) (*jsonschema.Schema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.methods[method]
	return s, ok
}

func (v *StructValidator) Validate(method string, params json.RawMessage) error {
	v.mu.RLock()
	schema, ok := v.methods[method]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	var obj map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return &FieldError{Detail: "params must be a JSON object"}
		}
	}

	for _, name := range schema.Required {
		if _, present := obj[name]; !present {
			return &FieldError{Field: name, Detail: "required parameter missing"}
		}
	}

	if schema.Properties == nil {
		return nil
	}
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		val, present := obj[pair.Key]
		if !present || val == nil {
			continue
		}
		if detail := checkJSONType(pair.Value.Type, val); detail != "" {
			return &FieldError{Field: pair.Key, Detail: detail}
		}
	}
	return nil
}

// checkJSONType verifies that a decoded JSON value matches a schema type
// token. Empty schema types (unions, refs) are not enforced here.
func checkJSONType(schemaType string, val any) string {
	switch schemaType {
	case "string":
		if _, ok := val.(string); !ok {
			return "expected a string"
		}
	case "number":
		if _, ok := val.(float64); !ok {
			return "expected a number"
		}
	case "integer":
		f, ok := val.(float64)
		if !ok {
			return "expected an integer"
		}
		if f != float64(int64(f)) {
			return "expected an integer"
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return "expected a boolean"
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return "expected an array"
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return "expected an object"
		}
	}
	return ""
}
