package dispatch

import (
	"encoding/json"
	"testing"
)

type createArgs struct {
	Name  string   `json:"name"`
	Count int      `json:"count,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

func TestStructValidatorRequired(t *testing.T) {
	v := NewStructValidator()
	if err := v.Bind("create", createArgs{}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	err := v.Validate("create", json.RawMessage(`{}`))
	fe, ok := err.(*FieldError)
	if !ok {
		t.Fatalf("err = %v, want *FieldError", err)
	}
	if fe.Field != "name" {
		t.Fatalf("field = %q", fe.Field)
	}

	if err := v.Validate("create", json.RawMessage(`{"name":"a"}`)); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
}

func TestStructValidatorTypes(t *testing.T) {
	v := NewStructValidator()
	if err := v.Bind("create", createArgs{}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	cases := []struct {
		name    string
		payload string
		field   string
	}{
		{"string as number", `{"name":42}`, "name"},
		{"int as string", `{"name":"a","count":"many"}`, "count"},
		{"fractional int", `{"name":"a","count":1.5}`, "count"},
		{"array as object", `{"name":"a","tags":{"x":1}}`, "tags"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate("create", json.RawMessage(tc.payload))
			fe, ok := err.(*FieldError)
			if !ok {
				t.Fatalf("err = %v, want *FieldError", err)
			}
			if fe.Field != tc.field {
				t.Fatalf("field = %q, want %q", fe.Field, tc.field)
			}
		})
	}
}

func TestStructValidatorUnboundMethodIsPermissive(t *testing.T) {
	v := NewStructValidator()
	if err := v.Validate("anything", json.RawMessage(`{"whatever":true}`)); err != nil {
		t.Fatalf("unbound method must validate permissively: %v", err)
	}
}

func TestStructValidatorRejectsNonObjectPrototype(t *testing.T) {
	v := NewStructValidator()
	if err := v.Bind("bad", 42); err == nil {
		t.Fatalf("non-object prototype must be rejected")
	}
}
