package schema

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/tidwall/gjson"

	"github.com/samestrin/promptforge/internal/perr"
)

// Validate checks value against doc.Root — the *original*, not the
// normalized, schema — using a draft-07 compatible validator (spec.md §4.4
// "Validation"). Failure yields OutputSchemaError; the object is still
// returned to the caller for diagnostics.
func Validate(doc *Document, value interface{}) error {
	raw, err := json.Marshal(doc.Root)
	if err != nil {
		return &perr.OutputSchemaError{Pointer: "/", Reason: "schema re-marshal failed: " + err.Error()}
	}

	var sch jsonschema.Schema
	if err := json.Unmarshal(raw, &sch); err != nil {
		return &perr.OutputSchemaError{Pointer: "/", Reason: "schema decode failed: " + err.Error()}
	}

	resolved, err := sch.Resolve(nil)
	if err != nil {
		return &perr.OutputSchemaError{Pointer: "/", Reason: "schema resolve failed: " + err.Error()}
	}

	if verr := resolved.Validate(value); verr != nil {
		return &perr.OutputSchemaError{Pointer: pointerForFailure(value, verr.Error()), Reason: verr.Error()}
	}
	return nil
}

// fieldNamePattern picks the first quoted identifier out of a validator
// error message, used as a best-effort field name to resolve into a JSON
// pointer for diagnostics (spec.md §7 "JSON pointer via gjson").
var fieldNamePattern = regexp.MustCompile(`"([A-Za-z_][A-Za-z0-9_]*)"`)

// pointerForFailure re-marshals value and uses gjson to confirm whether the
// field named in the validator's error message is present, reporting its
// path when so and "/" otherwise.
func pointerForFailure(value interface{}, reason string) string {
	m := fieldNamePattern.FindStringSubmatch(reason)
	if m == nil {
		return "/"
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "/"
	}
	field := m[1]
	if gjson.GetBytes(raw, field).Exists() {
		return "/" + field
	}
	return "/"
}

// ValidateBytes parses raw JSON and validates it in one step, used by
// internal/provider after the robust-extraction pass.
func ValidateBytes(doc *Document, raw []byte) (interface{}, error) {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return value, Validate(doc, value)
}
