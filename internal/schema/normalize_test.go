package schema

import (
	"encoding/json"
	"testing"
)

func mustParse(t *testing.T, raw string) *Document {
	t.Helper()
	doc, err := Parse("test.json", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return doc
}

func TestParseUnwrapsSchemaKey(t *testing.T) {
	doc := mustParse(t, `{"schema":{"type":"object","properties":{"x":{"type":"string"}}}}`)
	if doc.Root["type"] != "object" {
		t.Fatalf("expected unwrapped root, got %+v", doc.Root)
	}
}

func TestParseRejectsNonObjectRoot(t *testing.T) {
	if _, err := Parse("test.json", []byte(`{"type":"string"}`)); err == nil {
		t.Fatal("expected SchemaIncompatible for non-object root")
	}
}

func TestNormalizeAddsAdditionalPropertiesFalseAndFullRequired(t *testing.T) {
	doc := mustParse(t, `{
		"type":"object",
		"properties":{
			"greeting":{"type":"string"},
			"words":{"type":"integer"}
		}
	}`)
	out, err := Normalize(doc, DefaultLimits)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out["additionalProperties"] != false {
		t.Fatalf("expected additionalProperties:false, got %v", out["additionalProperties"])
	}
	req, ok := out["required"].([]string)
	if !ok || len(req) != 2 {
		t.Fatalf("expected full required list, got %v", out["required"])
	}
}

func TestNormalizeRejectsOneOf(t *testing.T) {
	doc := mustParse(t, `{
		"type":"object",
		"properties":{"x":{"oneOf":[{"type":"string"},{"type":"integer"}]}}
	}`)
	if _, err := Normalize(doc, DefaultLimits); err == nil {
		t.Fatal("expected SchemaIncompatible for oneOf")
	}
}

func TestNormalizeRejectsRef(t *testing.T) {
	doc := mustParse(t, `{
		"type":"object",
		"properties":{"x":{"$ref":"#/definitions/y"}}
	}`)
	if _, err := Normalize(doc, DefaultLimits); err == nil {
		t.Fatal("expected SchemaIncompatible for $ref")
	}
}

func TestNormalizeEnforcesPropertyCountLimit(t *testing.T) {
	props := map[string]interface{}{}
	for i := 0; i < 5; i++ {
		props[string(rune('a'+i))] = map[string]interface{}{"type": "string"}
	}
	raw, _ := json.Marshal(map[string]interface{}{"type": "object", "properties": props})
	doc := mustParse(t, string(raw))
	if _, err := Normalize(doc, Limits{MaxDepth: 5, MaxProperties: 3}); err == nil {
		t.Fatal("expected SchemaIncompatible for property count over limit")
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	doc := mustParse(t, `{"type":"object","properties":{"x":{"type":"string"}}}`)
	if _, err := Normalize(doc, DefaultLimits); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if _, present := doc.Root["additionalProperties"]; present {
		t.Fatal("Normalize must not mutate the original document")
	}
}

func TestValidateAcceptsMatchingObject(t *testing.T) {
	doc := mustParse(t, `{
		"type":"object",
		"properties":{"greeting":{"type":"string"},"words":{"type":"integer"}},
		"required":["greeting","words"],
		"additionalProperties":false
	}`)
	err := Validate(doc, map[string]interface{}{"greeting": "hi", "words": 3.0})
	if err != nil {
		t.Fatalf("expected valid object, got %v", err)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	doc := mustParse(t, `{
		"type":"object",
		"properties":{"greeting":{"type":"string"},"words":{"type":"integer"}},
		"required":["greeting","words"],
		"additionalProperties":false
	}`)
	err := Validate(doc, map[string]interface{}{"greeting": "hi"})
	if err == nil {
		t.Fatal("expected OutputSchemaError for missing required field")
	}
}
