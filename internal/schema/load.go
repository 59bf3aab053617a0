// Package schema implements schema loading, normalization for provider
// structured-output constraints, and post-call validation against the
// user's original document (spec.md §4.4).
//
// No teacher file handles JSON Schema directly; github.com/google/jsonschema-go
// is promoted from an indirect dependency (pulled in transitively through
// modelcontextprotocol/go-sdk) to a direct one for the validation half of
// this package, per SPEC_FULL.md §4.4.
package schema

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/samestrin/promptforge/internal/perr"
)

// Document is the parsed, pre-normalization schema: the user's JSON
// document with any top-level "schema" wrapping key already removed
// (spec.md §4.4 "Schema loading").
type Document struct {
	Path string
	Root map[string]interface{}
}

// Load reads and parses the schema file at path, unwrapping a top-level
// "schema" key if present, and rejects any document whose root is not an
// object type.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &perr.SchemaIncompatible{Path: path, Reason: err.Error()}
	}
	return Parse(path, data)
}

// Parse parses raw JSON bytes into a Document, applying the same
// unwrap/root-type rules as Load.
func Parse(path string, data []byte) (*Document, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &perr.SchemaIncompatible{Path: path, Reason: "invalid JSON: " + err.Error()}
	}

	root := doc
	if wrapped, ok := doc["schema"]; ok {
		inner, ok := wrapped.(map[string]interface{})
		if !ok {
			return nil, &perr.SchemaIncompatible{Path: path, Reason: `"schema" key does not wrap an object`}
		}
		root = inner
	}

	if t, ok := root["type"]; ok {
		if s, ok := t.(string); !ok || s != "object" {
			return nil, &perr.SchemaIncompatible{Path: path, Reason: fmt.Sprintf("root type must be \"object\", got %v", t)}
		}
	} else if _, hasProps := root["properties"]; !hasProps {
		return nil, &perr.SchemaIncompatible{Path: path, Reason: "root is not an object schema"}
	}

	return &Document{Path: path, Root: root}, nil
}
