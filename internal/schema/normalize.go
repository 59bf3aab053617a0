package schema

import (
	"fmt"

	"github.com/samestrin/promptforge/internal/perr"
)

// Limits bounds the provider-ready schema shape (spec.md §3 Schema
// invariants v and vi: depth and property-count caps, "typically 5" and
// "typically 100").
type Limits struct {
	MaxDepth      int
	MaxProperties int
}

// DefaultLimits matches the provider limits spec.md calls "typical".
var DefaultLimits = Limits{MaxDepth: 5, MaxProperties: 100}

var rejectedKeywords = []string{"$ref", "oneOf", "anyOf", "allOf", "not", "if", "then", "else"}

// Normalize produces a provider-ready schema from doc.Root: every object
// node gets additionalProperties:false and a full required list, and any of
// the disallowed composition keywords anywhere in the tree fails the whole
// document with SchemaIncompatible (spec.md §4.4 "If any required transform
// is not safely expressible... fail"). The input document is never mutated;
// Normalize walks and rebuilds a fresh tree.
func Normalize(doc *Document, limits Limits) (map[string]interface{}, error) {
	if limits.MaxDepth <= 0 {
		limits = DefaultLimits
	}
	propCount := 0
	out, err := normalizeNode(doc.Root, doc.Path, 0, limits, &propCount)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		return nil, &perr.SchemaIncompatible{Path: doc.Path, Reason: "root did not normalize to an object"}
	}
	return m, nil
}

func normalizeNode(node interface{}, path string, depth int, limits Limits, propCount *int) (interface{}, error) {
	switch v := node.(type) {
	case map[string]interface{}:
		for _, kw := range rejectedKeywords {
			if _, present := v[kw]; present {
				return nil, &perr.SchemaIncompatible{Path: path, Reason: fmt.Sprintf("unsupported composition keyword %q", kw)}
			}
		}

		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			if k == "properties" || k == "items" {
				continue // handled below, after we know the full key set
			}
			nv, err := normalizeNode(val, path, depth, limits, propCount)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}

		if props, ok := v["properties"].(map[string]interface{}); ok {
			if depth+1 > limits.MaxDepth {
				return nil, &perr.SchemaIncompatible{Path: path, Reason: fmt.Sprintf("schema depth exceeds limit %d", limits.MaxDepth)}
			}
			normalizedProps := make(map[string]interface{}, len(props))
			required := make([]string, 0, len(props))
			for propName, propSchema := range props {
				*propCount++
				if *propCount > limits.MaxProperties {
					return nil, &perr.SchemaIncompatible{Path: path, Reason: fmt.Sprintf("schema property count exceeds limit %d", limits.MaxProperties)}
				}
				nv, err := normalizeNode(propSchema, path, depth+1, limits, propCount)
				if err != nil {
					return nil, err
				}
				normalizedProps[propName] = nv
				required = append(required, propName)
			}
			out["properties"] = normalizedProps
			out["required"] = sortedStrings(required)
			if objType, _ := v["type"].(string); objType == "object" || objType == "" {
				out["type"] = "object"
				out["additionalProperties"] = false
			}
		} else if objType, _ := v["type"].(string); objType == "object" {
			out["additionalProperties"] = false
			out["required"] = []string{}
		}

		if items, ok := v["items"]; ok {
			nv, err := normalizeNode(items, path, depth, limits, propCount)
			if err != nil {
				return nil, err
			}
			out["items"] = nv
		}

		return out, nil

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			nv, err := normalizeNode(item, path, depth, limits, propCount)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil

	default:
		return v, nil
	}
}

func sortedStrings(ss []string) []string {
	out := append([]string{}, ss...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
