package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Global is one entry of the global-function catalog (spec.md §4.3),
// callable directly inside a "{{ }}" expression (e.g. "{{ now() }}").
type Global func(args []interface{}) (interface{}, error)

// tokensPerWordFallback is the best-effort multiplier applied when the
// requested model has no known tokenizer (spec.md §9 Open Question 2):
// estimate_tokens falls back to word count * this constant and callers are
// expected to treat the result as approximate.
const tokensPerWordFallback = 1.3

// knownModelCharsPerToken approximates a handful of recognized model
// families by an average characters-per-token ratio, closer to how actual
// tokenizers behave for English prose than the flat word-count fallback.
var knownModelCharsPerToken = map[string]float64{
	"gpt-4":         4.0,
	"gpt-4o":        4.0,
	"gpt-3.5-turbo": 4.0,
	"claude":        3.8,
}

// TokenEstimate is the result of estimate_tokens, exposing whether the
// model-specific path or the best-effort fallback produced the count.
type TokenEstimate struct {
	Tokens     int  `json:"tokens"`
	BestEffort bool `json:"best_effort"`
}

// Globals builds the global-function env map for one render pass. debugOut
// receives debug() output; it may be io.Discard.
func Globals(debugOut io.Writer) map[string]Global {
	if debugOut == nil {
		debugOut = io.Discard
	}

	return map[string]Global{
		"estimate_tokens": func(args []interface{}) (interface{}, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("estimate_tokens requires a text argument")
			}
			text, ok := asString(args[0])
			if !ok {
				return nil, fmt.Errorf("estimate_tokens: text argument is not a string")
			}
			model := ""
			if len(args) > 1 {
				model, _ = asString(args[1])
			}
			return estimateTokens(text, model), nil
		},
		"format_json": func(args []interface{}) (interface{}, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("format_json requires a value argument")
			}
			indent := 2
			if len(args) > 1 {
				n, err := toInt(args[1])
				if err != nil {
					return nil, fmt.Errorf("format_json: indent argument: %w", err)
				}
				indent = n
			}
			b, err := json.MarshalIndent(args[0], "", strings.Repeat(" ", indent))
			if err != nil {
				return nil, fmt.Errorf("format_json: %w", err)
			}
			return string(b), nil
		},
		"now": func(args []interface{}) (interface{}, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
		"debug": func(args []interface{}) (interface{}, error) {
			if len(args) > 0 {
				fmt.Fprintf(debugOut, "%v\n", args[0])
			}
			return "", nil
		},
		"type_of": func(args []interface{}) (interface{}, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("type_of requires a value argument")
			}
			return typeOf(args[0]), nil
		},
		"dir_of": func(args []interface{}) (interface{}, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("dir_of requires a value argument")
			}
			m, ok := asMap(args[0])
			if !ok {
				return []string{}, nil
			}
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			return keys, nil
		},
		"len_of": func(args []interface{}) (interface{}, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("len_of requires a value argument")
			}
			switch v := args[0].(type) {
			case []interface{}:
				return len(v), nil
			case map[string]interface{}:
				return len(v), nil
			case string:
				return len([]rune(v)), nil
			default:
				return nil, fmt.Errorf("TypeError: len_of expects a sequence or mapping")
			}
		},
		"validate_json": func(args []interface{}) (interface{}, error) {
			if len(args) < 2 {
				return nil, fmt.Errorf("validate_json requires value and schema arguments")
			}
			return validateJSON(args[0], args[1]), nil
		},
		"format_error": func(args []interface{}) (interface{}, error) {
			if len(args) < 1 {
				return "", nil
			}
			if err, ok := args[0].(error); ok {
				return err.Error(), nil
			}
			return fmt.Sprint(args[0]), nil
		},
	}
}

// EstimateTokens is the same estimator the estimate_tokens global calls,
// exposed for internal/plan's dry-run token estimate over the whole
// rendered prompt (spec.md §4.5 "record token estimate").
func EstimateTokens(text, model string) TokenEstimate {
	return estimateTokens(text, model)
}

func estimateTokens(text, model string) TokenEstimate {
	model = strings.ToLower(model)
	for known, charsPerToken := range knownModelCharsPerToken {
		if model != "" && strings.Contains(model, known) {
			return TokenEstimate{Tokens: int(float64(len(text))/charsPerToken + 0.5), BestEffort: false}
		}
	}
	words := len(strings.Fields(text))
	return TokenEstimate{Tokens: int(float64(words)*tokensPerWordFallback + 0.5), BestEffort: true}
}

func typeOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case int, int64, float64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// validateJSON implements the validate_json(value, schema) global: schema is
// a decoded JSON-Schema document (map[string]interface{}) evaluated with
// google/jsonschema-go, the same draft-07 library internal/schema uses for
// output validation (spec.md §4.4).
func validateJSON(value interface{}, schemaVal interface{}) bool {
	schemaBytes, err := json.Marshal(schemaVal)
	if err != nil {
		return false
	}
	var sch jsonschema.Schema
	if err := json.Unmarshal(schemaBytes, &sch); err != nil {
		return false
	}
	resolved, err := sch.Resolve(nil)
	if err != nil {
		return false
	}
	return resolved.Validate(value) == nil
}
