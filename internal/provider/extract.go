package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/samestrin/promptforge/internal/perr"
)

// ExtractOutcome records whether robust extraction found a clean parse or
// had to recover from a duplicated body (spec.md §4.4, RunSummary's
// validation_outcome).
type ExtractOutcome string

const (
	OutcomeValid     ExtractOutcome = "valid"
	OutcomeRecovered ExtractOutcome = "recovered"
	OutcomeFailed    ExtractOutcome = "failed"
)

// ExtractResult is the product of robust JSON extraction.
type ExtractResult struct {
	Object  interface{}
	Raw     []byte
	Outcome ExtractOutcome
	Diff    string // populated only when a duplication check failed to match exactly
}

// Extract implements spec.md §4.4's required robust-extraction algorithm,
// generalized from pkg/llmapi/response.go's CleanResponse/ExtractJSON
// (fence-stripping) into the full two-step duplication-recovery contract:
//  1. Parse the full body; on success, return it.
//  2. On failure, scan for the first balanced JSON object (honoring string
//     literals and escapes), parse it, and compare the remaining suffix to
//     the parsed prefix's canonical serialization. Equal → duplication,
//     "recovered". Otherwise fail with OutputParseError.
func Extract(body string) (ExtractResult, error) {
	cleaned := stripCodeFences(body)

	var full interface{}
	if err := json.Unmarshal([]byte(cleaned), &full); err == nil {
		return ExtractResult{Object: full, Raw: []byte(cleaned), Outcome: OutcomeValid}, nil
	}

	end, err := firstBalancedObject(cleaned)
	if err != nil {
		return ExtractResult{}, &perr.OutputParseError{Position: 0, Excerpt: excerpt(cleaned)}
	}

	prefix := cleaned[:end]
	var prefixObj interface{}
	if err := json.Unmarshal([]byte(prefix), &prefixObj); err != nil {
		return ExtractResult{}, &perr.OutputParseError{Position: 0, Excerpt: excerpt(prefix)}
	}

	canonical, err := json.Marshal(prefixObj)
	if err != nil {
		return ExtractResult{}, &perr.OutputParseError{Position: end, Excerpt: excerpt(prefix)}
	}

	suffix := strings.TrimSpace(cleaned[end:])
	var suffixObj interface{}
	suffixMatches := false
	if json.Unmarshal([]byte(suffix), &suffixObj) == nil {
		suffixCanonical, _ := json.Marshal(suffixObj)
		suffixMatches = string(suffixCanonical) == string(canonical)
	}

	if !suffixMatches {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(string(canonical), suffix, false)
		diffText := dmp.DiffPrettyText(diffs)
		return ExtractResult{Outcome: OutcomeFailed, Diff: diffText}, &perr.OutputParseError{
			Position: end,
			Excerpt:  fmt.Sprintf("suffix does not match duplicated prefix: %s", diffText),
		}
	}

	return ExtractResult{Object: prefixObj, Raw: canonical, Outcome: OutcomeRecovered}, nil
}

var fenceMarker = "```"

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, fenceMarker) {
		return s
	}
	s = strings.TrimPrefix(s, fenceMarker)
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimPrefix(s, "\n")
	if idx := strings.LastIndex(s, fenceMarker); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// firstBalancedObject returns the exclusive end index of the first
// brace-balanced JSON object in s, honoring string literals and escapes.
func firstBalancedObject(s string) (int, error) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return 0, fmt.Errorf("no JSON object found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i + 1, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced JSON object")
}

func excerpt(s string) string {
	const maxLen = 200
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
