package render

import (
	"regexp"
	"strings"
)

// identifierPattern matches bare identifier tokens in an expr-lang
// expression; member-access suffixes (".field") are resolved dynamically at
// runtime against whatever the root identifier evaluates to, so only root
// identifiers need to be checked against the symbol table up front.
var identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// reservedWords are expr-lang keywords/literals that are never variable or
// global-function references and must not trip TemplateUndefined.
var reservedWords = map[string]bool{
	"true": true, "false": true, "nil": true,
	"and": true, "or": true, "not": true, "in": true,
	"matches": true, "contains": true, "startsWith": true, "endsWith": true,
	"let": true, "if": true, "else": true, "for": true,
}

// rootIdentifiers extracts every top-level identifier referenced in an
// expr-lang expression string, skipping string literals and any identifier
// immediately preceded by '.' (a member name, not a symbol table lookup).
func rootIdentifiers(src string) []string {
	// Blank out quoted string contents so identifiers inside literals are
	// never mistaken for symbol references.
	masked := maskStrings(src)

	var out []string
	for _, loc := range identifierPattern.FindAllStringIndex(masked, -1) {
		start, end := loc[0], loc[1]
		name := masked[start:end]
		if start > 0 && masked[start-1] == '.' {
			continue
		}
		if reservedWords[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

func maskStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote && (i == 0 || s[i-1] != '\\') {
				quote = 0
			}
			b.WriteByte(' ')
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// SymbolTable is the closed set of names a render pass may reference:
// attachment aliases, caller-supplied variables, and global functions
// (spec.md §4.3 "a closed symbol table built from the AttachmentRegistry +
// variables + globals; any miss raises TemplateUndefined").
type SymbolTable map[string]bool

// NewSymbolTable builds a closed symbol table from the given names.
func NewSymbolTable(names ...[]string) SymbolTable {
	st := make(SymbolTable)
	for _, group := range names {
		for _, n := range group {
			st[n] = true
		}
	}
	return st
}

// Has reports whether name is a known root identifier.
func (st SymbolTable) Has(name string) bool { return st[name] }
