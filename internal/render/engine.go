package render

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/samestrin/promptforge/internal/attach"
	"github.com/samestrin/promptforge/internal/perr"
)

// Engine renders a parsed template body against a closed set of
// attachments, variables, and globals (spec.md §4.3).
//
// Grounded on internal/support/commands/template.go's runTemplate, replacing
// its flat map[string]string substitution with the pipeline/filter grammar
// and strict-undefined semantics spec.md §4.3 requires; expression
// evaluation is delegated to github.com/expr-lang/expr the same way
// internal/support/commands/math.go uses it for safe arithmetic.
type Engine struct {
	Registry  *attach.Registry
	Variables map[string]interface{}
	DebugOut  io.Writer
}

// NewEngine constructs an Engine over a populated AttachmentRegistry and the
// caller-supplied template variables.
func NewEngine(reg *attach.Registry, variables map[string]interface{}, debugOut io.Writer) *Engine {
	return &Engine{Registry: reg, Variables: variables, DebugOut: debugOut}
}

// Render performs the two-phase contract of spec.md §4.3: a validation pass
// that resolves every reference against the closed symbol table (raising
// TemplateUndefined / ContentNotAvailable / FilterError without emitting any
// output on the first problem found), followed by a render pass that
// produces the final string.
func (e *Engine) Render(template string) (string, *Frontmatter, error) {
	fm, body, err := SplitFrontmatter(template)
	if err != nil {
		return "", nil, &perr.TemplateRenderError{Pos: "frontmatter", Message: err.Error(), Cause: err}
	}

	nodes, err := parseTemplate(body)
	if err != nil {
		return "", nil, &perr.TemplateRenderError{Pos: "parse", Message: err.Error(), Cause: err}
	}

	env, nonPromptAliases, attrSets, err := e.buildEnv()
	if err != nil {
		return "", fm, err
	}
	globals := Globals(e.DebugOut)
	for name, g := range globals {
		env[name] = wrapGlobal(g)
	}

	symtab := e.symbolTable(globals)

	if err := validateNodes(nodes, symtab, nonPromptAliases, attrSets); err != nil {
		return "", fm, err
	}

	var out strings.Builder
	for _, n := range nodes {
		switch n.kind {
		case nodeLiteral:
			out.WriteString(n.literal)
		case nodeExpr:
			s, err := e.renderExpr(n, env)
			if err != nil {
				return "", fm, err
			}
			out.WriteString(s)
		case nodeLegacy:
			s, err := e.renderLegacy(n, env)
			if err != nil {
				return "", fm, err
			}
			out.WriteString(s)
		}
	}
	return out.String(), fm, nil
}

func wrapGlobal(g Global) func(args ...interface{}) (interface{}, error) {
	return func(args ...interface{}) (interface{}, error) { return g(args) }
}

// fileRefAttrs, dirRefAttrs and collectionRefAttrs are the complete
// attribute sets spec.md §3 documents for each attachment shape. They are
// fixed regardless of whether a given attribute's value could actually be
// produced (e.g. "content" stays a known FileRef attribute even for a
// non-prompt-routed file; accessing it there raises ContentNotAvailable,
// never TemplateUndefined).
var fileRefAttrs = map[string]bool{
	"path": true, "name": true, "stem": true, "extension": true,
	"parent": true, "size": true, "mtime": true, "hash": true,
	"content": true, "encoding": true,
}

var dirRefAttrs = map[string]bool{
	"path": true, "name": true, "parent": true,
	"pattern": true, "recursive": true, "files": true,
}

var collectionRefAttrs = map[string]bool{"files": true}

// buildEnv constructs the expr-lang evaluation environment: one entry per
// attachment alias (a nested map so "{{ doc.content }}" resolves as a map
// key lookup, per spec.md §3's FileRef/DirRef/CollectionRef shapes) plus one
// entry per caller-supplied variable. It also returns the set of aliases
// whose attachment was not routed to the prompt target, for the
// ContentNotAvailable static check in validateNodes, and the known
// attribute set for every alias/variable whose value is attribute-checkable
// (attachments, and object-shaped json-var values), so validateNodes can
// reject access to an attribute that isn't one of them.
func (e *Engine) buildEnv() (map[string]interface{}, map[string]bool, map[string]map[string]bool, error) {
	env := make(map[string]interface{})
	nonPrompt := make(map[string]bool)
	attrSets := make(map[string]map[string]bool)

	if e.Registry != nil {
		for _, alias := range e.Registry.Aliases() {
			att, err := e.Registry.Attachment(alias)
			if err != nil {
				continue
			}
			if !att.Targets.Has(attach.TargetPrompt) {
				nonPrompt[alias] = true
			}
			ref, err := e.Registry.ByAlias(alias)
			if err != nil {
				continue
			}
			value, attrs, err := attachmentEnvValue(ref)
			if err != nil {
				return nil, nil, nil, err
			}
			env[alias] = value
			attrSets[alias] = attrs
		}
	}
	for k, v := range e.Variables {
		env[k] = v
		if m, ok := v.(map[string]interface{}); ok {
			attrs := make(map[string]bool, len(m))
			for key := range m {
				attrs[key] = true
			}
			attrSets[k] = attrs
		}
	}
	return env, nonPrompt, attrSets, nil
}

func attachmentEnvValue(ref interface{}) (interface{}, map[string]bool, error) {
	switch r := ref.(type) {
	case *attach.FileRef:
		v, err := fileRefEnvValue(r)
		if err != nil {
			return nil, nil, err
		}
		return v, fileRefAttrs, nil
	case *attach.DirRef:
		files := make([]interface{}, 0, len(r.Files))
		for _, f := range r.Files {
			v, err := fileRefEnvValue(f)
			if err != nil {
				return nil, nil, err
			}
			files = append(files, v)
		}
		return map[string]interface{}{
			"path": r.Path, "name": r.Name, "parent": r.Parent,
			"pattern": r.Pattern, "recursive": r.Recursive, "files": files,
		}, dirRefAttrs, nil
	case *attach.CollectionRef:
		files := make([]interface{}, 0, len(r.Files))
		for _, f := range r.Files {
			v, err := fileRefEnvValue(f)
			if err != nil {
				return nil, nil, err
			}
			files = append(files, v)
		}
		return map[string]interface{}{"files": files}, collectionRefAttrs, nil
	default:
		return nil, nil, nil
	}
}

// fileRefEnvValue exposes every spec.md §3 FileRef attribute. "content",
// "encoding" and "hash" are omitted only when the read fails with ContentNotAvailable
// (the attachment was never routed to the prompt target) — that case is
// enforced at the call site in validateExprSource, not here. Any other read
// failure (e.g. LimitExceeded for an oversize file) is propagated so the
// validation render surfaces it instead of silently producing an empty
// content value.
func fileRefEnvValue(f *attach.FileRef) (map[string]interface{}, error) {
	m := map[string]interface{}{
		"path": f.Path, "name": f.Name, "stem": f.Stem,
		"extension": f.Extension, "parent": f.Parent, "size": f.Size,
		"mtime": f.Mtime.Format(time.RFC3339Nano),
	}
	content, err := f.Content()
	if err != nil {
		if _, ok := err.(*perr.ContentNotAvailable); ok {
			return m, nil
		}
		return nil, err
	}
	m["content"] = content
	if enc, err := f.Encoding(); err == nil {
		m["encoding"] = enc
	}
	if hash, err := f.Hash(); err == nil {
		m["hash"] = hash
	}
	return m, nil
}

// symbolTable is the closed set of root identifiers a template may
// reference: attachment aliases, variables, and global function names.
func (e *Engine) symbolTable(globals map[string]Global) SymbolTable {
	var aliases []string
	if e.Registry != nil {
		aliases = e.Registry.Aliases()
	}
	var varNames []string
	for k := range e.Variables {
		varNames = append(varNames, k)
	}
	var globalNames []string
	for k := range globals {
		globalNames = append(globalNames, k)
	}
	return NewSymbolTable(aliases, varNames, globalNames)
}

// memberAccessPattern matches a single-hop "name.attr" reference. Deeper
// chains (e.g. "dir.files[0].name") are resolved dynamically at runtime
// against whatever the indexed element evaluates to, the same way
// rootIdentifiers leaves nested member access unchecked.
var memberAccessPattern = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)

// validateNodes performs the full validation pass: every root identifier
// referenced by every expression node must be in symtab, every filter name
// must exist in the catalog, no non-prompt-routed alias may be accessed via
// ".content"/".encoding"/".hash" (spec.md §9 Open Question 1, resolved as
// ContentNotAvailable), and every "alias.attr"/"var.attr" reference must
// name a known attribute of that alias or variable (spec.md §4.3, §9: a
// missing attribute of a defined variable raises TemplateUndefined).
func validateNodes(nodes []node, symtab SymbolTable, nonPromptAliases map[string]bool, attrSets map[string]map[string]bool) error {
	for _, n := range nodes {
		switch n.kind {
		case nodeExpr:
			if err := validateExprSource(n.base, n.pos, symtab, nonPromptAliases, attrSets); err != nil {
				return err
			}
			for _, fc := range n.filters {
				if _, ok := filterCatalog[fc.name]; !ok {
					return &perr.FilterError{Filter: fc.name, Message: "unknown filter"}
				}
				for _, argSrc := range fc.args {
					if err := validateExprSource(argSrc, n.pos, symtab, nonPromptAliases, attrSets); err != nil {
						return err
					}
				}
			}
		case nodeLegacy:
			if !n.legacyHasDefault && !symtab.Has(n.base) {
				return &perr.TemplateUndefined{Name: n.base, Pos: n.pos}
			}
		}
	}
	return nil
}

func validateExprSource(src, pos string, symtab SymbolTable, nonPromptAliases map[string]bool, attrSets map[string]map[string]bool) error {
	for _, ident := range rootIdentifiers(src) {
		if !symtab.Has(ident) {
			return &perr.TemplateUndefined{Name: ident, Pos: pos}
		}
	}

	masked := maskStrings(src)
	for _, m := range memberAccessPattern.FindAllStringSubmatch(masked, -1) {
		name, attrName := m[1], m[2]
		if nonPromptAliases[name] && (attrName == "content" || attrName == "encoding" || attrName == "hash") {
			return &perr.ContentNotAvailable{Alias: name}
		}
		attrs, ok := attrSets[name]
		if !ok {
			continue
		}
		if !attrs[attrName] {
			return &perr.TemplateUndefined{Name: name + "." + attrName, Pos: pos}
		}
	}
	return nil
}

func (e *Engine) renderExpr(n node, env map[string]interface{}) (string, error) {
	value, err := evalExpr(n.base, env)
	if err != nil {
		return "", &perr.TemplateRenderError{Pos: n.pos, Message: err.Error(), Cause: err}
	}

	for _, fc := range n.filters {
		fn, ok := filterCatalog[fc.name]
		if !ok {
			return "", &perr.FilterError{Filter: fc.name, Message: "unknown filter"}
		}
		args := make([]interface{}, 0, len(fc.args))
		for _, argSrc := range fc.args {
			argVal, err := evalExpr(argSrc, env)
			if err != nil {
				return "", &perr.TemplateRenderError{Pos: n.pos, Message: err.Error(), Cause: err}
			}
			args = append(args, argVal)
		}
		value, err = fn(value, args)
		if err != nil {
			return "", err
		}
	}

	return stringifyValue(value), nil
}

func (e *Engine) renderLegacy(n node, env map[string]interface{}) (string, error) {
	v, ok := env[n.base]
	if !ok {
		if n.legacyHasDefault {
			return n.legacyDefault, nil
		}
		return "", &perr.TemplateUndefined{Name: n.base, Pos: n.pos}
	}
	return stringifyValue(v), nil
}

func evalExpr(src string, env map[string]interface{}) (interface{}, error) {
	program, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case TokenEstimate:
		return strconv.Itoa(val.Tokens)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
