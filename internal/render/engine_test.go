package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samestrin/promptforge/internal/attach"
	"github.com/samestrin/promptforge/internal/perr"
	"github.com/samestrin/promptforge/internal/security"
)

type allowAllGate struct{}

func (allowAllGate) Check(path string) (string, *security.Warning, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, err
	}
	return filepath.Clean(abs), nil, nil
}

func TestRenderScenarioA(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notes, []byte("one two three"), 0644); err != nil {
		t.Fatal(err)
	}

	reg := attach.New(attach.Options{Gate: allowAllGate{}})
	spec, err := attach.ParseSpec(attach.KindFile, "prompt:doc="+notes)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if _, err := reg.Add(spec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	eng := NewEngine(reg, map[string]interface{}{"name": "Ada"}, nil)
	out, _, err := eng.Render("Hello, {{ name }}! File has {{ doc.content | word_count }} words.")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "Hello, Ada! File has 3 words."
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestRenderUndefinedVariableFails(t *testing.T) {
	eng := NewEngine(attach.New(attach.Options{Gate: allowAllGate{}}), nil, nil)
	_, _, err := eng.Render("Hello, {{ missing }}!")
	if err == nil {
		t.Fatal("expected TemplateUndefined")
	}
}

func TestRenderContentNotAvailableForNonPromptAttachment(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(data, []byte("a,b"), 0644); err != nil {
		t.Fatal(err)
	}

	reg := attach.New(attach.Options{Gate: allowAllGate{}})
	spec, err := attach.ParseSpec(attach.KindFile, "code_exec:data="+data)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if _, err := reg.Add(spec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	eng := NewEngine(reg, nil, nil)
	_, _, err = eng.Render("{{ data.content }}")
	if err == nil {
		t.Fatal("expected ContentNotAvailable")
	}
}

func TestRenderLegacyBracketSyntaxWithDefault(t *testing.T) {
	eng := NewEngine(attach.New(attach.Options{Gate: allowAllGate{}}), map[string]interface{}{}, nil)
	out, _, err := eng.Render("Hello, [[name|Guest]]!")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "Hello, Guest!" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderFrontmatterStrippedFromBody(t *testing.T) {
	eng := NewEngine(attach.New(attach.Options{Gate: allowAllGate{}}), map[string]interface{}{"x": "y"}, nil)
	tmpl := "---\nsystem_prompt: be terse\nmodel: gpt-4o\n---\nValue is {{ x }}."
	out, fm, err := eng.Render(tmpl)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if fm == nil || fm.SystemPrompt != "be terse" || fm.Model != "gpt-4o" {
		t.Fatalf("unexpected frontmatter: %+v", fm)
	}
	if out != "Value is y." {
		t.Fatalf("got %q", out)
	}
}

func TestRenderAggregateFilter(t *testing.T) {
	eng := NewEngine(attach.New(attach.Options{Gate: allowAllGate{}}),
		map[string]interface{}{"nums": []interface{}{1.0, 2.0, 3.0}}, nil)
	out, _, err := eng.Render("{{ nums | aggregate | to_json }}")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty aggregate output")
	}
}

func TestRenderUnknownFilterFails(t *testing.T) {
	eng := NewEngine(attach.New(attach.Options{Gate: allowAllGate{}}), map[string]interface{}{"x": "a"}, nil)
	_, _, err := eng.Render("{{ x | nonexistent_filter }}")
	if err == nil {
		t.Fatal("expected FilterError for unknown filter")
	}
}

func TestRenderMissingAttachmentAttributeFails(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notes, []byte("one two three"), 0644); err != nil {
		t.Fatal(err)
	}

	reg := attach.New(attach.Options{Gate: allowAllGate{}})
	spec, err := attach.ParseSpec(attach.KindFile, "prompt:doc="+notes)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if _, err := reg.Add(spec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	eng := NewEngine(reg, nil, nil)
	_, _, err = eng.Render("{{ doc.bogus }}")
	if err == nil {
		t.Fatal("expected TemplateUndefined for a nonexistent FileRef attribute")
	}
	if _, ok := err.(*perr.TemplateUndefined); !ok {
		t.Fatalf("expected *perr.TemplateUndefined, got %T: %v", err, err)
	}
}

func TestRenderExposesMtimeAndHash(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notes, []byte("one two three"), 0644); err != nil {
		t.Fatal(err)
	}

	reg := attach.New(attach.Options{Gate: allowAllGate{}})
	spec, err := attach.ParseSpec(attach.KindFile, "prompt:doc="+notes)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if _, err := reg.Add(spec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	eng := NewEngine(reg, nil, nil)
	out, _, err := eng.Render("{{ doc.mtime }}|{{ doc.hash }}")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	parts := strings.Split(out, "|")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		t.Fatalf("expected non-empty mtime and hash, got %q", out)
	}
}

func TestRenderOversizeFileSurfacesLimitExceeded(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(big, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	reg := attach.New(attach.Options{Gate: allowAllGate{}, MaxFileSize: 4})
	spec, err := attach.ParseSpec(attach.KindFile, "prompt:doc="+big)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if _, err := reg.Add(spec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	eng := NewEngine(reg, nil, nil)
	_, _, err = eng.Render("{{ doc.content | word_count }}")
	if err == nil {
		t.Fatal("expected LimitExceeded for an oversize promptable file")
	}
	if _, ok := err.(*perr.LimitExceeded); !ok {
		t.Fatalf("expected *perr.LimitExceeded, got %T: %v", err, err)
	}
}
