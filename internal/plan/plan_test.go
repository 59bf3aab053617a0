package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/samestrin/promptforge/internal/attach"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestBuildScenarioAHappyPath(t *testing.T) {
	dir := t.TempDir()
	templatePath := filepath.Join(dir, "prompt.tmpl")
	schemaPath := filepath.Join(dir, "schema.json")
	notesPath := filepath.Join(dir, "notes.txt")

	writeTestFile(t, templatePath, "Hello, {{ name }}! File has {{ doc.content | word_count }} words.")
	writeTestFile(t, schemaPath, `{"type":"object","properties":{"greeting":{"type":"string"},"words":{"type":"integer"}},"required":["greeting","words"],"additionalProperties":false}`)
	writeTestFile(t, notesPath, "one two three")

	inv := Invocation{
		TemplatePath: templatePath,
		SchemaPath:   schemaPath,
		Attachments: []AttachmentSpec{
			{Kind: attach.KindFile, Raw: "doc=" + notesPath},
		},
		Vars:         map[string]string{"name": "Ada"},
		SecurityMode: "permissive",
		DryRun:       true,
		CacheDir:     t.TempDir(),
	}

	p, err := Build(inv)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.RenderedPrompt != "Hello, Ada! File has 3 words." {
		t.Fatalf("got rendered prompt %q", p.RenderedPrompt)
	}
	if p.TokenEstimate.Tokens <= 0 {
		t.Fatal("expected a positive token estimate")
	}
	if !p.DryRun {
		t.Fatal("expected DryRun to be carried through")
	}
	summary := p.TargetSummary[attach.TargetPrompt]
	if summary.Count != 1 {
		t.Fatalf("expected one prompt-routed attachment, got %d", summary.Count)
	}
}

func TestBuildScenarioBPathSecurityDenial(t *testing.T) {
	dir := t.TempDir()
	templatePath := filepath.Join(dir, "prompt.tmpl")
	schemaPath := filepath.Join(dir, "schema.json")
	writeTestFile(t, templatePath, "Hello")
	writeTestFile(t, schemaPath, `{"type":"object","properties":{},"required":[],"additionalProperties":false}`)

	inv := Invocation{
		TemplatePath: templatePath,
		SchemaPath:   schemaPath,
		Attachments: []AttachmentSpec{
			{Kind: attach.KindFile, Raw: "cfg=/etc/passwd"},
		},
		SecurityMode: "strict",
		BaseDir:      dir,
		CacheDir:     t.TempDir(),
	}

	_, err := Build(inv)
	if err == nil {
		t.Fatal("expected a PathDenied error for an attachment outside the base directory")
	}
}

func TestBuildScenarioCAliasCollision(t *testing.T) {
	dir := t.TempDir()
	sub1 := filepath.Join(dir, "a")
	sub2 := filepath.Join(dir, "b")
	if err := os.Mkdir(sub1, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(sub2, 0o755); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, filepath.Join(sub1, "data.csv"), "a,b\n1,2\n")
	writeTestFile(t, filepath.Join(sub2, "data.csv"), "a,b\n3,4\n")

	templatePath := filepath.Join(dir, "prompt.tmpl")
	schemaPath := filepath.Join(dir, "schema.json")
	writeTestFile(t, templatePath, "Hello")
	writeTestFile(t, schemaPath, `{"type":"object","properties":{},"required":[],"additionalProperties":false}`)

	inv := Invocation{
		TemplatePath: templatePath,
		SchemaPath:   schemaPath,
		Attachments: []AttachmentSpec{
			{Kind: attach.KindFile, Raw: "=" + filepath.Join(sub1, "data.csv")},
			{Kind: attach.KindFile, Raw: "=" + filepath.Join(sub2, "data.csv")},
		},
		SecurityMode: "permissive",
		CacheDir:     t.TempDir(),
	}

	_, err := Build(inv)
	if err == nil {
		t.Fatal("expected an AliasConflict error for two auto-derived 'data_csv' aliases")
	}
}

func TestBuildAllowListFileExtendsAllowedFiles(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	templatePath := filepath.Join(base, "prompt.tmpl")
	schemaPath := filepath.Join(base, "schema.json")
	secretPath := filepath.Join(outside, "secret.txt")
	allowListPath := filepath.Join(base, "allowed.txt")

	writeTestFile(t, templatePath, "Hello")
	writeTestFile(t, schemaPath, `{"type":"object","properties":{},"required":[],"additionalProperties":false}`)
	writeTestFile(t, secretPath, "shh")
	writeTestFile(t, allowListPath, "# comment\n\n"+secretPath+"\n")

	denied := Invocation{
		TemplatePath: templatePath,
		SchemaPath:   schemaPath,
		Attachments: []AttachmentSpec{
			{Kind: attach.KindFile, Raw: "secret=" + secretPath},
		},
		SecurityMode: "strict",
		BaseDir:      base,
		CacheDir:     t.TempDir(),
	}
	if _, err := Build(denied); err == nil {
		t.Fatal("expected a PathDenied error without the allow-list-file")
	}

	allowed := denied
	allowed.AllowListFile = allowListPath
	p, err := Build(allowed)
	if err != nil {
		t.Fatalf("Build with allow-list-file: %v", err)
	}
	if p.Registry == nil {
		t.Fatal("expected a registry")
	}
}

func TestBuildRejectsUnresolvedTemplateMarkerInOutputFile(t *testing.T) {
	dir := t.TempDir()
	templatePath := filepath.Join(dir, "prompt.tmpl")
	schemaPath := filepath.Join(dir, "schema.json")
	writeTestFile(t, templatePath, "Hello")
	writeTestFile(t, schemaPath, `{"type":"object","properties":{},"required":[],"additionalProperties":false}`)

	inv := Invocation{
		TemplatePath: templatePath,
		SchemaPath:   schemaPath,
		SecurityMode: "permissive",
		OutputFile:   filepath.Join(dir, "{{name}}.json"),
		CacheDir:     t.TempDir(),
	}

	_, err := Build(inv)
	if err == nil {
		t.Fatal("expected an error for an unresolved {{name}} marker in --output-file")
	}
}

func TestBuildScenarioFSchemaIncompatible(t *testing.T) {
	dir := t.TempDir()
	templatePath := filepath.Join(dir, "prompt.tmpl")
	schemaPath := filepath.Join(dir, "schema.json")
	writeTestFile(t, templatePath, "Hello")
	writeTestFile(t, schemaPath, `{"type":"object","oneOf":[{"properties":{"a":{"type":"string"}}}]}`)

	inv := Invocation{
		TemplatePath: templatePath,
		SchemaPath:   schemaPath,
		SecurityMode: "permissive",
		CacheDir:     t.TempDir(),
	}

	_, err := Build(inv)
	if err == nil {
		t.Fatal("expected a SchemaIncompatible error for a top-level oneOf")
	}
}
