package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "promptforge.yaml")
	writeFile(t, path, "promptforge:\n  model: gpt-4o-mini\n  timeout: 90\n")

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Model != "gpt-4o-mini" || f.Timeout != 90 {
		t.Fatalf("got %+v", f)
	}
}

func TestLoadTOMLConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "promptforge.toml")
	writeFile(t, path, "[promptforge]\nmodel = \"gpt-4o\"\nmax_retries = 5\n")

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Model != "gpt-4o" || f.MaxRetries != 5 {
		t.Fatalf("got %+v", f)
	}
}

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Model != "" {
		t.Fatalf("expected zero value, got %+v", f)
	}
}

func TestMergePrecedenceInvocationWinsOverAll(t *testing.T) {
	invocation := File{Model: "invocation-model"}
	frontmatter := File{Model: "frontmatter-model", Timeout: 10}
	file := File{Model: "file-model", Timeout: 20, MaxRetries: 9}

	merged := Merge(invocation, frontmatter, file, Env{})
	if merged.Model != "invocation-model" {
		t.Fatalf("expected invocation to win, got %q", merged.Model)
	}
	if merged.Timeout != 10 {
		t.Fatalf("expected frontmatter to win over file, got %d", merged.Timeout)
	}
	if merged.MaxRetries != 9 {
		t.Fatalf("expected file layer to supply max_retries, got %d", merged.MaxRetries)
	}
}

func TestMergeFallsBackToDefaults(t *testing.T) {
	merged := Merge(File{}, File{}, File{}, Env{})
	if merged.Model != Defaults.Model {
		t.Fatalf("expected default model, got %q", merged.Model)
	}
	if merged.Timeout != Defaults.Timeout {
		t.Fatalf("expected default timeout, got %d", merged.Timeout)
	}
}

func TestMergeEnvironmentLayerBelowFile(t *testing.T) {
	merged := Merge(File{}, File{}, File{CacheDir: "from-file"}, Env{CacheDir: "from-env"})
	if merged.CacheDir != "from-file" {
		t.Fatalf("expected file layer to win over environment, got %q", merged.CacheDir)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
