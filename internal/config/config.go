// Package config loads the project-level configuration layer (spec.md §9
// "Configuration surface") that sits beneath frontmatter and invocation
// flags but above environment variables and defaults.
//
// Grounded on internal/semantic/config/config.go's section-scoped YAML
// loader, generalized from a single "semantic:" section to a
// "promptforge:" section, plus an alternate TOML form adapted from
// internal/support/commands/validate.go's TOML validation support.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
)

// Defaults holds the engine's built-in fallback values (spec.md §9
// precedence: invocation > frontmatter > configuration file > environment
// > defaults).
var Defaults = File{
	Model:           "gpt-4o",
	Temperature:     floatPtr(1.0),
	Timeout:         300,
	MaxRetries:      3,
	SecurityMode:    "permissive",
	UploadPoolSize:  4,
	CacheDir:        ".promptforge-cache",
}

func floatPtr(f float64) *float64 { return &f }

// File is the project configuration file's shape, read from either a
// "promptforge:" YAML section or a [promptforge] TOML table.
type File struct {
	Model           string   `yaml:"model" toml:"model"`
	Temperature     *float64 `yaml:"temperature" toml:"temperature"`
	MaxOutputTokens int      `yaml:"max_output_tokens" toml:"max_output_tokens"`
	Timeout         int      `yaml:"timeout" toml:"timeout"`
	MaxRetries      int      `yaml:"max_retries" toml:"max_retries"`
	MaxFileSize     int64    `yaml:"max_file_size" toml:"max_file_size"`
	MaxCost         float64  `yaml:"max_cost" toml:"max_cost"`
	SecurityMode    string   `yaml:"security_mode" toml:"security_mode"`
	BaseDir         string   `yaml:"base_dir" toml:"base_dir"`
	UploadPoolSize  int      `yaml:"upload_pool_size" toml:"upload_pool_size"`
	CacheDir        string   `yaml:"cache_dir" toml:"cache_dir"`
}

type yamlWrapper struct {
	Promptforge File `yaml:"promptforge"`
}

type tomlWrapper struct {
	Promptforge File `toml:"promptforge"`
}

// Load reads a project config file, dispatching on extension: ".toml" uses
// BurntSushi/toml, anything else is treated as YAML via goccy/go-yaml. A
// missing path is not an error — it returns the zero File so callers can
// layer Defaults underneath unconditionally.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return File{}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if strings.HasSuffix(path, ".toml") {
		var w tomlWrapper
		if _, err := toml.Decode(string(data), &w); err != nil {
			return File{}, fmt.Errorf("parse toml config %s: %w", path, err)
		}
		return w.Promptforge, nil
	}

	var w yamlWrapper
	if err := yaml.Unmarshal(data, &w); err != nil {
		return File{}, fmt.Errorf("parse yaml config %s: %w", path, err)
	}
	return w.Promptforge, nil
}

// Env captures the environment-variable layer honored by spec.md §6:
// provider credentials, proxy settings, cache directory override, and a
// max-file-size override.
type Env struct {
	APIKey      string
	CacheDir    string
	MaxFileSize int64
}

// apiKeyVars is checked in order; the first set variable wins, mirroring
// how the teacher's llmapi client resolves credentials from the
// environment without hard-coding a single provider name.
var apiKeyVars = []string{"OPENAI_API_KEY", "PROMPTFORGE_API_KEY", "LLM_API_KEY"}

// FromEnvironment reads the honored environment variables (spec.md §6).
func FromEnvironment() Env {
	var e Env
	for _, v := range apiKeyVars {
		if val := os.Getenv(v); val != "" {
			e.APIKey = val
			break
		}
	}
	e.CacheDir = os.Getenv("PROMPTFORGE_CACHE_DIR")
	if raw := os.Getenv("PROMPTFORGE_MAX_FILE_SIZE"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			e.MaxFileSize = n
		}
	}
	return e
}

// Merge layers four sources into one resolved File, applying spec.md §9's
// fixed precedence: invocation > frontmatter > configuration file >
// environment > defaults. Each layer's zero-valued fields fall through to
// the next; callers pass only the fields relevant to that layer filled in.
func Merge(invocation, frontmatter, file File, env Env) File {
	out := Defaults
	applyLayer(&out, fromEnv(env))
	applyLayer(&out, file)
	applyLayer(&out, frontmatter)
	applyLayer(&out, invocation)
	return out
}

func fromEnv(env Env) File {
	var f File
	if env.CacheDir != "" {
		f.CacheDir = env.CacheDir
	}
	if env.MaxFileSize > 0 {
		f.MaxFileSize = env.MaxFileSize
	}
	return f
}

// applyLayer overwrites every non-zero field of layer onto base, in field
// declaration order, so a layer only ever changes what it actually set.
func applyLayer(base *File, layer File) {
	if layer.Model != "" {
		base.Model = layer.Model
	}
	if layer.Temperature != nil {
		base.Temperature = layer.Temperature
	}
	if layer.MaxOutputTokens != 0 {
		base.MaxOutputTokens = layer.MaxOutputTokens
	}
	if layer.Timeout != 0 {
		base.Timeout = layer.Timeout
	}
	if layer.MaxRetries != 0 {
		base.MaxRetries = layer.MaxRetries
	}
	if layer.MaxFileSize != 0 {
		base.MaxFileSize = layer.MaxFileSize
	}
	if layer.MaxCost != 0 {
		base.MaxCost = layer.MaxCost
	}
	if layer.SecurityMode != "" {
		base.SecurityMode = layer.SecurityMode
	}
	if layer.BaseDir != "" {
		base.BaseDir = layer.BaseDir
	}
	if layer.UploadPoolSize != 0 {
		base.UploadPoolSize = layer.UploadPoolSize
	}
	if layer.CacheDir != "" {
		base.CacheDir = layer.CacheDir
	}
}

// FromFrontmatter narrows a render.Frontmatter-shaped set of fields into a
// File layer, used by internal/plan when building the configuration
// precedence chain (spec.md §4.5 step 5). Kept free of an import on
// internal/render to avoid a cycle; callers pass the already-extracted
// scalar fields.
func FromFrontmatter(model string, temperature *float64, maxOutputTokens int) File {
	return File{Model: model, Temperature: temperature, MaxOutputTokens: maxOutputTokens}
}
