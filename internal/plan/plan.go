// Package plan builds the ExecutionPlan (spec.md §4.5): it drives C1-C4
// through the eight ordered construction steps, aborting on the first
// failure, and stops short of any provider call.
//
// Grounded on internal/support/commands/root.go's flag-to-behavior shape and
// internal/support/commands/prompt.go's template-then-validate sequencing,
// generalized from "one cobra command runs one transform" into "one
// invocation builds one plan object that a separate runner executes."
package plan

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/samestrin/promptforge/internal/attach"
	"github.com/samestrin/promptforge/internal/cache"
	"github.com/samestrin/promptforge/internal/config"
	"github.com/samestrin/promptforge/internal/mcpclient"
	"github.com/samestrin/promptforge/internal/perr"
	"github.com/samestrin/promptforge/internal/render"
	"github.com/samestrin/promptforge/internal/schema"
	"github.com/samestrin/promptforge/internal/security"
	"github.com/samestrin/promptforge/pkg/pathvalidation"
)

// AttachmentSpec is one unparsed "file|dir|collection [targets:]alias=path"
// token from the command surface (spec.md §6).
type AttachmentSpec struct {
	Kind attach.Kind
	Raw  string
}

// Invocation is the raw, unvalidated form of one command-line invocation
// (spec.md §6 "Command surface"), independent of the flag library used to
// parse it.
type Invocation struct {
	TemplatePath string
	SchemaPath   string

	Attachments []AttachmentSpec
	Vars        map[string]string // var name=value
	JSONVars    map[string]string // json-var name=json_literal

	SecurityMode  string
	BaseDir       string
	AllowDirs     []string
	AllowFiles    []string
	AllowListFile string

	Model           string
	Temperature     *float64
	MaxOutputTokens int
	Timeout         int
	MaxRetries      int
	MaxFileSize     int64
	MaxCost         float64
	CacheDir        string // "" uses configuration precedence (spec.md §6, §9)

	EnableCodeExec  bool
	EnableRetrieval bool
	CIDownload      bool

	OutputFile     string
	RunSummaryJSON string
	DryRun         bool
	DryRunJSON     bool

	ConfigPath string
	MCPServers []string // name=command
}

// Limits carries the resource caps enforced during construction and
// execution (spec.md §4.5 "Limits").
type Limits struct {
	Timeout     int
	MaxRetries  int
	MaxFileSize int64
	MaxCost     float64
}

// ExecutionPlan is the derived record spec.md §3 describes: everything the
// runner needs to perform a dry-run summary or a live call, with nothing
// left to resolve from the invocation again.
type ExecutionPlan struct {
	TemplatePath string
	SchemaPath   string

	Registry  *attach.Registry
	Variables map[string]interface{}
	Cache     *cache.Cache // non-nil when a cache directory was available (spec.md §6 "Persisted state")

	Config       config.File
	SecurityMode security.Mode
	ToolsEnabled map[string]bool

	OutputFile     string
	RunSummaryJSON string
	DryRun         bool
	DryRunJSON     bool
	Limits         Limits

	SchemaDoc        *schema.Document
	NormalizedSchema map[string]interface{}

	RenderedPrompt string
	Frontmatter    *render.Frontmatter
	TokenEstimate  render.TokenEstimate

	TargetSummary map[attach.Target]attach.TargetSummary
	Warnings      []security.Warning

	MCPDescriptors []mcpclient.ServerDescriptor
}

// Close releases the plan's on-disk cache handle, if one was opened. Safe
// to call on a plan built with no cache directory configured.
func (p *ExecutionPlan) Close() error {
	if p.Cache == nil {
		return nil
	}
	return p.Cache.Close()
}

// Build runs the eight plan-construction steps of spec.md §4.5 in order,
// returning on the first failure.
func Build(inv Invocation) (*ExecutionPlan, error) {
	// Step 1: the caller already parsed the invocation into inv.

	// Step 2: defaults from configuration (frontmatter layer added after step 5).
	fileCfg, err := config.Load(inv.ConfigPath)
	if err != nil {
		return nil, err
	}
	env := config.FromEnvironment()
	invocationLayer := invocationConfigLayer(inv)
	merged := config.Merge(invocationLayer, config.File{}, fileCfg, env)

	// Step 3: validate template and schema paths through C1. A rendered
	// --output-file path is checked first for a leftover, unresolved
	// template marker (a typo'd {{var}}/${VAR}/[[var]] the caller forgot to
	// substitute) before it ever reaches the filesystem.
	if inv.OutputFile != "" {
		if err := pathvalidation.CheckPathComponents(inv.OutputFile); err != nil {
			return nil, &perr.InvalidSpec{Spec: inv.OutputFile, Reason: err.Error()}
		}
	}

	allowFiles, err := appendAllowListFile(inv.AllowFiles, inv.AllowListFile)
	if err != nil {
		return nil, err
	}
	gate, err := security.New(security.Policy{
		Mode:       security.Mode(merged.SecurityMode),
		BaseDir:    merged.BaseDir,
		AllowDirs:  inv.AllowDirs,
		AllowFiles: allowFiles,
	})
	if err != nil {
		return nil, err
	}

	templatePath, _, err := gate.Check(inv.TemplatePath)
	if err != nil {
		return nil, err
	}
	schemaPath, _, err := gate.Check(inv.SchemaPath)
	if err != nil {
		return nil, err
	}

	// Step 4: register attachments. A configured cache directory opens the
	// on-disk content-fingerprint store as the L2 cache behind the registry's
	// in-memory LRU (spec.md §4.2 "lazy loading", §6 "Persisted state").
	var diskCache *cache.Cache
	var disk attach.DiskCache
	if merged.CacheDir != "" {
		diskCache, err = cache.Open(merged.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("open cache dir %s: %w", merged.CacheDir, err)
		}
		disk = diskCache
	}
	succeeded := false
	if diskCache != nil {
		defer func() {
			if !succeeded {
				diskCache.Close()
			}
		}()
	}

	registry := attach.New(attach.Options{
		Gate:             gate,
		MaxFileSize:      merged.MaxFileSize,
		RespectGitignore: true,
		CacheCapacity:    256,
		Disk:             disk,
	})
	for _, spec := range inv.Attachments {
		raw, err := attach.ParseSpec(spec.Kind, spec.Raw)
		if err != nil {
			return nil, &perr.InvalidSpec{Spec: spec.Raw, Reason: err.Error()}
		}
		if _, err := registry.Add(raw); err != nil {
			return nil, err
		}
	}

	// Step 5: load template, extract frontmatter; frontmatter overrides
	// configuration but is overridden by explicit invocation flags.
	templateBytes, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", templatePath, err)
	}
	templateText := string(templateBytes)

	fm, _, err := render.SplitFrontmatter(templateText)
	if err != nil {
		return nil, err
	}
	merged = config.Merge(invocationLayer, frontmatterConfigLayer(fm), fileCfg, env)

	// Step 6: load schema, normalize, no provider contact.
	schemaDoc, err := schema.Load(schemaPath)
	if err != nil {
		return nil, err
	}
	normalized, err := schema.Normalize(schemaDoc, schema.DefaultLimits)
	if err != nil {
		return nil, err
	}

	// Step 7: validation render, token estimate, per-target upload sizes.
	variables, err := buildVariables(inv)
	if err != nil {
		return nil, err
	}
	engine := render.NewEngine(registry, variables, os.Stderr)
	rendered, fm, err := engine.Render(templateText)
	if err != nil {
		return nil, err
	}
	tokenEstimate := render.EstimateTokens(rendered, merged.Model)

	mcpDescriptors, err := mcpclient.ParseDescriptors(inv.MCPServers)
	if err != nil {
		return nil, err
	}

	// Step 8: produce the plan.
	succeeded = true
	return &ExecutionPlan{
		TemplatePath:     templatePath,
		SchemaPath:       schemaPath,
		Registry:         registry,
		Variables:        variables,
		Cache:            diskCache,
		Config:           merged,
		SecurityMode:     security.Mode(merged.SecurityMode),
		ToolsEnabled:     toolsEnabled(inv),
		OutputFile:       inv.OutputFile,
		RunSummaryJSON:   inv.RunSummaryJSON,
		DryRun:           inv.DryRun,
		DryRunJSON:       inv.DryRunJSON,
		Limits: Limits{
			Timeout:     merged.Timeout,
			MaxRetries:  merged.MaxRetries,
			MaxFileSize: merged.MaxFileSize,
			MaxCost:     merged.MaxCost,
		},
		SchemaDoc:        schemaDoc,
		NormalizedSchema: normalized,
		RenderedPrompt:   rendered,
		Frontmatter:      fm,
		TokenEstimate:    tokenEstimate,
		TargetSummary:    registry.Summary(),
		Warnings:         registry.Warnings(),
		MCPDescriptors:   mcpDescriptors,
	}, nil
}

// appendAllowListFile reads one allowed path per line from listPath (blank
// lines and "#"-prefixed comments skipped) and appends them to the
// invocation's --allow-file set (spec.md §6 "--allow-list-file").
func appendAllowListFile(allowFiles []string, listPath string) ([]string, error) {
	if listPath == "" {
		return allowFiles, nil
	}
	f, err := os.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("read allow-list-file %s: %w", listPath, err)
	}
	defer f.Close()

	out := append([]string(nil), allowFiles...)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read allow-list-file %s: %w", listPath, err)
	}
	return out, nil
}

func invocationConfigLayer(inv Invocation) config.File {
	return config.File{
		Model:           inv.Model,
		Temperature:     inv.Temperature,
		MaxOutputTokens: inv.MaxOutputTokens,
		Timeout:         inv.Timeout,
		MaxRetries:      inv.MaxRetries,
		MaxFileSize:     inv.MaxFileSize,
		MaxCost:         inv.MaxCost,
		SecurityMode:    inv.SecurityMode,
		BaseDir:         inv.BaseDir,
		CacheDir:        inv.CacheDir,
	}
}

func frontmatterConfigLayer(fm *render.Frontmatter) config.File {
	if fm == nil {
		return config.File{}
	}
	maxTokens := 0
	if fm.MaxOutputTokens != nil {
		maxTokens = *fm.MaxOutputTokens
	}
	return config.File{Model: fm.Model, Temperature: fm.Temperature, MaxOutputTokens: maxTokens}
}

func toolsEnabled(inv Invocation) map[string]bool {
	return map[string]bool{
		"code_exec":   inv.EnableCodeExec,
		"retrieval":   inv.EnableRetrieval,
		"ci_download": inv.CIDownload,
	}
}

// buildVariables merges string "var" bindings and JSON-literal "json-var"
// bindings into the single variable env the template engine sees (spec.md
// §6). Key collisions between the two sets resolve in favor of json-var,
// since it is always the more specific declaration of the two.
func buildVariables(inv Invocation) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(inv.Vars)+len(inv.JSONVars))
	for name, value := range inv.Vars {
		vars[name] = value
	}
	for name, raw := range inv.JSONVars {
		var decoded interface{}
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, &perr.InvalidSpec{Spec: name, Reason: fmt.Sprintf("invalid json-var literal: %s", err)}
		}
		vars[name] = decoded
	}
	return vars, nil
}
