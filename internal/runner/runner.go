// Package runner drives an ExecutionPlan to completion: dry-run produces a
// plan summary without contacting the provider, a live run performs the
// final render, calls the provider, writes the validated object, and
// produces a RunSummary (spec.md §4.5).
//
// Grounded on internal/support/commands/prompt.go's retry/attempt
// bookkeeping and internal/support/commands/root.go's exit-code-on-error
// pattern, generalized from "one command, one exit code" into a runner
// object the CLI layer can drive and cancel independently of cobra.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samestrin/promptforge/internal/attach"
	"github.com/samestrin/promptforge/internal/attach/upload"
	"github.com/samestrin/promptforge/internal/perr"
	"github.com/samestrin/promptforge/internal/plan"
	"github.com/samestrin/promptforge/internal/provider"
)

// Mode selects whether Run performs a dry-run plan summary or a live call.
type Mode string

const (
	ModeDryRun Mode = "dry-run"
	ModeLive   Mode = "live"
)

// RunSummary is produced at the end of every run, live or dry, per spec.md
// §3 "RunSummary".
type RunSummary struct {
	Mode              Mode              `json:"mode"`
	ExitCode          int               `json:"exit_code"`
	ElapsedSeconds    float64           `json:"elapsed_seconds"`
	InputTokens       int               `json:"input_token_estimate"`
	OutputTokens      int               `json:"output_tokens,omitempty"`
	CostEstimate      float64           `json:"cost_estimate"`
	PerToolFileCounts map[string]int    `json:"per_tool_file_counts"`
	Retries           int               `json:"retries"`
	ValidationOutcome string            `json:"validation_outcome,omitempty"`
	SentinelMode      bool              `json:"sentinel_mode"`
	Warnings          []string          `json:"warnings,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// DryRunSummary is the JSON shape spec.md §4.5 "Dry-run" describes: plan
// fields and token/cost estimates, no LLM call.
type DryRunSummary struct {
	Attachments          []AttachmentSummary       `json:"attachments"`
	ToolsEnabled         map[string]bool            `json:"tools_enabled"`
	TokenEstimate        int                        `json:"token_estimate"`
	TokenEstimateIsGuess bool                       `json:"token_estimate_best_effort"`
	CostEstimate         float64                    `json:"cost_estimate"`
	SchemaTransforms     []string                   `json:"schema_normalization_transforms"`
	Warnings             []string                   `json:"warnings"`
	RenderedPrompt       string                     `json:"rendered_prompt"`
}

// AttachmentSummary is one row of the dry-run attachment table (spec.md
// §4.5 "each attachment (alias, path, kind, targets, size)").
type AttachmentSummary struct {
	Alias   string   `json:"alias"`
	Path    string   `json:"path"`
	Kind    string   `json:"kind"`
	Targets []string `json:"targets"`
	Size    int64    `json:"size"`
}

// ModelRates gives the per-1k-token cost used for the dry-run cost
// estimate; callers populate it from whatever pricing table they track.
type ModelRates struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Runner drives one ExecutionPlan. It holds no state across runs; build a
// fresh Runner (and a fresh plan.ExecutionPlan) per invocation, per spec.md
// §5 "No reentrancy."
type Runner struct {
	Plan       *plan.ExecutionPlan
	Provider   *provider.Provider
	Uploader   UploaderSet
	Rates      ModelRates
}

// UploaderSet supplies the per-target uploaders used to deliver
// non-prompt-routed attachments before the provider call (spec.md §4.2).
type UploaderSet struct {
	CodeExec  upload.Uploader
	Retrieval upload.Uploader
	UserData  upload.Uploader
}

// New builds a Runner over an already-constructed plan.
func New(p *plan.ExecutionPlan, prov *provider.Provider, uploaders UploaderSet, rates ModelRates) *Runner {
	return &Runner{Plan: p, Provider: prov, Uploader: uploaders, Rates: rates}
}

// Run executes the plan in dry-run or live mode depending on Plan.DryRun,
// returning the written object (nil for dry-run) and the RunSummary.
func (r *Runner) Run(ctx context.Context) (interface{}, RunSummary, error) {
	start := time.Now()
	if r.Plan.DryRun {
		summary := r.dryRunSummary(start)
		return nil, summary.toRunSummary(start), nil
	}
	return r.liveRun(ctx, start)
}

// DryRunReport builds the JSON-renderable dry-run plan summary (spec.md
// §4.5 "Dry-run") without performing any network call or write.
func (r *Runner) DryRunReport() DryRunSummary {
	p := r.Plan
	var attachments []AttachmentSummary
	for _, alias := range p.Registry.Aliases() {
		att, err := p.Registry.Attachment(alias)
		if err != nil {
			continue
		}
		size, _ := attachmentSize(p.Registry, alias, att)
		attachments = append(attachments, AttachmentSummary{
			Alias:   alias,
			Path:    att.Path,
			Kind:    string(att.Kind),
			Targets: targetStrings(att.Targets),
			Size:    size,
		})
	}

	warnings := make([]string, 0, len(p.Warnings))
	for _, w := range p.Warnings {
		warnings = append(warnings, w.Path+": "+w.Reason)
	}
	if p.TokenEstimate.BestEffort {
		warnings = append(warnings, "token estimate is a best-effort word-count fallback for model "+p.Config.Model)
	}

	return DryRunSummary{
		Attachments:          attachments,
		ToolsEnabled:         p.ToolsEnabled,
		TokenEstimate:        p.TokenEstimate.Tokens,
		TokenEstimateIsGuess: p.TokenEstimate.BestEffort,
		CostEstimate:         estimateCost(p.TokenEstimate.Tokens, 0, r.Rates),
		SchemaTransforms:     schemaTransformNames(p),
		Warnings:             warnings,
		RenderedPrompt:       p.RenderedPrompt,
	}
}

func (r *Runner) dryRunSummary(start time.Time) dryRunInternal {
	report := r.DryRunReport()
	return dryRunInternal{report: report, start: start}
}

type dryRunInternal struct {
	report DryRunSummary
	start  time.Time
}

func (d dryRunInternal) toRunSummary(start time.Time) RunSummary {
	return RunSummary{
		Mode:           ModeDryRun,
		ExitCode:       0,
		ElapsedSeconds: time.Since(start).Seconds(),
		InputTokens:    d.report.TokenEstimate,
		CostEstimate:   d.report.CostEstimate,
		Warnings:       d.report.Warnings,
	}
}

// liveRun performs the final call, writes the result, and builds the
// RunSummary (spec.md §4.5 "Live run"). Cancellation via ctx surfaces as
// perr.CanceledByUser, mapped to exit code 6.
func (r *Runner) liveRun(ctx context.Context, start time.Time) (interface{}, RunSummary, error) {
	p := r.Plan

	estimatedCost := estimateCost(p.TokenEstimate.Tokens, 0, r.Rates)
	if p.Limits.MaxCost > 0 && estimatedCost > p.Limits.MaxCost {
		err := &perr.LimitExceeded{Limit: "max_cost", Message: fmt.Sprintf("estimated cost %.4f exceeds max_cost %.4f", estimatedCost, p.Limits.MaxCost)}
		return nil, r.failureSummary(start, err), err
	}

	if err := r.runUploads(ctx); err != nil {
		return nil, r.failureSummary(start, err), err
	}

	var temperature float64
	if p.Config.Temperature != nil {
		temperature = *p.Config.Temperature
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if p.Limits.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(p.Limits.Timeout)*time.Second)
		defer cancel()
	}

	callReq := provider.CallRequest{
		SystemPrompt:    systemPrompt(p),
		UserPrompt:      p.RenderedPrompt,
		Model:           p.Config.Model,
		Temperature:     temperature,
		MaxOutputTokens: p.Config.MaxOutputTokens,
		ProviderSchema:  p.NormalizedSchema,
		OriginalSchema:  p.SchemaDoc,
		SentinelMode:    p.ToolsEnabled["ci_download"],
		OutputDir:       filepath.Dir(outputPathOrDefault(p.OutputFile)),
	}
	if callReq.SentinelMode && r.Provider.Client != nil {
		callReq.FileDownloader = provider.OpenAIFileDownloader{Client: r.Provider.Client}
		callReq.MentionExtractor = provider.DefaultMentionExtractor
	}

	result, err := r.Provider.Call(callCtx, callReq)
	if err != nil {
		return nil, r.failureSummary(start, err), err
	}

	if err := writeObject(p.OutputFile, result.Object); err != nil {
		return nil, r.failureSummary(start, err), err
	}

	summary := RunSummary{
		Mode:              ModeLive,
		ExitCode:          0,
		ElapsedSeconds:    time.Since(start).Seconds(),
		InputTokens:       result.PromptTokens,
		OutputTokens:      result.CompletionTokens,
		CostEstimate:      estimateCost(result.PromptTokens, result.CompletionTokens, r.Rates),
		PerToolFileCounts: perToolFileCounts(p),
		ValidationOutcome: string(result.Outcome),
		SentinelMode:      result.SentinelMode,
	}
	for _, w := range p.Warnings {
		summary.Warnings = append(summary.Warnings, w.Path+": "+w.Reason)
	}
	if result.Outcome == provider.OutcomeRecovered {
		summary.Warnings = append(summary.Warnings, "provider output was a duplicated JSON object; the first copy was used")
	}

	if r.Plan.RunSummaryJSON != "" {
		if err := writeJSON(r.Plan.RunSummaryJSON, summary); err != nil {
			return result.Object, summary, err
		}
	}

	return result.Object, summary, nil
}

func (r *Runner) runUploads(ctx context.Context) error {
	if u := r.Uploader.CodeExec; u != nil {
		if err := runUploadPool(ctx, u, r.Plan.Registry.FilesFor(attach.TargetCodeExec)); err != nil {
			return err
		}
	}
	if u := r.Uploader.Retrieval; u != nil {
		if err := runUploadPool(ctx, u, r.Plan.Registry.FilesFor(attach.TargetRetrieval)); err != nil {
			return err
		}
	}
	if u := r.Uploader.UserData; u != nil {
		if err := runUploadPool(ctx, u, r.Plan.Registry.FilesFor(attach.TargetUserData)); err != nil {
			return err
		}
	}
	return nil
}

func runUploadPool(ctx context.Context, u upload.Uploader, files []*attach.FileRef) error {
	if len(files) == 0 {
		return nil
	}
	items := make([]struct {
		Alias string
		File  *attach.FileRef
	}, len(files))
	for i, f := range files {
		items[i].Alias = f.Name
		items[i].File = f
	}
	pool := upload.NewPool(u, upload.DefaultConcurrency)
	for _, res := range pool.Run(ctx, items) {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

func (r *Runner) failureSummary(start time.Time, err error) RunSummary {
	return RunSummary{
		Mode:           ModeLive,
		ExitCode:       perr.ExitCode(err),
		ElapsedSeconds: time.Since(start).Seconds(),
		Error:          err.Error(),
	}
}

func systemPrompt(p *plan.ExecutionPlan) string {
	if p.Frontmatter != nil {
		return p.Frontmatter.SystemPrompt
	}
	return ""
}

func outputPathOrDefault(path string) string {
	if path == "" {
		return "output.json"
	}
	return path
}

// writeObject writes value as JSON to path, or stdout when path is empty.
// On failure, any partially written file is renamed to "<path>.partial"
// per spec.md §7 "any partially written output is renamed to <path>.partial."
func writeObject(path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		_ = os.Rename(path, path+".partial")
		return err
	}
	return nil
}

func writeJSON(path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func targetStrings(set attach.TargetSet) []string {
	slice := set.Slice()
	out := make([]string, len(slice))
	for i, t := range slice {
		out[i] = string(t)
	}
	return out
}

func attachmentSize(reg *attach.Registry, alias string, att attach.Attachment) (int64, error) {
	ref, err := reg.ByAlias(alias)
	if err != nil {
		return 0, err
	}
	switch v := ref.(type) {
	case *attach.FileRef:
		return v.Size, nil
	case *attach.DirRef:
		var total int64
		for _, f := range v.Files {
			total += f.Size
		}
		return total, nil
	case *attach.CollectionRef:
		var total int64
		for _, f := range v.Files {
			total += f.Size
		}
		return total, nil
	}
	return 0, nil
}

func perToolFileCounts(p *plan.ExecutionPlan) map[string]int {
	counts := make(map[string]int)
	for target, summary := range p.TargetSummary {
		counts[string(target)] = summary.Count
	}
	return counts
}

func estimateCost(inputTokens, outputTokens int, rates ModelRates) float64 {
	return float64(inputTokens)/1000*rates.InputPer1K + float64(outputTokens)/1000*rates.OutputPer1K
}

func schemaTransformNames(p *plan.ExecutionPlan) []string {
	var transforms []string
	if p.SchemaDoc != nil {
		transforms = append(transforms, "additionalProperties:false", "required:full")
	}
	return transforms
}
