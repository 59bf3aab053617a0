// Package provider drives the structured-output request/response cycle
// (spec.md §4.4): it builds the chat request, issues it through the
// adapted internal/provider/llmapi client, applies robust JSON extraction,
// runs the two-pass sentinel workaround when code-exec file output is
// expected, and validates the result against the caller's original schema.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/samestrin/promptforge/internal/perr"
	"github.com/samestrin/promptforge/internal/provider/llmapi"
	"github.com/samestrin/promptforge/internal/schema"
)

// Provider wraps one configured LLMClient.
type Provider struct {
	Client *llmapi.LLMClient
}

// New constructs a Provider over client.
func New(client *llmapi.LLMClient) *Provider { return &Provider{Client: client} }

// CallRequest carries everything one structured-output call needs
// (spec.md §4.4 "Call shape").
type CallRequest struct {
	SystemPrompt    string
	UserPrompt      string
	Model           string
	Temperature     float64
	MaxOutputTokens int

	ProviderSchema map[string]interface{} // normalized, provider-ready
	OriginalSchema *schema.Document       // validated against post-extraction

	SentinelMode     bool
	FileDownloader   FileDownloader
	OutputDir        string
	MentionExtractor func(responseText string) []FileMention
}

// CallResult is the outcome of one Call, populated even on a validation
// failure so the caller can surface diagnostics (spec.md §4.4 "Validation").
type CallResult struct {
	Object           interface{}
	Outcome          ExtractOutcome
	SentinelMode     bool
	Downloaded       map[string]string
	PromptTokens     int
	CompletionTokens int
}

// Call drives either the single-pass or two-pass sentinel flow depending on
// req.SentinelMode (spec.md §4.4 "Two-pass sentinel workaround").
func (p *Provider) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	if req.SentinelMode {
		return p.callSentinel(ctx, req)
	}
	return p.callStructured(ctx, req, req.UserPrompt)
}

func (p *Provider) callStructured(ctx context.Context, req CallRequest, userPrompt string) (CallResult, error) {
	messages := buildMessages(req.SystemPrompt, userPrompt)

	chatReq := llmapi.ChatRequest{
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
		ResponseFormat: &llmapi.ResponseFormat{
			Type: "json_schema",
			JSONSchema: &llmapi.JSONSchemaFormat{
				Name:   "output",
				Strict: true,
				Schema: req.ProviderSchema,
			},
		},
	}

	result, err := p.Client.Complete(ctx, chatReq)
	if err != nil {
		return CallResult{}, toProviderError(err)
	}

	extracted, err := Extract(result.Content)
	if err != nil {
		return CallResult{}, err
	}

	out := CallResult{
		Object:           extracted.Object,
		Outcome:          extracted.Outcome,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
	}

	if req.OriginalSchema != nil {
		if verr := schema.Validate(req.OriginalSchema, extracted.Object); verr != nil {
			return out, verr
		}
	}

	return out, nil
}

// callSentinel implements the two pass flow: pass 1 requests plain text,
// downloads any mentioned files and substitutes sentinel tokens; pass 2
// resubmits a derived prompt carrying those tokens in structured-output
// mode (spec.md §4.4).
func (p *Provider) callSentinel(ctx context.Context, req CallRequest) (CallResult, error) {
	messages := buildMessages(req.SystemPrompt, req.UserPrompt)
	chatReq := llmapi.ChatRequest{Messages: messages, Temperature: req.Temperature, MaxTokens: req.MaxOutputTokens}

	pass1, err := p.Client.Complete(ctx, chatReq)
	if err != nil {
		return CallResult{}, toProviderError(err)
	}

	var mentions []FileMention
	if req.MentionExtractor != nil {
		mentions = req.MentionExtractor(pass1.Content)
	}

	if req.FileDownloader == nil {
		return CallResult{}, fmt.Errorf("sentinel mode requires a FileDownloader")
	}
	sentinelResult, err := RunSentinelPass(ctx, pass1.Content, mentions, req.FileDownloader, req.OutputDir)
	if err != nil {
		return CallResult{}, err
	}

	derivedPrompt := fmt.Sprintf(
		"%s\n\nThe response below was produced in a prior turn; file references have been "+
			"replaced with sentinel tokens of the form <<FILE:id>>. Reproduce the same result "+
			"as the requested JSON object, using the sentinel tokens verbatim for any "+
			"file-reference field:\n\n%s",
		req.UserPrompt, sentinelResult.SentinelText,
	)

	out, err := p.callStructured(ctx, req, derivedPrompt)
	out.SentinelMode = true
	out.Downloaded = sentinelResult.Downloaded
	return out, err
}

func buildMessages(systemPrompt, userPrompt string) []llmapi.Message {
	var messages []llmapi.Message
	if systemPrompt != "" {
		messages = append(messages, llmapi.Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, llmapi.Message{Role: "user", Content: userPrompt})
	return messages
}

func toProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &perr.Timeout{Seconds: 0}
	}
	if errors.Is(err, context.Canceled) {
		return &perr.CanceledByUser{}
	}
	var apiErr *llmapi.APIError
	if errors.As(err, &apiErr) {
		return &perr.ProviderError{Code: apiErr.StatusCode, Message: apiErr.ErrorInfo.Message}
	}
	return &perr.ProviderError{Code: 0, Message: err.Error()}
}
