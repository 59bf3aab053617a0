// Package llmapi is the adapted OpenAI-compatible structured-output client:
// pkg/llmapi/client.go generalized with a ResponseFormat field so callers
// can request strict JSON-Schema structured output (spec.md §4.4 "Call
// shape"), plus jittered exponential backoff on the existing retry loop.
package llmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// LLMClient is an OpenAI-compatible API client with retry support and
// structured-output mode, adapted from pkg/llmapi.LLMClient.
type LLMClient struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client

	MaxRetries   int
	RetryDelay   time.Duration
	RetryBackoff float64
}

// NewLLMClient constructs a client with the teacher's retry defaults
// (3 retries, 1s base delay, factor 2).
func NewLLMClient(apiKey, baseURL, model string) *LLMClient {
	return &LLMClient{
		APIKey:       apiKey,
		BaseURL:      baseURL,
		Model:        model,
		HTTPClient:   &http.Client{Timeout: 120 * time.Second},
		MaxRetries:   3,
		RetryDelay:   1 * time.Second,
		RetryBackoff: 2.0,
	}
}

// Message is a single chat-completion message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JSONSchemaFormat is the OpenAI-style strict structured-output directive
// (spec.md §4.4: "the provider-ready schema (OpenAI-style json_schema
// strict mode)").
type JSONSchemaFormat struct {
	Name   string                 `json:"name"`
	Strict bool                   `json:"strict"`
	Schema map[string]interface{} `json:"schema"`
}

// ResponseFormat selects plain-text or structured-output decoding.
type ResponseFormat struct {
	Type       string            `json:"type"` // "text" | "json_schema"
	JSONSchema *JSONSchemaFormat `json:"json_schema,omitempty"`
}

// ChatRequest is a chat completion request, generalized from
// pkg/llmapi.ChatRequest with a ResponseFormat field.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Result is the raw provider response content plus token usage, handed to
// internal/provider for extraction/validation.
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// APIError represents a provider HTTP error response.
type APIError struct {
	ErrorInfo struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.ErrorInfo.Message)
}

// Complete issues req with retry, returning the raw content and usage.
func (c *LLMClient) Complete(ctx context.Context, req ChatRequest) (Result, error) {
	return c.doRequestWithRetry(ctx, req)
}

// doRequestWithRetry reuses pkg/llmapi's exponential-backoff loop, adding
// +/-20% jitter so concurrent callers don't retry in lockstep.
func (c *LLMClient) doRequestWithRetry(ctx context.Context, req ChatRequest) (Result, error) {
	var lastErr error

	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := c.RetryDelay
	if baseDelay <= 0 {
		baseDelay = 1 * time.Second
	}
	backoff := c.RetryBackoff
	if backoff <= 0 {
		backoff = 2.0
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(baseDelay) * math.Pow(backoff, float64(attempt-1)))
			delay = jitter(delay)
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.doRequest(ctx, req)
		if err == nil {
			return result, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if !isRetryable(apiErr.StatusCode) {
				return Result{}, err
			}
		}
		lastErr = err
	}

	return Result{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// DownloadFile fetches a previously-generated file by its provider id and
// writes its bytes under dir, returning the path written (OpenAI-style Files
// API: GET /files/{file_id}/content), for the two-pass sentinel workaround's
// download step (spec.md §4.4).
func (c *LLMClient) DownloadFile(ctx context.Context, fileID, dir string) (string, error) {
	url := c.BaseURL + "/files/" + fileID + "/content"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read download response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) == nil && apiErr.ErrorInfo.Message != "" {
			return "", apiErr
		}
		apiErr.ErrorInfo.Message = fmt.Sprintf("status %d", resp.StatusCode)
		return "", apiErr
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	path := filepath.Join(dir, fileID)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("failed to write downloaded file: %w", err)
	}
	return path, nil
}

func jitter(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4 // +/-20%
	return time.Duration(float64(d) * factor)
}

func isRetryable(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (c *LLMClient) doRequest(ctx context.Context, req ChatRequest) (Result, error) {
	req.Model = c.Model
	reqBody, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) == nil && apiErr.ErrorInfo.Message != "" {
			return Result{}, apiErr
		}
		apiErr.ErrorInfo.Message = fmt.Sprintf("status %d", resp.StatusCode)
		return Result{}, apiErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, errors.New("no choices in response")
	}

	return Result{
		Content:          parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}
