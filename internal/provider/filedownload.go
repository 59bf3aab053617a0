package provider

import (
	"context"
	"regexp"

	"github.com/samestrin/promptforge/internal/provider/llmapi"
)

// OpenAIFileDownloader adapts llmapi.LLMClient's Files-API download endpoint
// to the FileDownloader interface the two-pass sentinel workaround needs
// (spec.md §4.4 "Two-pass sentinel workaround").
type OpenAIFileDownloader struct {
	Client *llmapi.LLMClient
}

// Download fetches fileID through the same client used for the chat
// completion call, writing it under dir.
func (d OpenAIFileDownloader) Download(ctx context.Context, fileID, dir string) (string, error) {
	return d.Client.DownloadFile(ctx, fileID, dir)
}

// mentionPattern recognizes an OpenAI-style generated-file id referenced in
// a first-pass response body, e.g. "the chart is in file-AbC123xyz".
var mentionPattern = regexp.MustCompile(`file-[A-Za-z0-9]{8,}`)

// DefaultMentionExtractor finds every distinct provider file id mentioned in
// text, preserving first-occurrence order (spec.md §4.4 "Two-pass sentinel
// workaround").
func DefaultMentionExtractor(text string) []FileMention {
	ids := mentionPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(ids))
	mentions := make([]FileMention, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		mentions = append(mentions, FileMention{ProviderID: id, RawText: id})
	}
	return mentions
}
