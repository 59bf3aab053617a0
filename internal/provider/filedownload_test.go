package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/samestrin/promptforge/internal/provider/llmapi"
)

func TestDefaultMentionExtractorFindsDistinctIDsInOrder(t *testing.T) {
	text := "See file-AbC12345 for the chart, also file-AbC12345 again and file-ZzZ98765."
	mentions := DefaultMentionExtractor(text)
	if len(mentions) != 2 {
		t.Fatalf("expected 2 distinct mentions, got %d: %v", len(mentions), mentions)
	}
	if mentions[0].ProviderID != "file-AbC12345" || mentions[1].ProviderID != "file-ZzZ98765" {
		t.Fatalf("unexpected mention order: %v", mentions)
	}
}

func TestDefaultMentionExtractorEmptyForPlainText(t *testing.T) {
	if mentions := DefaultMentionExtractor("nothing to see here"); len(mentions) != 0 {
		t.Fatalf("expected no mentions, got %v", mentions)
	}
}

func TestOpenAIFileDownloaderWritesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/file-abc/content" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte("file contents"))
	}))
	defer srv.Close()

	client := llmapi.NewLLMClient("test-key", srv.URL, "gpt-4o")
	dl := OpenAIFileDownloader{Client: client}

	dir := t.TempDir()
	path, err := dl.Download(context.Background(), "file-abc", dir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "file contents" {
		t.Fatalf("got %q", data)
	}
}
