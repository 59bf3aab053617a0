package provider

import (
	"context"
	"path/filepath"
	"testing"
)

type fakeDownloader struct {
	dir string
}

func (f *fakeDownloader) Download(ctx context.Context, fileID, dir string) (string, error) {
	return filepath.Join(dir, fileID+".bin"), nil
}

func TestRunSentinelPassReplacesMentions(t *testing.T) {
	dl := &fakeDownloader{}
	mentions := []FileMention{{ProviderID: "file-123", RawText: "[download:file-123]"}}
	result, err := RunSentinelPass(context.Background(), "Here is your file [download:file-123].", mentions, dl, "/tmp/out")
	if err != nil {
		t.Fatalf("RunSentinelPass: %v", err)
	}
	if result.SentinelText != "Here is your file <<FILE:file-123>>." {
		t.Fatalf("got %q", result.SentinelText)
	}
	if result.Downloaded["file-123"] == "" {
		t.Fatal("expected a download path recorded")
	}
}

func TestRunSentinelPassMintsIDWhenMissing(t *testing.T) {
	dl := &fakeDownloader{}
	mentions := []FileMention{{}}
	result, err := RunSentinelPass(context.Background(), "no id here", mentions, dl, "/tmp/out")
	if err != nil {
		t.Fatalf("RunSentinelPass: %v", err)
	}
	if len(result.Downloaded) != 1 {
		t.Fatalf("expected one minted id, got %v", result.Downloaded)
	}
}

func TestSentinelIDsExtractsAllTokens(t *testing.T) {
	ids := SentinelIDs("see <<FILE:a>> and <<FILE:b>>")
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("got %v", ids)
	}
}
