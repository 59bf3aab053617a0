package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	e := Entry{Path: "/tmp/notes.txt", MtimeNs: 1234, Size: 11, Encoding: "utf-8", Content: "hello world"}
	if err := c.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := c.Get(ctx, e.Path, e.MtimeNs, e.Size)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Content != e.Content || got.Encoding != e.Encoding {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestGetMissOnDifferentFingerprint(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	_, ok, err := c.Get(ctx, "/tmp/missing.txt", 1, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected cache miss")
	}
}

func TestEvictRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	e := Entry{Path: "/tmp/a.txt", MtimeNs: 1, Size: 1, Encoding: "utf-8", Content: "a"}
	if err := c.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Evict(ctx, e.Path); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	_, ok, err := c.Get(ctx, e.Path, e.MtimeNs, e.Size)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss after evict")
	}
}

func TestOpenRejectsEmptyDir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestOpenCreatesDBFile(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	if _, err := os.Stat(filepath.Join(dir, "fingerprints.db")); err != nil {
		t.Fatal(err)
	}
}
