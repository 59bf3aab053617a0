// Package attach implements the Attachment Registry (spec.md §4.2): it
// parses attachment specs, assigns aliases, computes target-tool sets, and
// lazily exposes file/dir/collection contents as typed objects to the
// template engine and the tool-upload layer.
//
// Lazy file reads are grounded on internal/filesystem/core/read.go;
// directory traversal and size accounting on
// internal/filesystem/core/directory.go, generalized from "read for an MCP
// response" to "expose lazily to a template and/or a tool upload".
package attach

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/samestrin/promptforge/internal/cache"
	"github.com/samestrin/promptforge/internal/perr"
)

// DiskCache is the on-disk content-fingerprint store (internal/cache.Cache)
// consulted as the second-level cache behind the process-local LRU, keyed
// by the same (canonical_path, mtime_ns, size) triple (spec.md §4.2, §6).
// Kept as an interface so tests can substitute a stub.
type DiskCache interface {
	Get(ctx context.Context, path string, mtimeNs, size int64) (cache.Entry, bool, error)
	Put(ctx context.Context, e cache.Entry) error
}

func errContentNotAvailable(alias string) error {
	return &perr.ContentNotAvailable{Alias: alias}
}

func errLimitExceeded(path string, size, max int64) error {
	return &perr.LimitExceeded{
		Limit:   "max_file_size",
		Message: fmt.Sprintf("%s is %d bytes, exceeds max_file_size %d", path, size, max),
	}
}

// Target is one of the four model-side tool destinations an attachment can
// be routed to (spec.md §3, §4.2).
type Target string

const (
	TargetPrompt   Target = "prompt"
	TargetCodeExec Target = "code_exec"
	TargetRetrieval Target = "retrieval"
	TargetUserData Target = "user_data"
)

// TargetSet is a non-empty set of Targets, order-insensitive.
type TargetSet map[Target]bool

// Has reports whether t is in the set.
func (s TargetSet) Has(t Target) bool { return s[t] }

// Slice returns the targets in a deterministic (lexicographic) order.
func (s TargetSet) Slice() []Target {
	out := make([]Target, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Kind distinguishes the three attachment shapes of spec.md §3.
type Kind string

const (
	KindFile       Kind = "file"
	KindDir        Kind = "dir"
	KindCollection Kind = "collection"
)

// Attachment is a user-declared binding of a path to an alias and a
// non-empty set of tool targets (spec.md §3).
type Attachment struct {
	Alias        string
	Path         string // absolute, canonical
	Kind         Kind
	Targets      TargetSet
	Pattern      string // glob, dirs only
	Recursive    bool   // dirs only
	ExplicitName bool
}

// aliasPattern is [A-Za-z_][A-Za-z0-9_]* — matched in spec.go during parsing.

// contentCache is the process-local, size-bounded LRU cache keyed by
// (canonical_path, mtime_ns, size) described in spec.md §4.2. It is shared
// by every FileRef created in a run.
type contentCache struct {
	mu       sync.Mutex
	order    []string
	entries  map[string]string
	capacity int
}

func newContentCache(capacity int) *contentCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &contentCache{entries: make(map[string]string), capacity: capacity}
}

func (c *contentCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if ok {
		for i, k := range c.order {
			if k == key {
				c.order = append(append(c.order[:i:i], c.order[i+1:]...), key)
				break
			}
		}
	}
	return v, ok
}

func (c *contentCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = value
}

// FileRef is a lazy handle to a single file's bytes and metadata
// (spec.md §3).
type FileRef struct {
	Path      string
	Name      string
	Stem      string
	Extension string
	Parent    string
	Size      int64
	Mtime     time.Time

	maxFileSize int64 // 0 = unlimited
	promptable  bool  // content only readable when routed to the prompt target
	cache       *contentCache
	disk        DiskCache

	once     sync.Once
	content  string
	encoding string
	hash     string
	readErr  error
}

// newFileRef stats path and builds the structural fields; content, encoding
// and hash are computed lazily on first access.
func newFileRef(path string, maxFileSize int64, promptable bool, cache *contentCache, disk DiskCache) (*FileRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, not a file", path)
	}
	ext := filepath.Ext(path)
	name := filepath.Base(path)
	return &FileRef{
		Path:        path,
		Name:        name,
		Stem:        strings.TrimSuffix(name, ext),
		Extension:   ext,
		Parent:      filepath.Dir(path),
		Size:        info.Size(),
		Mtime:       info.ModTime(),
		maxFileSize: maxFileSize,
		promptable:  promptable,
		cache:       cache,
		disk:        disk,
	}, nil
}

func (f *FileRef) cacheKey() string {
	return fmt.Sprintf("%s|%d|%d", f.Path, f.Mtime.UnixNano(), f.Size)
}

// Content lazily reads and returns the file's bytes as a string. It fails
// with ContentNotAvailable if the attachment was not routed to the
// prompt target, and with a size-limit error if Size exceeds maxFileSize.
func (f *FileRef) Content() (string, error) {
	if !f.promptable {
		return "", errContentNotAvailable(f.Name)
	}
	if f.maxFileSize > 0 && f.Size > f.maxFileSize {
		return "", errLimitExceeded(f.Path, f.Size, f.maxFileSize)
	}
	f.once.Do(func() {
		if f.cache != nil {
			if cached, ok := f.cache.get(f.cacheKey()); ok {
				f.content = cached
				f.encoding = detectEncoding([]byte(cached))
				return
			}
		}
		if f.disk != nil {
			entry, ok, err := f.disk.Get(context.Background(), f.Path, f.Mtime.UnixNano(), f.Size)
			if err == nil && ok {
				f.content = entry.Content
				f.encoding = entry.Encoding
				if f.cache != nil {
					f.cache.put(f.cacheKey(), f.content)
				}
				return
			}
		}
		data, err := os.ReadFile(f.Path)
		if err != nil {
			f.readErr = err
			return
		}
		f.content = string(data)
		f.encoding = detectEncoding(data)
		if f.cache != nil {
			f.cache.put(f.cacheKey(), f.content)
		}
		if f.disk != nil {
			_ = f.disk.Put(context.Background(), cache.Entry{
				Path:     f.Path,
				MtimeNs:  f.Mtime.UnixNano(),
				Size:     f.Size,
				Encoding: f.encoding,
				Content:  f.content,
			})
		}
	})
	return f.content, f.readErr
}

// Encoding reports the detected text encoding, triggering a content read if
// not already performed (spec.md §3, SPEC_FULL.md §3 Ambient additions).
func (f *FileRef) Encoding() (string, error) {
	if _, err := f.Content(); err != nil {
		return "", err
	}
	return f.encoding, nil
}

// Hash lazily computes the SHA-256 of the file's bytes.
func (f *FileRef) Hash() (string, error) {
	content, err := f.Content()
	if err != nil {
		return "", err
	}
	if f.hash == "" {
		sum := sha256.Sum256([]byte(content))
		f.hash = hex.EncodeToString(sum[:])
	}
	return f.hash, nil
}

// detectEncoding applies a small BOM/validity heuristic (SPEC_FULL.md §2
// Supplemented features).
func detectEncoding(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return "utf-8-bom"
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return "utf-16-le"
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return "utf-16-be"
	case isValidUTF8(data):
		return "utf-8"
	default:
		return "binary"
	}
}

func isValidUTF8(data []byte) bool {
	return utf8.Valid(data)
}

// DirRef is a lazy handle to a directory: its path, name and parent, the
// pattern and recursion flag it was expanded with, and a deterministic,
// ordered set of matching FileRefs (spec.md §3). It carries no size, mtime,
// stem or extension of its own.
type DirRef struct {
	Path      string
	Name      string
	Parent    string
	Pattern   string
	Recursive bool

	Files []*FileRef // sorted lexicographically by relative path
}

// CollectionRef is an ordered sequence of FileRefs from an explicit list
// file (spec.md §3, §6).
type CollectionRef struct {
	Files []*FileRef
}
