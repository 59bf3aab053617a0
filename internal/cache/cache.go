// Package cache implements the on-disk content-fingerprint cache named in
// spec.md §1 ("a small on-disk cache for file content fingerprints").
// Entries are rows of one SQLite database file (fingerprints.db) in the
// cache directory; no per-key {key_hash}.bin or {key_hash}.meta.json files
// are written.
//
// Grounded on internal/clarification/storage/sqlite.go's WAL-mode SQLite
// connection setup, repurposed from clarification-entry storage to
// fingerprint caching; the single shared mutable resource named in
// spec.md §5 is guarded here by a gofrs/flock advisory file lock so
// multiple promptforge processes sharing a cache directory don't race on
// the same key.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Entry is one cached fingerprint record (spec.md §6).
type Entry struct {
	Path     string
	MtimeNs  int64
	Size     int64
	Encoding string
	Content  string
}

// Cache is a SQLite-backed store of (path, mtime_ns, size) -> decoded
// content, plus a file lock guarding concurrent writers.
type Cache struct {
	db   *sql.DB
	lock *flock.Flock
	dir  string
}

// Open creates or opens the cache database at dir/fingerprints.db,
// initializing its schema and acquiring the directory's advisory lock file.
func Open(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	dbPath := filepath.Join(dir, "fingerprints.db")
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	db.SetMaxOpenConns(4)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fingerprints (
			key TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			mtime_ns INTEGER NOT NULL,
			size INTEGER NOT NULL,
			encoding TEXT NOT NULL,
			content TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	lock := flock.New(filepath.Join(dir, ".promptforge-cache.lock"))

	return &Cache{db: db, lock: lock, dir: dir}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error { return c.db.Close() }

func key(path string, mtimeNs, size int64) string {
	return fmt.Sprintf("%s|%d|%d", path, mtimeNs, size)
}

// Get looks up a fingerprint entry. ok is false on a cache miss.
func (c *Cache) Get(ctx context.Context, path string, mtimeNs, size int64) (Entry, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT encoding, content FROM fingerprints WHERE key = ?`,
		key(path, mtimeNs, size))

	var e Entry
	e.Path, e.MtimeNs, e.Size = path, mtimeNs, size
	if err := row.Scan(&e.Encoding, &e.Content); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

// Put inserts or replaces a fingerprint entry, holding the advisory file
// lock for the duration of the write — the (get, insert, evict) critical
// section named in spec.md §5.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	locked, err := c.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("cache lock held by another process")
	}
	defer c.lock.Unlock()

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO fingerprints (key, path, mtime_ns, size, encoding, content, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET encoding = excluded.encoding, content = excluded.content, updated_at = excluded.updated_at
	`, key(e.Path, e.MtimeNs, e.Size), e.Path, e.MtimeNs, e.Size, e.Encoding, e.Content, time.Now().Unix())
	return err
}

// Evict removes every entry for path regardless of mtime/size, used when a
// file is known to have changed out from under a stale fingerprint.
func (c *Cache) Evict(ctx context.Context, path string) error {
	locked, err := c.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("cache lock held by another process")
	}
	defer c.lock.Unlock()

	_, err = c.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE path = ?`, path)
	return err
}
