// Package upload drives the bounded-concurrency delivery of
// attachments to their non-prompt tool targets (code_exec, retrieval,
// user_data), per spec.md §5 "Parallelism is bounded by a small worker
// pool (default 4) used for uploading multiple attachments."
//
// Grounded on pkg/llmapi/concurrency.go's BatchProcessor, which uses
// golang.org/x/sync/errgroup with SetLimit to fan out LLM calls while
// preserving per-item ordering in the result slice; the same shape is
// reused here for file uploads instead of prompt completions.
package upload

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/samestrin/promptforge/internal/attach"
)

// DefaultConcurrency is the default worker pool size (spec.md §5).
const DefaultConcurrency = 4

// Uploaded describes where an uploaded file ends up and how to reach it
// afterward (e.g. a provider-assigned file id for code_exec/retrieval
// attachments).
type Uploaded struct {
	Alias    string
	File     *attach.FileRef
	RemoteID string
	Err      error
}

// Uploader performs the actual transfer of one file to one tool target.
// Implementations wrap the code-exec, retrieval, or user-data client.
type Uploader interface {
	Upload(ctx context.Context, alias string, file *attach.FileRef) (remoteID string, err error)
}

// Pool runs Uploader.Upload over a set of files with bounded concurrency,
// preserving the original ordering of the results slice regardless of
// completion order.
type Pool struct {
	Uploader    Uploader
	Concurrency int
}

// NewPool builds a Pool with the given concurrency, defaulting to
// DefaultConcurrency when n <= 0.
func NewPool(u Uploader, n int) *Pool {
	if n <= 0 {
		n = DefaultConcurrency
	}
	return &Pool{Uploader: u, Concurrency: n}
}

// Run uploads every (alias, file) pair concurrently, bounded by
// p.Concurrency, and returns one Uploaded per input in the same order.
// A single item's failure does not cancel the others — each result simply
// carries its own Err, mirroring BatchProcessor.ProcessItems's
// "don't propagate error" contract so partial upload failures are
// reportable per-attachment rather than aborting the whole run.
func (p *Pool) Run(ctx context.Context, files []struct {
	Alias string
	File  *attach.FileRef
}) []Uploaded {
	results := make([]Uploaded, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)

	for i, item := range files {
		i, item := i, item
		g.Go(func() error {
			id, err := p.Uploader.Upload(gctx, item.Alias, item.File)
			results[i] = Uploaded{Alias: item.Alias, File: item.File, RemoteID: id, Err: err}
			return nil
		})
	}
	g.Wait()

	return results
}
