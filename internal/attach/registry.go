package attach

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/samestrin/promptforge/internal/perr"
	"github.com/samestrin/promptforge/internal/security"
)

// PathChecker is the subset of security.Gate the registry depends on, kept
// as an interface so tests can substitute a stub gate.
type PathChecker interface {
	Check(path string) (canonical string, warning *security.Warning, err error)
}

// Options configures registry construction.
type Options struct {
	Gate             PathChecker
	MaxFileSize      int64 // 0 = unlimited
	RespectGitignore bool
	CacheCapacity    int
	Disk             DiskCache // optional on-disk L2 cache behind the in-memory LRU
}

// Registry owns every Attachment, FileRef, DirRef, and CollectionRef
// constructed for one run (spec.md §3 AttachmentRegistry).
type Registry struct {
	opts     Options
	cache    *contentCache
	aliases  map[string]*entry
	order    []string // aliases in declaration order
	warnings []security.Warning
}

type entry struct {
	attachment Attachment
	file       *FileRef
	dir        *DirRef
	collection *CollectionRef
}

// New creates an empty registry.
func New(opts Options) *Registry {
	return &Registry{
		opts:    opts,
		cache:   newContentCache(opts.CacheCapacity),
		aliases: make(map[string]*entry),
	}
}

// Warnings returns every ModeWarn notice recorded while adding attachments.
func (r *Registry) Warnings() []security.Warning { return r.warnings }

// Add parses, validates, and registers one attachment spec, returning the
// constructed Attachment. Errors are AliasConflict, PathDenied, or
// InvalidSpec per spec.md §4.2.
func (r *Registry) Add(raw RawSpec) (Attachment, error) {
	if len(raw.Targets) == 0 {
		return Attachment{}, &perr.InvalidSpec{Spec: raw.Path, Reason: "empty target set"}
	}
	if raw.Kind == KindFile && (raw.Pattern != "" || raw.Recursive) {
		return Attachment{}, &perr.InvalidSpec{Spec: raw.Path, Reason: "pattern/recursive only valid for dir attachments"}
	}

	canon, warning, err := r.opts.Gate.Check(raw.Path)
	if err != nil {
		return Attachment{}, err
	}
	if warning != nil {
		r.warnings = append(r.warnings, *warning)
	}

	alias := raw.Alias
	if alias == "" {
		alias = DeriveAlias(filepath.Base(strings.TrimSuffix(canon, string(filepath.Separator))))
	}
	if !ValidAlias(alias) {
		return Attachment{}, &perr.InvalidSpec{Spec: raw.Path, Reason: fmt.Sprintf("alias %q is not a legal identifier", alias)}
	}
	if _, exists := r.aliases[alias]; exists {
		return Attachment{}, &perr.AliasConflict{Alias: alias}
	}

	targets := make(TargetSet)
	for _, t := range raw.Targets {
		targets[t] = true
	}
	promptable := targets.Has(TargetPrompt)

	att := Attachment{
		Alias:        alias,
		Path:         canon,
		Kind:         raw.Kind,
		Targets:      targets,
		Pattern:      raw.Pattern,
		Recursive:    raw.Recursive,
		ExplicitName: raw.ExplicitName,
	}

	e := &entry{attachment: att}
	switch raw.Kind {
	case KindFile:
		fr, err := newFileRef(canon, r.opts.MaxFileSize, promptable, r.cache, r.opts.Disk)
		if err != nil {
			return Attachment{}, &perr.InvalidSpec{Spec: raw.Path, Reason: err.Error()}
		}
		e.file = fr
	case KindDir:
		dr, err := r.expandDir(canon, raw, promptable)
		if err != nil {
			return Attachment{}, err
		}
		e.dir = dr
	case KindCollection:
		cr, err := r.expandCollection(canon, promptable)
		if err != nil {
			return Attachment{}, err
		}
		e.collection = cr
	default:
		return Attachment{}, &perr.InvalidSpec{Spec: raw.Path, Reason: fmt.Sprintf("unknown kind %q", raw.Kind)}
	}

	r.aliases[alias] = e
	r.order = append(r.order, alias)
	return att, nil
}

// expandDir walks canon and builds the sorted FileRef list matching
// pattern/recursive, per spec.md §4.2 "Directory expansion". Default
// pattern is "**/*" when recursive, else "*"; VCS/build directories are
// skipped by default (internal/support/utils.ExcludedDirs equivalent) and
// .gitignore is additionally honored when RespectGitignore is set.
func (r *Registry) expandDir(canon string, raw RawSpec, promptable bool) (*DirRef, error) {
	info, err := os.Stat(canon)
	if err != nil {
		return nil, &perr.InvalidSpec{Spec: raw.Path, Reason: err.Error()}
	}
	if !info.IsDir() {
		return nil, &perr.InvalidSpec{Spec: raw.Path, Reason: "not a directory"}
	}

	pattern := raw.Pattern
	if pattern == "" {
		if raw.Recursive {
			pattern = "**/*"
		} else {
			pattern = "*"
		}
	}

	var ignorer *gitignore.GitIgnore
	if r.opts.RespectGitignore {
		if gi, err := gitignore.CompileIgnoreFile(filepath.Join(canon, ".gitignore")); err == nil {
			ignorer = gi
		}
	}

	var relPaths []string
	err = filepath.WalkDir(canon, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == canon {
			return nil
		}
		rel, relErr := filepath.Rel(canon, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			if !raw.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if ignorer != nil && ignorer.MatchesPath(rel) {
			return nil
		}
		matched, _ := doublestar.Match(pattern, rel)
		if !matched {
			return nil
		}
		relPaths = append(relPaths, rel)
		return nil
	})
	if err != nil {
		return nil, &perr.InvalidSpec{Spec: raw.Path, Reason: err.Error()}
	}

	sort.Strings(relPaths)

	files := make([]*FileRef, 0, len(relPaths))
	for _, rel := range relPaths {
		full := filepath.Join(canon, filepath.FromSlash(rel))
		fr, err := newFileRef(full, r.opts.MaxFileSize, promptable, r.cache, r.opts.Disk)
		if err != nil {
			continue // entry disappeared or is unreadable mid-walk; skip rather than abort the whole dir
		}
		files = append(files, fr)
	}

	return &DirRef{
		Path:      canon,
		Name:      filepath.Base(canon),
		Parent:    filepath.Dir(canon),
		Pattern:   pattern,
		Recursive: raw.Recursive,
		Files:     files,
	}, nil
}

func (r *Registry) expandCollection(listPath string, promptable bool) (*CollectionRef, error) {
	paths, err := ReadCollectionList(listPath)
	if err != nil {
		return nil, &perr.InvalidSpec{Spec: listPath, Reason: err.Error()}
	}
	files := make([]*FileRef, 0, len(paths))
	for _, p := range paths {
		canon, _, err := r.opts.Gate.Check(p)
		if err != nil {
			return nil, err
		}
		fr, err := newFileRef(canon, r.opts.MaxFileSize, promptable, r.cache, r.opts.Disk)
		if err != nil {
			return nil, &perr.InvalidSpec{Spec: p, Reason: err.Error()}
		}
		files = append(files, fr)
	}
	return &CollectionRef{Files: files}, nil
}

var excludedDirs = map[string]bool{
	".git": true, "node_modules": true, "dist": true, "build": true,
	"__pycache__": true, ".pytest_cache": true, "target": true,
	"coverage": true, ".nyc_output": true, ".next": true, ".nuxt": true,
	"vendor": true, ".venv": true, "venv": true, ".idea": true,
	".vscode": true, ".gradle": true, ".mvn": true, "bin": true,
	"obj": true, "out": true, ".cache": true, ".terraform": true,
}

func isExcludedDir(name string) bool { return excludedDirs[name] }

// ByAlias returns the typed ref registered under alias: *FileRef, *DirRef,
// or *CollectionRef. Fails with UnknownAlias otherwise.
func (r *Registry) ByAlias(alias string) (interface{}, error) {
	e, ok := r.aliases[alias]
	if !ok {
		return nil, &perr.UnknownAlias{Alias: alias}
	}
	switch {
	case e.file != nil:
		return e.file, nil
	case e.dir != nil:
		return e.dir, nil
	case e.collection != nil:
		return e.collection, nil
	}
	return nil, &perr.UnknownAlias{Alias: alias}
}

// Attachment returns the Attachment record registered under alias.
func (r *Registry) Attachment(alias string) (Attachment, error) {
	e, ok := r.aliases[alias]
	if !ok {
		return Attachment{}, &perr.UnknownAlias{Alias: alias}
	}
	return e.attachment, nil
}

// Aliases returns every registered alias in sorted order (spec.md §3:
// "attachments sorted by alias").
func (r *Registry) Aliases() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	sort.Strings(out)
	return out
}

// FilesFor returns every FileRef routed to target, across files, directory
// expansions, and collections, ordered by alias then by relative path
// within a directory (spec.md §4.2, §5 ordering guarantees).
func (r *Registry) FilesFor(target Target) []*FileRef {
	var out []*FileRef
	for _, alias := range r.Aliases() {
		e := r.aliases[alias]
		if !e.attachment.Targets.Has(target) {
			continue
		}
		switch {
		case e.file != nil:
			out = append(out, e.file)
		case e.dir != nil:
			out = append(out, e.dir.Files...)
		case e.collection != nil:
			out = append(out, e.collection.Files...)
		}
	}
	return out
}

// TargetSummary is one row of Registry.Summary().
type TargetSummary struct {
	Count        int
	TotalBytes   int64
	SizeReadable string
}

// Summary returns per-target {count, total_bytes} across all registered
// attachments (spec.md §4.2), with a human-readable size string for dry-run
// and RunSummary rendering.
func (r *Registry) Summary() map[Target]TargetSummary {
	result := make(map[Target]TargetSummary)
	for _, target := range []Target{TargetPrompt, TargetCodeExec, TargetRetrieval, TargetUserData} {
		var s TargetSummary
		for _, f := range r.FilesFor(target) {
			s.Count++
			s.TotalBytes += f.Size
		}
		s.SizeReadable = humanize.Bytes(uint64(s.TotalBytes))
		result[target] = s
	}
	return result
}
