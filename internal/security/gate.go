// Package security implements the Path-Security Gate: canonicalization,
// symlink-loop detection, and allow/deny decisions under one of three
// policy modes. Grounded on internal/filesystem/core/utils.go's
// ValidatePath/NormalizePath/ResolveSymlink, generalized from a single
// allowed-dirs list into the three-mode policy of spec.md §4.1.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samestrin/promptforge/internal/perr"
)

// Mode selects how the gate treats paths outside the base directory.
type Mode string

const (
	ModePermissive Mode = "permissive"
	ModeWarn       Mode = "warn"
	ModeStrict     Mode = "strict"
)

// maxSymlinkDepth bounds symlink chain length (spec §4.1, §8 boundary test).
const maxSymlinkDepth = 40

// Policy configures the gate for one run.
type Policy struct {
	Mode       Mode
	BaseDir    string
	AllowDirs  []string
	AllowFiles []string
}

// Gate is a pure function of (path, Policy) — the same path+policy pair
// always yields the same decision, regardless of call order.
type Gate struct {
	policy Policy
}

// New builds a Gate over the given policy, normalizing its directories up
// front so repeated Check calls don't re-normalize them.
func New(policy Policy) (*Gate, error) {
	norm := policy
	if norm.BaseDir != "" {
		b, err := canonicalizeNoFollow(norm.BaseDir)
		if err != nil {
			return nil, &perr.PathInvalid{Path: norm.BaseDir, Reason: err.Error()}
		}
		norm.BaseDir = b
	}
	dirs := make([]string, 0, len(norm.AllowDirs))
	for _, d := range norm.AllowDirs {
		c, err := canonicalizeNoFollow(d)
		if err != nil {
			return nil, &perr.PathInvalid{Path: d, Reason: err.Error()}
		}
		dirs = append(dirs, c)
	}
	norm.AllowDirs = dirs
	files := make([]string, 0, len(norm.AllowFiles))
	for _, f := range norm.AllowFiles {
		c, err := canonicalizeNoFollow(f)
		if err != nil {
			return nil, &perr.PathInvalid{Path: f, Reason: err.Error()}
		}
		files = append(files, c)
	}
	norm.AllowFiles = files
	return &Gate{policy: norm}, nil
}

// Warning is recorded by Check in ModeWarn for paths outside the allow set;
// callers collect these into RunSummary.Warnings.
type Warning struct {
	Path   string
	Reason string
}

// Check canonicalizes path, resolves its symlink chain, and decides
// allow/deny under the active policy. It returns the canonical path and,
// in ModeWarn, a non-nil *Warning when the path falls outside the allow set
// (the call still succeeds in that mode).
func (g *Gate) Check(path string) (string, *Warning, error) {
	if err := validateComponents(path); err != nil {
		return "", nil, err
	}

	canon, err := resolveSymlinks(path)
	if err != nil {
		return "", nil, err
	}

	switch g.policy.Mode {
	case ModePermissive:
		return canon, nil, nil
	case ModeWarn:
		if g.allowed(canon) {
			return canon, nil, nil
		}
		return canon, &Warning{Path: canon, Reason: "outside base directory and allow-list"}, nil
	case ModeStrict:
		if g.allowed(canon) {
			return canon, nil, nil
		}
		return "", nil, &perr.PathDenied{Path: canon, Reason: "outside base directory and allow-list under strict mode"}
	default:
		return "", nil, &perr.PathInvalid{Path: path, Reason: fmt.Sprintf("unknown security mode %q", g.policy.Mode)}
	}
}

func (g *Gate) allowed(canon string) bool {
	if g.policy.BaseDir != "" && isUnderOrEqual(canon, g.policy.BaseDir) {
		return true
	}
	for _, d := range g.policy.AllowDirs {
		if isUnderOrEqual(canon, d) {
			return true
		}
	}
	for _, f := range g.policy.AllowFiles {
		if canon == f {
			return true
		}
	}
	// No base dir and no allow-list configured means nothing is scoped: treat
	// as allowed so warn/strict only bite when the caller actually opted in
	// to a restricted policy.
	if g.policy.BaseDir == "" && len(g.policy.AllowDirs) == 0 && len(g.policy.AllowFiles) == 0 {
		return true
	}
	return false
}

func isUnderOrEqual(path, dir string) bool {
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

func validateComponents(path string) error {
	if path == "" {
		return &perr.PathInvalid{Path: path, Reason: "empty path"}
	}
	normalized := strings.ReplaceAll(path, "\\", "/")
	for _, component := range strings.Split(normalized, "/") {
		if component == "" {
			continue
		}
		if strings.ContainsRune(component, 0) {
			return &perr.PathInvalid{Path: path, Reason: "NUL byte in path component"}
		}
	}
	return nil
}

// canonicalizeNoFollow cleans and absolutizes a path without requiring it to
// exist (used for base-dir/allow-dir/allow-file normalization, which may
// name paths created later in the run).
func canonicalizeNoFollow(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// resolveSymlinks walks path component by component from the root,
// resolving any symlink encountered at each step (not just a symlink at the
// final path element — a symlinked intermediate directory must also
// canonicalize to its real target, or isUnderOrEqual's prefix check can be
// fooled into treating an escaped path as still inside BaseDir/AllowDirs).
// Visited canonical forms are tracked per hop so a cycle is detected rather
// than looping forever, and total hops are capped at maxSymlinkDepth.
func resolveSymlinks(path string) (string, error) {
	canon, err := canonicalizeNoFollow(path)
	if err != nil {
		return "", &perr.PathInvalid{Path: path, Reason: err.Error()}
	}

	vol := filepath.VolumeName(canon)
	rest := strings.TrimPrefix(canon[len(vol):], string(filepath.Separator))
	var components []string
	if rest != "" {
		components = strings.Split(rest, string(filepath.Separator))
	}

	visited := make(map[string]bool)
	hops := 0
	current := vol + string(filepath.Separator)

	for i, component := range components {
		current = filepath.Join(current, component)

		for {
			info, err := os.Lstat(current)
			if err != nil {
				// This component (and everything after it) doesn't exist yet
				// — e.g. an output file to be created. Nothing further to
				// resolve; append the remaining components as-is.
				return filepath.Join(append([]string{current}, components[i+1:]...)...), nil
			}
			if info.Mode()&os.ModeSymlink == 0 {
				break
			}
			if hops >= maxSymlinkDepth || visited[current] {
				return "", &perr.SymlinkLoop{Path: path}
			}
			visited[current] = true
			hops++

			target, err := os.Readlink(current)
			if err != nil {
				return "", &perr.PathInvalid{Path: current, Reason: err.Error()}
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(current), target)
			}
			current = filepath.Clean(target)
		}
	}

	return current, nil
}
