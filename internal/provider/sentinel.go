package provider

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// sentinelPattern matches the placeholder tokens the two-pass workaround
// substitutes for downloaded file references (spec.md §4.4 "sentinel tokens
// of the form <<FILE:{id}>>").
var sentinelPattern = regexp.MustCompile(`<<FILE:([A-Za-z0-9-]+)>>`)

// FileDownloader fetches one provider-produced file by its response-side id
// and writes it under dir, returning the path it wrote.
type FileDownloader interface {
	Download(ctx context.Context, fileID, dir string) (path string, err error)
}

// FileMention is one file reference recognized in a first-pass response
// body, before sentinel substitution.
type FileMention struct {
	ProviderID string // empty when the provider gave no stable id
	RawText    string // the substring actually replaced
}

// SentinelResult carries the output of the two-pass workaround: the
// sentinel-substituted text to feed into pass two, plus the mapping from
// sentinel id to the file actually downloaded (spec.md §4.4).
type SentinelResult struct {
	SentinelText string
	Downloaded   map[string]string // sentinel id -> path on disk
}

// RunSentinelPass downloads every file mention in mentions,
// replacing each with a <<FILE:{id}>> token in the response text. A
// google/uuid correlation id is minted whenever the provider omitted a
// stable file id, per SPEC_FULL.md §4.4.
func RunSentinelPass(ctx context.Context, responseText string, mentions []FileMention, dl FileDownloader, outputDir string) (SentinelResult, error) {
	result := SentinelResult{Downloaded: map[string]string{}}
	text := responseText

	for _, m := range mentions {
		id := m.ProviderID
		if id == "" {
			id = uuid.NewString()
		}
		path, err := dl.Download(ctx, id, outputDir)
		if err != nil {
			return SentinelResult{}, fmt.Errorf("download %s: %w", id, err)
		}
		result.Downloaded[id] = path
		token := fmt.Sprintf("<<FILE:%s>>", id)
		if m.RawText != "" {
			text = strings.Replace(text, m.RawText, token, 1)
		} else {
			text = text + " " + token
		}
	}

	result.SentinelText = text
	return result, nil
}

// SentinelIDs returns every sentinel id referenced in text, in order of
// appearance.
func SentinelIDs(text string) []string {
	matches := sentinelPattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}
