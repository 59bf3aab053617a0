package render

import (
	"strings"

	"github.com/goccy/go-yaml"
)

// Frontmatter holds the recognized YAML frontmatter keys plus whatever else
// the block carried, per spec.md §4.3 "A template may begin with an optional
// YAML frontmatter block delimited by --- lines at the very start."
//
// Grounded on internal/semantic/config.LoadConfig's goccy/go-yaml usage,
// repurposed from a top-level "semantic:" wrapper key to a flat document.
type Frontmatter struct {
	SystemPrompt    string
	Model           string
	Temperature     *float64
	MaxOutputTokens *int
	Extra           map[string]interface{}
}

type rawFrontmatter struct {
	SystemPrompt    string                 `yaml:"system_prompt"`
	Model           string                 `yaml:"model"`
	Temperature     *float64               `yaml:"temperature"`
	MaxOutputTokens *int                   `yaml:"max_output_tokens"`
	Rest            map[string]interface{} `yaml:",inline"`
}

// SplitFrontmatter separates a leading "---\n...\n---\n" block from the
// template body. If the template does not begin with "---" on its first
// line, the whole input is returned as body with a nil Frontmatter.
func SplitFrontmatter(template string) (*Frontmatter, string, error) {
	if !strings.HasPrefix(template, "---\n") && template != "---" {
		return nil, template, nil
	}

	rest := strings.TrimPrefix(template, "---\n")
	idx := strings.Index(rest, "\n---\n")
	var block, body string
	if idx == -1 {
		if strings.HasSuffix(rest, "\n---") {
			block = strings.TrimSuffix(rest, "\n---")
			body = ""
		} else {
			// No closing delimiter: treat entire input as body, no frontmatter.
			return nil, template, nil
		}
	} else {
		block = rest[:idx]
		body = rest[idx+len("\n---\n"):]
	}

	var raw rawFrontmatter
	if err := yaml.Unmarshal([]byte(block), &raw); err != nil {
		return nil, "", err
	}

	fm := &Frontmatter{
		SystemPrompt:    raw.SystemPrompt,
		Model:           raw.Model,
		Temperature:     raw.Temperature,
		MaxOutputTokens: raw.MaxOutputTokens,
		Extra:           map[string]interface{}{},
	}
	for k, v := range raw.Rest {
		switch k {
		case "system_prompt", "model", "temperature", "max_output_tokens":
			continue
		default:
			fm.Extra[k] = v
		}
	}

	return fm, body, nil
}
