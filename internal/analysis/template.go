package analysis

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Placeholders every prompt template must contain.
const (
	PlaceholderTitle       = "{title}"
	PlaceholderDescription = "{issue_description}"
	PlaceholderCodebase    = "{codebase_content}"
)

var requiredPlaceholders = []string{PlaceholderTitle, PlaceholderDescription, PlaceholderCodebase}

// ErrInvalidTemplate is returned when a custom prompt lacks a placeholder.
var ErrInvalidTemplate = errors.New("invalid prompt template")

// DefaultTemplate is used when no custom prompt is configured.
const DefaultTemplate = `You are an expert software engineer triaging an issue filed against the codebase below.
Investigate the codebase before answering: name real files, functions and components.

ISSUE
Title: {title}
Description:
{issue_description}

CODEBASE
{codebase_content}

ANALYSIS REQUIREMENTS
1. Classification: bug, enhancement, feature_request, documentation, question or task.
2. Severity: low, medium, high or critical, judged by user impact.
3. Root cause: the primary cause, grounded in specific code.
4. Code locations: relevant files, with line numbers, functions and classes where known.
5. Proposed solutions: concrete changes, best first, each with a rationale.
6. Confidence: how sure you are of this analysis, from 0.0 to 1.0.
7. Summary: a short paragraph a maintainer can read in ten seconds.`

// Template is a validated analysis prompt template.
type Template struct {
	text   string
	source string
}

// ParseTemplate validates text as a prompt template. Each of the three
// placeholders must appear at least once. Other braces are left alone, so
// templates may contain literal JSON examples.
func ParseTemplate(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: template is empty", ErrInvalidTemplate)
	}
	var missing []string
	for _, p := range requiredPlaceholders {
		if !strings.Contains(text, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required placeholder(s) %s (available: %s)",
			ErrInvalidTemplate, strings.Join(missing, ", "), strings.Join(requiredPlaceholders, ", "))
	}
	return &Template{text: text, source: "custom"}, nil
}

// LoadTemplate reads a template from path. An empty path selects the
// built-in default.
func LoadTemplate(path string) (*Template, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompt template: %w", err)
	}
	t, err := ParseTemplate(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.source = path
	return t, nil
}

// Default returns the built-in template
func Default() *Template {
	return &Template{text: DefaultTemplate, source: "default"}
}

// Source describes where the template came from ("default", "custom" or a path).
func (t *Template) Source() string { return t.source }

// Render substitutes the placeholders in a single pass, so placeholder-like
// text inside the issue itself is never expanded.
func (t *Template) Render(title, description, codebase string) string {
	return strings.NewReplacer(
		PlaceholderTitle, title,
		PlaceholderDescription, description,
		PlaceholderCodebase, codebase,
	).Replace(t.text)
}
