package ai

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Model defaults per provider. The Anthropic model is the overall default.
const (
	ModelSonnet = "claude-sonnet-4-5-20250929"
	ModelGPT    = "gpt-4o-mini"
	ModelGemini = "gemini-2.0-flash-001"
)

// ProviderName identifies a reasoning API backend
type ProviderName string

const (
	ProviderAnthropic ProviderName = "anthropic"
	ProviderOpenAI    ProviderName = "openai"
	ProviderGemini    ProviderName = "gemini"
)

// IsValid checks if the provider name is known
func (p ProviderName) IsValid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini:
		return true
	}
	return false
}

// DefaultModel returns the model used when none is configured.
func (p ProviderName) DefaultModel() string {
	switch p {
	case ProviderOpenAI:
		return ModelGPT
	case ProviderGemini:
		return ModelGemini
	default:
		return ModelSonnet
	}
}

// Request is a single completion request
type Request struct {
	System    string
	Prompt    string
	MaxTokens int

	// Schema, when set, is the JSON schema the response must follow.
	// Providers that support structured output enforce it natively.
	Schema     any
	SchemaName string
}

// Completion is a provider response
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Provider is a reasoning API backend
type Provider interface {
	Name() ProviderName
	Model() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@/-]{1,127}$`)

// ProviderForModel infers the provider from a model identifier.
// An empty model maps to the default provider.
func ProviderForModel(model string) (ProviderName, error) {
	if model == "" {
		return ProviderAnthropic, nil
	}
	if !modelIDPattern.MatchString(model) {
		return "", fmt.Errorf("invalid model identifier %q", model)
	}

	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	switch {
	case strings.HasPrefix(m, "claude-"):
		return ProviderAnthropic, nil
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "chatgpt-"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return ProviderOpenAI, nil
	case strings.HasPrefix(m, "gemini-"):
		return ProviderGemini, nil
	}
	return "", fmt.Errorf("cannot infer provider for model %q (expected claude-*, gpt-*, o1/o3/o4*, or gemini-*)", model)
}

// ValidateModel checks a model id against an explicitly configured provider.
// An empty provider means "infer from the model".
func ValidateModel(provider ProviderName, model string) (ProviderName, error) {
	if provider == "" {
		return ProviderForModel(model)
	}
	if !provider.IsValid() {
		return "", fmt.Errorf("unknown provider %q (expected anthropic, openai, or gemini)", provider)
	}
	if model == "" {
		return provider, nil
	}
	if !modelIDPattern.MatchString(model) {
		return "", fmt.Errorf("invalid model identifier %q", model)
	}
	return provider, nil
}
