package ai

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"
)

// GeminiProvider calls Gemini models through Vertex AI
type GeminiProvider struct {
	client    *genai.Client
	modelName string
}

var _ Provider = (*GeminiProvider)(nil)

// GeminiConfig holds the Vertex AI project settings
type GeminiConfig struct {
	Project         string
	Location        string // default: us-central1
	CredentialsFile string // optional; falls back to application default credentials
	Model           string
}

// NewGeminiProvider creates a Vertex AI client for the configured project.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT not set")
	}
	location := cfg.Location
	if location == "" {
		location = "us-central1"
	}
	model := cfg.Model
	if model == "" {
		model = ModelGemini
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, cfg.Project, location, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating vertex ai client: %w", err)
	}
	return &GeminiProvider{client: client, modelName: model}, nil
}

func (p *GeminiProvider) Name() ProviderName { return ProviderGemini }
func (p *GeminiProvider) Model() string      { return p.modelName }

// Complete generates content from a single text prompt
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	model := p.client.GenerativeModel(p.modelName)
	model.SetTemperature(0.2)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.Schema != nil {
		model.ResponseMIMEType = "application/json"
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("vertex generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("vertex generate content: empty response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	out := &Completion{Text: text.String()}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases the underlying gRPC connection
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}
