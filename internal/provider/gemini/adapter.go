// Package gemini adapts Google's Gemini API to domain.Provider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"google.golang.org/genai"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/observability"
)

const providerName = "gemini"

// Provider implements the domain.Provider interface for Gemini models.
// The client is nil when no API key is configured.
type Provider struct {
	client        *genai.Client
	models        []string
	fallbackModel string
}

// NewProvider creates a new Gemini provider.
func NewProvider(ctx context.Context, config Config, httpClient *http.Client) (*Provider, error) {
	if len(config.Models) == 0 {
		return nil, errors.New("Gemini model list cannot be empty")
	}

	provider := &Provider{
		models:        slices.Clone(config.Models),
		fallbackModel: config.FallbackModel,
	}
	if config.APIKey == "" {
		return provider, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      config.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: config.BaseURL},
		HTTPClient:  httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	provider.client = client

	return provider, nil
}

// Call sends one generateContent request.
func (p *Provider) Call(ctx context.Context, req *domain.ProviderRequest) (*domain.ProviderResult, error) {
	if req == nil {
		return nil, domain.NewInvalidRequestError("request cannot be nil")
	}
	if p.client == nil {
		return nil, domain.NewMissingCredentialError(providerName)
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, classify(ctx, err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, domain.NewMalformedResponseError(providerName, "response has no candidates")
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}

	var inputTokens, outputTokens int
	if resp.UsageMetadata != nil {
		inputTokens = int(resp.UsageMetadata.PromptTokenCount)
		outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	observability.FromContext(ctx).Debug("Gemini API call succeeded",
		observability.Int("input_tokens", inputTokens),
		observability.Int("output_tokens", outputTokens),
	)

	return &domain.ProviderResult{
		Text:         text.String(),
		Model:        req.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		FinishReason: strings.ToLower(string(candidate.FinishReason)),
	}, nil
}

func classify(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.Code
		if status == 0 {
			status = http.StatusBadGateway
		}
		message := apiErr.Message
		if message == "" {
			message = fmt.Sprintf("Gemini returned status %d", status)
		}
		return domain.NewUpstreamError(providerName, status, message, err)
	}
	return domain.NewTransportError(ctx, providerName, err)
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return slices.Contains(p.models, model)
}

func (p *Provider) SupportedModels(_ context.Context) []string {
	return slices.Clone(p.models)
}

func (p *Provider) FallbackModel() string {
	return p.fallbackModel
}

// HasCredential reports whether an API key is configured.
func (p *Provider) HasCredential() bool {
	return p.client != nil
}
