// Package compat adapts any OpenAI-compatible chat endpoint to domain.Provider
// using the community go-openai client.
package compat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"

	"github.com/sashabaranov/go-openai"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/observability"
)

// Provider implements the domain.Provider interface for an OpenAI-compatible API.
type Provider struct {
	client        *openai.Client
	name          string
	apiKey        string
	models        []string
	fallbackModel string
}

// NewProvider creates a provider named after config.Name.
func NewProvider(config Config, httpClient *http.Client) (*Provider, error) {
	if config.Name == "" {
		return nil, errors.New("compatible provider name cannot be empty")
	}
	if len(config.Models) == 0 {
		return nil, fmt.Errorf("%s model list cannot be empty", config.Name)
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}

	return &Provider{
		client:        openai.NewClientWithConfig(clientConfig),
		name:          config.Name,
		apiKey:        config.APIKey,
		models:        slices.Clone(config.Models),
		fallbackModel: config.FallbackModel,
	}, nil
}

// Call sends one chat completion request.
func (p *Provider) Call(ctx context.Context, req *domain.ProviderRequest) (*domain.ProviderResult, error) {
	if req == nil {
		return nil, domain.NewInvalidRequestError("request cannot be nil")
	}
	if p.apiKey == "" {
		return nil, domain.NewMissingCredentialError(p.name)
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: wireTemperature(req.Temperature),
	})
	if err != nil {
		return nil, p.classify(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, domain.NewMalformedResponseError(p.name, "response has no choices")
	}

	observability.FromContext(ctx).Debug("compatible API call succeeded",
		observability.String("endpoint", p.name),
		observability.Int("prompt_tokens", resp.Usage.PromptTokens),
		observability.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	model := resp.Model
	if model == "" {
		model = req.Model
	}

	return &domain.ProviderResult{
		Text:         resp.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

// wireTemperature keeps an explicit zero on the wire. go-openai omits a zero
// Temperature, and endpoints then apply their own default.
func wireTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

func (p *Provider) classify(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return domain.NewUpstreamError(p.name, apiErr.HTTPStatusCode, apiErr.Message, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return domain.NewUpstreamError(p.name, reqErr.HTTPStatusCode,
			fmt.Sprintf("%s returned status %d", p.name, reqErr.HTTPStatusCode), err)
	}

	return domain.NewTransportError(ctx, p.name, err)
}

func (p *Provider) Name() string {
	return p.name
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
	return p.apiKey != ""
}
