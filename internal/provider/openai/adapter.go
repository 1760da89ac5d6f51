// Package openai provides an adapter for the OpenAI API using the official SDK.
// It translates the gateway's normalized request into a chat completion and
// classifies SDK failures into domain.ProviderError values.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/observability"
)

const providerName = "openai"

// Provider implements the domain.Provider interface for OpenAI.
type Provider struct {
	client        openai.Client
	name          string
	apiKey        string
	models        []string
	fallbackModel string
}

// NewProvider creates a new OpenAI provider. SDK retries are disabled; the
// gateway decides what happens after a failure.
func NewProvider(config Config, httpClient *http.Client) (*Provider, error) {
	if len(config.Models) == 0 {
		return nil, errors.New("OpenAI model list cannot be empty")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &Provider{
		client:        openai.NewClient(opts...),
		name:          providerName,
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

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI API")

	resp, err := p.client.Chat.Completions.New(ctx, toSDKParams(req))
	if err != nil {
		return nil, p.classify(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, domain.NewMalformedResponseError(p.name, "response has no choices")
	}

	logger.Debug("OpenAI API call succeeded",
		observability.Int64("prompt_tokens", resp.Usage.PromptTokens),
		observability.Int64("completion_tokens", resp.Usage.CompletionTokens),
	)

	model := resp.Model
	if model == "" {
		model = req.Model
	}

	return &domain.ProviderResult{
		Text:         resp.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}

func (p *Provider) classify(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = fmt.Sprintf("OpenAI returned status %d", apiErr.StatusCode)
		}
		return domain.NewUpstreamError(p.name, apiErr.StatusCode, message, err)
	}
	return domain.NewTransportError(ctx, p.name, err)
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported checks the configured allow-list.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return slices.Contains(p.models, model)
}

// SupportedModels returns the configured allow-list.
func (p *Provider) SupportedModels(_ context.Context) []string {
	return slices.Clone(p.models)
}

// FallbackModel returns the model used when OpenAI stands in for another provider.
func (p *Provider) FallbackModel() string {
	return p.fallbackModel
}

// HasCredential reports whether an API key is configured.
func (p *Provider) HasCredential() bool {
	return p.apiKey != ""
}

func toSDKParams(req *domain.ProviderRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	return params
}
