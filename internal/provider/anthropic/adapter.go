// Package anthropic adapts the Anthropic Messages API to domain.Provider.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/observability"
)

const (
	providerName = "anthropic"

	// An explicit request timeout stops the SDK from refusing large
	// non-streaming max_tokens values; the caller's context still bounds the call.
	sdkRequestTimeout = 10 * time.Minute
)

// Provider implements the domain.Provider interface for Claude models.
type Provider struct {
	client        anthropic.Client
	apiKey        string
	models        []string
	fallbackModel string
}

// NewProvider creates a new Anthropic provider.
func NewProvider(config Config, httpClient *http.Client) (*Provider, error) {
	if len(config.Models) == 0 {
		return nil, errors.New("Anthropic model list cannot be empty")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(sdkRequestTimeout),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &Provider{
		client:        anthropic.NewClient(opts...),
		apiKey:        config.APIKey,
		models:        slices.Clone(config.Models),
		fallbackModel: config.FallbackModel,
	}, nil
}

// Call sends one Messages API request.
func (p *Provider) Call(ctx context.Context, req *domain.ProviderRequest) (*domain.ProviderResult, error) {
	if req == nil {
		return nil, domain.NewInvalidRequestError("request cannot be nil")
	}
	if p.apiKey == "" {
		return nil, domain.NewMissingCredentialError(providerName)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, domain.NewUpstreamError(providerName, apiErr.StatusCode,
				fmt.Sprintf("Anthropic returned status %d", apiErr.StatusCode), err)
		}
		return nil, domain.NewTransportError(ctx, providerName, err)
	}

	var text strings.Builder
	textBlocks := 0
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
			textBlocks++
		}
	}
	if textBlocks == 0 {
		return nil, domain.NewMalformedResponseError(providerName, "response has no text content")
	}

	observability.FromContext(ctx).Debug("Anthropic API call succeeded",
		observability.Int64("input_tokens", resp.Usage.InputTokens),
		observability.Int64("output_tokens", resp.Usage.OutputTokens),
	)

	model := string(resp.Model)
	if model == "" {
		model = req.Model
	}

	return &domain.ProviderResult{
		Text:         text.String(),
		Model:        model,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		FinishReason: string(resp.StopReason),
	}, nil
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
	return p.apiKey != ""
}
