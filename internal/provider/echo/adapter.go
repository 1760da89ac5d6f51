// Package echo provides an offline provider that echoes the prompt back.
// It implements domain.Provider without external calls, which gives the
// gateway a deterministic upstream for local development and tests.
package echo

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/observability"
)

const (
	providerName = "echo"
	modelName    = "echo4"
)

// Config toggles the echo provider.
type Config struct {
	Enabled bool `env:"ECHO_ENABLED" envDefault:"true"`
}

// Provider implements the domain.Provider interface for echo testing.
type Provider struct {
	name            string
	supportedModels map[string]bool
}

// NewProvider creates a new echo provider.
func NewProvider() *Provider {
	return &Provider{
		name: providerName,
		supportedModels: map[string]bool{
			modelName: true,
		},
	}
}

// Call echoes the request back. MaxTokens truncates the echoed words and
// reports finish reason "length".
func (p *Provider) Call(ctx context.Context, req *domain.ProviderRequest) (*domain.ProviderResult, error) {
	if req == nil {
		return nil, domain.NewInvalidRequestError("request cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.NewTransportError(ctx, p.name, err)
	}

	content := buildEchoContent(req)
	promptTokens := countTokens(content)

	words := strings.Fields(content)
	finishReason := "stop"
	if req.MaxTokens > 0 && len(words) > req.MaxTokens {
		words = words[:req.MaxTokens]
		finishReason = "length"
	}

	observability.FromContext(ctx).Debug("echo completed",
		observability.Int("prompt_tokens", promptTokens),
		observability.Int("completion_tokens", len(words)),
	)

	return &domain.ProviderResult{
		Text:         strings.Join(words, " "),
		Model:        req.Model,
		InputTokens:  promptTokens,
		OutputTokens: len(words),
		FinishReason: finishReason,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.supportedModels[model]
}

// SupportedModels returns a list of all models this provider supports.
func (p *Provider) SupportedModels(_ context.Context) []string {
	models := make([]string, 0, len(p.supportedModels))
	for model := range p.supportedModels {
		models = append(models, model)
	}
	return models
}

func (p *Provider) FallbackModel() string {
	return modelName
}

// buildEchoContent renders the system and user turns the way a transcript would.
func buildEchoContent(req *domain.ProviderRequest) string {
	var builder strings.Builder
	if req.SystemPrompt != "" {
		builder.WriteString(fmt.Sprintf("[system]: %s\n", req.SystemPrompt))
	}
	if req.Prompt != "" {
		builder.WriteString(fmt.Sprintf("[user]: %s\n", req.Prompt))
	}
	return builder.String()
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int {
	if content == "" {
		return 0
	}
	return len(strings.Fields(content))
}
