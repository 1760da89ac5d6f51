package domain

import (
	"context"
	"time"
)

// Provider represents any LLM provider.
type Provider interface {
	// Call sends a normalized request upstream. Errors are *ProviderError.
	Call(ctx context.Context, req *ProviderRequest) (*ProviderResult, error)

	// Name returns the provider identifier.
	Name() string

	// IsModelSupported checks if the provider serves the given model.
	IsModelSupported(ctx context.Context, model string) bool

	// SupportedModels returns the allowed-model list.
	SupportedModels(ctx context.Context) []string

	// FallbackModel is the model used when this provider serves as a fallback.
	FallbackModel() string
}

// CredentialChecker is implemented by providers that need an API key.
// Providers without it are assumed to be usable.
type CredentialChecker interface {
	HasCredential() bool
}

// HasCredential reports whether the provider can make upstream calls.
func HasCredential(provider Provider) bool {
	checker, ok := provider.(CredentialChecker)
	return !ok || checker.HasCredential()
}

// ProviderRegistry manages available providers.
type ProviderRegistry interface {
	// Register adds a provider to the registry.
	Register(ctx context.Context, provider Provider) error

	// Get retrieves a provider by name.
	Get(ctx context.Context, providerName string) (Provider, error)

	// GetByModel retrieves the provider that serves the given model.
	GetByModel(ctx context.Context, model string) (Provider, error)

	// List returns all available providers.
	List(ctx context.Context) ([]string, error)
}

// Router determines which provider to use for a request.
type Router interface {
	// Route selects a provider name based on request criteria.
	Route(ctx context.Context, req *RouteRequest) (string, error)
}

// RouteRequest contains criteria for provider selection.
type RouteRequest struct {
	Provider string
	Model    string
}

// ResponseCache stores prior completions keyed on the normalized request.
type ResponseCache interface {
	Get(prompt, provider, model string, temperature float64) (*CacheEntry, bool)
	Set(prompt string, resp *CompletionResponse, provider, model string, tokens int, cost float64, ttlMinutes int, temperature float64)
	ClearExpired() int
	Stats() CacheStats
	Enabled() bool
	TTLMinutes() int
}

// UsageLedger performs admission control and records usage.
type UsageLedger interface {
	CheckAdmission(ctx context.Context, tenant Tenant) RateLimitStatus
	Status(ctx context.Context, tenant Tenant) RateLimitStatus
	Record(ctx context.Context, rec *UsageRecord)
	UsageStats(ctx context.Context, tenant Tenant, since, until time.Time) (*UsageStats, error)
}

// UsageStore is the durable usage log.
type UsageStore interface {
	// Insert persists one usage record.
	Insert(ctx context.Context, rec *UsageRecord) error

	// SumCost returns the summed cost for a workspace since the given time.
	SumCost(ctx context.Context, workspaceID string, since time.Time) (float64, error)

	// Query returns records matching the filter, oldest first.
	Query(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error)

	// Close releases the store's resources.
	Close() error
}

// GatewayMetrics receives gateway telemetry. Implemented by observability.Metrics.
type GatewayMetrics interface {
	ObserveRequest(provider, model, outcome string, latency time.Duration)
	ObserveCacheLookup(hit bool)
	ObserveAdmissionDenied(reason string)
	ObserveFallback(from, to string)
	ObserveCost(provider, model string, cost float64)
}
