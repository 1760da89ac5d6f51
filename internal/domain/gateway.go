package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/quillgate/internal/observability"
)

const defaultRequestTimeout = 30 * time.Second

// GatewayConfig holds the gateway's routing and fallback settings.
type GatewayConfig struct {
	DefaultProvider   string
	DefaultModel      string
	RequestTimeout    time.Duration
	FallbackEnabled   bool
	FallbackProviders []string
}

// GatewayService orchestrates admission, caching, provider calls with a
// single fallback, pricing and usage recording. It owns no state.
type GatewayService struct {
	registry       ProviderRegistry
	router         Router
	costCalculator CostCalculator
	cache          ResponseCache
	ledger         UsageLedger
	metrics        GatewayMetrics
	config         GatewayConfig
}

// NewGatewayService creates a new gateway service (DI constructor).
func NewGatewayService(
	registry ProviderRegistry,
	router Router,
	costCalculator CostCalculator,
	cache ResponseCache,
	ledger UsageLedger,
	metrics GatewayMetrics,
	config GatewayConfig,
) *GatewayService {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	return &GatewayService{
		registry:       registry,
		router:         router,
		costCalculator: costCalculator,
		cache:          cache,
		ledger:         ledger,
		metrics:        metrics,
		config:         config,
	}
}

// Generate turns a prompt into a priced completion.
func (g *GatewayService) Generate(
	ctx context.Context,
	prompt string,
	opts GenerateOptions,
) (*CompletionResponse, error) {
	started := time.Now()

	req, err := g.resolve(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}

	ctx = observability.WithProvider(ctx, req.Provider)
	ctx = observability.WithModel(ctx, req.Model)
	logger := observability.FromContext(ctx)

	primary, err := g.registry.Get(ctx, req.Provider)
	if err != nil {
		return nil, NewInvalidProviderError(req.Provider, err.Error())
	}
	if !primary.IsModelSupported(ctx, req.Model) {
		return nil, NewInvalidProviderError(req.Provider,
			fmt.Sprintf("model %s is not allowed for provider %s", req.Model, req.Provider))
	}
	if !HasCredential(primary) {
		return nil, NewMissingCredentialError(primary.Name())
	}

	// Admission always precedes any network call.
	status := g.ledger.CheckAdmission(ctx, req.Tenant)
	if status.Limited {
		g.observeDenied(status.Reason)
		limitErr := NewRateLimitError(status.Reason)
		g.record(ctx, req, req.Provider, req.Model, nil, 0, started, limitErr)
		return nil, limitErr
	}

	if resp := g.lookupCache(ctx, req, started); resp != nil {
		return resp, nil
	}

	result, servedBy, fallbackUsed, callErr := g.callWithFallback(ctx, req, primary)
	if callErr != nil {
		if IsCode(callErr, CodeCancelled) {
			logger.Info("request cancelled, abandoning without usage record")
			g.observeRequest(req.Provider, req.Model, "cancelled", started)
			return nil, callErr
		}

		logger.Error("completion failed", observability.Error(callErr))
		g.record(ctx, req, req.Provider, req.Model, nil, 0, started, callErr)
		g.observeRequest(req.Provider, req.Model, "error", started)
		return nil, callErr
	}

	usage := Usage{PromptTokens: result.InputTokens, CompletionTokens: result.OutputTokens}
	cost := g.costCalculator.Calculate(ctx, result.Model, usage)

	response := &CompletionResponse{
		Text:         result.Text,
		TokensUsed:   usage.Total(),
		Cost:         cost,
		Provider:     servedBy,
		Model:        result.Model,
		FinishReason: result.FinishReason,
		Cached:       false,
		FallbackUsed: fallbackUsed,
		LatencyMs:    time.Since(started).Milliseconds(),
	}

	// Keyed on what was asked for, so a repeat can hit even after a fallback.
	if g.cachingEnabled(req) {
		g.cache.Set(req.Prompt, response, req.Provider, req.Model, response.TokensUsed, cost, g.cache.TTLMinutes(), req.Temperature)
	}

	g.record(ctx, req, servedBy, result.Model, &usage, cost, started, nil)
	g.observeRequest(servedBy, result.Model, "success", started)
	if g.metrics != nil {
		g.metrics.ObserveCost(servedBy, result.Model, cost)
	}

	logger.Info("completion succeeded",
		observability.String("served_by", servedBy),
		observability.Int("tokens", response.TokensUsed),
		observability.Float64("cost", cost),
		observability.Bool("fallback_used", fallbackUsed))

	return response, nil
}

// resolve validates caller input and applies defaults.
func (g *GatewayService) resolve(ctx context.Context, prompt string, opts GenerateOptions) (*CompletionRequest, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, NewInvalidRequestError("prompt cannot be empty")
	}
	if opts.Tenant.WorkspaceID == "" || opts.Tenant.UserID == "" {
		return nil, NewInvalidRequestError("tenant workspace and user are required")
	}

	temperature := DefaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	if temperature < 0 || temperature > MaxTemperature {
		return nil, NewInvalidRequestError(fmt.Sprintf("temperature %.2f outside [0, %.0f]", temperature, MaxTemperature))
	}

	maxTokens := opts.MaxTokens
	if maxTokens < 0 {
		return nil, NewInvalidRequestError("max tokens cannot be negative")
	}
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	useCache := true
	if opts.UseCache != nil {
		useCache = *opts.UseCache
	}

	providerName, err := g.router.Route(ctx, &RouteRequest{Provider: opts.Provider, Model: opts.Model})
	if err != nil {
		return nil, NewInvalidProviderError(opts.Provider, err.Error())
	}

	model := opts.Model
	if model == "" {
		model = g.defaultModelFor(ctx, providerName)
	}
	if model == "" {
		return nil, NewInvalidRequestError("model is required and no default is configured")
	}

	return &CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: opts.SystemPrompt,
		Provider:     providerName,
		Model:        model,
		MaxTokens:    maxTokens,
		Temperature:  temperature,
		UseCache:     useCache,
		Tenant:       opts.Tenant,
		Operation:    opts.Operation,
	}, nil
}

func (g *GatewayService) defaultModelFor(ctx context.Context, providerName string) string {
	if providerName == g.config.DefaultProvider && g.config.DefaultModel != "" {
		return g.config.DefaultModel
	}
	if provider, err := g.registry.Get(ctx, providerName); err == nil {
		return provider.FallbackModel()
	}
	return ""
}

func (g *GatewayService) cachingEnabled(req *CompletionRequest) bool {
	return g.cache != nil && g.cache.Enabled() && req.UseCache
}

// lookupCache returns a zero-cost response on a hit and records it.
func (g *GatewayService) lookupCache(ctx context.Context, req *CompletionRequest, started time.Time) *CompletionResponse {
	if !g.cachingEnabled(req) {
		return nil
	}

	logger := observability.FromContext(ctx)

	entry, hit := g.cache.Get(req.Prompt, req.Provider, req.Model, req.Temperature)
	if g.metrics != nil {
		g.metrics.ObserveCacheLookup(hit)
	}
	if !hit {
		logger.Debug("cache MISS - calling provider")
		return nil
	}

	logger.Info("cache HIT - returning cached response",
		observability.String("cached_provider", entry.Provider),
		observability.Int64("entry_hits", entry.Hits))

	g.ledger.Record(ctx, &UsageRecord{
		ID:         uuid.New().String(),
		Tenant:     req.Tenant,
		Provider:   entry.Provider,
		Model:      entry.Model,
		Operation:  req.Operation,
		TokensUsed: 0,
		Cost:       0,
		LatencyMs:  time.Since(started).Milliseconds(),
		Success:    true,
		Cached:     true,
	})
	g.observeRequest(entry.Provider, entry.Model, "cache_hit", started)

	return &CompletionResponse{
		Text:         entry.Text,
		TokensUsed:   0,
		Cost:         0,
		Provider:     entry.Provider,
		Model:        entry.Model,
		FinishReason: entry.FinishReason,
		Cached:       true,
		LatencyMs:    time.Since(started).Milliseconds(),
	}
}

// callWithFallback calls the primary once and, on a retryable failure, one
// alternate provider with that provider's fallback model. When both fail the
// primary's error is returned.
func (g *GatewayService) callWithFallback(
	ctx context.Context,
	req *CompletionRequest,
	primary Provider,
) (*ProviderResult, string, bool, error) {
	logger := observability.FromContext(ctx)

	result, err := g.call(ctx, primary, req, req.Model)
	if err == nil {
		return result, primary.Name(), false, nil
	}

	perr, _ := AsProviderError(err)
	if !g.config.FallbackEnabled || perr == nil || !perr.Retryable {
		return nil, "", false, err
	}

	alternate := g.fallbackProvider(ctx, primary.Name())
	if alternate == nil {
		logger.Warn("primary failed and no fallback provider is available", observability.Error(err))
		return nil, "", false, err
	}

	fallbackModel := alternate.FallbackModel()
	logger.Warn("primary provider failed, falling back",
		observability.String("fallback_provider", alternate.Name()),
		observability.String("fallback_model", fallbackModel),
		observability.Error(err))
	if g.metrics != nil {
		g.metrics.ObserveFallback(primary.Name(), alternate.Name())
	}

	result, fallbackErr := g.call(ctx, alternate, req, fallbackModel)
	if fallbackErr != nil {
		logger.Error("fallback provider failed", observability.Error(fallbackErr))
		if IsCode(fallbackErr, CodeCancelled) {
			return nil, "", false, fallbackErr
		}
		return nil, "", false, err
	}

	return result, alternate.Name(), true, nil
}

// call invokes one provider under the per-call timeout.
func (g *GatewayService) call(ctx context.Context, provider Provider, req *CompletionRequest, model string) (*ProviderResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	result, err := provider.Call(callCtx, &ProviderRequest{
		Model:        model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	if err != nil {
		if _, ok := AsProviderError(err); ok {
			return nil, err
		}
		return nil, NewTransportError(callCtx, provider.Name(), err)
	}
	if result == nil {
		return nil, NewMalformedResponseError(provider.Name(), "provider returned no result")
	}
	if result.Model == "" {
		result.Model = model
	}

	return result, nil
}

// fallbackProvider picks the first configured fallback distinct from the primary.
func (g *GatewayService) fallbackProvider(ctx context.Context, primaryName string) Provider {
	for _, name := range g.config.FallbackProviders {
		if name == "" || name == primaryName {
			continue
		}
		provider, err := g.registry.Get(ctx, name)
		if err != nil {
			continue
		}
		if provider.FallbackModel() == "" || !HasCredential(provider) {
			continue
		}
		return provider
	}
	return nil
}

// record writes the single usage record of a request. usage is nil on failure.
func (g *GatewayService) record(
	ctx context.Context,
	req *CompletionRequest,
	provider, model string,
	usage *Usage,
	cost float64,
	started time.Time,
	failure error,
) {
	rec := &UsageRecord{
		ID:        uuid.New().String(),
		Tenant:    req.Tenant,
		Provider:  provider,
		Model:     model,
		Operation: req.Operation,
		LatencyMs: time.Since(started).Milliseconds(),
		Success:   failure == nil,
	}

	if usage != nil {
		rec.TokensUsed = usage.Total()
		rec.Cost = cost
	}

	if failure != nil {
		rec.ErrorMessage = failure.Error()
		var perr *ProviderError
		if errors.As(failure, &perr) {
			rec.ErrorCode = string(perr.Code)
		}
	}

	g.ledger.Record(ctx, rec)
}

// RateLimitStatus reports the tenant's current admission status.
func (g *GatewayService) RateLimitStatus(ctx context.Context, tenant Tenant) RateLimitStatus {
	return g.ledger.Status(ctx, tenant)
}

// UsageStats reports aggregate usage for a tenant.
func (g *GatewayService) UsageStats(ctx context.Context, tenant Tenant, since, until time.Time) (*UsageStats, error) {
	return g.ledger.UsageStats(ctx, tenant, since, until)
}

// CacheStats reports response cache statistics.
func (g *GatewayService) CacheStats() CacheStats {
	if g.cache == nil {
		return CacheStats{}
	}
	return g.cache.Stats()
}

func (g *GatewayService) observeRequest(provider, model, outcome string, started time.Time) {
	if g.metrics != nil {
		g.metrics.ObserveRequest(provider, model, outcome, time.Since(started))
	}
}

func (g *GatewayService) observeDenied(reason string) {
	if g.metrics != nil {
		g.metrics.ObserveAdmissionDenied(reason)
	}
}
