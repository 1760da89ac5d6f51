package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/quillgate/internal/config"
	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/http"
	"github.com/davidbz/quillgate/internal/http/middleware"
	"github.com/davidbz/quillgate/internal/observability"
	"github.com/davidbz/quillgate/internal/pricing"
	"github.com/davidbz/quillgate/internal/provider/anthropic"
	"github.com/davidbz/quillgate/internal/provider/compat"
	"github.com/davidbz/quillgate/internal/provider/echo"
	"github.com/davidbz/quillgate/internal/provider/gemini"
	"github.com/davidbz/quillgate/internal/provider/openai"
	"github.com/davidbz/quillgate/internal/provider/registry"
	"github.com/davidbz/quillgate/internal/routing"
)

// buildContainer wires every component. Nothing is constructed until a
// command invokes what it needs.
func buildContainer() (*dig.Container, error) {
	container := dig.New()

	constructors := []struct {
		name string
		fn   any
	}{
		// Configuration
		{"config", config.Load},
		{"config dependencies", config.ParseDependenciesConfig},

		// Observability
		{"logger", func(cfg *config.Config) (*zap.Logger, error) {
			return observability.InitLoggerWithLevel(cfg.LogLevel)
		}},
		{"metrics", func() *observability.Metrics {
			return observability.NewMetrics(nil)
		}},
		{"gateway metrics", func(m *observability.Metrics) domain.GatewayMetrics { return m }},

		// Pricing
		{"pricing registry", newPricingRegistry},
		{"cost calculator", func(r *domain.InMemoryPricingRegistry) domain.CostCalculator {
			return domain.NewStandardCostCalculator(r)
		}},

		// Providers
		{"provider registry", newProviderRegistry},
		{"provider registry interface", func(r *registry.Registry) domain.ProviderRegistry { return r }},
		{"router", func(r domain.ProviderRegistry, cfg domain.GatewayConfig) domain.Router {
			return routing.NewRouter(r, cfg.DefaultProvider)
		}},

		// Usage
		{"usage store", newUsageStore},
		{"usage ledger", func(store domain.UsageStore, cfg domain.LedgerConfig) (*domain.UsageLedgerService, error) {
			return domain.NewUsageLedgerService(store, cfg)
		}},
		{"usage ledger interface", func(l *domain.UsageLedgerService) domain.UsageLedger { return l }},

		// Cache
		{"response cache", func(cfg domain.CacheConfig) (*domain.InMemoryResponseCache, error) {
			return domain.NewInMemoryResponseCache(cfg)
		}},
		{"response cache interface", func(c *domain.InMemoryResponseCache) domain.ResponseCache { return c }},

		// Domain Services
		{"gateway service", domain.NewGatewayService},

		// HTTP Layer
		{"middleware chain", middleware.BuildMiddlewareChain},
		{"HTTP handler", http.NewHandler},
		{"HTTP server", http.NewServer},
	}

	for _, c := range constructors {
		if err := container.Provide(c.fn); err != nil {
			return nil, fmt.Errorf("failed to provide %s: %w", c.name, err)
		}
	}

	return container, nil
}

// newPricingRegistry seeds built-in prices, then applies the optional pricing file.
func newPricingRegistry(cfg *config.Config) (*domain.InMemoryPricingRegistry, error) {
	ctx := context.Background()
	reg := domain.NewInMemoryPricingRegistry()

	seeders := []func(context.Context, domain.PricingRegistry) error{
		openai.RegisterPricing,
		anthropic.RegisterPricing,
		gemini.RegisterPricing,
		compat.RegisterPricing,
		echo.RegisterPricing,
	}
	for _, seed := range seeders {
		if err := seed(ctx, reg); err != nil {
			return nil, err
		}
	}

	if err := pricing.LoadInto(ctx, cfg.PricingFile, reg); err != nil {
		return nil, err
	}

	return reg, nil
}

// providerParams collects every provider config for registration.
type providerParams struct {
	dig.In

	OpenAI    *openai.Config
	Anthropic *anthropic.Config
	Gemini    *gemini.Config
	Compat    *compat.Config
	Echo      *echo.Config
}

// newProviderRegistry builds and registers every provider. A provider
// without a credential is still registered; its calls fail with
// MISSING_CREDENTIAL so routing stays predictable.
func newProviderRegistry(p providerParams) (*registry.Registry, error) {
	ctx := context.Background()
	logger := observability.FromContext(ctx)
	reg := registry.NewRegistry()

	openaiProvider, err := openai.NewProvider(*p.OpenAI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI provider: %w", err)
	}
	anthropicProvider, err := anthropic.NewProvider(*p.Anthropic, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Anthropic provider: %w", err)
	}
	geminiProvider, err := gemini.NewProvider(ctx, *p.Gemini, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini provider: %w", err)
	}
	compatProvider, err := compat.NewProvider(*p.Compat, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", p.Compat.Name, err)
	}

	providers := []domain.Provider{openaiProvider, anthropicProvider, geminiProvider, compatProvider}
	if p.Echo.Enabled {
		providers = append(providers, echo.NewProvider())
	}

	for _, provider := range providers {
		if err := reg.Register(ctx, provider); err != nil {
			return nil, fmt.Errorf("failed to register %s provider: %w", provider.Name(), err)
		}
	}

	names, _ := reg.List(ctx)
	logger.Info("providers registered", zap.Strings("providers", names))

	return reg, nil
}

// closers are the components with background work to stop on exit.
type closers struct {
	dig.In

	Cache  *domain.InMemoryResponseCache
	Ledger *domain.UsageLedgerService
	Store  domain.UsageStore
}

// close stops janitors, drains the usage writer, then closes the store.
func (c closers) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger := observability.FromContext(ctx)
	if err := c.Cache.Close(ctx); err != nil {
		logger.Warn("failed to stop response cache", observability.Error(err))
	}
	if err := c.Ledger.Close(ctx); err != nil {
		logger.Warn("failed to drain usage ledger", observability.Error(err))
	}
	if err := c.Store.Close(); err != nil {
		logger.Warn("failed to close usage store", observability.Error(err))
	}
}
