package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidbz/quillgate/internal/domain"
)

// SimpleRouter resolves the serving provider for a request: an explicit
// provider wins, then the provider that serves the requested model, then the
// configured default.
type SimpleRouter struct {
	registry        domain.ProviderRegistry
	defaultProvider string
}

// NewRouter creates a new router.
func NewRouter(registry domain.ProviderRegistry, defaultProvider string) *SimpleRouter {
	return &SimpleRouter{
		registry:        registry,
		defaultProvider: defaultProvider,
	}
}

// Route selects a provider name.
func (r *SimpleRouter) Route(ctx context.Context, req *domain.RouteRequest) (string, error) {
	if req == nil {
		return "", errors.New("route request cannot be nil")
	}

	if req.Provider != "" {
		if _, err := r.registry.Get(ctx, req.Provider); err != nil {
			return "", fmt.Errorf("unknown provider %s: %w", req.Provider, err)
		}
		return req.Provider, nil
	}

	if req.Model != "" {
		provider, err := r.registry.GetByModel(ctx, req.Model)
		if err == nil {
			return provider.Name(), nil
		}
		if r.defaultProvider == "" {
			return "", fmt.Errorf("no provider found for model: %s", req.Model)
		}
	}

	if r.defaultProvider == "" {
		return "", errors.New("no provider requested and no default configured")
	}
	if _, err := r.registry.Get(ctx, r.defaultProvider); err != nil {
		return "", fmt.Errorf("default provider unavailable: %w", err)
	}

	return r.defaultProvider, nil
}
