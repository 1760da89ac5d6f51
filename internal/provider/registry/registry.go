package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/davidbz/quillgate/internal/domain"
)

// Registry implements the ProviderRegistry interface.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]domain.Provider
	modelToProvider map[string]string
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:              sync.RWMutex{},
		providers:       make(map[string]domain.Provider),
		modelToProvider: make(map[string]string),
	}
}

// Register adds a provider to the registry. A provider's fallback model must
// be one of its supported models. When two providers list the same model the
// first registration owns it in the reverse index.
func (r *Registry) Register(ctx context.Context, provider domain.Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	supportedModels := provider.SupportedModels(ctx)
	if fallback := provider.FallbackModel(); fallback != "" && !slices.Contains(supportedModels, fallback) {
		return fmt.Errorf("provider %s fallback model %s is not in its model list", name, fallback)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	r.providers[name] = provider

	for _, model := range supportedModels {
		if _, taken := r.modelToProvider[model]; !taken {
			r.modelToProvider[model] = name
		}
	}

	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(_ context.Context, providerName string) (domain.Provider, error) {
	if providerName == "" {
		return nil, errors.New("provider name cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[providerName]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", providerName)
	}

	return provider, nil
}

// List returns all registered provider names in lexical order.
func (r *Registry) List(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedNamesLocked(), nil
}

// GetByModel retrieves a provider that supports the given model.
func (r *Registry) GetByModel(ctx context.Context, model string) (domain.Provider, error) {
	if model == "" {
		return nil, errors.New("model cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if providerName, exists := r.modelToProvider[model]; exists {
		if provider, ok := r.providers[providerName]; ok {
			return provider, nil
		}
	}

	// Providers may accept models outside their advertised list.
	for _, name := range r.sortedNamesLocked() {
		provider := r.providers[name]
		if provider.IsModelSupported(ctx, model) {
			return provider, nil
		}
	}

	return nil, fmt.Errorf("no provider found for model: %s", model)
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
