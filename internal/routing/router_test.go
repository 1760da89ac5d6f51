package routing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/provider/registry"
	"github.com/davidbz/quillgate/internal/routing"
)

// mockProvider is a mock implementation of Provider for testing.
type mockProvider struct {
	name   string
	models []string
}

func (m *mockProvider) Call(_ context.Context, _ *domain.ProviderRequest) (*domain.ProviderResult, error) {
	return nil, nil
}

func (m *mockProvider) Name() string {
	return m.name
}

func (m *mockProvider) IsModelSupported(_ context.Context, model string) bool {
	for _, supported := range m.models {
		if supported == model {
			return true
		}
	}
	return false
}

func (m *mockProvider) SupportedModels(_ context.Context) []string {
	return m.models
}

func (m *mockProvider) FallbackModel() string {
	return ""
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(context.Background(), &mockProvider{name: "openai", models: []string{"gpt-4o-mini", "gpt-4o"}}))
	require.NoError(t, reg.Register(context.Background(), &mockProvider{name: "anthropic", models: []string{"claude-3-haiku-20240307"}}))
	return reg
}

func TestRouter_Route(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name            string
		defaultProvider string
		req             *domain.RouteRequest
		want            string
		wantErr         string
	}{
		{
			name:            "explicit provider wins over model",
			defaultProvider: "openai",
			req:             &domain.RouteRequest{Provider: "anthropic", Model: "gpt-4o"},
			want:            "anthropic",
		},
		{
			name:    "unknown explicit provider is an error",
			req:     &domain.RouteRequest{Provider: "mistral"},
			wantErr: "unknown provider",
		},
		{
			name:            "model selects its provider",
			defaultProvider: "openai",
			req:             &domain.RouteRequest{Model: "claude-3-haiku-20240307"},
			want:            "anthropic",
		},
		{
			name:            "unserved model falls through to default",
			defaultProvider: "openai",
			req:             &domain.RouteRequest{Model: "llama-3"},
			want:            "openai",
		},
		{
			name:    "unserved model without default is an error",
			req:     &domain.RouteRequest{Model: "llama-3"},
			wantErr: "no provider found for model",
		},
		{
			name:            "empty request uses default",
			defaultProvider: "anthropic",
			req:             &domain.RouteRequest{},
			want:            "anthropic",
		},
		{
			name:    "empty request without default is an error",
			req:     &domain.RouteRequest{},
			wantErr: "no default configured",
		},
		{
			name:            "unregistered default is an error",
			defaultProvider: "gemini",
			req:             &domain.RouteRequest{},
			wantErr:         "default provider unavailable",
		},
		{
			name:    "nil request is an error",
			req:     nil,
			wantErr: "cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := routing.NewRouter(newRegistry(t), tt.defaultProvider)

			got, err := router.Route(ctx, tt.req)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
