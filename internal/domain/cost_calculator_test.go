package domain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/quillgate/internal/domain"
)

func TestStandardCostCalculator_Calculate(t *testing.T) {
	ctx := context.Background()
	registry := domain.NewInMemoryPricingRegistry()

	require.NoError(t, registry.RegisterPricing(ctx, "test-model", domain.PricingConfig{
		InputCostPer1K:  0.01,
		OutputCostPer1K: 0.02,
	}))
	require.NoError(t, registry.RegisterPricing(ctx, "gpt-4o-mini", domain.PricingConfig{
		InputCostPer1K:  0.00015,
		OutputCostPer1K: 0.0006,
	}))
	require.NoError(t, registry.RegisterPricing(ctx, "echo4", domain.PricingConfig{}))

	calculator := domain.NewStandardCostCalculator(registry)

	tests := []struct {
		name         string
		model        string
		usage        domain.Usage
		expectedCost float64
	}{
		{
			name:         "calculate cost for known model",
			model:        "test-model",
			usage:        domain.Usage{PromptTokens: 1000, CompletionTokens: 500},
			expectedCost: 0.02, // (1000/1000 * 0.01) + (500/1000 * 0.02)
		},
		{
			name:         "unknown model returns zero cost",
			model:        "unknown-model",
			usage:        domain.Usage{PromptTokens: 1000, CompletionTokens: 500},
			expectedCost: 0,
		},
		{
			name:         "empty model returns zero cost",
			model:        "",
			usage:        domain.Usage{PromptTokens: 10},
			expectedCost: 0,
		},
		{
			name:         "zero tokens returns zero cost",
			model:        "test-model",
			usage:        domain.Usage{},
			expectedCost: 0,
		},
		{
			name:         "partial tokens calculation",
			model:        "test-model",
			usage:        domain.Usage{PromptTokens: 250, CompletionTokens: 100},
			expectedCost: 0.0045, // (250/1000 * 0.01) + (100/1000 * 0.02)
		},
		{
			name:         "rounds half up to four decimals",
			model:        "gpt-4o-mini",
			usage:        domain.Usage{PromptTokens: 300, CompletionTokens: 200},
			expectedCost: 0.0002, // 0.000045 + 0.00012 = 0.000165
		},
		{
			name:         "tiny usage rounds to zero",
			model:        "gpt-4o-mini",
			usage:        domain.Usage{PromptTokens: 10, CompletionTokens: 10},
			expectedCost: 0, // 0.0000075
		},
		{
			name:         "free model costs nothing",
			model:        "echo4",
			usage:        domain.Usage{PromptTokens: 5000, CompletionTokens: 5000},
			expectedCost: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost := calculator.Calculate(ctx, tt.model, tt.usage)
			require.InDelta(t, tt.expectedCost, cost, 1e-9)
		})
	}
}

func TestRoundCost(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.00005, 0.0001},
		{0.00004999, 0},
		{0.12345, 0.1235},
		{1.99994, 1.9999},
		{0, 0},
	}

	for _, tt := range tests {
		require.InDelta(t, tt.want, domain.RoundCost(tt.in), 1e-12)
	}
}

func TestInMemoryPricingRegistry_RegisterAndGet(t *testing.T) {
	ctx := context.Background()
	registry := domain.NewInMemoryPricingRegistry()

	t.Run("register and retrieve pricing", func(t *testing.T) {
		config := domain.PricingConfig{
			InputCostPer1K:  0.03,
			OutputCostPer1K: 0.06,
		}

		err := registry.RegisterPricing(ctx, "gpt-4", config)
		require.NoError(t, err)

		retrieved, err := registry.GetPricing(ctx, "gpt-4")
		require.NoError(t, err)
		require.InDelta(t, config.InputCostPer1K, retrieved.InputCostPer1K, 0.0001)
		require.InDelta(t, config.OutputCostPer1K, retrieved.OutputCostPer1K, 0.0001)
	})

	t.Run("get pricing for non-existent model returns error", func(t *testing.T) {
		_, err := registry.GetPricing(ctx, "non-existent-model")
		require.Error(t, err)
	})

	t.Run("register with empty model returns error", func(t *testing.T) {
		err := registry.RegisterPricing(ctx, "", domain.PricingConfig{InputCostPer1K: 0.01})
		require.Error(t, err)
	})

	t.Run("register negative price returns error", func(t *testing.T) {
		err := registry.RegisterPricing(ctx, "bad", domain.PricingConfig{OutputCostPer1K: -1})
		require.Error(t, err)
	})

	t.Run("overwrite existing pricing", func(t *testing.T) {
		require.NoError(t, registry.RegisterPricing(ctx, "test-model", domain.PricingConfig{
			InputCostPer1K:  0.01,
			OutputCostPer1K: 0.02,
		}))
		require.NoError(t, registry.RegisterPricing(ctx, "test-model", domain.PricingConfig{
			InputCostPer1K:  0.05,
			OutputCostPer1K: 0.10,
		}))

		retrieved, err := registry.GetPricing(ctx, "test-model")
		require.NoError(t, err)
		require.InDelta(t, 0.05, retrieved.InputCostPer1K, 0.0001)
		require.InDelta(t, 0.10, retrieved.OutputCostPer1K, 0.0001)
	})

	t.Run("models are listed in order", func(t *testing.T) {
		require.Equal(t, []string{"gpt-4", "test-model"}, registry.Models())
	})
}
