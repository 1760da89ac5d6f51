package openai

import (
	"context"
	"fmt"

	"github.com/davidbz/quillgate/internal/domain"
)

// RegisterPricing registers OpenAI model pricing with the registry.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	models := map[string]domain.PricingConfig{
		"gpt-4o-mini":   {InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
		"gpt-4o":        {InputCostPer1K: 0.0025, OutputCostPer1K: 0.01},
		"gpt-4":         {InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
		"gpt-4-turbo":   {InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
		"gpt-3.5-turbo": {InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015},
	}

	for model, config := range models {
		if err := registry.RegisterPricing(ctx, model, config); err != nil {
			return fmt.Errorf("failed to register pricing for model %s: %w", model, err)
		}
	}

	return nil
}
