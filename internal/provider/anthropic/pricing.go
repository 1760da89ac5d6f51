package anthropic

import (
	"context"
	"fmt"

	"github.com/davidbz/quillgate/internal/domain"
)

// RegisterPricing registers Claude model pricing with the registry.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	models := map[string]domain.PricingConfig{
		"claude-3-5-sonnet-20241022": {InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
		"claude-3-5-haiku-20241022":  {InputCostPer1K: 0.0008, OutputCostPer1K: 0.004},
		"claude-3-haiku-20240307":    {InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125},
		"claude-3-opus-20240229":     {InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
	}

	for model, config := range models {
		if err := registry.RegisterPricing(ctx, model, config); err != nil {
			return fmt.Errorf("failed to register pricing for model %s: %w", model, err)
		}
	}

	return nil
}
