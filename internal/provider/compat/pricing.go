package compat

import (
	"context"
	"fmt"

	"github.com/davidbz/quillgate/internal/domain"
)

// RegisterPricing registers DeepSeek pricing, the default compatible endpoint.
// Other endpoints get their prices from the pricing file.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	models := map[string]domain.PricingConfig{
		"deepseek-chat":     {InputCostPer1K: 0.00027, OutputCostPer1K: 0.0011},
		"deepseek-reasoner": {InputCostPer1K: 0.00055, OutputCostPer1K: 0.00219},
	}

	for model, config := range models {
		if err := registry.RegisterPricing(ctx, model, config); err != nil {
			return fmt.Errorf("failed to register pricing for model %s: %w", model, err)
		}
	}

	return nil
}
