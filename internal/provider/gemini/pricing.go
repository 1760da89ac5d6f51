package gemini

import (
	"context"
	"fmt"

	"github.com/davidbz/quillgate/internal/domain"
)

// RegisterPricing registers Gemini model pricing with the registry.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	models := map[string]domain.PricingConfig{
		"gemini-2.0-flash": {InputCostPer1K: 0.0001, OutputCostPer1K: 0.0004},
		"gemini-1.5-flash": {InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003},
		"gemini-1.5-pro":   {InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
	}

	for model, config := range models {
		if err := registry.RegisterPricing(ctx, model, config); err != nil {
			return fmt.Errorf("failed to register pricing for model %s: %w", model, err)
		}
	}

	return nil
}
