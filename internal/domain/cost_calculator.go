package domain

import (
	"context"
	"math"
)

const (
	tokensToPerK  = 1000.0
	costPrecision = 10000.0 // four decimal places
	roundingSlack = 1e-9    // absorbs float error at exact half-points
)

// StandardCostCalculator implements standard token-based cost calculation.
type StandardCostCalculator struct {
	pricingRegistry PricingRegistry
}

// NewStandardCostCalculator creates a new cost calculator.
func NewStandardCostCalculator(registry PricingRegistry) *StandardCostCalculator {
	return &StandardCostCalculator{
		pricingRegistry: registry,
	}
}

// Calculate computes the total cost based on token usage and model pricing,
// rounded half-up to four decimals.
func (c *StandardCostCalculator) Calculate(
	ctx context.Context,
	model string,
	usage Usage,
) float64 {
	if model == "" {
		return 0
	}

	pricing, err := c.pricingRegistry.GetPricing(ctx, model)
	if err != nil {
		// Pricing is advisory; a model without a price costs nothing.
		return 0
	}

	inputCost := float64(usage.PromptTokens) / tokensToPerK * pricing.InputCostPer1K
	outputCost := float64(usage.CompletionTokens) / tokensToPerK * pricing.OutputCostPer1K

	return RoundCost(inputCost + outputCost)
}

// RoundCost rounds half-up to four decimal places.
func RoundCost(amount float64) float64 {
	return math.Floor(amount*costPrecision+0.5+roundingSlack) / costPrecision
}
