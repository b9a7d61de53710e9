package analytics

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheWrite decimal.Decimal
	CacheRead  decimal.Decimal
}

func pricing(input, output float64) ModelPricing {
	in := decimal.NewFromFloat(input)
	return ModelPricing{
		Input:      in,
		Output:     decimal.NewFromFloat(output),
		CacheWrite: in.Mul(decimal.NewFromFloat(1.25)),
		CacheRead:  in.Mul(decimal.NewFromFloat(0.1)),
	}
}

var pricingTable = map[string]ModelPricing{
	"opus-4-6":   pricing(5, 25),
	"opus-4-5":   pricing(5, 25),
	"opus-4-1":   pricing(15, 75),
	"opus-4":     pricing(15, 75),
	"opus-3":     pricing(15, 75),
	"sonnet-4-5": pricing(3, 15),
	"sonnet-4":   pricing(3, 15),
	"sonnet-3-7": pricing(3, 15),
	"haiku-4-5":  pricing(1, 5),
	"haiku-3-5":  pricing(0.80, 4),
	"haiku-3":    pricing(0.25, 1.25),
}

var oneMillion = decimal.NewFromInt(1_000_000)

// ModelFamily reduces a full model id to its pricing family, for example
// "claude-sonnet-4-5-20250929" to "sonnet-4-5".
func ModelFamily(model string) string {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(model)), "claude-")
	parts := strings.Split(name, "-")
	if len(parts) < 2 {
		return name
	}
	family := parts[0]
	if family != "opus" && family != "sonnet" && family != "haiku" {
		return name
	}
	if !singleDigit(parts[1]) {
		return name
	}
	if len(parts) >= 3 && singleDigit(parts[2]) {
		return family + "-" + parts[1] + "-" + parts[2]
	}
	return family + "-" + parts[1]
}

// PricingFor returns zero pricing for unknown models.
func PricingFor(model string) (ModelPricing, bool) {
	price, ok := pricingTable[ModelFamily(model)]
	return price, ok
}

func Cost(price ModelPricing, usage Usage) decimal.Decimal {
	return decimal.NewFromInt(usage.InputTokens).Mul(price.Input).
		Add(decimal.NewFromInt(usage.OutputTokens).Mul(price.Output)).
		Add(decimal.NewFromInt(usage.CacheCreationInputTokens).Mul(price.CacheWrite)).
		Add(decimal.NewFromInt(usage.CacheReadInputTokens).Mul(price.CacheRead)).
		Div(oneMillion)
}

func singleDigit(value string) bool {
	return len(value) == 1 && value[0] >= '0' && value[0] <= '9'
}
