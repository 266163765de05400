// Package costing turns token usage into marked-up credit charges.
package costing

import (
	"errors"
	"fmt"
	"math"

	"github.com/crescendoschool/crescendo-core/internal/pricing"
)

// ErrUnknownModel is returned when the pricing table has no rate for a model
// and no fallback is configured.
var ErrUnknownModel = errors.New("costing: unknown model")

// Usage carries the token counts reported by the generation worker.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Breakdown is the fully computed charge for one completed message.
type Breakdown struct {
	Model        string  `json:"model"`
	Provider     string  `json:"provider,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	InputUSD     float64 `json:"input_usd"`
	OutputUSD    float64 `json:"output_usd"`
	TotalUSD     float64 `json:"total_usd"`
	CreditUSD    float64 `json:"credit_usd"`
	CreditUnits  int64   `json:"credit_units"`
}

// Calculator computes charges from usage. It has no side effects; the same
// inputs always produce the same breakdown.
type Calculator struct {
	table       *pricing.Table
	markup      float64
	unitsPerUSD int64
}

// DefaultMarkup is the multiplier applied over raw provider cost.
const DefaultMarkup = 3.0

// DefaultUnitsPerUSD converts marked-up USD into integer credit units.
// One credit is a hundredth of a cent.
const DefaultUnitsPerUSD = 10000

// NewCalculator builds a Calculator over a pricing table. Zero markup or
// scale fall back to the defaults.
func NewCalculator(table *pricing.Table, markup float64, unitsPerUSD int64) *Calculator {
	if markup <= 0 {
		markup = DefaultMarkup
	}
	if unitsPerUSD <= 0 {
		unitsPerUSD = DefaultUnitsPerUSD
	}
	return &Calculator{table: table, markup: markup, unitsPerUSD: unitsPerUSD}
}

// Compute prices the given usage for a model. Negative token counts are
// rejected; a zero-usage message prices to zero credits.
func (c *Calculator) Compute(usage Usage, model string) (Breakdown, error) {
	if usage.InputTokens < 0 || usage.OutputTokens < 0 {
		return Breakdown{}, fmt.Errorf("costing: negative token counts (input=%d output=%d)", usage.InputTokens, usage.OutputTokens)
	}
	rate, ok := c.table.Lookup(model)
	if !ok {
		return Breakdown{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}

	total := usage.TotalTokens
	if total == 0 {
		total = usage.InputTokens + usage.OutputTokens
	}

	b := Breakdown{
		Model:        model,
		Provider:     rate.Provider,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  total,
	}
	b.InputUSD = float64(usage.InputTokens) * rate.InputPerToken
	b.OutputUSD = float64(usage.OutputTokens) * rate.OutputPerToken
	b.TotalUSD = b.InputUSD + b.OutputUSD
	b.CreditUSD = b.TotalUSD * c.markup
	b.CreditUnits = ceilUnits(b.CreditUSD, c.unitsPerUSD)
	return b, nil
}

// ceilUnits rounds up so partial units are always charged in full.
func ceilUnits(usd float64, unitsPerUSD int64) int64 {
	if usd <= 0 {
		return 0
	}
	return int64(math.Ceil(usd * float64(unitsPerUSD)))
}
