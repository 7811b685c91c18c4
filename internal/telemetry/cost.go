package telemetry

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// PricePerMillion is a provider/model price catalog entry, quoted in
// USD per one million tokens, kept as decimal.Decimal throughout so a
// billion-row Usage table never accumulates float rounding error.
type PricePerMillion struct {
	Input       decimal.Decimal
	Output      decimal.Decimal
	CacheRead   decimal.Decimal
	CacheWrite5m decimal.Decimal
	CacheWrite1h decimal.Decimal
}

var million = decimal.NewFromInt(1_000_000)

// ErrNoPriceEntry is returned by Compute in strict mode when no catalog
// entry covers the request — billing must never silently under/over
// charge by guessing a default rate.
type ErrNoPriceEntry struct {
	ModelName string
}

func (e *ErrNoPriceEntry) Error() string {
	return fmt.Sprintf("telemetry: no price entry for model %q", e.ModelName)
}

// Catalog resolves a price entry for a model name.
type Catalog interface {
	PriceFor(modelName string) (PricePerMillion, bool)
}

// StaticCatalog is a fixed, in-process Catalog loaded once at startup —
// the baseline implementation for deployments without a live
// price-catalog admin surface.
type StaticCatalog struct {
	prices map[string]PricePerMillion
}

// NewStaticCatalog builds a StaticCatalog from a model-name -> price map.
func NewStaticCatalog(prices map[string]PricePerMillion) *StaticCatalog {
	return &StaticCatalog{prices: prices}
}

func (c *StaticCatalog) PriceFor(modelName string) (PricePerMillion, bool) {
	p, ok := c.prices[modelName]
	return p, ok
}

// Compute applies a catalog entry to token counts, returning the cost
// in USD. strict controls what happens when the catalog has no entry:
// strict mode fails the request rather than bill at an assumed rate.
func Compute(catalog Catalog, modelName string, tokens model.TokenCounts, strict bool) (decimal.Decimal, error) {
	price, ok := catalog.PriceFor(modelName)
	if !ok {
		if strict {
			return decimal.Zero, &ErrNoPriceEntry{ModelName: modelName}
		}
		return decimal.Zero, nil
	}

	cost := decimal.Zero
	cost = cost.Add(perToken(price.Input, tokens.InputTokens))
	cost = cost.Add(perToken(price.Output, tokens.OutputTokens))
	cost = cost.Add(perToken(price.CacheRead, tokens.CacheReadTokens))
	cost = cost.Add(perToken(price.CacheWrite5m, tokens.CacheCreation5m))
	cost = cost.Add(perToken(price.CacheWrite1h, tokens.CacheCreation1h))
	return cost, nil
}

func perToken(pricePerMillion decimal.Decimal, count int) decimal.Decimal {
	if count == 0 {
		return decimal.Zero
	}
	return pricePerMillion.Mul(decimal.NewFromInt(int64(count))).Div(million)
}

// EvaluateBillingRule prices a VideoTask against its frozen BillingRule
// snapshot (captured at submit time, per spec.md §3, so a mid-task
// price-catalog edit never changes the caller's final cost). The
// expression language is a flat linear combination of named
// dimensions — sufficient for every duration/resolution/fps rule the
// original price catalogs express; anything richer is out of scope.
func EvaluateBillingRule(rule model.BillingRule, dims map[string]float64) (decimal.Decimal, error) {
	total := decimal.Zero
	for dimName, value := range dims {
		varName, ok := rule.DimensionMappings[dimName]
		if !ok {
			continue
		}
		rate, ok := rule.Variables[varName]
		if !ok {
			return decimal.Zero, fmt.Errorf("telemetry: billing rule %s missing variable %q", rule.RuleID, varName)
		}
		total = total.Add(decimal.NewFromFloat(rate).Mul(decimal.NewFromFloat(value)))
	}
	return total, nil
}
