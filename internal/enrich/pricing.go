package enrich

import "strings"

// Pricing holds per-million-token USD rates for one model family.
type Pricing struct {
	InputPerMTok      float64 `json:"inputPerMTok"`
	OutputPerMTok     float64 `json:"outputPerMTok"`
	CacheWritePerMTok float64 `json:"cacheWritePerMTok"`
	CacheReadPerMTok  float64 `json:"cacheReadPerMTok"`
}

type pricingRule struct {
	prefix string
	rates  Pricing
}

// pricingTable is matched top to bottom by literal prefix, so more specific
// prefixes must precede less specific ones (claude-opus-4-6 before
// claude-opus-4). Model ids in transcripts carry a date suffix, e.g.
// claude-opus-4-20250514.
var pricingTable = []pricingRule{
	{"claude-opus-4-6", Pricing{5, 25, 6.25, 0.50}},
	{"claude-opus-4-5", Pricing{5, 25, 6.25, 0.50}},
	{"claude-opus-4", Pricing{15, 75, 18.75, 1.50}},
	{"claude-sonnet-4-5", Pricing{3, 15, 3.75, 0.30}},
	{"claude-sonnet-4", Pricing{3, 15, 3.75, 0.30}},
	{"claude-haiku-4-5", Pricing{1, 5, 1.25, 0.10}},
	{"claude-3-7-sonnet", Pricing{3, 15, 3.75, 0.30}},
	{"claude-3-5-sonnet", Pricing{3, 15, 3.75, 0.30}},
	{"claude-3-5-haiku", Pricing{0.80, 4, 1, 0.08}},
	{"claude-3-opus", Pricing{15, 75, 18.75, 1.50}},
	{"claude-3-haiku", Pricing{0.25, 1.25, 0.30, 0.03}},
}

// LookupPricing returns the rates for the first table entry whose prefix
// matches the model id, or false when the model is unknown.
func LookupPricing(model string) (Pricing, bool) {
	for _, rule := range pricingTable {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.rates, true
		}
	}
	return Pricing{}, false
}

// ComputeCost estimates the USD cost of one response. Unknown models cost
// zero rather than guessing.
func ComputeCost(input, output, cacheCreate, cacheRead int64, model string) float64 {
	rates, ok := LookupPricing(model)
	if !ok {
		return 0
	}
	const mtok = 1_000_000
	return float64(input)/mtok*rates.InputPerMTok +
		float64(output)/mtok*rates.OutputPerMTok +
		float64(cacheCreate)/mtok*rates.CacheWritePerMTok +
		float64(cacheRead)/mtok*rates.CacheReadPerMTok
}
