package relay

import (
	"log/slog"
	"strings"

	"github.com/gobwas/glob"

	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/internal/extractor"
)

// CostCalculator prices one request's token buckets. The relay only
// calls Cost; the rate table behind it is configuration.
type CostCalculator interface {
	Cost(model string, usage extractor.Usage) float64
}

// TableCalculator prices usage from the config pricing table. Model
// patterns are globs; when several match, the longest (most specific)
// pattern wins.
type TableCalculator struct {
	rates []compiledRate
}

type compiledRate struct {
	pattern string
	g       glob.Glob
	rate    config.ModelRate
}

// NewTableCalculator compiles the pricing table. Invalid patterns are
// skipped with a warning rather than failing startup — a typo in one
// rate should not take the relay down.
func NewTableCalculator(pricing map[string]config.ModelRate) *TableCalculator {
	c := &TableCalculator{}
	for pattern, rate := range pricing {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			slog.Warn("skipping invalid pricing pattern", "pattern", pattern, "error", err)
			continue
		}
		c.rates = append(c.rates, compiledRate{pattern: pattern, g: g, rate: rate})
	}
	return c
}

// Cost implements CostCalculator. Cached reads, cache creation, and
// non-cached input are priced separately; an unknown model costs zero.
func (c *TableCalculator) Cost(model string, usage extractor.Usage) float64 {
	rate, ok := c.match(strings.ToLower(model))
	if !ok {
		return 0
	}
	const million = 1_000_000.0
	return float64(usage.ActualInputTokens)/million*rate.InputPerM +
		float64(usage.OutputTokens)/million*rate.OutputPerM +
		float64(usage.CachedReadTokens)/million*rate.CachedReadPerM +
		float64(usage.CacheCreateTokens)/million*rate.CacheCreatePerM
}

func (c *TableCalculator) match(model string) (config.ModelRate, bool) {
	var best *compiledRate
	for i := range c.rates {
		r := &c.rates[i]
		if !r.g.Match(model) {
			continue
		}
		if best == nil || len(r.pattern) > len(best.pattern) {
			best = r
		}
	}
	if best == nil {
		return config.ModelRate{}, false
	}
	return best.rate, true
}
