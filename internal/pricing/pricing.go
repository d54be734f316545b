// Package pricing holds the per-model price catalog used for usage cost
// accounting and cost alerts.
//
// Prices are in USD per 1M tokens. The catalog is loaded once at startup and
// may be hot-reloaded by the admin surface.
package pricing

import (
	"sync"
	"time"
)

// Price holds the per-1M-token prices for one (provider, model) pair.
type Price struct {
	InputPerM  float64
	OutputPerM float64

	// Optional discounted rates; zero means not offered.
	CachedInputPerM float64
	BatchInputPerM  float64
	BatchOutputPerM float64

	// Embedding models use input-only pricing.
	Embedding bool

	LastVerifiedAt time.Time
	SourceURL      string
}

// staleAfter is the freshness horizon for catalog rows.
const staleAfter = 7 * 24 * time.Hour

type key struct{ provider, model string }

// Catalog is a concurrency-safe price table.
type Catalog struct {
	mu     sync.RWMutex
	prices map[key]Price
}

// verified is the last audit date of the built-in table.
var verified = time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC)

// Default returns the built-in catalog.
func Default() *Catalog {
	c := &Catalog{prices: make(map[key]Price)}

	set := func(provider, model string, p Price) {
		p.LastVerifiedAt = verified
		c.prices[key{provider, model}] = p
	}

	// OpenAI — https://openai.com/api/pricing
	set("openai", "gpt-4o", Price{InputPerM: 2.50, OutputPerM: 10.00, CachedInputPerM: 1.25, BatchInputPerM: 1.25, BatchOutputPerM: 5.00})
	set("openai", "gpt-4o-mini", Price{InputPerM: 0.15, OutputPerM: 0.60, CachedInputPerM: 0.075})
	set("openai", "gpt-4.1", Price{InputPerM: 2.00, OutputPerM: 8.00, CachedInputPerM: 0.50})
	set("openai", "gpt-4.1-mini", Price{InputPerM: 0.40, OutputPerM: 1.60, CachedInputPerM: 0.10})
	set("openai", "gpt-4.1-nano", Price{InputPerM: 0.10, OutputPerM: 0.40, CachedInputPerM: 0.025})
	set("openai", "o3-mini", Price{InputPerM: 1.10, OutputPerM: 4.40, CachedInputPerM: 0.55})
	set("openai", "o4-mini", Price{InputPerM: 1.10, OutputPerM: 4.40, CachedInputPerM: 0.275})
	set("openai", "gpt-3.5-turbo", Price{InputPerM: 0.50, OutputPerM: 1.50})
	set("openai", "text-embedding-3-small", Price{InputPerM: 0.02, Embedding: true})
	set("openai", "text-embedding-3-large", Price{InputPerM: 0.13, Embedding: true})

	// Anthropic — https://www.anthropic.com/pricing
	set("anthropic", "claude-3-5-sonnet-20241022", Price{InputPerM: 3.00, OutputPerM: 15.00, CachedInputPerM: 0.30})
	set("anthropic", "claude-3-5-haiku-20241022", Price{InputPerM: 0.80, OutputPerM: 4.00, CachedInputPerM: 0.08})
	set("anthropic", "claude-3-opus-20240229", Price{InputPerM: 15.00, OutputPerM: 75.00})
	set("anthropic", "claude-3-haiku-20240307", Price{InputPerM: 0.25, OutputPerM: 1.25})
	set("anthropic", "claude-3-7-sonnet-20250219", Price{InputPerM: 3.00, OutputPerM: 15.00, CachedInputPerM: 0.30})
	set("anthropic", "claude-sonnet-4", Price{InputPerM: 3.00, OutputPerM: 15.00, CachedInputPerM: 0.30})
	set("anthropic", "claude-opus-4", Price{InputPerM: 15.00, OutputPerM: 75.00, CachedInputPerM: 1.50})

	// Groq — https://groq.com/pricing
	set("groq", "llama-3.3-70b-versatile", Price{InputPerM: 0.59, OutputPerM: 0.79})
	set("groq", "llama-3.1-8b-instant", Price{InputPerM: 0.05, OutputPerM: 0.08})
	set("groq", "llama3-70b-8192", Price{InputPerM: 0.59, OutputPerM: 0.79})
	set("groq", "llama3-8b-8192", Price{InputPerM: 0.05, OutputPerM: 0.08})
	set("groq", "gemma2-9b-it", Price{InputPerM: 0.20, OutputPerM: 0.20})

	// OpenRouter passes vendor pricing through; catalog tracks the common ones.
	set("openrouter", "openai/gpt-4o", Price{InputPerM: 2.50, OutputPerM: 10.00})
	set("openrouter", "anthropic/claude-3.5-sonnet", Price{InputPerM: 3.00, OutputPerM: 15.00})
	set("openrouter", "meta-llama/llama-3.1-70b", Price{InputPerM: 0.30, OutputPerM: 0.30})
	set("openrouter", "deepseek/deepseek-chat", Price{InputPerM: 0.27, OutputPerM: 1.10})

	return c
}

// Lookup returns the price row for (provider, model).
func (c *Catalog) Lookup(provider, model string) (Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[key{provider, model}]
	return p, ok
}

// Cost returns the USD cost for a call. Unknown models cost 0 — the usage
// log still records token counts so the row can be repriced later.
func (c *Catalog) Cost(provider, model string, tokensIn, tokensOut int) float64 {
	p, ok := c.Lookup(provider, model)
	if !ok {
		return 0
	}
	if p.Embedding {
		return float64(tokensIn) * p.InputPerM / 1_000_000
	}
	return (float64(tokensIn)*p.InputPerM + float64(tokensOut)*p.OutputPerM) / 1_000_000
}

// Stale reports whether the row's last verification is older than 7 days.
// Unknown rows are stale by definition.
func (c *Catalog) Stale(provider, model string, now time.Time) bool {
	p, ok := c.Lookup(provider, model)
	if !ok {
		return true
	}
	return now.Sub(p.LastVerifiedAt) > staleAfter
}

// Reload replaces rows in the catalog. Rows not named keep their prior
// values. Used by the admin surface on a pricing-refresh signal.
func (c *Catalog) Reload(rows map[string]map[string]Price) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for provider, models := range rows {
		for model, p := range models {
			c.prices[key{provider, model}] = p
		}
	}
}

// Len returns the number of catalog rows.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
