package pricing

import (
	"math"
	"testing"
	"time"
)

func TestCost(t *testing.T) {
	c := Default()

	tests := []struct {
		name      string
		provider  string
		model     string
		in, out   int
		want      float64
	}{
		{"gpt-4o", "openai", "gpt-4o", 1000, 500, (1000*2.50 + 500*10.00) / 1_000_000},
		{"claude haiku", "anthropic", "claude-3-haiku-20240307", 2000, 1000, (2000*0.25 + 1000*1.25) / 1_000_000},
		{"unknown model", "openai", "gpt-9000", 1000, 1000, 0},
		{"zero tokens", "groq", "llama3-8b-8192", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Cost(tt.provider, tt.model, tt.in, tt.out)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Fatalf("Cost = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmbeddingModelsUseInputOnlyPricing(t *testing.T) {
	c := Default()

	p, ok := c.Lookup("openai", "text-embedding-3-small")
	if !ok {
		t.Fatal("embedding model missing from catalog")
	}
	if !p.Embedding {
		t.Fatal("text-embedding-3-small should be flagged as embedding")
	}

	// Output tokens must not contribute.
	withOut := c.Cost("openai", "text-embedding-3-small", 10_000, 99_999)
	withoutOut := c.Cost("openai", "text-embedding-3-small", 10_000, 0)
	if withOut != withoutOut {
		t.Fatalf("embedding cost should ignore output tokens: %v != %v", withOut, withoutOut)
	}
}

func TestStale(t *testing.T) {
	c := Default()

	if c.Stale("openai", "gpt-4o", verified.Add(24*time.Hour)) {
		t.Fatal("row verified 1 day ago should not be stale")
	}
	if !c.Stale("openai", "gpt-4o", verified.Add(8*24*time.Hour)) {
		t.Fatal("row verified 8 days ago should be stale")
	}
	if !c.Stale("openai", "no-such-model", time.Now()) {
		t.Fatal("unknown rows are stale by definition")
	}
}

func TestReload(t *testing.T) {
	c := Default()
	before := c.Len()

	c.Reload(map[string]map[string]Price{
		"openai": {
			"gpt-4o":    {InputPerM: 2.00, OutputPerM: 8.00, LastVerifiedAt: time.Now()},
			"gpt-next":  {InputPerM: 5.00, OutputPerM: 20.00, LastVerifiedAt: time.Now()},
		},
	})

	p, ok := c.Lookup("openai", "gpt-4o")
	if !ok || p.InputPerM != 2.00 {
		t.Fatalf("reload did not replace gpt-4o row: %+v", p)
	}
	if c.Len() != before+1 {
		t.Fatalf("reload should add exactly one new row, len %d -> %d", before, c.Len())
	}
	// Untouched rows survive.
	if _, ok := c.Lookup("groq", "gemma2-9b-it"); !ok {
		t.Fatal("reload must not drop unrelated rows")
	}
}
