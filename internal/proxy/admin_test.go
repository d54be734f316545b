package proxy

import (
	"testing"
)

func TestDecodeInvalidateFilter(t *testing.T) {
	t.Run("kind names the entry class", func(t *testing.T) {
		f, err := decodeInvalidateFilter([]byte(`{"kind":"/v1/embeddings","model":"gpt-4o"}`))
		if err != nil {
			t.Fatal(err)
		}
		if f.Endpoint != "/v1/embeddings" || f.Model != "gpt-4o" {
			t.Errorf("filter = %+v", f)
		}
	})

	t.Run("endpoint alias still accepted", func(t *testing.T) {
		f, err := decodeInvalidateFilter([]byte(`{"endpoint":"/v1/chat/completions"}`))
		if err != nil {
			t.Fatal(err)
		}
		if f.Endpoint != "/v1/chat/completions" {
			t.Errorf("filter = %+v", f)
		}
	})

	t.Run("kind wins over the alias", func(t *testing.T) {
		f, err := decodeInvalidateFilter([]byte(`{"kind":"/v1/completions","endpoint":"/v1/embeddings"}`))
		if err != nil {
			t.Fatal(err)
		}
		if f.Endpoint != "/v1/completions" {
			t.Errorf("filter = %+v", f)
		}
	})

	t.Run("time bounds parse as RFC 3339", func(t *testing.T) {
		f, err := decodeInvalidateFilter([]byte(`{"all":true,"before":"2026-08-01T00:00:00Z"}`))
		if err != nil {
			t.Fatal(err)
		}
		if !f.All || f.Before == nil || f.Before.Year() != 2026 {
			t.Errorf("filter = %+v", f)
		}
	})

	t.Run("bad time rejected", func(t *testing.T) {
		if _, err := decodeInvalidateFilter([]byte(`{"after":"yesterday"}`)); err == nil {
			t.Error("expected an error for a non-RFC 3339 time")
		}
	})

	t.Run("bad JSON rejected", func(t *testing.T) {
		if _, err := decodeInvalidateFilter([]byte(`{`)); err == nil {
			t.Error("expected an error for malformed JSON")
		}
	})
}
