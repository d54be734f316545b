package proxy

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/semantic-gateway/internal/auth"
)

func TestInboundRequest_Messages(t *testing.T) {
	t.Run("chat messages pass through", func(t *testing.T) {
		req := inboundRequest{Messages: []inboundMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		}}
		msgs := req.messages()
		if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Content != "hi" {
			t.Errorf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("legacy prompt becomes a user message", func(t *testing.T) {
		req := inboundRequest{Prompt: "complete this"}
		msgs := req.messages()
		if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "complete this" {
			t.Errorf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("messages win over prompt", func(t *testing.T) {
		req := inboundRequest{
			Messages: []inboundMessage{{Role: "user", Content: "from messages"}},
			Prompt:   "from prompt",
		}
		msgs := req.messages()
		if len(msgs) != 1 || msgs[0].Content != "from messages" {
			t.Errorf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("empty body yields nil", func(t *testing.T) {
		var req inboundRequest
		if msgs := req.messages(); msgs != nil {
			t.Errorf("expected nil, got %+v", msgs)
		}
	})
}

func TestEmbeddingsRequest_Inputs(t *testing.T) {
	t.Run("single string", func(t *testing.T) {
		var req embeddingsRequest
		if err := json.Unmarshal([]byte(`{"model":"m","input":"hello"}`), &req); err != nil {
			t.Fatal(err)
		}
		inputs, err := req.inputs()
		if err != nil || len(inputs) != 1 || inputs[0] != "hello" {
			t.Errorf("inputs = %v, err = %v", inputs, err)
		}
	})

	t.Run("string array", func(t *testing.T) {
		var req embeddingsRequest
		if err := json.Unmarshal([]byte(`{"model":"m","input":["a","b"]}`), &req); err != nil {
			t.Fatal(err)
		}
		inputs, err := req.inputs()
		if err != nil || len(inputs) != 2 {
			t.Errorf("inputs = %v, err = %v", inputs, err)
		}
	})

	t.Run("number rejected", func(t *testing.T) {
		var req embeddingsRequest
		if err := json.Unmarshal([]byte(`{"model":"m","input":42}`), &req); err != nil {
			t.Fatal(err)
		}
		if _, err := req.inputs(); err == nil {
			t.Error("expected an error for a numeric input")
		}
	})
}

func TestClientDeclinesCache(t *testing.T) {
	cases := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"no-cache", true},
		{"No-Store", true},
		{"max-age=0", false},
		{"private, no-cache", true},
	}
	for _, tc := range cases {
		ctx := &fasthttp.RequestCtx{}
		if tc.header != "" {
			ctx.Request.Header.Set("Cache-Control", tc.header)
		}
		if got := clientDeclinesCache(ctx); got != tc.want {
			t.Errorf("Cache-Control %q: got %v, want %v", tc.header, got, tc.want)
		}
	}
}

func TestWriteQuotaHeaders(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeQuotaHeaders(ctx, auth.Decision{Allowed: true, Limit: 10_000, Remaining: 9_000})

	if got := string(ctx.Response.Header.Peek("X-Quota-Limit")); got != "10000" {
		t.Errorf("X-Quota-Limit = %q", got)
	}
	if got := string(ctx.Response.Header.Peek("X-Quota-Remaining")); got != "9000" {
		t.Errorf("X-Quota-Remaining = %q", got)
	}
	// Every response carries the quota headers; there is no plan shape that
	// omits them.
	if len(ctx.Response.Header.Peek("X-Quota-Reset")) == 0 {
		t.Error("X-Quota-Reset missing")
	}
}

func TestWriteRateHeaders(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeRateHeaders(ctx, auth.Decision{Allowed: true, Limit: 60, Remaining: 12})

	if got := string(ctx.Response.Header.Peek("X-RateLimit-Limit")); got != "60" {
		t.Errorf("X-RateLimit-Limit = %q", got)
	}
	if got := string(ctx.Response.Header.Peek("X-RateLimit-Remaining")); got != "12" {
		t.Errorf("X-RateLimit-Remaining = %q", got)
	}
}

func TestCompletionID(t *testing.T) {
	a, b := completionID(), completionID()
	if a == b {
		t.Error("completion IDs must be unique")
	}
	if len(a) < 10 || a[:9] != "chatcmpl-" {
		t.Errorf("unexpected ID shape: %q", a)
	}
}
