package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

func baseRequest() Request {
	return Request{
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o",
		Messages: []providers.Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "What is the capital of France?"},
		},
		Temperature: 0.7,
		TopP:        1,
		MaxTokens:   256,
	}
}

func TestDeterministic(t *testing.T) {
	r := baseRequest()
	assert.Equal(t, Sum(r), Sum(r))
	assert.Len(t, Sum(r), 64)
}

func TestNormalizeInvariance(t *testing.T) {
	r := baseRequest()

	messy := r
	messy.Messages = []providers.Message{
		{Role: "  SYSTEM ", Content: "You are terse.  "},
		{Role: "User", Content: "\n What is the capital of France?\t"},
	}

	assert.Equal(t, Sum(r), Sum(messy),
		"whitespace at message boundaries and role casing must not change the fingerprint")
	assert.Equal(t, Sum(r), Sum(Normalize(r)),
		"fingerprint(request) == fingerprint(normalize(request))")
}

func TestSingleByteChangesFingerprint(t *testing.T) {
	r := baseRequest()
	base := Sum(r)

	mutations := []func(*Request){
		func(q *Request) { q.Model = "gpt-4p" },
		func(q *Request) { q.Messages[1].Content = "What is the capital of France!" },
		func(q *Request) { q.Temperature = 0.71 },
		func(q *Request) { q.TopP = 0.9 },
		func(q *Request) { q.MaxTokens = 257 },
		func(q *Request) { q.Endpoint = "/v1/completions" },
		func(q *Request) { s := int64(42); q.Seed = &s },
		func(q *Request) { q.ResponseFormat = json.RawMessage(`{"type":"json_object"}`) },
		func(q *Request) { q.Tools = json.RawMessage(`[{"type":"function"}]`) },
	}

	for i, mutate := range mutations {
		q := baseRequest()
		mutate(&q)
		assert.NotEqual(t, base, Sum(q), "mutation %d must change the fingerprint", i)
	}
}

func TestRawJSONKeyOrderIsCanonical(t *testing.T) {
	a := baseRequest()
	a.ResponseFormat = json.RawMessage(`{"type":"json_schema","json_schema":{"name":"x"}}`)

	b := baseRequest()
	b.ResponseFormat = json.RawMessage(`{"json_schema":{"name":"x"},"type":"json_schema"}`)

	assert.Equal(t, Sum(a), Sum(b), "key order inside raw JSON fields must not matter")
}

func TestPromptText(t *testing.T) {
	got := PromptText([]providers.Message{
		{Role: "System", Content: " You are terse. "},
		{Role: "user", Content: "Hello"},
	})
	assert.Equal(t, "system: You are terse.\nuser: Hello", got)
}
