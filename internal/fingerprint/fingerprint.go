// Package fingerprint produces the deterministic request hash that keys the
// semantic cache within a project.
//
// The hash is SHA-256 over the canonical JSON (sorted keys, UTF-8) of the
// normalized request. Server-controlled fields (stream, user IDs, trace IDs)
// never participate, so a streamed and a non-streamed request with the same
// prompt share one fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

// Request is the subset of a client request that participates in the
// fingerprint. Optional fields (ResponseFormat, Tools, Seed) are included in
// the canonical form only when present.
type Request struct {
	Endpoint    string
	Model       string
	Messages    []providers.Message
	Temperature float64
	TopP        float64
	MaxTokens   int

	ResponseFormat json.RawMessage
	Tools          json.RawMessage
	Seed           *int64
}

// Normalize returns a copy with whitespace trimmed at message boundaries and
// role names lower-cased. Normalize is idempotent.
func Normalize(r Request) Request {
	msgs := make([]providers.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = providers.Message{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: strings.TrimSpace(m.Content),
		}
	}
	r.Messages = msgs
	return r
}

// Sum returns the lowercase hex SHA-256 fingerprint of r. The input is
// normalized first, so Sum(r) == Sum(Normalize(r)) for every r.
func Sum(r Request) string {
	n := Normalize(r)

	msgs := make([]any, len(n.Messages))
	for i, m := range n.Messages {
		msgs[i] = map[string]any{"role": m.Role, "content": m.Content}
	}

	// encoding/json marshals map keys in sorted order, which gives us the
	// canonical form for free as long as every object is a map.
	obj := map[string]any{
		"endpoint":    n.Endpoint,
		"model":       n.Model,
		"messages":    msgs,
		"temperature": n.Temperature,
		"top_p":       n.TopP,
		"max_tokens":  n.MaxTokens,
	}
	if len(n.ResponseFormat) > 0 {
		obj["response_format"] = canonicalize(n.ResponseFormat)
	}
	if len(n.Tools) > 0 {
		obj["tools"] = canonicalize(n.Tools)
	}
	if n.Seed != nil {
		obj["seed"] = *n.Seed
	}

	data, _ := json.Marshal(obj)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// canonicalize re-decodes raw JSON into generic values so nested objects also
// serialize with sorted keys. Invalid JSON is kept as the raw string — it
// still hashes deterministically.
func canonicalize(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// PromptText concatenates normalized messages with role prefixes. This is
// the text the embedder sees.
func PromptText(messages []providers.Message) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strings.ToLower(strings.TrimSpace(m.Role)))
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(m.Content))
	}
	return sb.String()
}
