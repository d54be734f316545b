// Package sse implements the stream bridge: framing chunks as Server-Sent
// Events, buffering a live stream up into a complete completion for caching,
// and replaying a cached completion as a synthetic stream.
package sse

import (
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

// Chunk is one chat.completion.chunk SSE payload in OpenAI wire shape.
type Chunk struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []ChunkChoice    `json:"choices"`
	Usage   *providers.Usage `json:"usage,omitempty"`
}

// ChunkChoice carries the delta for one choice index. FinishReason is a
// pointer so intermediate chunks serialize it as null.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message payload of a stream chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

const objectChunk = "chat.completion.chunk"

// NewChunk returns an empty chunk envelope for one streamed response. The
// caller fills in Choices (and Usage on the final chunk).
func NewChunk(id, model string, created int64) Chunk {
	return Chunk{ID: id, Object: objectChunk, Created: created, Model: model}
}
