package sse

import (
	"time"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

// ReplayChunkSize is the maximum content length per synthetic chunk, in
// runes. Small chunks keep replayed streams visually similar to live ones.
const ReplayChunkSize = 48

// Replay writes a cached completion to sw as a synthetic SSE stream: a role
// chunk, the content split into ReplayChunkSize pieces, a finish chunk
// carrying usage, then [DONE]. A non-zero delay sleeps between content
// chunks to pace the replay.
//
// Replay round-trips: ParseStream over the replayed bytes reconstructs the
// original completion.
func Replay(sw Writer, c *providers.ChatCompletion, delay time.Duration) error {
	base := func() Chunk {
		return Chunk{
			ID:      c.ID,
			Object:  objectChunk,
			Created: c.Created,
			Model:   c.Model,
		}
	}

	role := base()
	role.Choices = []ChunkChoice{{Index: 0, Delta: Delta{Role: "assistant"}}}
	if err := WriteJSON(sw, role); err != nil {
		return err
	}

	for _, choice := range c.Choices {
		pieces := splitRunes(choice.Message.Content, ReplayChunkSize)
		for i, piece := range pieces {
			if delay > 0 && i > 0 {
				time.Sleep(delay)
			}
			chunk := base()
			chunk.Choices = []ChunkChoice{{Index: choice.Index, Delta: Delta{Content: piece}}}
			if err := WriteJSON(sw, chunk); err != nil {
				return err
			}
		}

		finish := base()
		reason := choice.FinishReason
		finish.Choices = []ChunkChoice{{Index: choice.Index, FinishReason: &reason}}
		if choice.Index == 0 {
			u := c.Usage
			finish.Usage = &u
		}
		if err := WriteJSON(sw, finish); err != nil {
			return err
		}
	}

	return sw.Done()
}

// splitRunes cuts s into pieces of at most n runes, never splitting a UTF-8
// sequence.
func splitRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	var pieces []string
	runes := []rune(s)
	for len(runes) > n {
		pieces = append(pieces, string(runes[:n]))
		runes = runes[n:]
	}
	return append(pieces, string(runes))
}
