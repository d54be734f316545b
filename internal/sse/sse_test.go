package sse

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

func completion(content string) *providers.ChatCompletion {
	return &providers.ChatCompletion{
		ID:      "chatcmpl-abc123",
		Object:  "chat.completion",
		Created: 1717243200,
		Model:   "gpt-4o",
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: providers.Usage{PromptTokens: 12, CompletionTokens: 34, TotalTokens: 46},
	}
}

func replayToBytes(t *testing.T, c *providers.ChatCompletion) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	require.NoError(t, Replay(NewWriter(bw), c, 0))
	return buf.Bytes()
}

func TestReplayRoundTrip(t *testing.T) {
	long := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 10)
	for _, content := range []string{"short", long, "héllo wörld — ünïcode ✓"} {
		c := completion(content)
		got, err := ParseStream(bytes.NewReader(replayToBytes(t, c)))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestReplayFraming(t *testing.T) {
	raw := string(replayToBytes(t, completion(strings.Repeat("x", 100))))

	assert.True(t, strings.HasSuffix(raw, "data: [DONE]\n\n"))

	events := strings.Split(strings.TrimSuffix(raw, "\n\n"), "\n\n")
	// role + ceil(100/48)=3 content + finish + [DONE]
	require.Len(t, events, 6)
	assert.Contains(t, events[0], `"role":"assistant"`)
	assert.Contains(t, events[4], `"finish_reason":"stop"`)
	assert.Contains(t, events[4], `"total_tokens":46`)
	for _, ev := range events {
		assert.True(t, strings.HasPrefix(ev, "data: "), "every event is data-framed: %q", ev)
	}
}

func TestSplitRunesNeverBreaksUTF8(t *testing.T) {
	s := strings.Repeat("é", 100)
	for _, piece := range splitRunes(s, 48) {
		assert.True(t, len([]rune(piece)) <= 48)
		for _, r := range piece {
			assert.Equal(t, 'é', r)
		}
	}
}

func TestParseStreamToleratesNoise(t *testing.T) {
	raw := strings.Join([]string{
		": keep-alive comment",
		"",
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":5,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`,
		"event: message",
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":5,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":5,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`,
		"data: [DONE]",
		"",
	}, "\n")

	got, err := ParseStream(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", got.ID)
	assert.Equal(t, "Hi", got.Choices[0].Message.Content)
	assert.Equal(t, "stop", got.Choices[0].FinishReason)
	assert.Equal(t, 3, got.Usage.TotalTokens)
}

func TestParseStreamEmpty(t *testing.T) {
	_, err := ParseStream(strings.NewReader("data: [DONE]\n\n"))
	assert.Error(t, err)
}

func TestAccumulator(t *testing.T) {
	acc := NewAccumulator("chatcmpl-9", "gpt-4o-mini")
	acc.Add(providers.StreamChunk{Content: "Hello, "})
	acc.Add(providers.StreamChunk{Content: "world."})
	assert.False(t, acc.Terminal(), "no finish reason yet")

	acc.Add(providers.StreamChunk{
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 4, CompletionTokens: 3, TotalTokens: 7},
	})
	require.True(t, acc.Terminal())

	c := acc.Completion()
	assert.Equal(t, "Hello, world.", c.Choices[0].Message.Content)
	assert.Equal(t, "stop", c.Choices[0].FinishReason)
	assert.Equal(t, 7, c.Usage.TotalTokens)
}

func TestAccumulatorNonTerminal(t *testing.T) {
	acc := NewAccumulator("chatcmpl-9", "gpt-4o-mini")
	acc.Add(providers.StreamChunk{Content: "partial answ"})
	assert.False(t, acc.Terminal(), "disconnected streams must not be cacheable")
}
