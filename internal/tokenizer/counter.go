// Package tokenizer estimates token counts for usage accounting when a
// provider response omits them (streamed responses most of the time).
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

// Counter counts tokens with tiktoken encodings, caching them per encoding
// name. Models without a known encoding fall back to the chars/4 heuristic.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// modelEncoding maps model-name prefixes to tiktoken encodings. Anthropic,
// Groq and OpenRouter models have no public tokenizer; they take the
// heuristic path.
var modelEncoding = map[string]string{
	"gpt-4o":  "o200k_base",
	"gpt-4.1": "o200k_base",
	"o1":      "o200k_base",
	"o3":      "o200k_base",
	"o4":      "o200k_base",
	"gpt-4":   "cl100k_base",
	"gpt-3.5": "cl100k_base",
}

func encodingForModel(model string) string {
	best := ""
	enc := ""
	for prefix, name := range modelEncoding {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, enc = prefix, name
		}
	}
	return enc
}

func (c *Counter) getEncoding(model string) *tiktoken.Tiktoken {
	name := encodingForModel(model)
	if name == "" {
		return nil
	}

	c.mu.RLock()
	enc, ok := c.encodings[name]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil
	}
	c.encodings[name] = enc
	return enc
}

// CountMessages estimates the prompt token count for a conversation,
// including the per-message chat framing overhead.
func (c *Counter) CountMessages(model string, messages []providers.Message) int {
	enc := c.getEncoding(model)
	if enc == nil {
		return fallbackCount(messages)
	}

	// Per-message framing per OpenAI's chat format guidance.
	const tokensPerMessage = 3
	tokens := 0
	for _, msg := range messages {
		tokens += tokensPerMessage
		tokens += len(enc.Encode(msg.Role, nil, nil))
		tokens += len(enc.Encode(msg.Content, nil, nil))
	}
	tokens += 3 // assistant reply priming
	return tokens
}

// CountText estimates the token count of one text blob.
func (c *Counter) CountText(model, text string) int {
	enc := c.getEncoding(model)
	if enc == nil {
		return heuristic(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func fallbackCount(messages []providers.Message) int {
	total := 0
	for _, msg := range messages {
		total += heuristic(msg.Content)
	}
	return total
}

// heuristic is the chars/4 estimate, floored at 1 for non-empty text.
func heuristic(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
