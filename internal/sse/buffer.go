package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

// maxEventSize bounds a single SSE line. Provider chunks are tiny; this only
// guards against a misbehaving upstream.
const maxEventSize = 1 << 20

// ParseStream reads an SSE chat stream to completion and assembles the full
// ChatCompletion. Comment lines and unknown fields are ignored; the stream
// ends at "data: [DONE]" or EOF.
func ParseStream(r io.Reader) (*providers.ChatCompletion, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	type choiceAcc struct {
		role    string
		content strings.Builder
		finish  string
	}

	var (
		out     providers.ChatCompletion
		choices = make(map[int]*choiceAcc)
		events  int
	)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			break
		}

		var ch Chunk
		if err := json.Unmarshal([]byte(payload), &ch); err != nil {
			return nil, fmt.Errorf("sse: bad chunk: %w", err)
		}
		events++

		if out.ID == "" {
			out.ID = ch.ID
		}
		if out.Model == "" {
			out.Model = ch.Model
		}
		if out.Created == 0 {
			out.Created = ch.Created
		}
		if ch.Usage != nil {
			out.Usage = *ch.Usage
		}

		for _, c := range ch.Choices {
			acc := choices[c.Index]
			if acc == nil {
				acc = &choiceAcc{}
				choices[c.Index] = acc
			}
			if c.Delta.Role != "" {
				acc.role = c.Delta.Role
			}
			acc.content.WriteString(c.Delta.Content)
			if c.FinishReason != nil && *c.FinishReason != "" {
				acc.finish = *c.FinishReason
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sse: read stream: %w", err)
	}
	if events == 0 {
		return nil, fmt.Errorf("sse: stream carried no chunks")
	}

	idxs := make([]int, 0, len(choices))
	for i := range choices {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		acc := choices[i]
		role := acc.role
		if role == "" {
			role = "assistant"
		}
		out.Choices = append(out.Choices, providers.Choice{
			Index:        i,
			Message:      providers.Message{Role: role, Content: acc.content.String()},
			FinishReason: acc.finish,
		})
	}
	out.Object = "chat.completion"
	return &out, nil
}

// Accumulator assembles a ChatCompletion from the provider-neutral chunk
// channel while the chunks are forwarded to the client. It is the buffer-up
// half of the stream bridge.
type Accumulator struct {
	id      string
	model   string
	created int64

	content strings.Builder
	finish  string
	usage   *providers.Usage
}

// NewAccumulator starts accumulation for one streamed response.
func NewAccumulator(id, model string) *Accumulator {
	return &Accumulator{id: id, model: model, created: time.Now().Unix()}
}

// Add folds one stream chunk into the accumulated completion.
func (a *Accumulator) Add(c providers.StreamChunk) {
	a.content.WriteString(c.Content)
	if c.FinishReason != "" {
		a.finish = c.FinishReason
	}
	if c.Usage != nil {
		a.usage = c.Usage
	}
}

// Terminal reports whether a terminal finish reason was observed. A stream
// that ended without one (disconnect, idle timeout) is not cacheable.
func (a *Accumulator) Terminal() bool {
	return providers.IsTerminalFinish(a.finish)
}

// Content returns the accumulated assistant text so far.
func (a *Accumulator) Content() string { return a.content.String() }

// Completion returns the assembled completion. When the provider never
// reported usage, Usage is zero and the caller estimates token counts.
func (a *Accumulator) Completion() *providers.ChatCompletion {
	out := &providers.ChatCompletion{
		ID:      a.id,
		Object:  "chat.completion",
		Created: a.created,
		Model:   a.model,
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: a.content.String()},
			FinishReason: a.finish,
		}},
	}
	if a.usage != nil {
		out.Usage = *a.usage
	}
	return out
}
