package proxy

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
	"github.com/nulpointcorp/semantic-gateway/internal/sse"
	"github.com/nulpointcorp/semantic-gateway/internal/store"
	"github.com/nulpointcorp/semantic-gateway/internal/telemetry"
)

// dispatchStream handles the streaming miss path: chunks are forwarded to the
// client as SSE while an accumulator assembles the full completion for the
// cache.
//
// Identical concurrent streaming misses coalesce on (project, fingerprint):
// the first request leads and owns the one upstream stream, later arrivals
// follow its broadcast buffer. Cache-bypassing requests stream directly —
// a client that declined the cache must not be served another client's bytes.
func (g *Gateway) dispatchStream(ctx *fasthttp.RequestCtx, rec *store.AuthRecord,
	chatReq *providers.ChatRequest, endpoint, fp string, vector []float32, bypass bool,
	ev telemetry.Event, start time.Time) {

	if bypass {
		g.metrics.RecordCoalesced("bypass")
		g.streamLead(ctx, rec, chatReq, endpoint, fp, vector, true, nil, "", ev, start)
		return
	}

	key := rec.Project.ID + ":" + fp
	b, leader := g.streams.join(key)
	if !leader {
		g.metrics.RecordCoalesced("follower")
		g.streamFollow(ctx, b, chatReq, ev, start)
		return
	}
	g.metrics.RecordCoalesced("leader")
	g.streamLead(ctx, rec, chatReq, endpoint, fp, vector, false, b, key, ev, start)
}

// streamLead runs the upstream stream and forwards it to the client. With a
// broadcast attached it also publishes every chunk for coalesced followers.
//
// A client disconnect does not abort the upstream read: the stream is drained
// to the end so followers finish and a terminal completion still lands in the
// cache.
func (g *Gateway) streamLead(ctx *fasthttp.RequestCtx, rec *store.AuthRecord,
	chatReq *providers.ChatRequest, endpoint, fp string, vector []float32, bypass bool,
	b *streamBroadcast, key string, ev telemetry.Event, start time.Time) {

	// The upstream stream is bounded by the total timeout and detached from
	// the request context, so draining survives the client going away.
	streamCtx, cancel := context.WithTimeout(g.baseCtx, providers.StreamTotalTimeout)

	result, attempt, err := g.keys.Dispatch(streamCtx, rec.Project.ID, chatReq)
	if err != nil {
		cancel()
		if b != nil {
			b.fail(err)
			g.streams.leave(key)
		}
		g.writeDispatchError(ctx, ev, err, start)
		return
	}
	if b != nil {
		b.start(attempt.Provider)
	}

	ev.CacheStatus = telemetry.CacheMiss
	if bypass {
		ev.CacheStatus = telemetry.CacheBypass
	}
	ev.Provider = attempt.Provider

	id := completionID()
	acc := sse.NewAccumulator(id, chatReq.Model)
	stream := result.Stream
	g.streamHeaders(ctx)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		sw := sse.NewWriter(w)
		clientGone := false
		timedOut := false

		role := sse.NewChunk(id, chatReq.Model, time.Now().Unix())
		role.Choices = []sse.ChunkChoice{{Index: 0, Delta: sse.Delta{Role: "assistant"}}}
		if err := sse.WriteJSON(sw, role); err != nil {
			clientGone = true
		}

		idle := time.NewTimer(providers.StreamIdleTimeout)
		defer idle.Stop()

	drain:
		for {
			select {
			case chunk, ok := <-stream:
				if !ok {
					break drain
				}
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(providers.StreamIdleTimeout)

				acc.Add(chunk)
				if b != nil {
					b.publish(chunk)
				}
				if clientGone {
					continue
				}
				if err := g.writeStreamChunk(sw, id, chatReq.Model, chunk); err != nil {
					// Keep draining so followers and the cache still get the
					// full completion.
					clientGone = true
				}

			case <-idle.C:
				timedOut = true
				break drain

			case <-streamCtx.Done():
				timedOut = true
				break drain
			}
		}

		if b != nil {
			b.finish()
			g.streams.leave(key)
		}

		if !clientGone && !timedOut {
			if err := sw.Done(); err != nil {
				clientGone = true
			}
		}

		g.finishStream(rec, chatReq, endpoint, fp, vector, attempt, acc, bypass, timedOut, ev, start)
	})
}

// streamFollow serves a coalesced follower: it waits for the leader's
// dispatch outcome, then replays the broadcast buffer as the follower's own
// SSE stream, trailing the leader by however far its cursor is behind.
func (g *Gateway) streamFollow(ctx *fasthttp.RequestCtx, b *streamBroadcast,
	chatReq *providers.ChatRequest, ev telemetry.Event, start time.Time) {

	if err := b.waitStarted(); err != nil {
		g.writeDispatchError(ctx, ev, err, start)
		return
	}

	ev.CacheStatus = telemetry.CacheMiss
	ev.Provider = b.Provider()

	id := completionID()
	g.streamHeaders(ctx)
	pipeline := g.pipeline
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		sw := sse.NewWriter(w)

		role := sse.NewChunk(id, chatReq.Model, time.Now().Unix())
		role.Choices = []sse.ChunkChoice{{Index: 0, Delta: sse.Delta{Role: "assistant"}}}
		if err := sse.WriteJSON(sw, role); err == nil {
			for cursor := 0; ; cursor++ {
				chunk, ok := b.next(cursor)
				if !ok {
					_ = sw.Done()
					break
				}
				if err := g.writeStreamChunk(sw, id, chatReq.Model, chunk); err != nil {
					// Follower went away; the leader is unaffected.
					break
				}
			}
		}

		ev.Status = fasthttp.StatusOK
		ev.LatencyMS = time.Since(start).Milliseconds()
		pipeline.Record(ev)
	})
}

// writeStreamChunk frames one provider chunk as a chat.completion.chunk event.
func (g *Gateway) writeStreamChunk(sw sse.Writer, id, model string, chunk providers.StreamChunk) error {
	out := sse.NewChunk(id, model, time.Now().Unix())
	if chunk.FinishReason != "" {
		reason := chunk.FinishReason
		out.Choices = []sse.ChunkChoice{{Index: 0, FinishReason: &reason}}
		out.Usage = chunk.Usage
	} else {
		out.Choices = []sse.ChunkChoice{{Index: 0, Delta: sse.Delta{Content: chunk.Content}}}
	}
	return sse.WriteJSON(sw, out)
}

// finishStream runs the post-stream lifecycle: token metrics, cache insertion
// and the telemetry event.
func (g *Gateway) finishStream(rec *store.AuthRecord, chatReq *providers.ChatRequest,
	endpoint, fp string, vector []float32, attempt *Attempt, acc *sse.Accumulator,
	bypass, timedOut bool, ev telemetry.Event, start time.Time) {

	completion := acc.Completion()
	g.fillUsage(completion, chatReq)
	cost := g.pricing.Cost(attempt.Provider, chatReq.Model,
		completion.Usage.PromptTokens, completion.Usage.CompletionTokens)

	g.metrics.AddTokens(attempt.Provider, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)

	if acc.Terminal() && !bypass {
		if body, err := json.Marshal(completion); err == nil {
			g.insertCompletion(rec, chatReq.Model, endpoint, fp, vector, attempt.Provider, completion, body, cost)
		}
	} else if !acc.Terminal() {
		g.metrics.CacheInsertSkipped()
		g.log.Warn("stream ended without terminal finish",
			slog.String("project_id", rec.Project.ID),
			slog.String("model", chatReq.Model),
			slog.Bool("timed_out", timedOut),
		)
	}

	ev.Status = fasthttp.StatusOK
	ev.PromptTokens = completion.Usage.PromptTokens
	ev.CompletionTokens = completion.Usage.CompletionTokens
	ev.CostUSD = cost
	if timedOut {
		ev.ErrorCode = "stream_timeout"
	}
	ev.LatencyMS = time.Since(start).Milliseconds()
	g.pipeline.Record(ev)
}

// completionID mints an OpenAI-style chat completion ID.
func completionID() string {
	u := uuid.New()
	return "chatcmpl-" + hex.EncodeToString(u[:])
}
