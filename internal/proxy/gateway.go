// Package proxy is the core request dispatcher of the semantic gateway.
//
// The Gateway authenticates the caller, enforces plan limits, consults the
// semantic cache, and on a miss routes the request through the customer's
// provider keys in priority order. Completions feed back into the cache and
// the telemetry pipeline.
//
// The embedder, telemetry sink and Redis counters are best effort: their
// outages degrade features, never availability.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/semantic-gateway/internal/auth"
	"github.com/nulpointcorp/semantic-gateway/internal/fingerprint"
	"github.com/nulpointcorp/semantic-gateway/internal/metrics"
	"github.com/nulpointcorp/semantic-gateway/internal/pricing"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
	"github.com/nulpointcorp/semantic-gateway/internal/semcache"
	"github.com/nulpointcorp/semantic-gateway/internal/sse"
	"github.com/nulpointcorp/semantic-gateway/internal/store"
	"github.com/nulpointcorp/semantic-gateway/internal/telemetry"
	"github.com/nulpointcorp/semantic-gateway/internal/tokenizer"
	"github.com/nulpointcorp/semantic-gateway/internal/vecindex"
	"github.com/nulpointcorp/semantic-gateway/pkg/apierr"
)

// GatewayOptions holds optional tuning parameters. All fields have sensible
// defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// ReplayDelay paces synthetic SSE chunks when replaying cached
	// completions to streaming clients. Default: no delay.
	ReplayDelay time.Duration

	// CORSOrigins is the allowed origin list. Empty means "*".
	CORSOrigins []string
}

// Gateway is the main proxy. All dependencies are injected so they can be
// replaced with doubles in unit tests.
type Gateway struct {
	gate     *auth.Gate
	engine   *semcache.Engine
	keys     *KeyRouter
	pricing  *pricing.Catalog
	counter  *tokenizer.Counter
	pipeline *telemetry.Pipeline
	metrics  *metrics.Registry
	store    *store.Store
	health   *HealthChecker
	admin    *AdminAPI
	streams  *streamHub

	baseCtx context.Context
	log     *slog.Logger

	replayDelay time.Duration
	corsOrigins []string
}

// NewGateway wires the request path together.
func NewGateway(
	baseCtx context.Context,
	gate *auth.Gate,
	engine *semcache.Engine,
	keys *KeyRouter,
	catalog *pricing.Catalog,
	counter *tokenizer.Counter,
	pipeline *telemetry.Pipeline,
	st *store.Store,
	m *metrics.Registry,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		gate:        gate,
		engine:      engine,
		keys:        keys,
		pricing:     catalog,
		counter:     counter,
		pipeline:    pipeline,
		store:       st,
		metrics:     m,
		streams:     newStreamHub(),
		baseCtx:     baseCtx,
		log:         log,
		replayDelay: opts.ReplayDelay,
		corsOrigins: opts.CORSOrigins,
	}
}

// SetHealthChecker injects the dependency prober backing /health.
func (g *Gateway) SetHealthChecker(h *HealthChecker) { g.health = h }

// SetAdminAPI injects the admin surface handlers.
func (g *Gateway) SetAdminAPI(a *AdminAPI) { g.admin = a }

// ── Inbound request types ─────────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Prompt      string           `json:"prompt"` // legacy /v1/completions
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		TopP        float64          `json:"top_p"`
		MaxTokens   int              `json:"max_tokens"`

		ResponseFormat json.RawMessage `json:"response_format,omitempty"`
		Tools          json.RawMessage `json:"tools,omitempty"`
		Seed           *int64          `json:"seed,omitempty"`
	}
)

// messages normalizes the two body shapes: chat messages, or the legacy bare
// prompt.
func (r *inboundRequest) messages() []providers.Message {
	if len(r.Messages) > 0 {
		msgs := make([]providers.Message, len(r.Messages))
		for i, m := range r.Messages {
			msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
		}
		return msgs
	}
	if r.Prompt != "" {
		return []providers.Message{{Role: "user", Content: r.Prompt}}
	}
	return nil
}

// dispatchChat is the core handler for POST /v1/chat/completions and
// POST /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	endpoint := string(ctx.Path())
	route := "chat_completions"
	if endpoint == "/v1/completions" {
		route = "completions"
	}
	reqID, _ := ctx.UserValue("request_id").(string)

	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	// 1. Authenticate the gateway key.
	rec, err := g.gate.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		apierr.WriteUnauthorized(ctx, err.Error())
		return
	}
	limits := auth.LimitsForPlan(rec.Tenant.Plan)

	// 2. Parse and validate the body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	msgs := req.messages()
	if len(msgs) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"request carries no messages",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("project_id", rec.Project.ID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 3. Per-key requests-per-minute limit.
	rate, _ := g.gate.CheckRate(ctx, rec.Key.ID, limits.RPM)
	writeRateHeaders(ctx, rate)
	if !rate.Allowed {
		g.metrics.RecordRateLimit("blocked")
		apierr.WriteRateLimit(ctx, rate.Limit, rate.Remaining, rate.Reset, rate.RetryAfter)
		return
	}
	g.metrics.RecordRateLimit("allowed")

	// 4. Per-project monthly request quota. The check reserves one unit.
	quota, _ := g.gate.CheckQuota(ctx, rec.Project.ID, limits.MonthlyRequests)
	writeQuotaHeaders(ctx, quota)
	if !quota.Allowed {
		g.metrics.RecordQuota("blocked")
		apierr.WriteQuotaExceeded(ctx, quota.Limit, quota.Remaining, quota.Reset)
		return
	}
	g.metrics.RecordQuota("allowed")

	// 5. Fingerprint the normalized request.
	fp := fingerprint.Sum(fingerprint.Request{
		Endpoint:       endpoint,
		Model:          req.Model,
		Messages:       msgs,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: req.ResponseFormat,
		Tools:          req.Tools,
		Seed:           req.Seed,
	})
	promptText := fingerprint.PromptText(msgs)

	ev := telemetry.Event{
		EventID:       uuid.New().String(),
		Timestamp:     start,
		TenantID:      rec.Tenant.ID,
		ProjectID:     rec.Project.ID,
		Endpoint:      endpoint,
		Model:         req.Model,
		Provider:      providers.ResolveProvider(req.Model),
		Stream:        req.Stream,
		PromptPreview: telemetry.Preview(promptText),
	}

	// 6. Cache lookup, unless the project or the request opted out.
	var vector []float32
	bypass := !rec.Project.CacheEnabled || clientDeclinesCache(ctx)
	if bypass {
		ctx.Response.Header.Set("X-Cache", telemetry.CacheBypass)
		g.metrics.ObserveCacheLookup("bypass", 0)
	} else {
		lookupStart := time.Now()
		res := g.engine.Lookup(ctx, semcache.Query{
			ProjectID:   rec.Project.ID,
			Endpoint:    endpoint,
			Fingerprint: fp,
			PromptText:  promptText,
			Threshold:   rec.Project.SemanticThreshold,
		})
		if res.Hit != nil {
			g.metrics.ObserveCacheLookup(strings.ToLower(string(res.Hit.Kind)), time.Since(lookupStart))
			g.serveHit(ctx, rec, &req, res.Hit, ev, start)
			return
		}
		g.metrics.ObserveCacheLookup("miss", time.Since(lookupStart))
		ctx.Response.Header.Set("X-Cache", telemetry.CacheMiss)
		vector = res.Vector
	}

	// 7. Dispatch upstream.
	chatReq := &providers.ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
	}

	if req.Stream {
		g.dispatchStream(ctx, rec, chatReq, endpoint, fp, vector, bypass, ev, start)
		return
	}
	g.dispatchBlocking(ctx, rec, chatReq, endpoint, fp, vector, bypass, ev, start)
}

// serveHit responds from the cache, for both blocking and streaming clients.
func (g *Gateway) serveHit(ctx *fasthttp.RequestCtx, rec *store.AuthRecord, req *inboundRequest,
	hit *semcache.Hit, ev telemetry.Event, start time.Time) {

	entry := hit.Entry
	ctx.Response.Header.Set("X-Cache", string(hit.Kind))
	if hit.Kind == semcache.KindSemantic {
		ctx.Response.Header.Set("X-Cache-Similarity", strconv.FormatFloat(hit.Score, 'f', 4, 64))
	}

	g.metrics.RecordCacheSavings(entry.CostUSD, entry.CompletionTokens)

	ev.CacheStatus = string(hit.Kind)
	ev.Provider = entry.Provider
	ev.Status = fasthttp.StatusOK
	ev.PromptTokens = entry.PromptTokens
	ev.CompletionTokens = entry.CompletionTokens
	ev.CostSavedUSD = entry.CostUSD
	if hit.Kind == semcache.KindSemantic {
		ev.Similarity = hit.Score
	}

	g.log.Debug("cache_hit",
		slog.String("project_id", rec.Project.ID),
		slog.String("kind", string(hit.Kind)),
		slog.String("model", entry.Model),
		slog.Float64("score", hit.Score),
	)

	if !req.Stream {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(entry.Completion)
		ev.LatencyMS = time.Since(start).Milliseconds()
		g.pipeline.Record(ev)
		return
	}

	// Streaming client, cached completion: replay it as synthetic SSE.
	var completion providers.ChatCompletion
	if err := json.Unmarshal(entry.Completion, &completion); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"cached completion is unreadable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	g.streamHeaders(ctx)
	delay := g.replayDelay
	pipeline := g.pipeline
	log := g.log
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		if err := sse.Replay(sse.NewWriter(w), &completion, delay); err != nil {
			// Client went away mid-replay; nothing to clean up.
			log.Debug("cache replay aborted", slog.String("error", err.Error()))
		}
		ev.LatencyMS = time.Since(start).Milliseconds()
		pipeline.Record(ev)
	})
}

// dispatchBlocking handles the non-streaming miss path.
func (g *Gateway) dispatchBlocking(ctx *fasthttp.RequestCtx, rec *store.AuthRecord,
	chatReq *providers.ChatRequest, endpoint, fp string, vector []float32, bypass bool,
	ev telemetry.Event, start time.Time) {

	// The coalesced call runs on the server context, not the request context:
	// followers share the leader's upstream call, and the leader's client
	// disconnecting must not fail everyone else.
	callCtx, cancel := context.WithTimeout(g.baseCtx, providers.ProviderTimeout+2*time.Second)
	defer cancel()

	v, shared, err := g.engine.Coalesce(rec.Project.ID, fp, func() (any, error) {
		result, attempt, err := g.keys.Dispatch(callCtx, rec.Project.ID, chatReq)
		if err != nil {
			return nil, err
		}
		return &servedCompletion{completion: result.Completion, attempt: attempt}, nil
	})
	if shared {
		g.metrics.RecordCoalesced("follower")
	} else {
		g.metrics.RecordCoalesced("leader")
	}
	if err != nil {
		g.writeDispatchError(ctx, ev, err, start)
		return
	}
	served := v.(*servedCompletion)
	completion := served.completion
	g.fillUsage(completion, chatReq)

	cost := g.pricing.Cost(served.attempt.Provider, completion.Model,
		completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	g.metrics.AddTokens(served.attempt.Provider, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)

	body, err := json.Marshal(completion)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// Only the leader inserts: followers hold the identical entry.
	if !bypass && !shared {
		g.insertCompletion(rec, chatReq.Model, endpoint, fp, vector, served.attempt.Provider, completion, body, cost)
	}

	ev.CacheStatus = telemetry.CacheMiss
	if bypass {
		ev.CacheStatus = telemetry.CacheBypass
	}
	ev.Provider = served.attempt.Provider
	ev.Status = fasthttp.StatusOK
	ev.PromptTokens = completion.Usage.PromptTokens
	ev.CompletionTokens = completion.Usage.CompletionTokens
	ev.CostUSD = cost
	ev.LatencyMS = time.Since(start).Milliseconds()
	g.pipeline.Record(ev)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

type servedCompletion struct {
	completion *providers.ChatCompletion
	attempt    *Attempt
}

// fillUsage estimates token counts when the provider response omitted them.
func (g *Gateway) fillUsage(c *providers.ChatCompletion, req *providers.ChatRequest) {
	if c.Usage.TotalTokens > 0 {
		return
	}
	c.Usage.PromptTokens = g.counter.CountMessages(req.Model, req.Messages)
	out := 0
	for _, choice := range c.Choices {
		out += g.counter.CountText(req.Model, choice.Message.Content)
	}
	c.Usage.CompletionTokens = out
	c.Usage.TotalTokens = c.Usage.PromptTokens + out
}

// insertCompletion stores a terminal completion in the semantic cache.
func (g *Gateway) insertCompletion(rec *store.AuthRecord, model, endpoint, fp string,
	vector []float32, provider string, completion *providers.ChatCompletion, body []byte, cost float64) {

	if len(completion.Choices) == 0 ||
		!providers.IsTerminalFinish(completion.Choices[0].FinishReason) ||
		completion.Choices[0].Message.Content == "" {
		g.metrics.CacheInsertSkipped()
		return
	}

	ttl := semcache.EffectiveTTL(rec.Project.CacheTTLSeconds, rec.Project.TTLOverrides, endpoint)
	g.engine.Insert(&vecindex.Entry{
		Fingerprint:      fp,
		ProjectID:        rec.Project.ID,
		Endpoint:         endpoint,
		Provider:         provider,
		Model:            model,
		Vector:           vector,
		Completion:       body,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		CostUSD:          cost,
	}, ttl)
	g.metrics.CacheInsertOK()
	g.metrics.SetCacheEntries(g.engine.Index().Len())
}

// writeDispatchError maps key-router errors onto API responses. The raw
// provider error stays in the log record; clients get a fixed message per
// error class so provider-internal detail never leaves the gateway.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, ev telemetry.Event, err error, start time.Time) {
	g.log.Error("dispatch_failed",
		slog.String("project_id", ev.ProjectID),
		slog.String("model", ev.Model),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)

	switch {
	case errors.Is(err, ErrNoProviderKeys):
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			ErrNoProviderKeys.Error(), apierr.TypeInvalidRequest, apierr.CodeNoProviderKey)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		var sc providers.StatusCoder
		if errors.As(err, &sc) {
			status := sc.HTTPStatus()
			apierr.WriteProviderError(ctx, status, providerErrorMessage(status))
		} else {
			apierr.Write(ctx, fasthttp.StatusBadGateway,
				"provider request failed", apierr.TypeProviderError, apierr.CodeProviderError)
		}
	}

	ev.Status = ctx.Response.StatusCode()
	ev.ErrorCode = failureOutcome(err)
	ev.LatencyMS = time.Since(start).Milliseconds()
	g.pipeline.Record(ev)
}

// clientDeclinesCache honors Cache-Control: no-cache / no-store on the
// request.
func clientDeclinesCache(ctx *fasthttp.RequestCtx) bool {
	cc := strings.ToLower(string(ctx.Request.Header.Peek("Cache-Control")))
	return strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store")
}

func writeRateHeaders(ctx *fasthttp.RequestCtx, d auth.Decision) {
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	ctx.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

func writeQuotaHeaders(ctx *fasthttp.RequestCtx, d auth.Decision) {
	ctx.Response.Header.Set("X-Quota-Limit", strconv.FormatInt(d.Limit, 10))
	ctx.Response.Header.Set("X-Quota-Remaining", strconv.FormatInt(d.Remaining, 10))
	ctx.Response.Header.Set("X-Quota-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// providerErrorMessage is the fixed client-facing text for a provider error
// class. Upstream bodies and error strings are never forwarded.
func providerErrorMessage(status int) string {
	switch {
	case status == fasthttp.StatusTooManyRequests:
		return "provider rate limit exceeded"
	case status >= 400 && status < 500:
		return "provider rejected the request"
	default:
		return "provider unavailable"
	}
}

// streamHeaders sets the response headers for an SSE body.
func (g *Gateway) streamHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}
