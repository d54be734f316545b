package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/semantic-gateway/internal/auth"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
	"github.com/nulpointcorp/semantic-gateway/internal/telemetry"
	"github.com/nulpointcorp/semantic-gateway/pkg/apierr"
)

// embeddingsRequest accepts both input shapes the OpenAI API allows: a single
// string or an array of strings.
type embeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

func (r *embeddingsRequest) inputs() ([]string, error) {
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil {
		return nil, fmt.Errorf("field 'input' must be a string or an array of strings")
	}
	return many, nil
}

// dispatchEmbeddings handles POST /v1/embeddings. Embedding vectors are
// deterministic per model, so caching them here buys nothing; the request is
// always passed through and the provider body returned verbatim.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("embeddings", ctx.Response.StatusCode(), time.Since(start))
	}()

	rec, err := g.gate.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		apierr.WriteUnauthorized(ctx, err.Error())
		return
	}
	limits := auth.LimitsForPlan(rec.Tenant.Plan)

	var req embeddingsRequest
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
	inputs, err := req.inputs()
	if err != nil || len(inputs) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'input' must be a non-empty string or array of strings",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	rate, _ := g.gate.CheckRate(ctx, rec.Key.ID, limits.RPM)
	writeRateHeaders(ctx, rate)
	if !rate.Allowed {
		g.metrics.RecordRateLimit("blocked")
		apierr.WriteRateLimit(ctx, rate.Limit, rate.Remaining, rate.Reset, rate.RetryAfter)
		return
	}
	g.metrics.RecordRateLimit("allowed")

	quota, _ := g.gate.CheckQuota(ctx, rec.Project.ID, limits.MonthlyRequests)
	writeQuotaHeaders(ctx, quota)
	if !quota.Allowed {
		g.metrics.RecordQuota("blocked")
		apierr.WriteQuotaExceeded(ctx, quota.Limit, quota.Remaining, quota.Reset)
		return
	}
	g.metrics.RecordQuota("allowed")

	ev := telemetry.Event{
		EventID:   uuid.New().String(),
		Timestamp: start,
		TenantID:  rec.Tenant.ID,
		ProjectID: rec.Project.ID,
		Endpoint:  "/v1/embeddings",
		Model:     req.Model,
		Provider:  providers.ResolveProvider(req.Model),
	}
	ctx.Response.Header.Set("X-Cache", telemetry.CacheBypass)

	result, attempt, err := g.keys.DispatchEmbeddings(ctx, rec.Project.ID, &providers.EmbeddingsRequest{
		Model:     req.Model,
		Input:     inputs,
		RequestID: reqID,
	})
	if err != nil {
		g.writeDispatchError(ctx, ev, err, start)
		return
	}

	g.metrics.AddTokens(attempt.Provider, result.Usage.PromptTokens, 0)

	ev.Provider = attempt.Provider
	ev.Status = fasthttp.StatusOK
	ev.CacheStatus = telemetry.CacheBypass
	ev.PromptTokens = result.Usage.PromptTokens
	ev.CostUSD = g.pricing.Cost(attempt.Provider, req.Model, result.Usage.PromptTokens, 0)
	ev.LatencyMS = time.Since(start).Milliseconds()
	g.pipeline.Record(ev)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(result.Body)
}
