package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	adminpkg "github.com/nulpointcorp/semantic-gateway/internal/admin"
	"github.com/nulpointcorp/semantic-gateway/internal/auth"
	"github.com/nulpointcorp/semantic-gateway/internal/semcache"
	"github.com/nulpointcorp/semantic-gateway/internal/store"
	"github.com/nulpointcorp/semantic-gateway/internal/telemetry"
	"github.com/nulpointcorp/semantic-gateway/internal/vault"
	"github.com/nulpointcorp/semantic-gateway/internal/vecindex"
	"github.com/nulpointcorp/semantic-gateway/pkg/apierr"
)

// maxIngestEvents bounds one POST /v1/events batch.
const maxIngestEvents = 500

// AdminAPI serves the dashboard and cron surface. Every handler except the
// cron sweep authenticates with a gateway key and operates on that key's own
// project.
type AdminAPI struct {
	store    *store.Store
	gate     *auth.Gate
	engine   *semcache.Engine
	vault    *vault.Vault
	cb       *CircuitBreaker
	sink     *telemetry.ClickHouseSink
	pipeline *telemetry.Pipeline
	sweeper  *adminpkg.AlertSweeper
	log      *slog.Logger

	cronSecret string
	appBaseURL string
}

// AdminOptions configures the admin surface.
type AdminOptions struct {
	CronSecret string
	AppBaseURL string
	Logger     *slog.Logger
}

func NewAdminAPI(
	st *store.Store,
	gate *auth.Gate,
	engine *semcache.Engine,
	v *vault.Vault,
	cb *CircuitBreaker,
	sink *telemetry.ClickHouseSink,
	pipeline *telemetry.Pipeline,
	sweeper *adminpkg.AlertSweeper,
	opts AdminOptions,
) *AdminAPI {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &AdminAPI{
		store:      st,
		gate:       gate,
		engine:     engine,
		vault:      v,
		cb:         cb,
		sink:       sink,
		pipeline:   pipeline,
		sweeper:    sweeper,
		log:        log,
		cronSecret: opts.CronSecret,
		appBaseURL: opts.AppBaseURL,
	}
}

// authenticate resolves the gateway key or writes a 401. Nil means the
// response is already written.
func (a *AdminAPI) authenticate(ctx *fasthttp.RequestCtx) *store.AuthRecord {
	rec, err := a.gate.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		apierr.WriteUnauthorized(ctx, err.Error())
		return nil
	}
	return rec
}

// ── Provider keys ─────────────────────────────────────────────────────────────

func (a *AdminAPI) handleSaveProviderKey(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	var body struct {
		Provider string `json:"provider"`
		Key      string `json:"key"`
		Label    string `json:"label"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil || body.Provider == "" || body.Key == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"fields 'provider' and 'key' are required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	encrypted, iv, err := a.vault.Encrypt(body.Key)
	if err != nil {
		a.log.Error("provider key encrypt failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to store key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	key := &store.ProviderKey{
		ID:           uuid.New().String(),
		ProjectID:    rec.Project.ID,
		Provider:     body.Provider,
		Label:        body.Label,
		EncryptedKey: encrypted,
		IV:           iv,
		Active:       true,
	}
	if err := a.store.SaveProviderKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrTooManyKeys) {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("at most %d active keys per provider", store.MaxActiveProviderKeys),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		a.log.Error("provider key save failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to store key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, map[string]any{
		"id":       key.ID,
		"provider": key.Provider,
		"label":    key.Label,
		"priority": key.Priority,
	})
}

func (a *AdminAPI) handleListProviderKeys(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	keys, err := a.store.ListProviderKeys(ctx, rec.Project.ID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to list keys", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// Secret material never leaves the store.
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{
			"id":         k.ID,
			"provider":   k.Provider,
			"label":      k.Label,
			"priority":   k.Priority,
			"active":     k.Active,
			"lastUsedAt": k.LastUsedAt,
			"createdAt":  k.CreatedAt,
		})
	}
	writeJSON(ctx, map[string]any{"keys": out})
}

func (a *AdminAPI) handleDeactivateProviderKey(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	keyID, _ := ctx.UserValue("id").(string)
	if err := a.store.DeactivateProviderKey(ctx, rec.Project.ID, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound,
				"provider key not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to deactivate key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	a.cb.Forget(keyID)
	writeJSON(ctx, map[string]string{"status": "deactivated"})
}

func (a *AdminAPI) handleDeleteProviderKey(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	keyID, _ := ctx.UserValue("id").(string)
	if err := a.store.DeleteProviderKey(ctx, rec.Project.ID, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound,
				"provider key not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to delete key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	a.cb.Forget(keyID)
	writeJSON(ctx, map[string]string{"status": "deleted"})
}

// ── Gateway keys ──────────────────────────────────────────────────────────────

func (a *AdminAPI) handleCreateGatewayKey(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(ctx.PostBody(), &body)

	plaintext, hash, prefix, err := auth.GenerateKey()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to mint key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	key := &store.GatewayKey{
		ID:        uuid.New().String(),
		ProjectID: rec.Project.ID,
		KeyHash:   hash,
		KeyPrefix: prefix,
		Name:      body.Name,
		Active:    true,
	}
	if err := a.store.CreateGatewayKey(ctx, key); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to store key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusCreated)
	// The plaintext is shown exactly once.
	writeJSON(ctx, map[string]any{
		"id":     key.ID,
		"key":    plaintext,
		"prefix": prefix,
		"name":   key.Name,
	})
}

func (a *AdminAPI) handleListGatewayKeys(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	keys, err := a.store.ListGatewayKeys(ctx, rec.Project.ID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to list keys", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{
			"id":         k.ID,
			"prefix":     k.KeyPrefix,
			"name":       k.Name,
			"active":     k.Active,
			"lastUsedAt": k.LastUsedAt,
			"createdAt":  k.CreatedAt,
		})
	}
	writeJSON(ctx, map[string]any{"keys": out})
}

func (a *AdminAPI) handleRevokeGatewayKey(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	keyID, _ := ctx.UserValue("id").(string)
	if err := a.store.RevokeGatewayKey(ctx, rec.Project.ID, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound,
				"gateway key not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to revoke key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]string{"status": "revoked"})
}

// ── Cache administration ──────────────────────────────────────────────────────

func (a *AdminAPI) handleUpdateCacheTTL(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	var body struct {
		DefaultTTL int64            `json:"defaultTtl"`
		Overrides  map[string]int64 `json:"overrides"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := semcache.ValidateTTL(body.DefaultTTL); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	for endpoint, ttl := range body.Overrides {
		if err := semcache.ValidateOverrideEndpoint(endpoint); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		if err := semcache.ValidateTTL(ttl); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("override %q: %s", endpoint, err.Error()),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}

	if err := a.store.UpdateCacheTTL(ctx, rec.Project.ID, body.DefaultTTL, body.Overrides); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to update ttl", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]string{"status": "updated"})
}

func (a *AdminAPI) handleUpdateThreshold(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	var body struct {
		Threshold float64 `json:"threshold"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.Threshold < 0.5 || body.Threshold > 0.99 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"threshold must be within [0.5, 0.99]",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := a.store.UpdateSemanticThreshold(ctx, rec.Project.ID, body.Threshold); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to update threshold", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]string{"status": "updated"})
}

func (a *AdminAPI) handleSetCacheEnabled(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil || body.Enabled == nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'enabled' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := a.store.SetCacheEnabled(ctx, rec.Project.ID, *body.Enabled); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to update cache setting", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]string{"status": "updated"})
}

// decodeInvalidateFilter parses the invalidation request body. The entry kind
// is named by "kind"; "endpoint" is an accepted alias from before the field
// was renamed.
func decodeInvalidateFilter(raw []byte) (vecindex.Filter, error) {
	var body struct {
		Model    string  `json:"model"`
		Kind     string  `json:"kind"`
		Endpoint string  `json:"endpoint"`
		Before   *string `json:"before"`
		After    *string `json:"after"`
		All      bool    `json:"all"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return vecindex.Filter{}, errors.New("invalid JSON")
	}
	kind := body.Kind
	if kind == "" {
		kind = body.Endpoint
	}

	f := vecindex.Filter{Model: body.Model, Endpoint: kind, All: body.All}
	var err error
	if f.Before, err = parseTimePtr(body.Before); err != nil {
		return vecindex.Filter{}, errors.New("field 'before' must be RFC 3339")
	}
	if f.After, err = parseTimePtr(body.After); err != nil {
		return vecindex.Filter{}, errors.New("field 'after' must be RFC 3339")
	}
	return f, nil
}

func (a *AdminAPI) handleInvalidateCache(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	f, err := decodeInvalidateFilter(ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	removed := a.engine.Index().Invalidate(rec.Project.ID, f)
	a.log.Info("cache_invalidated",
		slog.String("project_id", rec.Project.ID),
		slog.Int("removed", removed),
		slog.Bool("all", f.All),
	)
	writeJSON(ctx, map[string]int{"entries_invalidated": removed})
}

func (a *AdminAPI) handleCacheStats(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	expired := a.engine.Index().Sweep()
	stats := a.engine.Index().ProjectStats(rec.Project.ID)
	writeJSON(ctx, map[string]any{
		"entries":        stats.Entries,
		"totalHits":      stats.TotalHits,
		"ageBuckets":     stats.AgeBucket,
		"expiredRemoved": expired,
	})
}

func (a *AdminAPI) handleRecommendations(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	since := time.Now().AddDate(0, 0, -30)
	fb, err := a.store.GetFeedbackStats(ctx, rec.Project.ID, since)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to read feedback", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	stats := a.engine.Index().ProjectStats(rec.Project.ID)

	writeJSON(ctx, map[string]any{
		"threshold": adminpkg.RecommendThreshold(rec.Project.SemanticThreshold, fb),
		"ttl":       adminpkg.RecommendTTL(rec.Project.CacheTTLSeconds, stats),
	})
}

func (a *AdminAPI) handleFeedback(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	var body struct {
		Fingerprint string `json:"fingerprint"`
		Accurate    *bool  `json:"accurate"`
		Comment     string `json:"comment"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil || body.Fingerprint == "" || body.Accurate == nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"fields 'fingerprint' and 'accurate' are required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := a.store.InsertFeedback(ctx, &store.Feedback{
		ProjectID:   rec.Project.ID,
		Fingerprint: body.Fingerprint,
		Accurate:    *body.Accurate,
		Comment:     body.Comment,
	}); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to record feedback", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, map[string]string{"status": "recorded"})
}

// ── Analytics ─────────────────────────────────────────────────────────────────

func (a *AdminAPI) handleProjectStats(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	if a.sink == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	period := queryArg(ctx, "period", "24h")
	if !telemetry.ValidPeriod(period) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"period must be one of 1h, 6h, 24h, 7d, 30d",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	stats, err := a.sink.GetProjectStats(ctx, rec.Project.ID, period)
	if err != nil {
		a.log.Error("project stats query failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to read stats", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, stats)
}

func (a *AdminAPI) handleTimeSeries(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	if a.sink == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	period := queryArg(ctx, "period", "24h")
	metric := queryArg(ctx, "metric", "requests")
	if !telemetry.ValidPeriod(period) || !telemetry.ValidMetric(metric) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"unknown period or metric",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	points, err := a.sink.GetTimeSeries(ctx, rec.Project.ID, period, metric)
	if err != nil {
		a.log.Error("time series query failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to read time series", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"metric": metric, "period": period, "points": points})
}

func (a *AdminAPI) handleLogs(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	if a.sink == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	limit, _ := strconv.Atoi(queryArg(ctx, "limit", "50"))
	offset, _ := strconv.Atoi(queryArg(ctx, "offset", "0"))
	status, _ := strconv.Atoi(queryArg(ctx, "status", "0"))
	filter := telemetry.LogFilter{
		Status: status,
		Model:  queryArg(ctx, "model", ""),
		RunID:  queryArg(ctx, "runId", ""),
	}
	logs, err := a.sink.GetLogs(ctx, rec.Project.ID, filter, limit, offset)
	if err != nil {
		a.log.Error("log query failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to read logs", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"logs": logs})
}

// ── Debug event ingestion ─────────────────────────────────────────────────────

type ingestEvent struct {
	EventID   string   `json:"eventId"`
	Kind      string   `json:"kind"`
	RunID     string   `json:"runId"`
	Timestamp string   `json:"timestamp"`
	Env       string   `json:"env"`
	Tags      []string `json:"tags"`
	Client    struct {
		SDKVersion string `json:"sdkVersion"`
		Platform   string `json:"platform"`
	} `json:"client"`

	Model     string  `json:"model"`
	Status    int     `json:"status"`
	LatencyMS int64   `json:"latencyMs"`
	CostUSD   float64 `json:"costUsd"`
	Message   string  `json:"message"`
}

// handleIngestEvents accepts SDK-submitted agent-debug events and feeds them
// into the telemetry pipeline alongside the gateway's own records.
func (a *AdminAPI) handleIngestEvents(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	var events []ingestEvent
	if err := json.Unmarshal(ctx.PostBody(), &events); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"body must be a JSON array of events",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(events) > maxIngestEvents {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("at most %d events per request", maxIngestEvents),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	accepted := 0
	for _, in := range events {
		if !telemetry.ValidKind(in.Kind) {
			continue
		}
		ts := time.Now()
		if in.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339, in.Timestamp); err == nil {
				ts = parsed
			}
		}
		id := in.EventID
		if id == "" {
			id = uuid.New().String()
		}
		a.pipeline.Record(telemetry.Event{
			EventID:       id,
			Kind:          in.Kind,
			Timestamp:     ts,
			TenantID:      rec.Tenant.ID,
			ProjectID:     rec.Project.ID,
			RunID:         in.RunID,
			Env:           in.Env,
			Tags:          in.Tags,
			SDKVersion:    in.Client.SDKVersion,
			Platform:      in.Client.Platform,
			Model:         in.Model,
			Status:        in.Status,
			LatencyMS:     in.LatencyMS,
			CostUSD:       in.CostUSD,
			PromptPreview: telemetry.Preview(in.Message),
		})
		accepted++
	}
	writeJSON(ctx, map[string]int{"accepted": accepted})
}

// ── Templates, alerts, cron ───────────────────────────────────────────────────

func (a *AdminAPI) handleDeployTemplate(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	templateID, _ := ctx.UserValue("id").(string)
	var body struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.ProjectID != "" && body.ProjectID != rec.Project.ID {
		apierr.Write(ctx, fasthttp.StatusForbidden,
			"project does not match gateway key",
			apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return
	}

	if err := a.store.RecordTemplateDeployment(ctx, rec.Project.ID, templateID); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to record deployment", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{
		"deployment": map[string]string{
			"dashboardUrl": fmt.Sprintf("%s/projects/%s/templates/%s", a.appBaseURL, rec.Project.ID, templateID),
		},
	})
}

func (a *AdminAPI) handleUpdateAlerts(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	var body struct {
		Enabled   *bool `json:"enabled"`
		Threshold int   `json:"threshold"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil || body.Enabled == nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'enabled' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.Threshold < 0 || body.Threshold > 100 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"threshold must be within [0, 100]",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := a.store.SetCostAlerts(ctx, rec.Project.ID, *body.Enabled, body.Threshold); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to update alerts", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]string{"status": "updated"})
}

func (a *AdminAPI) handleUpdateTenantPlan(ctx *fasthttp.RequestCtx) {
	rec := a.authenticate(ctx)
	if rec == nil {
		return
	}
	var body struct {
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	switch body.Plan {
	case store.PlanFree, store.PlanStarter, store.PlanPro:
	default:
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"unknown plan", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := a.store.UpdateTenantPlan(ctx, rec.Tenant.ID, body.Plan); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to update plan", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]string{"status": "updated", "plan": body.Plan})
}

// handleCostAlertsSweep is the cron entry point. It authenticates with the
// shared cron secret rather than a gateway key: it works across all projects.
func (a *AdminAPI) handleCostAlertsSweep(ctx *fasthttp.RequestCtx) {
	secret := string(ctx.Request.Header.Peek("X-Cron-Secret"))
	if a.cronSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(a.cronSecret)) != 1 {
		apierr.WriteUnauthorized(ctx, "invalid cron secret")
		return
	}

	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	alerts, err := a.sweeper.Sweep(sweepCtx)
	if err != nil {
		a.log.Error("cost alert sweep failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"sweep failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if alerts == nil {
		alerts = []adminpkg.Alert{}
	}
	writeJSON(ctx, map[string]any{"alerts": alerts})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func queryArg(ctx *fasthttp.RequestCtx, name, fallback string) string {
	v := string(ctx.QueryArgs().Peek(name))
	if v == "" {
		return fallback
	}
	return v
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
