package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.admin != nil {
		a := g.admin

		r.POST("/v1/events", a.handleIngestEvents)

		r.POST("/v1/keys/provider", a.handleSaveProviderKey)
		r.GET("/v1/keys/provider", a.handleListProviderKeys)
		r.DELETE("/v1/keys/provider/{id}", a.handleDeleteProviderKey)
		r.POST("/v1/keys/provider/{id}/deactivate", a.handleDeactivateProviderKey)

		r.POST("/v1/keys/gateway", a.handleCreateGatewayKey)
		r.GET("/v1/keys/gateway", a.handleListGatewayKeys)
		r.DELETE("/v1/keys/gateway/{id}", a.handleRevokeGatewayKey)

		r.PUT("/v1/cache/enabled", a.handleSetCacheEnabled)
		r.PUT("/v1/cache/ttl", a.handleUpdateCacheTTL)
		r.PUT("/v1/cache/threshold", a.handleUpdateThreshold)
		r.POST("/v1/cache/invalidate", a.handleInvalidateCache)
		r.GET("/v1/cache/stats", a.handleCacheStats)
		r.GET("/v1/cache/recommendations", a.handleRecommendations)

		r.POST("/v1/feedback", a.handleFeedback)

		r.GET("/v1/stats", a.handleProjectStats)
		r.GET("/v1/stats/timeseries", a.handleTimeSeries)
		r.GET("/v1/logs", a.handleLogs)

		r.PUT("/v1/alerts", a.handleUpdateAlerts)
		r.PUT("/v1/tenant/plan", a.handleUpdateTenantPlan)
		r.POST("/v1/agent-templates/{id}/deploy", a.handleDeployTemplate)
		r.POST("/v1/cron/cost-alerts", a.handleCostAlertsSweep)
	}

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// SSE bodies are written until the stream finishes; the write
		// timeout must outlive the longest allowed stream.
		WriteTimeout: providers.StreamTotalTimeout + 10*time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
