package app

import (
	"context"
	"fmt"
	"log/slog"

	adminpkg "github.com/nulpointcorp/semantic-gateway/internal/admin"
	"github.com/nulpointcorp/semantic-gateway/internal/auth"
	"github.com/nulpointcorp/semantic-gateway/internal/config"
	"github.com/nulpointcorp/semantic-gateway/internal/embedding"
	"github.com/nulpointcorp/semantic-gateway/internal/metrics"
	"github.com/nulpointcorp/semantic-gateway/internal/pricing"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/semantic-gateway/internal/providers/anthropic"
	openaiprov "github.com/nulpointcorp/semantic-gateway/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/semantic-gateway/internal/providers/openaicompat"
	"github.com/nulpointcorp/semantic-gateway/internal/proxy"
	"github.com/nulpointcorp/semantic-gateway/internal/semcache"
	"github.com/nulpointcorp/semantic-gateway/internal/store"
	"github.com/nulpointcorp/semantic-gateway/internal/telemetry"
	"github.com/nulpointcorp/semantic-gateway/internal/tokenizer"
	"github.com/nulpointcorp/semantic-gateway/internal/vault"
	"github.com/nulpointcorp/semantic-gateway/internal/vecindex"
)

// initInfra establishes the external connections. Postgres and Redis are
// required; ClickHouse is optional and its absence only disables analytics.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.DatabaseURL)))
	st, err := store.New(a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.st = st

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
	rdb, err := connectRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb

	if a.cfg.ClickHouseURL != "" {
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.ClickHouseURL)))
		sink, err := telemetry.NewClickHouseSink(ctx, a.cfg.ClickHouseURL)
		if err != nil {
			// Analytics is best effort: log loudly, start anyway.
			a.log.Error("clickhouse unavailable, analytics disabled",
				slog.String("error", err.Error()))
		} else {
			a.sink = sink
		}
	}

	return nil
}

// initServices creates the crypto vault, the embedder, the semantic cache and
// the telemetry pipeline.
func (a *App) initServices(_ context.Context) error {
	kv, err := vault.New(a.cfg.MasterSecret)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	a.kv = kv

	var embedOpts []embedding.Option
	if a.cfg.Embedding.BaseURL != "" {
		embedOpts = append(embedOpts, embedding.WithBaseURL(a.cfg.Embedding.BaseURL))
	}
	a.embedder = embedding.NewClient(
		a.cfg.Embedding.APIKey,
		a.cfg.Embedding.Model,
		a.cfg.Embedding.Dim,
		embedOpts...,
	)

	a.index = vecindex.New()
	a.engine = semcache.New(a.index, a.embedder, a.log)

	a.catalog = pricing.Default()
	a.counter = tokenizer.NewCounter()

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// The pipeline accepts a nil sink and degrades to dropping events. Its
	// drain loop starts here so Close never waits on a goroutine that was
	// not launched.
	var sink telemetry.Sink
	if a.sink != nil {
		sink = a.sink
	}
	a.pipeline = telemetry.NewPipeline(sink, a.log)
	go a.pipeline.Run(a.baseCtx)

	return nil
}

// initGateway wires the request path: provider clients, key router, auth
// gate, proxy, admin surface and health checker.
func (a *App) initGateway(_ context.Context) error {
	a.provs = buildProviders(a.cfg.Providers)
	a.gate = auth.NewGate(a.st, a.rdb)

	cb := proxy.NewCircuitBreakerWithConfig(proxy.CBConfig{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})
	keys := proxy.NewKeyRouter(a.st, a.kv, a.provs, cb, a.prom, a.log)

	gw := proxy.NewGateway(
		a.baseCtx,
		a.gate,
		a.engine,
		keys,
		a.catalog,
		a.counter,
		a.pipeline,
		a.st,
		a.prom,
		proxy.GatewayOptions{
			Logger:      a.log,
			ReplayDelay: a.cfg.ReplayDelay,
			CORSOrigins: a.cfg.CORSOrigins,
		},
	)

	// Admin surface.
	var costs adminpkg.CostSource
	if a.sink != nil {
		costs = a.sink
	}
	sweeper := adminpkg.NewAlertSweeper(a.st, a.gate, costs, a.log)
	gw.SetAdminAPI(proxy.NewAdminAPI(
		a.st, a.gate, a.engine, a.kv, cb, a.sink, a.pipeline, sweeper,
		proxy.AdminOptions{
			CronSecret: a.cfg.CronSecret,
			AppBaseURL: a.cfg.AppBaseURL,
			Logger:     a.log,
		},
	))

	// Health probes.
	probes := map[string]proxy.Probe{
		"postgres": a.st.Ping,
		"redis": func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		},
		"embedder": func(ctx context.Context) error {
			_, err := a.embedder.Embed(ctx, "ping")
			return err
		},
	}
	if a.sink != nil {
		probes["clickhouse"] = a.sink.Ping
	}
	a.hc = proxy.NewHealthChecker(a.baseCtx, probes, a.prom)
	gw.SetHealthChecker(a.hc)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	a.gw = gw

	return nil
}

// buildProviders creates the upstream provider clients. Credentials come from
// customer-stored keys at request time, so every provider is always
// registered; base URLs are only overridden for local mocks.
func buildProviders(cfg config.ProvidersConfig) map[string]providers.Provider {
	var openaiOpts []openaiprov.Option
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(cfg.OpenAIBaseURL))
	}
	var anthropicOpts []anthropicprov.Option
	if cfg.AnthropicBaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(cfg.AnthropicBaseURL))
	}

	groqURL := cfg.GroqBaseURL
	if groqURL == "" {
		groqURL = openaicompatprov.GroqBaseURL
	}
	openrouterURL := cfg.OpenRouterBaseURL
	if openrouterURL == "" {
		openrouterURL = openaicompatprov.OpenRouterBaseURL
	}

	return map[string]providers.Provider{
		"openai":     openaiprov.New(openaiOpts...),
		"anthropic":  anthropicprov.New(anthropicOpts...),
		"groq":       openaicompatprov.New("groq", groqURL),
		"openrouter": openaicompatprov.New("openrouter", openrouterURL),
	}
}
