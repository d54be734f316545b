// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — Postgres, Redis, ClickHouse connections
//  2. initServices — vault, embedder, vector index, cache engine, telemetry
//  3. initGateway  — key router, auth gate, proxy, admin surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/semantic-gateway/internal/auth"
	"github.com/nulpointcorp/semantic-gateway/internal/config"
	"github.com/nulpointcorp/semantic-gateway/internal/embedding"
	"github.com/nulpointcorp/semantic-gateway/internal/metrics"
	"github.com/nulpointcorp/semantic-gateway/internal/pricing"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
	"github.com/nulpointcorp/semantic-gateway/internal/proxy"
	"github.com/nulpointcorp/semantic-gateway/internal/semcache"
	"github.com/nulpointcorp/semantic-gateway/internal/store"
	"github.com/nulpointcorp/semantic-gateway/internal/telemetry"
	"github.com/nulpointcorp/semantic-gateway/internal/tokenizer"
	"github.com/nulpointcorp/semantic-gateway/internal/vault"
	"github.com/nulpointcorp/semantic-gateway/internal/vecindex"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st   *store.Store
	rdb  *redis.Client
	sink *telemetry.ClickHouseSink // nil when ClickHouse is not configured

	kv       *vault.Vault
	embedder *embedding.Client
	index    *vecindex.Index
	engine   *semcache.Engine
	catalog  *pricing.Catalog
	counter  *tokenizer.Counter
	pipeline *telemetry.Pipeline
	prom     *metrics.Registry

	provs map[string]providers.Provider
	gate  *auth.Gate
	hc    *proxy.HealthChecker
	mgmt  *proxy.ManagementRoutes
	gw    *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and background workers, and blocks until ctx is
// cancelled or an error occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("providers", len(a.provs)),
		slog.Bool("analytics", a.sink != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		a.runSweeper(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// runSweeper periodically evicts expired cache entries and syncs the
// telemetry drop counter into metrics.
func (a *App) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	var reportedDrops int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := a.index.Sweep(); removed > 0 {
				a.log.Debug("cache sweep", slog.Int("removed", removed))
			}
			a.prom.SetCacheEntries(a.index.Len())

			if d := a.pipeline.Dropped(); d > reportedDrops {
				a.prom.AddTelemetryDropped(d - reportedDrops)
				reportedDrops = d
			}
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.hc != nil {
			a.hc.Close()
		}
		if a.pipeline != nil {
			a.pipeline.Close()
		}
		if a.sink != nil {
			if err := a.sink.Close(); err != nil {
				a.log.Error("clickhouse close error", slog.String("error", err.Error()))
			}
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
		if a.st != nil {
			if err := a.st.Close(); err != nil {
				a.log.Error("postgres close error", slog.String("error", err.Error()))
			}
		}
	})
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging. e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
