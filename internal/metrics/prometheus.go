// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// semgw_inflight_requests
	inFlight prometheus.Gauge

	// semgw_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// semgw_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// semgw_cache_lookups_total{result} — result is exact|semantic|miss|bypass
	cacheLookups *prometheus.CounterVec

	// semgw_cache_lookup_duration_seconds{result}
	cacheLookupDuration *prometheus.HistogramVec

	// semgw_cache_inserts_total{result}
	cacheInserts *prometheus.CounterVec

	// semgw_cache_entries
	cacheEntries prometheus.Gauge

	// semgw_cache_cost_saved_usd_total
	costSaved prometheus.Counter

	// semgw_cache_tokens_saved_total
	tokensSaved prometheus.Counter

	// semgw_embedder_requests_total{outcome}
	embedderRequests *prometheus.CounterVec

	// semgw_coalesced_requests_total{role} — role is leader|follower|bypass
	coalesced *prometheus.CounterVec

	// semgw_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// semgw_upstream_attempt_duration_seconds{provider}
	upstreamDuration *prometheus.HistogramVec

	// semgw_key_failovers_total{provider,reason}
	keyFailovers *prometheus.CounterVec

	// semgw_key_failover_exhausted_total{provider}
	failoverExhausted *prometheus.CounterVec

	// semgw_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// semgw_quota_total{result}
	quotaTotal *prometheus.CounterVec

	// semgw_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// semgw_telemetry_dropped_total
	telemetryDropped prometheus.Counter

	// semgw_dependency_up{dependency}
	dependencyUp *prometheus.GaugeVec

	// semgw_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "semgw_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "semgw_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_cache_lookups_total",
				Help: "Cache lookups by result (exact, semantic, miss, bypass)",
			},
			[]string{"result"},
		),

		cacheLookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "semgw_cache_lookup_duration_seconds",
				Help:    "Cache lookup duration including the embedding call",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"result"},
		),

		cacheInserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_cache_inserts_total",
				Help: "Cache insert attempts by result (ok, skipped)",
			},
			[]string{"result"},
		),

		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "semgw_cache_entries",
			Help: "Live entries in the vector index",
		}),

		costSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semgw_cache_cost_saved_usd_total",
			Help: "Provider cost avoided by serving from cache, in USD",
		}),

		tokensSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semgw_cache_tokens_saved_total",
			Help: "Completion tokens avoided by serving from cache",
		}),

		embedderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_embedder_requests_total",
				Help: "Embedding API calls by outcome (ok, error)",
			},
			[]string{"outcome"},
		),

		coalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_coalesced_requests_total",
				Help: "Miss coalescing outcomes (leader, follower, bypass)",
			},
			[]string{"role"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_upstream_attempts_total",
				Help: "Upstream provider attempts by outcome (includes key failovers)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "semgw_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider"},
		),

		keyFailovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_key_failovers_total",
				Help: "Provider key failovers by reason (auth, rate_limited, unavailable)",
			},
			[]string{"provider", "reason"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_key_failover_exhausted_total",
				Help: "Requests that ran out of provider keys without success",
			},
			[]string{"provider"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		quotaTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_quota_total",
				Help: "Monthly quota decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semgw_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		telemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semgw_telemetry_dropped_total",
			Help: "Telemetry events dropped because the buffer was full",
		}),

		dependencyUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "semgw_dependency_up",
				Help: "Dependency health (1=ok, 0=down)",
			},
			[]string{"dependency"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "semgw_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.cacheLookups,
		r.cacheLookupDuration,
		r.cacheInserts,
		r.cacheEntries,
		r.costSaved,
		r.tokensSaved,
		r.embedderRequests,
		r.coalesced,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.keyFailovers,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.quotaTotal,
		r.tokensTotal,
		r.telemetryDropped,
		r.dependencyUp,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveCacheLookup records one lookup and its duration. result is the
// lowercase X-Cache value.
func (r *Registry) ObserveCacheLookup(result string, dur time.Duration) {
	r.cacheLookups.WithLabelValues(result).Inc()
	r.cacheLookupDuration.WithLabelValues(result).Observe(dur.Seconds())
}

func (r *Registry) CacheInsertOK()      { r.cacheInserts.WithLabelValues("ok").Inc() }
func (r *Registry) CacheInsertSkipped() { r.cacheInserts.WithLabelValues("skipped").Inc() }

func (r *Registry) SetCacheEntries(n int) { r.cacheEntries.Set(float64(n)) }

// RecordCacheSavings adds the avoided cost and tokens of one served hit.
func (r *Registry) RecordCacheSavings(costUSD float64, completionTokens int) {
	if costUSD > 0 {
		r.costSaved.Add(costUSD)
	}
	if completionTokens > 0 {
		r.tokensSaved.Add(float64(completionTokens))
	}
}

func (r *Registry) EmbedderOK()    { r.embedderRequests.WithLabelValues("ok").Inc() }
func (r *Registry) EmbedderError() { r.embedderRequests.WithLabelValues("error").Inc() }

// RecordCoalesced records a coalescing outcome: leader, follower or bypass.
func (r *Registry) RecordCoalesced(role string) {
	r.coalesced.WithLabelValues(role).Inc()
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

func (r *Registry) RecordKeyFailover(provider, reason string) {
	r.keyFailovers.WithLabelValues(provider, reason).Inc()
}

func (r *Registry) RecordFailoverExhausted(provider string) {
	r.failoverExhausted.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordQuota(result string) {
	r.quotaTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) AddTelemetryDropped(n int64) {
	if n > 0 {
		r.telemetryDropped.Add(float64(n))
	}
}

func (r *Registry) SetDependencyUp(dependency string, ok bool) {
	if ok {
		r.dependencyUp.WithLabelValues(dependency).Set(1)
		return
	}
	r.dependencyUp.WithLabelValues(dependency).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
