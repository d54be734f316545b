package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/semantic-gateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against the gateway's dependencies and
// exposes the latest results. Postgres gates readiness; Redis, ClickHouse and
// the embedder only degrade features.
type HealthChecker struct {
	probes  map[string]Probe
	baseCtx context.Context
	metrics *metrics.Registry

	statuses map[string]*componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. probes maps dependency names ("postgres", "redis", "clickhouse",
// "embedder") to their checks.
func NewHealthChecker(ctx context.Context, probes map[string]Probe, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		probes:    probes,
		statuses:  make(map[string]*componentStatus),
		startTime: time.Now(),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		metrics:   met,
	}

	for name := range probes {
		hc.statuses[name] = &componentStatus{}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Dependencies  map[string]string `json:"dependencies"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	deps := make(map[string]string, len(hc.statuses))
	for name, s := range hc.statuses {
		st := s.get()
		deps[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Dependencies:  deps,
	}
}

// ReadinessOK reports whether the gateway can serve traffic. Only Postgres is
// required: without it neither auth nor key routing works. Everything else
// degrades gracefully.
func (hc *HealthChecker) ReadinessOK() bool {
	s, ok := hc.statuses["postgres"]
	if !ok {
		return true
	}
	return s.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, p := range hc.probes {
		name, p := name, p
		s := hc.statuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p(ctx); err != nil {
				s.set("down")
				if hc.metrics != nil {
					hc.metrics.SetDependencyUp(name, false)
				}
				return
			}
			s.set("ok")
			if hc.metrics != nil {
				hc.metrics.SetDependencyUp(name, true)
			}
		}()
	}
	wg.Wait()
}
