package proxy

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-key circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — the key is failing; it is skipped during key selection.
//	cbHalfOpen — recovery probe; one request is allowed to test the key.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Circuit breaker defaults.
const (
	cbErrorThreshold  = 5
	cbTimeWindow      = 60 * time.Second
	cbHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return cbErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return cbTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return cbHalfOpenTimeout
}

// keyCB holds the breaker state for one provider key.
type keyCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker manages independent breakers per provider key. Keys are
// customer data and come and go at runtime, so breakers are created on first
// use. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*keyCB
	cfg      CBConfig
}

func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*keyCB),
		cfg:      cfg,
	}
}

// Allow reports whether the key should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(keyID string) bool {
	kcb := cb.get(keyID)

	kcb.mu.Lock()
	defer kcb.mu.Unlock()

	switch kcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(kcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			kcb.state = cbHalfOpen
			kcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if kcb.probeInflight {
			return false
		}
		kcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the key's breaker to Closed.
func (cb *CircuitBreaker) RecordSuccess(keyID string) {
	kcb := cb.get(keyID)

	kcb.mu.Lock()
	defer kcb.mu.Unlock()

	kcb.state = cbClosed
	kcb.errorCount = 0
	kcb.probeInflight = false
	kcb.windowStart = time.Now()
}

// RecordFailure increments the key's error counter. When the counter reaches
// ErrorThreshold within TimeWindow the breaker opens.
func (cb *CircuitBreaker) RecordFailure(keyID string) {
	kcb := cb.get(keyID)

	kcb.mu.Lock()
	defer kcb.mu.Unlock()

	now := time.Now()
	if now.Sub(kcb.windowStart) > cb.cfg.timeWindow() {
		kcb.errorCount = 0
		kcb.windowStart = now
	}

	kcb.errorCount++
	kcb.probeInflight = false

	if kcb.errorCount >= cb.cfg.errorThreshold() {
		kcb.state = cbOpen
		kcb.openedAt = now
	}
}

// Forget drops the breaker for a deleted key.
func (cb *CircuitBreaker) Forget(keyID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.breakers, keyID)
}

// StateLabel returns "closed", "open", or "half_open" for log fields.
func (cb *CircuitBreaker) StateLabel(keyID string) string {
	kcb := cb.get(keyID)
	kcb.mu.Lock()
	defer kcb.mu.Unlock()
	switch kcb.state {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(keyID string) *keyCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	kcb, ok := cb.breakers[keyID]
	if !ok {
		kcb = &keyCB{state: cbClosed, windowStart: time.Now()}
		cb.breakers[keyID] = kcb
	}
	return kcb
}
