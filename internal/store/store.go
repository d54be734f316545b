// Package store persists gateway control-plane state in Postgres: tenants,
// projects, gateway keys, customer provider keys, cache feedback, and sent
// cost alerts. Request-path reads are limited to key authentication; hot
// counters live in Redis.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// MaxActiveProviderKeys caps active keys per (project, provider).
const MaxActiveProviderKeys = 3

// Plan names. The plan determines rate and quota limits.
const (
	PlanFree    = "free"
	PlanStarter = "starter"
	PlanPro     = "pro"
)

type (
	// Tenant is a billing account. Projects belong to tenants.
	Tenant struct {
		ID        string
		Name      string
		Plan      string
		CreatedAt time.Time
	}

	// Project is the cache and key isolation boundary.
	Project struct {
		ID       string
		TenantID string
		Name     string

		CacheEnabled      bool
		SemanticThreshold float64
		// CacheTTLSeconds 0 means entries never expire.
		CacheTTLSeconds int64
		// TTLOverrides maps an endpoint path to its TTL in seconds.
		TTLOverrides map[string]int64

		// CostAlertThreshold is an extra percent-of-plan-limit threshold on
		// top of the built-in ones; 0 means none.
		CostAlertThreshold int
		CostAlertsEnabled  bool

		CreatedAt time.Time
	}

	// AlertProject is one row of the cost-alert sweep working set.
	AlertProject struct {
		ProjectID       string
		CustomThreshold int
		Plan            string
	}

	// GatewayKey authenticates a client to the gateway. Only the SHA-256
	// hash is stored; the plaintext is shown once at creation.
	GatewayKey struct {
		ID        string
		ProjectID string
		KeyHash   string
		KeyPrefix string
		Name      string
		Active    bool

		LastUsedAt *time.Time
		CreatedAt  time.Time
	}

	// AuthRecord is the joined row the request path authenticates against.
	AuthRecord struct {
		Key     GatewayKey
		Project Project
		Tenant  Tenant
	}

	// ProviderKey is a customer's upstream API key, encrypted at rest.
	// Priority orders failover within (project, provider): 1 is tried first.
	ProviderKey struct {
		ID        string
		ProjectID string
		Provider  string
		Label     string

		EncryptedKey string
		IV           string

		Priority int
		Active   bool

		LastUsedAt *time.Time
		CreatedAt  time.Time
	}

	// Feedback is a customer verdict on one served cache hit.
	Feedback struct {
		ID          int64
		ProjectID   string
		Fingerprint string
		Accurate    bool
		Comment     string
		CreatedAt   time.Time
	}

	// FeedbackStats aggregates feedback for threshold recommendations.
	FeedbackStats struct {
		Samples    int64
		Inaccurate int64
	}
)
