package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/semantic-gateway/internal/store"
)

// KeyPrefix is the plaintext prefix of every gateway key.
const KeyPrefix = "sgw_"

// ErrNoAPIKey is returned when the Authorization header is missing or
// malformed.
var ErrNoAPIKey = errors.New("auth: missing api key")

// ErrInvalidKey is returned when the key hash matches no active record.
var ErrInvalidKey = errors.New("auth: invalid api key")

// Decision is the outcome of a rate or quota check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time
	// RetryAfter is how long the caller should wait. Zero when allowed.
	RetryAfter time.Duration
}

// fixedWindowScript atomically increments the window counter and sets its
// expiry on first use.
// KEYS[1] = counter key
// ARGV[1] = expiry in seconds
// Returns the post-increment count.
var fixedWindowScript = redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
		end
		return count
`)

// Gate authenticates gateway keys and enforces plan limits. Redis holds the
// hot counters; Postgres holds the key records.
type Gate struct {
	store *store.Store
	rdb   *redis.Client
	now   func() time.Time
}

func NewGate(st *store.Store, rdb *redis.Client) *Gate {
	return &Gate{store: st, rdb: rdb, now: time.Now}
}

// HashKey returns the lowercase hex SHA-256 of a plaintext key. Only hashes
// are stored or compared.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// GenerateKey mints a new gateway key. Returns the plaintext (shown to the
// customer exactly once), its hash, and the display prefix.
func GenerateKey() (plaintext, hash, prefix string, err error) {
	raw := make([]byte, 24)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate key: %w", err)
	}
	plaintext = KeyPrefix + hex.EncodeToString(raw)
	return plaintext, HashKey(plaintext), plaintext[:len(KeyPrefix)+8], nil
}

// Authenticate resolves a Bearer token to its key, project and tenant.
func (g *Gate) Authenticate(ctx context.Context, authorization string) (*store.AuthRecord, error) {
	token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if token == "" || !strings.HasPrefix(token, KeyPrefix) {
		return nil, ErrNoAPIKey
	}
	rec, err := g.store.Authenticate(ctx, HashKey(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup key: %w", err)
	}
	return rec, nil
}

// CheckRate enforces the per-key requests-per-minute limit with a fixed
// one-minute window. Redis being down fails open — an unavailable limiter
// must not take the data path with it.
func (g *Gate) CheckRate(ctx context.Context, keyID string, limit int64) (Decision, error) {
	now := g.now()
	windowStart := now.Truncate(time.Minute)
	reset := windowStart.Add(time.Minute)

	key := fmt.Sprintf("rate:%s:%d", keyID, windowStart.Unix())
	// Keep the counter past the window end so late readers still see it.
	expiry := int64((time.Minute + 2*time.Minute) / time.Second)

	count, err := fixedWindowScript.Run(ctx, g.rdb, []string{key}, expiry).Int64()
	if err != nil {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, Reset: reset}, nil
	}

	d := Decision{Limit: limit, Reset: reset}
	if count > limit {
		d.RetryAfter = reset.Sub(now)
		return d, nil
	}
	d.Allowed = true
	d.Remaining = limit - count
	return d, nil
}

// CheckQuota enforces the project's monthly request quota and reserves one
// unit for this request. The increment is atomic, so concurrent requests at
// the limit cannot all slip through: each admission raises the counter before
// the comparison. A denied request keeps its unit — the counter may drift up
// by at most the concurrent-failure count, which is cheaper than compensating
// decrements.
func (g *Gate) CheckQuota(ctx context.Context, projectID string, limit int64) (Decision, error) {
	now := g.now()
	reset := monthStart(now).AddDate(0, 1, 0)

	if limit == 0 {
		return Decision{Allowed: true, Reset: reset}, nil
	}

	// Keep the counter a few days into the next month for late reads.
	expiry := int64(monthStart(now).AddDate(0, 1, 3).Sub(now) / time.Second)

	count, err := fixedWindowScript.Run(ctx, g.rdb, []string{quotaKey(projectID, now)}, expiry).Int64()
	if err != nil {
		// Redis down fails open, same as the rate limiter.
		return Decision{Allowed: true, Limit: limit, Remaining: limit, Reset: reset}, nil
	}

	d := Decision{Limit: limit, Reset: reset}
	if count > limit {
		return d, nil
	}
	d.Allowed = true
	d.Remaining = limit - count
	return d, nil
}

// QuotaUsed returns the project's admitted requests this month.
func (g *Gate) QuotaUsed(ctx context.Context, projectID string) (int64, error) {
	used, err := g.rdb.Get(ctx, quotaKey(projectID, g.now())).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return used, err
}

func quotaKey(projectID string, t time.Time) string {
	return fmt.Sprintf("quota:%s:%s", projectID, t.UTC().Format("200601"))
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
