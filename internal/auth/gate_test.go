package auth

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/semantic-gateway/internal/store"
)

func newTestGate(t *testing.T) (*Gate, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	g := NewGate(nil, rdb)
	g.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC) }
	return g, mr
}

func TestGenerateKey(t *testing.T) {
	plaintext, hash, prefix, err := GenerateKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, KeyPrefix))
	assert.Equal(t, HashKey(plaintext), hash)
	assert.Len(t, hash, 64)
	assert.Equal(t, plaintext[:12], prefix)

	// Keys are unique.
	other, _, _, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, other)
}

func TestCheckRate(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	const limit = 3
	for i := int64(1); i <= limit; i++ {
		d, err := g.CheckRate(ctx, "key-1", limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should pass", i)
		assert.Equal(t, limit-i, d.Remaining)
	}

	d, err := g.CheckRate(ctx, "key-1", limit)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.EqualValues(t, 0, d.Remaining)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC), d.Reset)
	assert.Equal(t, 30*time.Second, d.RetryAfter, "retry after runs to the window end")

	// Other keys are unaffected.
	d, err = g.CheckRate(ctx, "key-2", limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckRateFailsOpenWithoutRedis(t *testing.T) {
	g, mr := newTestGate(t)
	mr.Close()

	d, err := g.CheckRate(context.Background(), "key-1", 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "redis outage must not block requests")
}

func TestQuotaReservesAtAdmission(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	const limit = 5

	// Every admission reserves one unit: the counter moves on the check
	// itself, not on some later accounting write.
	for i := int64(1); i <= limit; i++ {
		d, err := g.CheckQuota(ctx, "proj-1", limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should pass", i)
		assert.Equal(t, limit-i, d.Remaining)

		used, err := g.QuotaUsed(ctx, "proj-1")
		require.NoError(t, err)
		assert.Equal(t, i, used, "unit %d must be reserved before the next check", i)
	}

	d, err := g.CheckQuota(ctx, "proj-1", limit)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "quota reached blocks the request")
	assert.EqualValues(t, 0, d.Remaining)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), d.Reset)

	// Other projects are unaffected.
	d, err = g.CheckQuota(ctx, "proj-2", limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestQuotaConcurrentAdmissionsCannotOvershoot(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	const limit = 5
	const attempts = 100

	var wg sync.WaitGroup
	var admitted atomic.Int64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.CheckQuota(ctx, "proj-1", limit)
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, limit, admitted.Load(),
		"the atomic reserve admits exactly the limit, regardless of concurrency")
}

func TestQuotaFailsOpenWithoutRedis(t *testing.T) {
	g, mr := newTestGate(t)
	mr.Close()

	d, err := g.CheckQuota(context.Background(), "proj-1", 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "redis outage must not block requests")
}

func TestLimitsForPlan(t *testing.T) {
	assert.EqualValues(t, 10, LimitsForPlan(store.PlanFree).RPM)
	assert.EqualValues(t, 1_000_000, LimitsForPlan(store.PlanPro).MonthlyRequests)
	assert.Equal(t, LimitsForPlan(store.PlanFree), LimitsForPlan("no-such-plan"),
		"unknown plans fall back to free limits")
}
