package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/semantic-gateway/internal/metrics"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
	"github.com/nulpointcorp/semantic-gateway/internal/store"
	"github.com/nulpointcorp/semantic-gateway/internal/vault"
)

// ErrNoProviderKeys is returned when the project has no usable key for the
// resolved provider.
var ErrNoProviderKeys = errors.New("no active provider key for this model")

// Attempt describes which key ultimately served a request.
type Attempt struct {
	Provider string
	KeyID    string
	KeyLabel string
	Attempts int
}

// KeyRouter walks a project's provider keys in priority order, decrypting
// each just-in-time and failing over on auth failures, rate limits, and
// provider outages.
type KeyRouter struct {
	store     *store.Store
	vault     *vault.Vault
	providers map[string]providers.Provider
	cb        *CircuitBreaker
	metrics   *metrics.Registry
	log       *slog.Logger

	sleep func(time.Duration)
}

func NewKeyRouter(st *store.Store, v *vault.Vault, provs map[string]providers.Provider,
	cb *CircuitBreaker, m *metrics.Registry, log *slog.Logger) *KeyRouter {
	return &KeyRouter{
		store:     st,
		vault:     v,
		providers: provs,
		cb:        cb,
		metrics:   m,
		log:       log,
		sleep:     time.Sleep,
	}
}

// Dispatch resolves the provider from the model, then tries the project's
// keys in priority order until one serves the request.
//
// Per key, the outcome decides the next step:
//
//	auth failure (401/403)   → next key
//	rate limited (429)       → honor Retry-After once when ≤ 2s, else next key
//	unavailable (5xx, net)   → next key
//	any other provider error → abort, the request itself is at fault
func (r *KeyRouter) Dispatch(ctx context.Context, projectID string, req *providers.ChatRequest) (*providers.ChatResult, *Attempt, error) {
	providerName := providers.ResolveProvider(req.Model)
	prov, ok := r.providers[providerName]
	if !ok {
		return nil, nil, fmt.Errorf("provider %q not configured", providerName)
	}

	keys, err := r.store.ActiveProviderKeys(ctx, projectID, providerName)
	if err != nil {
		return nil, nil, fmt.Errorf("load provider keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil, ErrNoProviderKeys
	}

	var lastErr error
	attempts := 0

	for _, key := range keys {
		if !r.cb.Allow(key.ID) {
			r.log.WarnContext(ctx, "provider_key_circuit_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", providerName),
				slog.String("key_id", key.ID),
			)
			continue
		}

		plaintext, err := r.vault.Decrypt(key.EncryptedKey, key.IV)
		if err != nil {
			// A key that no longer decrypts is unusable but must not block
			// lower-priority keys.
			r.log.ErrorContext(ctx, "provider_key_decrypt_failed",
				slog.String("key_id", key.ID),
				slog.String("error", err.Error()))
			continue
		}
		req.APIKey = plaintext

		result, retryAfter, err := r.attempt(ctx, prov, providerName, req)
		attempts++
		if err == nil {
			r.cb.RecordSuccess(key.ID)
			go r.touchKey(key.ID)
			return result, &Attempt{
				Provider: providerName,
				KeyID:    key.ID,
				KeyLabel: key.Label,
				Attempts: attempts,
			}, nil
		}

		// A short provider-requested backoff is cheaper than switching keys.
		if retryAfter > 0 && retryAfter <= providers.MaxRetryAfter {
			r.sleep(retryAfter)
			result, _, err = r.attempt(ctx, prov, providerName, req)
			attempts++
			if err == nil {
				r.cb.RecordSuccess(key.ID)
				go r.touchKey(key.ID)
				return result, &Attempt{
					Provider: providerName,
					KeyID:    key.ID,
					KeyLabel: key.Label,
					Attempts: attempts,
				}, nil
			}
		}

		r.cb.RecordFailure(key.ID)
		lastErr = err

		reason := failoverReason(err)
		r.log.WarnContext(ctx, "provider_key_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", providerName),
			slog.String("key_id", key.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)

		if reason == "" {
			// Not a failover class — the request itself would fail on every
			// key (bad params, context too long, content policy).
			return nil, nil, err
		}
		r.metrics.RecordKeyFailover(providerName, reason)
	}

	r.metrics.RecordFailoverExhausted(providerName)
	if lastErr == nil {
		return nil, nil, ErrNoProviderKeys
	}
	return nil, nil, fmt.Errorf("all provider keys failed: %w", lastErr)
}

// attempt runs one provider call, bounding non-streaming calls with the
// provider timeout. Streaming calls return immediately with a channel; their
// chunk-level deadlines are enforced by the stream consumer.
func (r *KeyRouter) attempt(ctx context.Context, prov providers.Provider, providerName string, req *providers.ChatRequest) (*providers.ChatResult, time.Duration, error) {
	callCtx := ctx
	if !req.Stream {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, providers.ProviderTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := prov.Chat(callCtx, req)
	dur := time.Since(start)

	if err != nil {
		var retryAfter time.Duration
		if ra, ok := err.(providers.RetryAfterer); ok {
			retryAfter = ra.RetryAfter()
		}
		r.metrics.ObserveUpstreamAttempt(providerName, failureOutcome(err), dur)
		return nil, retryAfter, err
	}
	r.metrics.ObserveUpstreamAttempt(providerName, "success", dur)
	return result, 0, nil
}

// DispatchEmbeddings routes an embeddings call through the project's keys
// with the same failover rules as Dispatch. Providers without embeddings
// support reject the model outright.
func (r *KeyRouter) DispatchEmbeddings(ctx context.Context, projectID string, req *providers.EmbeddingsRequest) (*providers.EmbeddingsResult, *Attempt, error) {
	providerName := providers.ResolveProvider(req.Model)
	prov, ok := r.providers[providerName]
	if !ok {
		return nil, nil, fmt.Errorf("provider %q not configured", providerName)
	}
	emb, ok := prov.(providers.EmbeddingsProvider)
	if !ok {
		return nil, nil, fmt.Errorf("provider %q does not serve embeddings", providerName)
	}

	keys, err := r.store.ActiveProviderKeys(ctx, projectID, providerName)
	if err != nil {
		return nil, nil, fmt.Errorf("load provider keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil, ErrNoProviderKeys
	}

	var lastErr error
	attempts := 0

	for _, key := range keys {
		if !r.cb.Allow(key.ID) {
			continue
		}
		plaintext, err := r.vault.Decrypt(key.EncryptedKey, key.IV)
		if err != nil {
			r.log.ErrorContext(ctx, "provider_key_decrypt_failed",
				slog.String("key_id", key.ID),
				slog.String("error", err.Error()))
			continue
		}
		req.APIKey = plaintext

		callCtx, cancel := context.WithTimeout(ctx, providers.ProviderTimeout)
		start := time.Now()
		result, err := emb.Embeddings(callCtx, req)
		cancel()
		attempts++

		if err == nil {
			r.metrics.ObserveUpstreamAttempt(providerName, "success", time.Since(start))
			r.cb.RecordSuccess(key.ID)
			go r.touchKey(key.ID)
			return result, &Attempt{
				Provider: providerName,
				KeyID:    key.ID,
				KeyLabel: key.Label,
				Attempts: attempts,
			}, nil
		}

		r.metrics.ObserveUpstreamAttempt(providerName, failureOutcome(err), time.Since(start))
		r.cb.RecordFailure(key.ID)
		lastErr = err

		reason := failoverReason(err)
		if reason == "" {
			return nil, nil, err
		}
		r.metrics.RecordKeyFailover(providerName, reason)
	}

	r.metrics.RecordFailoverExhausted(providerName)
	if lastErr == nil {
		return nil, nil, ErrNoProviderKeys
	}
	return nil, nil, fmt.Errorf("all provider keys failed: %w", lastErr)
}

func (r *KeyRouter) touchKey(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.TouchProviderKey(ctx, keyID); err != nil {
		r.log.Warn("touch provider key failed",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()))
	}
}

// failoverReason classifies an error for key failover. Empty means the error
// is not retryable on another key.
func failoverReason(err error) string {
	switch {
	case providers.IsAuthFailed(err):
		return "auth"
	case providers.IsRateLimited(err):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case providers.IsUnavailable(err):
		return "unavailable"
	}
	return ""
}

func failureOutcome(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "error"
}
