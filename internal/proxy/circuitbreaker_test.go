package proxy

import (
	"testing"
	"time"
)

func trip(cb *CircuitBreaker, keyID string) {
	for i := 0; i < cbErrorThreshold; i++ {
		cb.RecordFailure(keyID)
	}
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker()
	if cb.StateLabel("key-1") != "closed" {
		t.Errorf("new key should start closed, got %s", cb.StateLabel("key-1"))
	}
	if !cb.Allow("key-1") {
		t.Error("closed breaker should allow requests")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < cbErrorThreshold-1; i++ {
		cb.RecordFailure("key-1")
		if cb.StateLabel("key-1") != "closed" {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	cb.RecordFailure("key-1")
	if cb.StateLabel("key-1") != "open" {
		t.Error("should be open after reaching threshold")
	}
	if cb.Allow("key-1") {
		t.Error("open breaker should reject requests")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < cbErrorThreshold-1; i++ {
		cb.RecordFailure("key-1")
	}
	cb.RecordSuccess("key-1")

	// Should need the full threshold again.
	for i := 0; i < cbErrorThreshold-1; i++ {
		cb.RecordFailure("key-1")
	}
	if cb.StateLabel("key-1") != "closed" {
		t.Error("should still be closed before a fresh threshold")
	}
}

func TestCircuitBreaker_WindowReset(t *testing.T) {
	cb := NewCircuitBreaker()
	cb.RecordFailure("key-1")

	// Move the window start into the past so the counted failures expire.
	kcb := cb.breakers["key-1"]
	kcb.mu.Lock()
	kcb.windowStart = time.Now().Add(-cbTimeWindow - time.Second)
	kcb.errorCount = cbErrorThreshold - 1
	kcb.mu.Unlock()

	cb.RecordFailure("key-1")
	if cb.StateLabel("key-1") != "closed" {
		t.Error("error counter should reset after the window expires")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker()
	trip(cb, "key-1")

	kcb := cb.breakers["key-1"]
	kcb.mu.Lock()
	kcb.openedAt = time.Now().Add(-cbHalfOpenTimeout - time.Second)
	kcb.mu.Unlock()

	if !cb.Allow("key-1") {
		t.Error("should allow one probe in half-open state")
	}
	if cb.StateLabel("key-1") != "half_open" {
		t.Errorf("expected half_open, got %s", cb.StateLabel("key-1"))
	}
	if cb.Allow("key-1") {
		t.Error("should reject a second request while the probe is in flight")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker()
	trip(cb, "key-1")

	kcb := cb.breakers["key-1"]
	kcb.mu.Lock()
	kcb.openedAt = time.Now().Add(-cbHalfOpenTimeout - time.Second)
	kcb.mu.Unlock()

	cb.Allow("key-1") // transitions to half-open
	cb.RecordSuccess("key-1")

	if cb.StateLabel("key-1") != "closed" {
		t.Error("success in half-open should close the breaker")
	}
	if !cb.Allow("key-1") {
		t.Error("should allow requests after closing from half-open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker()
	trip(cb, "key-1")

	kcb := cb.breakers["key-1"]
	kcb.mu.Lock()
	kcb.openedAt = time.Now().Add(-cbHalfOpenTimeout - time.Second)
	kcb.mu.Unlock()

	cb.Allow("key-1")
	cb.RecordFailure("key-1")

	if cb.StateLabel("key-1") != "open" {
		t.Error("failure in half-open should reopen the breaker")
	}
}

func TestCircuitBreaker_IndependentKeys(t *testing.T) {
	cb := NewCircuitBreaker()
	trip(cb, "key-1")

	if cb.StateLabel("key-1") != "open" {
		t.Error("key-1 should be open")
	}
	if cb.StateLabel("key-2") != "closed" {
		t.Error("key-2 should remain closed")
	}
	if !cb.Allow("key-2") {
		t.Error("key-2 should still allow requests")
	}
}

func TestCircuitBreaker_Forget(t *testing.T) {
	cb := NewCircuitBreaker()
	trip(cb, "key-1")

	cb.Forget("key-1")

	// A deleted key that reappears starts from a clean slate.
	if cb.StateLabel("key-1") != "closed" {
		t.Error("forgotten key should start closed again")
	}
	if !cb.Allow("key-1") {
		t.Error("forgotten key should allow requests")
	}
}

func TestCircuitBreaker_CustomThreshold(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{ErrorThreshold: 2})

	cb.RecordFailure("key-1")
	if cb.StateLabel("key-1") != "closed" {
		t.Error("one failure should not trip a threshold of two")
	}
	cb.RecordFailure("key-1")
	if cb.StateLabel("key-1") != "open" {
		t.Error("two failures should trip a threshold of two")
	}
}
