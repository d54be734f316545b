package proxy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// statusErr is a provider error carrying an HTTP status, as the provider
// clients return them.
type statusErr struct {
	status  int
	backoff time.Duration
}

func (e *statusErr) Error() string             { return fmt.Sprintf("status %d", e.status) }
func (e *statusErr) HTTPStatus() int           { return e.status }
func (e *statusErr) RetryAfter() time.Duration { return e.backoff }

func TestFailoverReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"invalid key", &statusErr{status: 401}, "auth"},
		{"forbidden key", &statusErr{status: 403}, "auth"},
		{"rate limited", &statusErr{status: 429}, "rate_limited"},
		{"provider down", &statusErr{status: 503}, "unavailable"},
		{"timeout", context.DeadlineExceeded, "timeout"},
		{"transport failure", errors.New("connection refused"), "unavailable"},
		{"bad request aborts", &statusErr{status: 400}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := failoverReason(tc.err); got != tc.want {
				t.Errorf("failoverReason(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestFailureOutcome(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", context.DeadlineExceeded, "timeout"},
		{"status error", &statusErr{status: 502}, "http_502"},
		{"plain error", errors.New("boom"), "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := failureOutcome(tc.err); got != tc.want {
				t.Errorf("failureOutcome(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}
