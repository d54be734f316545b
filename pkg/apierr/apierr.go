// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeNoProviderKey     = "no_provider_key"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message string   `json:"message"`
		Type    string   `json:"type"`
		Code    string   `json:"code"`
		Details *Details `json:"details,omitempty"`
	}

	// Details carries limit state on 429 responses so clients can back off
	// without parsing headers.
	Details struct {
		Limit      int64  `json:"limit,omitempty"`
		Remaining  int64  `json:"remaining"`
		ResetAt    string `json:"resetAt,omitempty"`
		RetryAfter int64  `json:"retryAfter,omitempty"`
	}

	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteDetails(ctx, status, message, errType, code, nil)
}

// WriteDetails is Write with an optional details block.
func WriteDetails(ctx *fasthttp.RequestCtx, status int, message, errType, code string, d *Details) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
		Details: d,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 4xx  → passed through (the customer's key or request is at fault)
//	Provider 5xx  → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 400 && providerStatus < 500:
		Write(ctx, providerStatus, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteUnauthorized writes a 401 for a missing or unknown gateway key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteRateLimit writes a 429 with limit state. retryAfter is rounded up to
// whole seconds for the Retry-After header.
func WriteRateLimit(ctx *fasthttp.RequestCtx, limit, remaining int64, resetAt time.Time, retryAfter time.Duration) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(secs, 10))
	WriteDetails(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded,
		&Details{Limit: limit, Remaining: remaining, ResetAt: resetAt.UTC().Format(time.RFC3339), RetryAfter: secs})
}

// WriteQuotaExceeded writes a 429 for an exhausted monthly token quota. The
// reset is the start of the next calendar month.
func WriteQuotaExceeded(ctx *fasthttp.RequestCtx, limit, remaining int64, resetAt time.Time) {
	WriteDetails(ctx, fasthttp.StatusTooManyRequests,
		"monthly quota exceeded", TypeRateLimitError, CodeQuotaExceeded,
		&Details{Limit: limit, Remaining: remaining, ResetAt: resetAt.UTC().Format(time.RFC3339)})
}
