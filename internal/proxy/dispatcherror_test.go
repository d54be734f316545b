package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/semantic-gateway/internal/telemetry"
)

// upstreamErr mimics a provider client error whose message carries internal
// detail that must never reach a client.
type upstreamErr struct {
	status int
	msg    string
}

func (e *upstreamErr) Error() string   { return e.msg }
func (e *upstreamErr) HTTPStatus() int { return e.status }

func newErrorTestGateway() *Gateway {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Gateway{
		log:      log,
		pipeline: telemetry.NewPipeline(nil, log),
	}
}

func TestProviderErrorMessage(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{429, "provider rate limit exceeded"},
		{400, "provider rejected the request"},
		{404, "provider rejected the request"},
		{500, "provider unavailable"},
		{503, "provider unavailable"},
	}
	for _, tc := range cases {
		if got := providerErrorMessage(tc.status); got != tc.want {
			t.Errorf("providerErrorMessage(%d) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestWriteDispatchErrorHidesProviderDetail(t *testing.T) {
	g := newErrorTestGateway()

	const secret = "invalid api key sk-prov-1234 for account acct_999"
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"upstream 500", &upstreamErr{status: 500, msg: secret}, fasthttp.StatusBadGateway, "provider unavailable"},
		{"upstream 429", &upstreamErr{status: 429, msg: secret}, fasthttp.StatusTooManyRequests, "provider rate limit exceeded"},
		{"upstream 400", &upstreamErr{status: 400, msg: secret}, fasthttp.StatusBadRequest, "provider rejected the request"},
		{"transport failure", errors.New(secret), fasthttp.StatusBadGateway, "provider request failed"},
		{"timeout", context.DeadlineExceeded, fasthttp.StatusGatewayTimeout, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			g.writeDispatchError(ctx, telemetry.Event{ProjectID: "proj-1"}, tc.err, time.Now())

			if got := ctx.Response.StatusCode(); got != tc.wantStatus {
				t.Errorf("status = %d, want %d", got, tc.wantStatus)
			}
			body := string(ctx.Response.Body())
			// The raw error string stays in the log record only.
			if strings.Contains(body, "sk-prov-1234") || strings.Contains(body, "acct_999") {
				t.Errorf("provider detail leaked into the response body: %s", body)
			}
			if tc.wantBody != "" && !strings.Contains(body, tc.wantBody) {
				t.Errorf("body %q missing fixed message %q", body, tc.wantBody)
			}
		})
	}
}
