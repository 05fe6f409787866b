package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagehook/internal/config"
	"pagehook/internal/core"
	"pagehook/internal/metrics"
	"pagehook/internal/realtime"
	"pagehook/internal/types"
	"pagehook/internal/webhook"
)

const (
	testVerifyToken = "verify-me"
	testAppSecret   = "app-secret-value"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []*types.WebhookEnvelope
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, env *types.WebhookEnvelope) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.envs = append(p.envs, env)
	return env.EventID, nil
}

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("VERIFY_TOKEN", testVerifyToken)
	t.Setenv("APP_SECRET", testAppSecret)
	t.Setenv("SQS_QUEUE_NAME", "pagehook-events.fifo")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("WEBHOOK_SOURCES", "page")
}

func buildTestServer(t *testing.T, pub types.EventPublisher, probes ...core.HealthProbe) *core.Server {
	t.Helper()
	setTestEnv(t)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := buildServer(cfg, logger, dependencies{
		publisher: pub,
		hub:       realtime.NewHub(logger),
		metrics:   metrics.NewPrometheus(),
		probes:    probes,
	})
	require.NoError(t, err)
	return srv
}

func serve(srv *core.Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAPI_SignedEventIsQueued(t *testing.T) {
	pub := &capturePublisher{}
	srv := buildTestServer(t, pub)

	body := `{"object":"page","entry":[{"id":"p1","messaging":[]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/page", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(body), testAppSecret))

	rec := serve(srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, webhook.AckBody, rec.Body.String())

	require.Len(t, pub.envs, 1)
	assert.Equal(t, "page", pub.envs[0].Source)
	assert.JSONEq(t, body, string(pub.envs[0].Payload))

	metricsOut := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Body.String()
	assert.Contains(t, metricsOut, `pagehook_webhook_events_total{result="accepted",source="page"} 1`)
	assert.Contains(t, metricsOut, "pagehook_http_requests_total")
}

func TestAPI_UnsignedEventIsRejected(t *testing.T) {
	pub := &capturePublisher{}
	srv := buildTestServer(t, pub)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/page", strings.NewReader(`{"object":"page"}`))
	rec := serve(srv, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, pub.envs)
}

func TestAPI_Verification(t *testing.T) {
	srv := buildTestServer(t, &capturePublisher{})

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/page?hub.mode=subscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=12345", nil)
	rec := serve(srv, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())
}

func TestAPI_HealthReportsFailingProbe(t *testing.T) {
	srv := buildTestServer(t, &capturePublisher{},
		core.NewProbe("sqs", func(context.Context) error { return nil }),
		core.NewProbe("redis", func(context.Context) error { return errors.New("connection refused") }),
	)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestAPI_HealthWithoutProbes(t *testing.T) {
	srv := buildTestServer(t, &capturePublisher{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestAPI_RealtimeRequiresUpgrade(t *testing.T) {
	srv := buildTestServer(t, &capturePublisher{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/realtime", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("info").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("error").Enabled(ctx, slog.LevelWarn))
	assert.True(t, newLogger("bogus").Enabled(ctx, slog.LevelInfo))
}
