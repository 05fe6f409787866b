package core

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pagehook/internal/config"
)

type mockMetricsCollector struct {
	mu    sync.Mutex
	calls []metricsCall
}

type metricsCall struct {
	method, route, status string
	duration              time.Duration
}

func (m *mockMetricsCollector) RecordRequest(method, route, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, metricsCall{method, route, status, duration})
}

type mockHealthProbe struct {
	name     string
	checkErr error
	delay    time.Duration
	panicMsg string
	called   atomic.Bool
}

func (m *mockHealthProbe) Name() string { return m.name }

func (m *mockHealthProbe) Check(ctx context.Context) error {
	m.called.Store(true)
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.checkErr
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Server:      config.ServerConfig{Port: "0", ShutdownTimeout: time.Second},
		Webhook:     config.WebhookConfig{PathPrefix: "/webhooks"},
		Realtime:    config.RealtimeConfig{Path: "/realtime"},
		Build:       config.BuildInfo{Version: "test"},
	}
}

// newTestServer returns a server whose logs are captured in the buffer.
func newTestServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv, err := NewServer(testConfig(), logger)
	require.NoError(t, err)
	return srv, &buf
}
