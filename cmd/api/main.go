// Package main is the entry point for the pagehook ingestion API.
//
// It loads configuration, resolves the FIFO queue, connects the Redis
// broadcast adapter, and serves the webhook endpoints, the realtime WebSocket
// gateway, /health and /metrics until SIGINT or SIGTERM.
//
// Any dependency that cannot be reached at startup aborts the process. The
// API never runs with a partially wired pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"pagehook/internal/broadcast"
	"pagehook/internal/config"
	"pagehook/internal/core"
	"pagehook/internal/metrics"
	"pagehook/internal/queue"
	"pagehook/internal/realtime"
	"pagehook/internal/types"
	"pagehook/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel).With("service", cfg.Service, "instance_id", cfg.InstanceID)
	logger.Info("pagehook API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"sources", cfg.Webhook.Sources,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	publisher := queue.NewPublisher(sqsClient, cfg.AWS.QueueName, logger)
	if err := publisher.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing queue publisher: %w", err)
	}

	hub := realtime.NewHub(logger)
	adapter := broadcast.NewRedisAdapter(cfg.Redis.URL.Unmask(), cfg.InstanceID, hub, logger,
		broadcast.WithPrefix(cfg.Redis.ChannelPrefix),
		broadcast.WithConnectTimeout(cfg.Redis.ConnectTimeout),
	)
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connecting broadcast adapter: %w", err)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			logger.Warn("broadcast adapter close failed", "error", err)
		}
	}()

	srv, err := buildServer(cfg, logger, dependencies{
		publisher: publisher,
		hub:       hub,
		metrics:   metrics.NewPrometheus(),
		probes: []core.HealthProbe{
			core.NewProbe("sqs", publisher.Ping),
			core.NewProbe("redis", adapter.Ping),
		},
	})
	if err != nil {
		return err
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("pagehook API stopped")
	return nil
}

// dependencies are the already-connected collaborators the router needs.
type dependencies struct {
	publisher types.EventPublisher
	hub       *realtime.Hub
	metrics   *metrics.Prometheus
	probes    []core.HealthProbe
}

// buildServer wires the HTTP surface. It performs no I/O.
func buildServer(cfg *config.Config, logger *slog.Logger, deps dependencies) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	var webhookOpts []webhook.Option
	if deps.metrics != nil {
		srv.Metrics = deps.metrics
		srv.MetricsHandler = deps.metrics.Handler()
		webhookOpts = append(webhookOpts, webhook.WithEventRecorder(deps.metrics))
	}
	srv.HealthProbes = deps.probes

	wh := webhook.NewHandler(webhook.HandlerConfig{
		VerifyToken:  cfg.Webhook.VerifyToken,
		AppSecret:    cfg.Webhook.AppSecret,
		Sources:      cfg.Webhook.Sources,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	}, deps.publisher, logger, webhookOpts...)
	srv.WebhookRoutes = wh.Routes

	if deps.hub != nil {
		srv.Realtime = realtime.NewGateway(deps.hub, realtime.GatewayConfig{
			AllowedOrigins: cfg.Realtime.AllowedOrigins,
			WriteTimeout:   cfg.Realtime.WriteTimeout,
			PingInterval:   cfg.Realtime.PingInterval,
			SendBuffer:     cfg.Realtime.SendBuffer,
		}, logger)
	}

	srv.MountRoutes()
	return srv, nil
}

// newLogger creates a JSON structured logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
