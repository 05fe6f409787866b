// Package main is the entry point for the pagehook queue consumer.
//
// Cold start:
//  1. Load the worker configuration and initialize the structured logger.
//  2. Open the Postgres pool and make sure the page_events table exists.
//  3. Connect the Redis broadcast adapter in publish-only mode.
//  4. Register one domain handler per webhook source.
//  5. Build CloudWatch metrics (or discard them when disabled).
//
// Inside AWS Lambda (AWS_LAMBDA_FUNCTION_NAME is set) the SQS event source
// mapping delivers batches to HandleSQSEvent. Anywhere else the process
// long-polls the queue itself until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"pagehook/internal/broadcast"
	"pagehook/internal/config"
	"pagehook/internal/db"
	"pagehook/internal/metrics"
	"pagehook/internal/pageevents"
	"pagehook/internal/queue"
	"pagehook/internal/types"
	"pagehook/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel).With("service", cfg.Service, "instance_id", cfg.InstanceID)
	typedLogger := types.NewSlogAdapter(logger)
	logger.Info("pagehook worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"lambda", inLambda(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:               cfg.Database.URL.Unmask(),
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	adapter := broadcast.NewRedisAdapter(cfg.Redis.URL.Unmask(), cfg.InstanceID, nil, logger,
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

	registry := buildRegistry(db.NewPageEventRepository(pool), adapter, typedLogger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	var workerMetrics worker.Metrics = metrics.Nop{}
	if cfg.Observability.EnableMetrics {
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		workerMetrics = metrics.NewCloudWatchWorkerMetrics(cwClient, cfg.Observability.MetricNamespace, typedLogger)
	}

	if inLambda() {
		handler := worker.NewLambdaHandler(registry, cfg.Consumer.HandlerTimeout, typedLogger, workerMetrics)
		logger.Info("pagehook worker initialized for lambda", "sources", registry.Sources())
		lambda.StartWithOptions(handler.HandleSQSEvent, lambda.WithContext(ctx))
		return nil
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	queueURL, err := queue.ResolveURL(ctx, sqsClient, cfg.AWS.QueueName)
	if err != nil {
		return err
	}

	consumer := worker.NewConsumer(sqsClient, registry, worker.Config{
		QueueURL:          queueURL,
		BatchSize:         cfg.Consumer.BatchSize,
		WaitTime:          cfg.Consumer.WaitTime,
		VisibilityTimeout: cfg.Consumer.VisibilityTimeout,
		HandlerTimeout:    cfg.Consumer.HandlerTimeout,
		MaxBackoff:        cfg.Consumer.MaxBackoff,
	}, typedLogger, workerMetrics)

	logger.Info("pagehook worker polling", "queue_url", queueURL, "sources", registry.Sources())
	if err := consumer.Run(ctx); err != nil {
		return err
	}
	logger.Info("pagehook worker stopped")
	return nil
}

// buildRegistry registers the domain handler of every supported source.
func buildRegistry(store pageevents.Store, broadcaster types.Broadcaster, logger types.Logger) *worker.Registry {
	registry := worker.NewRegistry()
	registry.Register(pageevents.Source, pageevents.NewHandler(store, broadcaster, logger))
	return registry
}

func inLambda() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
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
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
