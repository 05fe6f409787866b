// Package main implements the bootstrap CLI for pagehook environments.
//
// It provisions what both processes expect to exist before their first start:
// the FIFO event queue with its dead-letter queue and redrive policy, and the
// page_events table. Every step is idempotent and safe to re-run.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=dev --dry-run
//	go run ./cmd/ops/bootstrap --env=prod --profile=pagehook-prod --region=eu-west-1
//	go run ./cmd/ops/bootstrap --env=dev --export-env --export-env-path=.env
//
// The tool performs the following:
//  1. Parses flags and validates the queue name and database URL.
//  2. Loads the AWS SDK configuration for the profile and region.
//  3. Calls STS GetCallerIdentity to verify the active AWS identity.
//  4. If --env=prod, requires explicit interactive confirmation ("yes").
//  5. Creates the dead-letter queue, then the event queue redriving into it.
//  6. Applies the database schema unless --skip-db is set.
//  7. If --export-env is set, writes a .env file for local development.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"pagehook/internal/db"
)

// Supported environments for the bootstrap tool.
var validEnvironments = map[string]bool{
	"local":   true,
	"dev":     true,
	"staging": true,
	"prod":    true,
}

// options is the parsed command line.
type options struct {
	Environment       string
	Profile           string
	Region            string
	EndpointURL       string
	QueueName         string
	MaxReceiveCount   int
	VisibilityTimeout time.Duration
	DatabaseURL       string
	SkipDB            bool
	DryRun            bool
	ExportEnv         bool
	ExportEnvPath     string
	Force             bool
}

// BootstrapContext holds the session established during initialization.
type BootstrapContext struct {
	Environment string
	AWSProfile  string
	AWSRegion   string
	AccountID   string
	CallerARN   string
	AWSConfig   aws.Config
	Logger      *slog.Logger
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bctx, err := initializeSession(ctx, opts, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	if bctx.Environment == "prod" && !opts.DryRun {
		if !confirmProduction(bctx, os.Stdin, os.Stderr) {
			fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
			os.Exit(0)
		}
	}

	printBanner(os.Stderr, bctx, opts)

	sqsClient := sqs.NewFromConfig(bctx.AWSConfig, func(o *sqs.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
	})

	p := &Provisioner{
		Queues:            sqsClient,
		QueueName:         opts.QueueName,
		MaxReceiveCount:   opts.MaxReceiveCount,
		VisibilityTimeout: opts.VisibilityTimeout,
		DryRun:            opts.DryRun,
		Out:               os.Stderr,
		Logger:            logger,
	}
	if !opts.SkipDB {
		p.ApplySchema = func(ctx context.Context) error {
			pool, err := db.NewPool(ctx, db.PoolConfig{URL: opts.DatabaseURL, MaxConns: 1})
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.EnsureSchema(ctx, pool)
		}
	}

	result, err := p.Run(ctx)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	logger.Info("bootstrap completed successfully",
		"env", bctx.Environment,
		"account", bctx.AccountID,
		"queue_url", result.QueueURL,
		"dlq_url", result.DLQURL,
	)

	if opts.ExportEnv && !opts.DryRun {
		if err := ExportEnvFile(ExportEnvConfig{
			OutputPath:  opts.ExportEnvPath,
			Environment: bctx.Environment,
			Region:      bctx.AWSRegion,
			QueueName:   opts.QueueName,
			EndpointURL: opts.EndpointURL,
			DatabaseURL: opts.DatabaseURL,
			Overwrite:   opts.Force,
		}); err != nil {
			logger.Error("failed to export .env file", "error", err)
			os.Exit(1)
		}
		logger.Info(".env file exported successfully", "path", opts.ExportEnvPath)
	}
}

// parseOptions parses and validates args.
func parseOptions(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&o.Environment, "env", "", "Target environment (local/dev/staging/prod) [required]")
	fs.StringVar(&o.Profile, "profile", "", "AWS CLI profile (default: uses default credential chain)")
	fs.StringVar(&o.Region, "region", "us-east-1", "AWS region")
	fs.StringVar(&o.EndpointURL, "endpoint-url", os.Getenv("AWS_ENDPOINT_URL"), "SQS endpoint override (LocalStack)")
	fs.StringVar(&o.QueueName, "queue-name", "pagehook-events.fifo", "Name of the FIFO event queue")
	fs.IntVar(&o.MaxReceiveCount, "max-receive-count", 5, "Deliveries before a message moves to the dead-letter queue")
	fs.DurationVar(&o.VisibilityTimeout, "visibility-timeout", 60*time.Second, "Queue visibility timeout")
	fs.StringVar(&o.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	fs.BoolVar(&o.SkipDB, "skip-db", false, "Do not apply the database schema")
	fs.BoolVar(&o.DryRun, "dry-run", false, "Print the plan without changing anything")
	fs.BoolVar(&o.ExportEnv, "export-env", false, "Write a .env file for local development")
	fs.StringVar(&o.ExportEnvPath, "export-env-path", ".env", "Path for the exported .env file")
	fs.BoolVar(&o.Force, "force", false, "Overwrite an existing .env file")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "pagehook bootstrap\n\n")
		fmt.Fprintf(stderr, "Provisions the event queue, its dead-letter queue and the database schema.\n\n")
		fmt.Fprintf(stderr, "Usage:\n")
		fmt.Fprintf(stderr, "  bootstrap --env=dev [--profile=NAME] [--region=REGION] [--dry-run] [--export-env]\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return o, err
	}

	if o.Environment == "" {
		return o, errors.New("--env is required")
	}
	if !validEnvironments[o.Environment] {
		return o, fmt.Errorf("invalid environment %q (must be local, dev, staging, or prod)", o.Environment)
	}
	if err := ValidateQueueName(o.QueueName); err != nil {
		return o, err
	}
	if o.MaxReceiveCount < 1 || o.MaxReceiveCount > 1000 {
		return o, fmt.Errorf("--max-receive-count must be between 1 and 1000, got %d", o.MaxReceiveCount)
	}
	if o.VisibilityTimeout < 0 || o.VisibilityTimeout > 12*time.Hour {
		return o, fmt.Errorf("--visibility-timeout must be between 0 and 12h, got %s", o.VisibilityTimeout)
	}
	if !o.SkipDB {
		if err := ValidateDatabaseURL(o.DatabaseURL); err != nil {
			return o, err
		}
	}
	return o, nil
}

// initializeSession configures the AWS SDK and calls STS GetCallerIdentity
// to confirm the active identity before anything is created.
func initializeSession(ctx context.Context, opts options, logger *slog.Logger) (*BootstrapContext, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	stsClient := sts.NewFromConfig(cfg, func(o *sts.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
	})

	identityCtx, identityCancel := context.WithTimeout(ctx, 10*time.Second)
	defer identityCancel()

	identity, err := stsClient.GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity (STS GetCallerIdentity): %w\n"+
			"  Check that your AWS credentials are configured correctly.\n"+
			"  Profile: %q, Region: %q", err, opts.Profile, opts.Region)
	}

	bctx := &BootstrapContext{
		Environment: opts.Environment,
		AWSProfile:  opts.Profile,
		AWSRegion:   opts.Region,
		AccountID:   aws.ToString(identity.Account),
		CallerARN:   aws.ToString(identity.Arn),
		AWSConfig:   cfg,
		Logger:      logger,
	}
	logger.Info("AWS identity verified",
		"account_id", bctx.AccountID,
		"arn", bctx.CallerARN,
		"region", bctx.AWSRegion,
	)
	return bctx, nil
}

// confirmProduction returns true only if the operator types "yes"
// (case-insensitive).
func confirmProduction(bctx *BootstrapContext, in io.Reader, out io.Writer) bool {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintln(out, "  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintf(out, "  Account: %s\n", bctx.AccountID)
	fmt.Fprintf(out, "  Region:  %s\n", bctx.AWSRegion)
	fmt.Fprintf(out, "  ARN:     %s\n", bctx.CallerARN)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type 'yes' to continue: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}

func printBanner(out io.Writer, bctx *BootstrapContext, opts options) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out, "  pagehook bootstrap")
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintf(out, "  Environment:  %s\n", bctx.Environment)
	fmt.Fprintf(out, "  AWS Account:  %s\n", bctx.AccountID)
	fmt.Fprintf(out, "  AWS Region:   %s\n", bctx.AWSRegion)
	fmt.Fprintf(out, "  Identity:     %s\n", bctx.CallerARN)
	if bctx.AWSProfile != "" {
		fmt.Fprintf(out, "  Profile:      %s\n", bctx.AWSProfile)
	}
	fmt.Fprintf(out, "  Queue:        %s (DLQ %s)\n", opts.QueueName, DLQName(opts.QueueName))
	if opts.DryRun {
		fmt.Fprintln(out, "  Mode:         dry run")
	}
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out)
}
