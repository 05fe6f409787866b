// Package main implements api-call, a development CLI that sends one
// authenticated request to the platform API through apiclient, so the bearer
// injection, the single-flight refresh and the retrying transport can be
// exercised by hand.
//
// Usage:
//
//	go run ./cmd/tools/api-call --path=/me
//	go run ./cmd/tools/api-call --method=POST --path=/messages --data='{"text":"hi"}'
//
// PLATFORM_API_URL, PLATFORM_ACCESS_TOKEN and PLATFORM_REFRESH_TOKEN are read
// from the environment or a .env file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pagehook/internal/apiclient"
	"pagehook/internal/config"
)

const serviceName = "pagehook-api-call"

// options are the parsed flags and environment.
type options struct {
	BaseURL      string
	Method       string
	Path         string
	Data         string
	Timeout      time.Duration
	AccessToken  string
	RefreshToken string
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded (this is fine when variables are exported)", "error", err)
	}

	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status, err := run(ctx, opts, config.NewBuildInfo(), os.Stdout, logger)
	cancel()
	if err != nil {
		logger.Error("request failed", "error", err)
		os.Exit(1)
	}
	if status >= 400 {
		os.Exit(1)
	}
}

func parseOptions(args []string, output io.Writer) (options, error) {
	fs := flag.NewFlagSet("api-call", flag.ContinueOnError)
	fs.SetOutput(output)

	var o options
	fs.StringVar(&o.BaseURL, "api", os.Getenv("PLATFORM_API_URL"), "Base URL of the platform API")
	fs.StringVar(&o.Method, "method", http.MethodGet, "HTTP method")
	fs.StringVar(&o.Path, "path", "", "Request path, e.g. /me")
	fs.StringVar(&o.Data, "data", "", "JSON request body")
	fs.DurationVar(&o.Timeout, "timeout", 30*time.Second, "Overall deadline including one refresh")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	o.Method = strings.ToUpper(o.Method)
	o.AccessToken = os.Getenv("PLATFORM_ACCESS_TOKEN")
	o.RefreshToken = os.Getenv("PLATFORM_REFRESH_TOKEN")

	if o.BaseURL == "" {
		return o, errors.New("--api or PLATFORM_API_URL is required")
	}
	if !strings.HasPrefix(o.Path, "/") {
		return o, fmt.Errorf("--path must start with '/', got %q", o.Path)
	}
	if o.Data != "" && !json.Valid([]byte(o.Data)) {
		return o, errors.New("--data is not valid JSON")
	}
	return o, nil
}

// newClient wires the transport and the refreshing client the way any
// pagehook component calling the platform API would.
func newClient(o options, build config.BuildInfo, logger *slog.Logger) (*apiclient.Client, apiclient.CredentialStore, error) {
	transport := apiclient.NewTransport(nil, "platform-api", apiclient.DefaultRetryPolicy(), build.UserAgent(serviceName))
	store := apiclient.NewMemoryStore(apiclient.Credential{
		AccessToken:  o.AccessToken,
		RefreshToken: o.RefreshToken,
	})
	client, err := apiclient.NewClient(o.BaseURL, transport, store, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, store, nil
}

// run sends the request, copies the response body to out and returns the
// status code.
func run(ctx context.Context, o options, build config.BuildInfo, out io.Writer, logger *slog.Logger) (int, error) {
	client, store, err := newClient(o, build, logger)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	var body any
	if o.Data != "" {
		body = json.RawMessage(o.Data)
	}
	req, err := client.NewRequest(ctx, o.Method, o.Path, body)
	if err != nil {
		return 0, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if cred := store.Get(); cred.AccessToken != o.AccessToken {
		logger.Info("credential was refreshed, update PLATFORM_ACCESS_TOKEN to reuse it",
			"expires_at", cred.ExpiresAt)
	}
	logger.Info("response", "status", resp.StatusCode)

	if _, err := io.Copy(out, resp.Body); err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, nil
}
