// Package main implements send-event, a local development CLI that delivers
// signed webhook events to a running pagehook API exactly as the platform
// would.
//
// Usage:
//
//	go run ./cmd/tools/send-event --page=42 --text="hello"
//	go run ./cmd/tools/send-event --file=testdata/delivery.json
//	go run ./cmd/tools/send-event --verify
//	go run ./cmd/tools/send-event --dry-run --page=42
//
// APP_SECRET and VERIFY_TOKEN are read from the environment or a .env file.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"pagehook/internal/webhook"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "Base URL of the pagehook API")
	source := flag.String("source", "page", "Webhook source segment")
	pageID := flag.String("page", "42", "Page id for the generated message")
	sender := flag.String("sender", "user-1", "Sender id for the generated message")
	text := flag.String("text", "hello from send-event", "Text of the generated message")
	file := flag.String("file", "", "Send this JSON file instead of a generated message ('-' for stdin)")
	verify := flag.Bool("verify", false, "Run the subscription handshake instead of sending an event")
	unsigned := flag.Bool("unsigned", false, "Omit the signature header")
	dryRun := flag.Bool("dry-run", false, "Print the signed request without sending it")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: send-event [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Deliver signed webhook events to a local pagehook API.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded (this is fine when variables are exported)", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	endpoint := strings.TrimRight(*apiURL, "/") + "/webhooks/" + *source

	if *verify {
		status, body, err := runVerification(ctx, client, endpoint, os.Getenv("VERIFY_TOKEN"))
		if err != nil {
			logger.Error("verification request failed", "error", err)
			os.Exit(1)
		}
		logger.Info("verification answered", "status", status, "body", body)
		if status != http.StatusOK {
			os.Exit(1)
		}
		return
	}

	var payload []byte
	var err error
	if *file != "" {
		payload, err = readPayload(*file)
	} else {
		payload, err = SamplePayload(*pageID, *sender, *text, time.Now(), uuid.NewString())
	}
	if err != nil {
		logger.Error("failed to build payload", "error", err)
		os.Exit(1)
	}

	secret := os.Getenv("APP_SECRET")
	if secret == "" && !*unsigned {
		logger.Error("APP_SECRET is not set (use --unsigned to send without a signature)")
		os.Exit(1)
	}

	req, err := NewSignedRequest(ctx, endpoint, payload, secret, !*unsigned)
	if err != nil {
		logger.Error("failed to build request", "error", err)
		os.Exit(1)
	}

	if *dryRun {
		fmt.Printf("POST %s\n%s: %s\n\n%s\n", endpoint, webhook.SignatureHeader, req.Header.Get(webhook.SignatureHeader), payload)
		return
	}

	status, body, err := do(client, req)
	if err != nil {
		logger.Error("delivery failed", "error", err)
		os.Exit(1)
	}
	logger.Info("delivery answered", "status", status, "body", body, "request_id", req.Header.Get("X-Request-Id"))
	if status != http.StatusOK {
		os.Exit(1)
	}
}

type sampleDelivery struct {
	Object string        `json:"object"`
	Entry  []sampleEntry `json:"entry"`
}

type sampleEntry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []sampleMessaging `json:"messaging"`
}

type sampleMessaging struct {
	Sender    sampleParty   `json:"sender"`
	Recipient sampleParty   `json:"recipient"`
	Timestamp int64         `json:"timestamp"`
	Message   sampleMessage `json:"message"`
}

type sampleParty struct {
	ID string `json:"id"`
}

type sampleMessage struct {
	MID  string `json:"mid"`
	Text string `json:"text"`
}

// SamplePayload builds a one-message delivery in the platform's format.
func SamplePayload(pageID, senderID, text string, now time.Time, mid string) ([]byte, error) {
	if pageID == "" {
		return nil, errors.New("page id is required")
	}
	ms := now.UnixMilli()
	return json.Marshal(sampleDelivery{
		Object: "page",
		Entry: []sampleEntry{{
			ID:   pageID,
			Time: ms,
			Messaging: []sampleMessaging{{
				Sender:    sampleParty{ID: senderID},
				Recipient: sampleParty{ID: pageID},
				Timestamp: ms,
				Message:   sampleMessage{MID: "m_" + mid, Text: text},
			}},
		}},
	})
}

// NewSignedRequest builds the POST the platform would send, signing the
// exact bytes of payload.
func NewSignedRequest(ctx context.Context, endpoint string, payload []byte, secret string, sign bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", "send-event-"+uuid.NewString())
	if sign {
		req.Header.Set(webhook.SignatureHeader, webhook.Sign(payload, secret))
	}
	return req, nil
}

func runVerification(ctx context.Context, client *http.Client, endpoint, token string) (int, string, error) {
	q := url.Values{}
	q.Set("hub.mode", "subscribe")
	q.Set("hub.verify_token", token)
	q.Set("hub.challenge", uuid.NewString())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return 0, "", err
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) (int, string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}

func readPayload(path string) ([]byte, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return data, nil
}
