package types

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Logger defines the structured logging interface used throughout the platform.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// EventPublisher hands a verified envelope to durable storage and returns the
// event ID it was stored under.
type EventPublisher interface {
	Publish(ctx context.Context, env *WebhookEnvelope) (string, error)
}

// Broadcaster delivers a BroadcastMessage to every client subscribed to its
// channel, on every instance.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg BroadcastMessage) error
}

// EventHandler is the consumer-to-domain interface: one per registered
// webhook source. Returning an error signals a retryable failure.
type EventHandler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Handle calls f(ctx, payload).
func (f EventHandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// SlogAdapter wraps *slog.Logger to implement Logger. slog.Logger satisfies
// Info/Error/Warn but With returns *slog.Logger, so an adapter is necessary.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter wraps l. A nil logger falls back to slog.Default().
func NewSlogAdapter(l *slog.Logger) *SlogAdapter {
	if l == nil {
		l = slog.Default()
	}
	return &SlogAdapter{logger: l}
}

func (a *SlogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *SlogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *SlogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *SlogAdapter) With(args ...any) Logger {
	return &SlogAdapter{logger: a.logger.With(args...)}
}

var _ Logger = (*SlogAdapter)(nil)
