// Package broadcast bridges realtime fan-out across instances over Redis
// pub/sub. Every instance publishes through one connection and listens on a
// second, so a message broadcast anywhere reaches clients connected anywhere.
//
// Redis channel layout:
//
//	<prefix><channel>   - one pub/sub channel per realtime channel
//
// The adapter owns no domain state.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pagehook/internal/types"
)

// DefaultPrefix namespaces broadcast channels in a shared Redis.
const DefaultPrefix = "pagehook:broadcast:"

// ErrNotConnected is returned by Broadcast before Connect succeeded or after
// Close.
var ErrNotConnected = errors.New("broadcast: adapter not connected")

// Deliverer receives messages for local clients. realtime.Hub implements it.
type Deliverer interface {
	Deliver(msg types.BroadcastMessage) int
}

// wireMessage is the Redis payload. Origin is the publishing instance.
type wireMessage struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin"`
}

// RedisAdapter implements types.Broadcaster over Redis pub/sub.
type RedisAdapter struct {
	url        string
	prefix     string
	instanceID string
	local      Deliverer
	logger     *slog.Logger
	timeout    time.Duration

	mu         sync.RWMutex
	publisher  *redis.Client
	subscriber *redis.Client
	pubsub     *redis.PubSub
	done       chan struct{}
}

// Option customizes a RedisAdapter.
type Option func(*RedisAdapter)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(a *RedisAdapter) {
		if prefix != "" {
			a.prefix = prefix
		}
	}
}

// WithConnectTimeout bounds the PING and subscription handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(a *RedisAdapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewRedisAdapter creates an adapter delivering to local. A nil local makes
// the adapter publish-only: Connect opens no subscriber. It does not dial
// until Connect.
func NewRedisAdapter(redisURL, instanceID string, local Deliverer, logger *slog.Logger, opts ...Option) *RedisAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &RedisAdapter{
		url:        redisURL,
		prefix:     DefaultPrefix,
		instanceID: instanceID,
		local:      local,
		logger:     logger,
		timeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect opens the publisher, derives the subscriber from the same options,
// checks both and waits for the pattern subscription to be confirmed. A
// publish-only adapter stops after the publisher. Any failure is returned and
// leaves nothing open.
func (a *RedisAdapter) Connect(ctx context.Context) error {
	opt, err := redis.ParseURL(a.url)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	pub := redis.NewClient(opt)
	if err := pub.Ping(ctx).Err(); err != nil {
		_ = pub.Close()
		return fmt.Errorf("redis publisher connection failed: %w", err)
	}

	if a.local == nil {
		a.mu.Lock()
		a.publisher = pub
		a.mu.Unlock()
		a.logger.Info("broadcast adapter connected", "mode", "publish-only", "instance_id", a.instanceID)
		return nil
	}

	sub := redis.NewClient(pub.Options())
	if err := sub.Ping(ctx).Err(); err != nil {
		_ = pub.Close()
		_ = sub.Close()
		return fmt.Errorf("redis subscriber connection failed: %w", err)
	}

	pattern := a.prefix + "*"
	ps := sub.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = pub.Close()
		_ = sub.Close()
		return fmt.Errorf("redis psubscribe %q failed: %w", pattern, err)
	}

	a.mu.Lock()
	a.publisher = pub
	a.subscriber = sub
	a.pubsub = ps
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.listen(ps, a.done)

	a.logger.Info("broadcast adapter connected",
		"pattern", pattern,
		"instance_id", a.instanceID,
	)
	return nil
}

// Broadcast publishes msg for every instance, this one included.
func (a *RedisAdapter) Broadcast(ctx context.Context, msg types.BroadcastMessage) error {
	a.mu.RLock()
	pub := a.publisher
	a.mu.RUnlock()
	if pub == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(wireMessage{
		Channel: msg.Channel,
		Event:   msg.EventName,
		Payload: msg.Payload,
		Origin:  a.instanceID,
	})
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}

	if err := pub.Publish(ctx, a.prefix+msg.Channel, data).Err(); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamBroadcast, "broadcast unavailable", err)
	}
	return nil
}

func (a *RedisAdapter) listen(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for m := range ps.Channel() {
		var w wireMessage
		if err := json.Unmarshal([]byte(m.Payload), &w); err != nil {
			a.logger.Warn("discarding malformed broadcast", "redis_channel", m.Channel, "error", err)
			continue
		}
		channel := w.Channel
		if channel == "" {
			channel = strings.TrimPrefix(m.Channel, a.prefix)
		}
		a.local.Deliver(types.BroadcastMessage{
			Channel:   channel,
			EventName: w.Event,
			Payload:   w.Payload,
		})
	}
}

// Ping checks the publisher connection.
func (a *RedisAdapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	pub := a.publisher
	a.mu.RUnlock()
	if pub == nil {
		return ErrNotConnected
	}
	return pub.Ping(ctx).Err()
}

// Close tears down the subscription and both connections. It is safe to call
// more than once.
func (a *RedisAdapter) Close() error {
	a.mu.Lock()
	pub, sub, ps, done := a.publisher, a.subscriber, a.pubsub, a.done
	a.publisher, a.subscriber, a.pubsub, a.done = nil, nil, nil, nil
	a.mu.Unlock()

	if pub == nil {
		return nil
	}
	if ps == nil {
		return pub.Close()
	}
	errs := []error{ps.Close()}
	select {
	case <-done:
	case <-time.After(a.timeout):
		a.logger.Warn("broadcast listener did not stop in time")
	}
	errs = append(errs, sub.Close(), pub.Close())
	return errors.Join(errs...)
}
