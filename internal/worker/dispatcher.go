// Package worker consumes webhook envelopes from the durable queue and hands
// each payload to the domain handler registered for its source.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pagehook/internal/types"
)

// ErrUnknownSource is returned for envelopes whose source has no handler.
// Such messages stay unacknowledged and end up in the dead-letter queue.
var ErrUnknownSource = errors.New("worker: no handler registered for source")

// Registry maps a webhook source to its domain handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]types.EventHandler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]types.EventHandler)}
}

// Register binds h to source, replacing any previous handler.
func (r *Registry) Register(source string, h types.EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(source)] = h
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(source string, fn func(ctx context.Context, payload json.RawMessage) error) {
	r.Register(source, types.EventHandlerFunc(fn))
}

// Sources lists the registered sources in sorted order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler registered for env.Source with env.Payload.
func (r *Registry) Dispatch(ctx context.Context, env *types.WebhookEnvelope) error {
	r.mu.RLock()
	h, ok := r.handlers[strings.ToLower(env.Source)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, env.Source)
	}
	return h.Handle(types.WithEventID(ctx, env.EventID), env.Payload)
}
