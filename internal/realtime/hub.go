// Package realtime is the WebSocket gateway: connected clients join named
// channels ("rooms") and receive every BroadcastMessage delivered to them.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"pagehook/internal/types"
)

// Subscriber is one connected client as the hub sees it.
type Subscriber interface {
	// Send queues a frame without blocking. It returns false when the
	// client's buffer is full.
	Send(frame []byte) bool
	ID() string
}

// Hub tracks room membership for the local process. It holds no state that
// must survive a restart.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[Subscriber]struct{}
	joined map[Subscriber]map[string]struct{}
	logger *slog.Logger
}

// NewHub returns an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[Subscriber]struct{}),
		joined: make(map[Subscriber]map[string]struct{}),
		logger: logger,
	}
}

// Join adds s to channel. Joining twice is a no-op.
func (h *Hub) Join(channel string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[channel]
	if !ok {
		room = make(map[Subscriber]struct{})
		h.rooms[channel] = room
	}
	room[s] = struct{}{}

	chans, ok := h.joined[s]
	if !ok {
		chans = make(map[string]struct{})
		h.joined[s] = chans
	}
	chans[channel] = struct{}{}
}

// Leave removes s from channel.
func (h *Hub) Leave(channel string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(channel, s)
}

// Remove drops s from every channel it joined.
func (h *Hub) Remove(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.joined[s] {
		h.leaveLocked(channel, s)
	}
	delete(h.joined, s)
}

func (h *Hub) leaveLocked(channel string, s Subscriber) {
	if room, ok := h.rooms[channel]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, channel)
		}
	}
	if chans, ok := h.joined[s]; ok {
		delete(chans, channel)
	}
}

// Members returns the number of subscribers in channel.
func (h *Hub) Members(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channel])
}

// Deliver sends msg to every local subscriber of msg.Channel and returns how
// many accepted it. A subscriber with a full buffer misses the message.
func (h *Hub) Deliver(msg types.BroadcastMessage) int {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast frame", "channel", msg.Channel, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.rooms[msg.Channel]))
	for s := range h.rooms[msg.Channel] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(frame) {
			delivered++
			continue
		}
		h.logger.Warn("subscriber buffer full, message dropped",
			"channel", msg.Channel,
			"event", msg.EventName,
			"subscriber", s.ID(),
		)
	}
	return delivered
}

// LocalBroadcaster delivers straight to a Hub. It only reaches clients of
// this process, so it stands in for the Redis adapter in tests and
// single-instance development.
type LocalBroadcaster struct {
	hub *Hub
}

// NewLocalBroadcaster wraps hub.
func NewLocalBroadcaster(hub *Hub) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub}
}

// Broadcast implements types.Broadcaster.
func (b *LocalBroadcaster) Broadcast(_ context.Context, msg types.BroadcastMessage) error {
	b.hub.Deliver(msg)
	return nil
}
