// Package pageevents is the domain handler for the "page" webhook source. It
// stores every messaging item of a delivery and tells live clients watching
// the page about it.
package pageevents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pagehook/internal/db"
	"pagehook/internal/types"
)

// Source is the webhook source this handler is registered for.
const Source = "page"

// EventMessageReceived is the realtime event name for a stored item.
const EventMessageReceived = "message.received"

// ErrMalformedPayload marks payloads that will never parse. They are retried
// like any other failure and end up in the dead-letter queue.
var ErrMalformedPayload = errors.New("pageevents: malformed payload")

// Store persists page events idempotently. db.PageEventRepository
// implements it.
type Store interface {
	Upsert(ctx context.Context, e *db.PageEvent) (bool, error)
}

// Channel returns the realtime channel for a page.
func Channel(pageID string) string {
	return "page:" + pageID
}

type payload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        json.RawMessage   `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
}

// pageID accepts the id as a JSON string or number.
func (e entry) pageID() string {
	var s string
	if err := json.Unmarshal(e.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(e.ID, &n); err == nil {
		return n.String()
	}
	return ""
}

type messaging struct {
	Sender    party            `json:"sender"`
	Recipient party            `json:"recipient"`
	Timestamp int64            `json:"timestamp"`
	Message   *messageBody     `json:"message"`
	Postback  *postbackBody    `json:"postback"`
	Delivery  *json.RawMessage `json:"delivery"`
	Read      *json.RawMessage `json:"read"`
}

type messageBody struct {
	MID  string `json:"mid"`
	Text string `json:"text"`
}

type postbackBody struct {
	MID     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type party struct {
	ID string `json:"id"`
}

// broadcastPayload is what clients receive on the page channel.
type broadcastPayload struct {
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	PageID     string    `json:"pageId"`
	SenderID   string    `json:"senderId,omitempty"`
	Text       string    `json:"text,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Handler implements types.EventHandler for page deliveries.
type Handler struct {
	store       Store
	broadcaster types.Broadcaster
	logger      types.Logger
}

// NewHandler creates a Handler. broadcaster may be nil, in which case items
// are only stored.
func NewHandler(store Store, broadcaster types.Broadcaster, logger types.Logger) *Handler {
	return &Handler{store: store, broadcaster: broadcaster, logger: logger}
}

// Handle stores each messaging item keyed by its platform identifier and
// broadcasts it. Storage errors are returned so the message is retried;
// broadcast errors are logged only. A redelivered payload rewrites the same
// rows and broadcasts again, since the earlier attempt may have stopped
// between the two.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	logger := types.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger.With("event_id", types.GetEventID(ctx))
	}

	var stored int
	for _, ent := range p.Entry {
		pageID := ent.pageID()
		if pageID == "" {
			logger.Warn("skipping entry without page id")
			continue
		}
		for _, item := range ent.Messaging {
			ev, ok, err := toPageEvent(pageID, types.GetEventID(ctx), item)
			if err != nil {
				return err
			}
			if !ok {
				logger.Info("skipping unsupported messaging item", "page_id", pageID)
				continue
			}

			inserted, err := h.store.Upsert(ctx, ev)
			if err != nil {
				return fmt.Errorf("store page event %s: %w", ev.EventKey, err)
			}
			stored++
			if !inserted {
				logger.Info("page event replayed", "event_key", ev.EventKey)
			}
			h.broadcast(ctx, logger, ev)
		}
	}

	logger.Info("page delivery handled", "entries", len(p.Entry), "stored", stored)
	return nil
}

func (h *Handler) broadcast(ctx context.Context, logger types.Logger, ev *db.PageEvent) {
	if h.broadcaster == nil {
		return
	}
	data, err := json.Marshal(broadcastPayload{
		Key:        ev.EventKey,
		Kind:       ev.Kind,
		PageID:     ev.PageID,
		SenderID:   ev.SenderID,
		Text:       ev.Text,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		logger.Error("failed to encode broadcast", "error", err.Error())
		return
	}
	err = h.broadcaster.Broadcast(ctx, types.BroadcastMessage{
		Channel:   Channel(ev.PageID),
		EventName: EventMessageReceived,
		Payload:   data,
	})
	if err != nil {
		logger.Warn("broadcast failed", "event_key", ev.EventKey, "error", err.Error())
	}
}

// toPageEvent maps one messaging item. ok is false for item kinds that carry
// nothing to store.
func toPageEvent(pageID, eventID string, item json.RawMessage) (*db.PageEvent, bool, error) {
	var m messaging
	if err := json.Unmarshal(item, &m); err != nil {
		return nil, false, fmt.Errorf("%w: messaging item: %v", ErrMalformedPayload, err)
	}

	ev := &db.PageEvent{
		EventID:     eventID,
		PageID:      pageID,
		SenderID:    m.Sender.ID,
		RecipientID: m.Recipient.ID,
		OccurredAt:  time.UnixMilli(m.Timestamp).UTC(),
		Raw:         item,
	}

	switch {
	case m.Message != nil:
		ev.Kind = "message"
		ev.Text = m.Message.Text
		ev.EventKey = m.Message.MID
	case m.Postback != nil:
		ev.Kind = "postback"
		ev.Text = m.Postback.Title
		ev.EventKey = m.Postback.MID
	case m.Delivery != nil:
		ev.Kind = "delivery"
	case m.Read != nil:
		ev.Kind = "read"
	default:
		return nil, false, nil
	}

	if ev.EventKey == "" {
		ev.EventKey = derivedKey(ev)
	}
	return ev, true, nil
}

// derivedKey identifies items the platform sends without a message id. It
// depends only on payload fields so every redelivery maps to the same row.
func derivedKey(ev *db.PageEvent) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d",
		ev.Kind, ev.PageID, ev.SenderID, ev.RecipientID, ev.OccurredAt.UnixMilli())))
	return ev.Kind + ":" + hex.EncodeToString(sum[:16])
}
