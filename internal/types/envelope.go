package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WebhookEnvelope is the unit crossing the trust boundary. EventID is assigned
// once at ingestion and is the deduplication key for the rest of its life.
type WebhookEnvelope struct {
	EventID         string
	ReceivedAt      time.Time
	Source          string
	SignatureHeader string
	// Payload holds the exact bytes the sender signed. It is embedded in the
	// wire form as raw JSON, never re-encoded.
	Payload json.RawMessage
}

// envelopeMetadata is the "metadata" object of the queue wire format.
type envelopeMetadata struct {
	EventID    string    `json:"eventId"`
	ReceivedAt time.Time `json:"receivedAt"`
	Source     string    `json:"source"`
	Signature  string    `json:"signature"`
}

// envelopeWire is the JSON body stored on the durable queue:
//
//	{"metadata":{"eventId","receivedAt","source","signature"},"payload":<original body>}
type envelopeWire struct {
	Metadata envelopeMetadata `json:"metadata"`
	Payload  json.RawMessage  `json:"payload"`
}

// ErrInvalidEnvelope is returned by UnmarshalJSON for bodies that parse as
// JSON but are missing the fields every envelope must carry.
var ErrInvalidEnvelope = errors.New("invalid webhook envelope")

// MarshalJSON encodes the envelope in the queue wire format. The payload is
// spliced in as-is so the signed bytes survive; encoding/json compacts any
// RawMessage it encodes itself. Call it directly, not through json.Marshal,
// when the exact bytes matter.
func (e WebhookEnvelope) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	} else if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEnvelope)
	}
	meta, err := json.Marshal(envelopeMetadata{
		EventID:    e.EventID,
		ReceivedAt: e.ReceivedAt,
		Source:     e.Source,
		Signature:  e.SignatureHeader,
	})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(meta)+len(payload)+len(`{"metadata":,"payload":}`))
	buf = append(buf, `{"metadata":`...)
	buf = append(buf, meta...)
	buf = append(buf, `,"payload":`...)
	buf = append(buf, payload...)
	buf = append(buf, '}')
	return buf, nil
}

// UnmarshalJSON decodes the queue wire format. An envelope without an eventId
// or source is rejected so the consumer treats it as a poison message.
func (e *WebhookEnvelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Metadata.EventID == "" {
		return fmt.Errorf("%w: missing eventId", ErrInvalidEnvelope)
	}
	if w.Metadata.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidEnvelope)
	}
	*e = WebhookEnvelope{
		EventID:         w.Metadata.EventID,
		ReceivedAt:      w.Metadata.ReceivedAt,
		Source:          w.Metadata.Source,
		SignatureHeader: w.Metadata.Signature,
		Payload:         w.Payload,
	}
	return nil
}

// QueueMessage is the durable-queue representation of an envelope. GroupKey
// travels as broker grouping metadata, not inside Body.
type QueueMessage struct {
	DedupID  string
	GroupKey string
	Body     []byte
}

// BroadcastMessage is the transient fan-out unit. Delivery is best-effort.
type BroadcastMessage struct {
	Channel   string          `json:"channel"`
	EventName string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
