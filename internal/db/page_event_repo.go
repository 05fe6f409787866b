package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"pagehook/internal/types"
)

// ErrPageEventNotFound is returned by Get for an unknown key.
var ErrPageEventNotFound = errors.New("page event not found")

// PageEvent is one messaging item from a page webhook delivery, stored once
// per EventKey.
type PageEvent struct {
	EventKey    string
	EventID     string
	PageID      string
	SenderID    string
	RecipientID string
	Kind        string
	Text        string
	OccurredAt  time.Time
	Raw         json.RawMessage
	UpdatedAt   time.Time
}

// PageEventRepository persists page events idempotently.
type PageEventRepository struct {
	db DBTX
}

// NewPageEventRepository creates a repository on db (pool or transaction).
func NewPageEventRepository(db DBTX) *PageEventRepository {
	return &PageEventRepository{db: db}
}

// Upsert stores e keyed by EventKey. Replaying the same item updates the row
// in place, so applying a delivery twice leaves the same state as applying it
// once. inserted reports whether the row is new.
func (r *PageEventRepository) Upsert(ctx context.Context, e *PageEvent) (inserted bool, err error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO page_events
		 (event_key, event_id, page_id, sender_id, recipient_id, kind, text,
		  occurred_at, raw, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		 ON CONFLICT (event_key) DO UPDATE SET
		  event_id     = EXCLUDED.event_id,
		  kind         = EXCLUDED.kind,
		  text         = EXCLUDED.text,
		  occurred_at  = EXCLUDED.occurred_at,
		  raw          = EXCLUDED.raw,
		  updated_at   = NOW()
		 RETURNING (xmax = 0) AS inserted, updated_at`,
		e.EventKey,
		e.EventID,
		e.PageID,
		e.SenderID,
		e.RecipientID,
		e.Kind,
		e.Text,
		e.OccurredAt,
		[]byte(e.Raw),
	)
	if err := row.Scan(&inserted, &e.UpdatedAt); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert page event", err)
	}
	return inserted, nil
}

// Get loads the event stored under key.
func (r *PageEventRepository) Get(ctx context.Context, key string) (*PageEvent, error) {
	var (
		e   PageEvent
		raw []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT event_key, event_id, page_id, sender_id, recipient_id, kind, text,
		        occurred_at, raw, updated_at
		 FROM page_events WHERE event_key = $1`,
		key,
	).Scan(&e.EventKey, &e.EventID, &e.PageID, &e.SenderID, &e.RecipientID,
		&e.Kind, &e.Text, &e.OccurredAt, &raw, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPageEventNotFound
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load page event", err)
	}
	e.Raw = raw
	return &e, nil
}

// pageEventsSchema is the table Upsert relies on. The unique event_key is
// what makes replays converge.
const pageEventsSchema = `CREATE TABLE IF NOT EXISTS page_events (
	event_key    TEXT PRIMARY KEY,
	event_id     TEXT NOT NULL,
	page_id      TEXT NOT NULL,
	sender_id    TEXT NOT NULL DEFAULT '',
	recipient_id TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	text         TEXT NOT NULL DEFAULT '',
	occurred_at  TIMESTAMPTZ NOT NULL,
	raw          JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// EnsureSchema creates page_events when it does not exist.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, pageEventsSchema); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to ensure page_events schema", err)
	}
	return nil
}
