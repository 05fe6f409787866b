package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagehook/internal/db"
	"pagehook/internal/pageevents"
	"pagehook/internal/types"
	"pagehook/internal/worker"
)

type memoryStore struct {
	mu   sync.Mutex
	rows map[string]db.PageEvent
}

func (s *memoryStore) Upsert(_ context.Context, e *db.PageEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.rows[e.EventKey]
	s.rows[e.EventKey] = *e
	return !exists, nil
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []types.BroadcastMessage
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, msg types.BroadcastMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func testLogger() types.Logger {
	return types.NewSlogAdapter(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBuildRegistry_RoutesPageEvents(t *testing.T) {
	store := &memoryStore{rows: make(map[string]db.PageEvent)}
	bc := &recordingBroadcaster{}
	registry := buildRegistry(store, bc, testLogger())

	assert.Equal(t, []string{pageevents.Source}, registry.Sources())

	err := registry.Dispatch(context.Background(), &types.WebhookEnvelope{
		EventID: "evt-1",
		Source:  pageevents.Source,
		Payload: json.RawMessage(`{"object":"page","entry":[{"id":"42","messaging":[
			{"sender":{"id":"u1"},"recipient":{"id":"42"},"timestamp":1748779200000,
			 "message":{"mid":"m_abc","text":"hello"}}]}]}`),
	})
	require.NoError(t, err)

	assert.Contains(t, store.rows, "m_abc")
	require.Len(t, bc.msgs, 1)
	assert.Equal(t, pageevents.Channel("42"), bc.msgs[0].Channel)
}

func TestBuildRegistry_UnknownSource(t *testing.T) {
	registry := buildRegistry(&memoryStore{rows: make(map[string]db.PageEvent)}, &recordingBroadcaster{}, testLogger())

	err := registry.Dispatch(context.Background(), &types.WebhookEnvelope{
		EventID: "evt-2",
		Source:  "instagram",
		Payload: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, worker.ErrUnknownSource)
}

func TestInLambda(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")
	assert.False(t, inLambda())
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "pagehook-worker")
	assert.True(t, inLambda())
}
