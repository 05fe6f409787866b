package db

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pagehook/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

func samplePageEvent() *PageEvent {
	return &PageEvent{
		EventKey:    "m_abc",
		EventID:     "evt-1",
		PageID:      "42",
		SenderID:    "u1",
		RecipientID: "42",
		Kind:        "message",
		Text:        "hello",
		OccurredAt:  time.UnixMilli(1748779200000).UTC(),
		Raw:         json.RawMessage(`{"message":{"mid":"m_abc","text":"hello"}}`),
	}
}

func TestPageEventRepository_Upsert_Inserted(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPageEventRepository(db)
	now := time.Now().UTC()

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "ON CONFLICT (event_key) DO UPDATE")
	}), mock.MatchedBy(func(args []any) bool {
		return len(args) == 9 && args[0] == "m_abc" && args[1] == "evt-1" && args[2] == "42"
	})).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*bool) = true
		*dest[1].(*time.Time) = now
		return nil
	}})

	e := samplePageEvent()
	inserted, err := repo.Upsert(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, now, e.UpdatedAt)
	db.AssertExpectations(t)
}

func TestPageEventRepository_Upsert_Replay(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPageEventRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = false
			*dest[1].(*time.Time) = time.Now()
			return nil
		}})

	inserted, err := repo.Upsert(context.Background(), samplePageEvent())
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestPageEventRepository_Upsert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPageEventRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	_, err := repo.Upsert(context.Background(), samplePageEvent())
	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestPageEventRepository_Get(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPageEventRepository(db)
	occurred := time.UnixMilli(1748779200000).UTC()

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"m_abc"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "m_abc"
			*dest[1].(*string) = "evt-1"
			*dest[2].(*string) = "42"
			*dest[3].(*string) = "u1"
			*dest[4].(*string) = "42"
			*dest[5].(*string) = "message"
			*dest[6].(*string) = "hello"
			*dest[7].(*time.Time) = occurred
			*dest[8].(*[]byte) = []byte(`{"x":1}`)
			*dest[9].(*time.Time) = occurred
			return nil
		}})

	e, err := repo.Get(context.Background(), "m_abc")
	require.NoError(t, err)
	assert.Equal(t, "hello", e.Text)
	assert.Equal(t, occurred, e.OccurredAt)
	assert.JSONEq(t, `{"x":1}`, string(e.Raw))
}

func TestPageEventRepository_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPageEventRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPageEventNotFound)
}

func TestEnsureSchema(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "CREATE TABLE IF NOT EXISTS page_events")
	}), mock.Anything).Return(pgconn.CommandTag{}, nil).Once()

	require.NoError(t, EnsureSchema(context.Background(), db))

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.CommandTag{}, errors.New("permission denied"))
	assert.Error(t, EnsureSchema(context.Background(), db))
}

func TestNewPool_InvalidURL(t *testing.T) {
	_, err := NewPool(context.Background(), PoolConfig{URL: "://not-a-url"})
	assert.Error(t, err)
}
