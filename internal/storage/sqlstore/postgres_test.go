package sqlstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgresMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newStore(db, postgresDialect), mock
}

func TestRebind(t *testing.T) {
	query := "SELECT * FROM usage_event WHERE tag_id = ? AND event_type = ? LIMIT ?"
	assert.Equal(t, query, sqliteDialect.rebind(query))
	assert.Equal(t,
		"SELECT * FROM usage_event WHERE tag_id = $1 AND event_type = $2 LIMIT $3",
		postgresDialect.rebind(query))
}

func TestPostgresAppend(t *testing.T) {
	store, mock := setupPostgresMock(t)
	ts := time.Date(2024, 3, 1, 9, 0, 10, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_event (tag_id, name, category, event_type, timestamp, duration_sec) VALUES ($1, $2, $3, $4, $5, $6)")).
		WithArgs("T1", "Lipstick", "lip", "present_return", formatTime(ts), int64(10)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Events().Append(context.Background(), storage.UsageEvent{
		TagID:       "T1",
		Name:        "Lipstick",
		Category:    "lip",
		EventType:   storage.EventPresentReturn,
		Timestamp:   ts,
		DurationSec: storage.Duration(10),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryWithLimit(t *testing.T) {
	store, mock := setupPostgresMock(t)
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "tag_id", "name", "category", "event_type", "timestamp", "duration_sec"}).
		AddRow(int64(7), "T1", "Lipstick", "lip", "absent_start", formatTime(ts), nil).
		AddRow(int64(9), "T1", "Lipstick", "lip", "present_return", formatTime(ts.Add(30*time.Second)), int64(30))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM (SELECT id, tag_id, name, category, event_type, timestamp, duration_sec FROM usage_event WHERE tag_id = $1 ORDER BY id DESC LIMIT $2) AS recent ORDER BY id ASC")).
		WithArgs("T1", 2).
		WillReturnRows(rows)

	events, err := store.Events().Query(context.Background(), storage.EventFilter{TagID: "T1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(7), events[0].ID)
	assert.Nil(t, events[0].DurationSec)
	assert.Equal(t, storage.EventPresentReturn, events[1].EventType)
	require.NotNil(t, events[1].DurationSec)
	assert.Equal(t, int64(30), *events[1].DurationSec)
	assert.True(t, events[1].Timestamp.Equal(ts.Add(30*time.Second)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateDuplicate(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tags (tag_id, name, category, created_at) VALUES ($1, $2, $3, $4)")).
		WithArgs("T1", "Lipstick", "lip", sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.Tags().Create(context.Background(), storage.Tag{ID: "T1", Name: "Lipstick", Category: "lip", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT tag_id, name, category, created_at FROM tags WHERE tag_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"tag_id", "name", "category", "created_at"}))

	tag, err := store.Tags().Get(context.Background(), "missing")
	assert.Nil(t, tag)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteMissing(t *testing.T) {
	store, mock := setupPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM tags WHERE tag_id = $1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Tags().Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
