package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// looseSQL turns a statement into a regex that ignores whitespace differences.
func looseSQL(sql string) string {
	quoted := regexp.QuoteMeta(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(quoted, `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)

	mockPool.ExpectPing().WillReturnError(nil)
	mockPool.ExpectExec(looseSQL("CREATE TABLE IF NOT EXISTS plwr_commands")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	store, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return store, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return error if schema creation fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		schemaErr := errors.New("permission denied")
		mockPool.ExpectPing().WillReturnError(nil)
		mockPool.ExpectExec(looseSQL("CREATE TABLE IF NOT EXISTS plwr_commands")).WillReturnError(schemaErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, schemaErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert an entry", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		defer mockPool.Close()

		entry := Entry{
			RequestID:  uuid.NewString(),
			Session:    "default",
			Verb:       "click",
			Status:     "error",
			ErrorKind:  "Timeout",
			DurationMS: 5003,
			ObservedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}

		mockPool.ExpectExec(looseSQL(insertSQL)).
			WithArgs(entry.RequestID, entry.Session, entry.Verb, entry.Status, entry.ErrorKind, entry.DurationMS, entry.ObservedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, store.Record(ctx, entry))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should stamp a missing observation time", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		defer mockPool.Close()

		mockPool.ExpectExec(looseSQL(insertSQL)).
			WithArgs("req-1", "s", "url", "ok", "", int64(3), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, store.Record(ctx, Entry{RequestID: "req-1", Session: "s", Verb: "url", Status: "ok", DurationMS: 3}))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap exec failures", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		defer mockPool.Close()

		execErr := errors.New("connection reset")
		mockPool.ExpectExec(looseSQL(insertSQL)).WillReturnError(execErr)

		err := store.Record(ctx, Entry{RequestID: "req-2"})
		require.Error(t, err)
		assert.ErrorIs(t, err, execErr)
		assert.Contains(t, err.Error(), "req-2")
	})
}

func TestRecent(t *testing.T) {
	ctx := context.Background()
	columns := []string{"request_id", "session", "verb", "status", "error_kind", "duration_ms", "observed_at"}

	t.Run("should return entries newest first", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		defer mockPool.Close()

		now := time.Now()
		rows := pgxmock.NewRows(columns).
			AddRow("b", "default", "text", "ok", "", int64(12), now).
			AddRow("a", "default", "open", "ok", "", int64(840), now.Add(-time.Second))

		mockPool.ExpectQuery(looseSQL(recentSQL)).WithArgs("default", 2).WillReturnRows(rows)

		entries, err := store.Recent(ctx, "default", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "b", entries[0].RequestID)
		assert.Equal(t, "open", entries[1].Verb)
		assert.Equal(t, int64(840), entries[1].DurationMS)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should default the limit", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		defer mockPool.Close()

		mockPool.ExpectQuery(looseSQL(recentSQL)).WithArgs("", 20).WillReturnRows(pgxmock.NewRows(columns))

		entries, err := store.Recent(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query errors", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		defer mockPool.Close()

		queryErr := errors.New("relation does not exist")
		mockPool.ExpectQuery(looseSQL(recentSQL)).WillReturnError(queryErr)

		_, err := store.Recent(ctx, "x", 5)
		require.Error(t, err)
		assert.ErrorIs(t, err, queryErr)
	})
}
