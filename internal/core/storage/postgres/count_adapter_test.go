package postgres

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tally-lab/tally/internal/core/countstat"
	"github.com/tally-lab/tally/internal/core/storage"
)

func newMockCountAdapter(t *testing.T) (*CountAdapter, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewCountAdapter(db), mock, func() { db.Close() }
}

func testStat() *countstat.CountStat {
	return &countstat.CountStat{
		Property:    "messages_sent:day",
		Interval:    countstat.IntervalDay,
		Kind:        countstat.KindPull,
		ScopeSet:    []countstat.Scope{countstat.ScopeUser, countstat.ScopeStream},
		SourceEvent: "message_sent",
		Dedup:       countstat.DedupDelete,
	}
}

func TestCountAdapter_MarkBusy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("takes the marker", func(t *testing.T) {
		adapter, mock, cleanup := newMockCountAdapter(t)
		defer cleanup()

		mock.ExpectExec(regexp.QuoteMeta(queryMarkBusy)).
			WithArgs("messages_sent:day", "day", now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := adapter.MarkBusy(context.Background(), "messages_sent:day", countstat.IntervalDay, now)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("held marker returns ErrBusy", func(t *testing.T) {
		adapter, mock, cleanup := newMockCountAdapter(t)
		defer cleanup()

		// The conditional conflict arm matches zero rows while busy.
		mock.ExpectExec(regexp.QuoteMeta(queryMarkBusy)).
			WithArgs("messages_sent:day", "day", now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := adapter.MarkBusy(context.Background(), "messages_sent:day", countstat.IntervalDay, now)
		require.ErrorIs(t, err, countstat.ErrBusy)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCountAdapter_Cursor(t *testing.T) {
	adapter, mock, cleanup := newMockCountAdapter(t)
	defer cleanup()

	t.Run("no fill state yet", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(queryCursor)).
			WithArgs("messages_sent:day", "day").
			WillReturnRows(sqlmock.NewRows([]string{"last_filled_end_time"}))

		cursor, err := adapter.Cursor(context.Background(), "messages_sent:day", countstat.IntervalDay)
		require.NoError(t, err)
		require.Nil(t, cursor)
	})

	t.Run("null cursor before first bucket", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(queryCursor)).
			WithArgs("messages_sent:day", "day").
			WillReturnRows(sqlmock.NewRows([]string{"last_filled_end_time"}).AddRow(nil))

		cursor, err := adapter.Cursor(context.Background(), "messages_sent:day", countstat.IntervalDay)
		require.NoError(t, err)
		require.Nil(t, cursor)
	})

	t.Run("committed cursor", func(t *testing.T) {
		at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		mock.ExpectQuery(regexp.QuoteMeta(queryCursor)).
			WithArgs("messages_sent:day", "day").
			WillReturnRows(sqlmock.NewRows([]string{"last_filled_end_time"}).AddRow(at))

		cursor, err := adapter.Cursor(context.Background(), "messages_sent:day", countstat.IntervalDay)
		require.NoError(t, err)
		require.NotNil(t, cursor)
		require.Equal(t, at, cursor.UTC())
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBucketTx_WriteCountsDuplicateKey(t *testing.T) {
	adapter, mock, cleanup := newMockCountAdapter(t)
	defer cleanup()

	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	userID := int64(1)
	insertQuery := fmt.Sprintf(tmplInsertEntityCount, "user_counts", "user_id", "users")

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(insertQuery)).
		ExpectExec().
		WillReturnError(&pq.Error{Code: pqUniqueViolation})
	mock.ExpectRollback()

	err := adapter.WithinBucket(context.Background(), func(tx storage.BucketTx) error {
		return tx.WriteCounts(context.Background(), countstat.ScopeUser, testStat(), end, []storage.CountRow{
			{EntityID: &userID, Value: decimal.NewFromInt(2)},
		})
	})
	require.ErrorIs(t, err, countstat.ErrDuplicateKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBucketTx_AdvanceCursorNonMonotonicIsNoop(t *testing.T) {
	adapter, mock, cleanup := newMockCountAdapter(t)
	defer cleanup()

	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	// Zero affected rows: the cursor is already at or past the target.
	mock.ExpectExec(regexp.QuoteMeta(queryAdvanceCursor)).
		WithArgs("messages_sent:day", "day", end, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := adapter.WithinBucket(context.Background(), func(tx storage.BucketTx) error {
		return tx.AdvanceCursor(context.Background(), "messages_sent:day", countstat.IntervalDay, end)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAdapter_ResetCursor(t *testing.T) {
	committed := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)

	t.Run("backward without force", func(t *testing.T) {
		adapter, mock, cleanup := newMockCountAdapter(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(queryCursorForUpdate)).
			WithArgs("messages_sent:day", "day").
			WillReturnRows(sqlmock.NewRows([]string{"last_filled_end_time"}).AddRow(committed))
		mock.ExpectRollback()

		err := adapter.ResetCursor(context.Background(), "messages_sent:day", countstat.IntervalDay,
			committed.Add(-24*time.Hour), false)
		require.ErrorIs(t, err, countstat.ErrStaleCursor)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("backward with force", func(t *testing.T) {
		adapter, mock, cleanup := newMockCountAdapter(t)
		defer cleanup()

		target := committed.Add(-24 * time.Hour)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(queryCursorForUpdate)).
			WithArgs("messages_sent:day", "day").
			WillReturnRows(sqlmock.NewRows([]string{"last_filled_end_time"}).AddRow(committed))
		mock.ExpectExec(regexp.QuoteMeta(queryForceCursor)).
			WithArgs("messages_sent:day", "day", target, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := adapter.ResetCursor(context.Background(), "messages_sent:day", countstat.IntervalDay, target, true)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown property", func(t *testing.T) {
		adapter, mock, cleanup := newMockCountAdapter(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(queryCursorForUpdate)).
			WithArgs("never_ran:day", "day").
			WillReturnRows(sqlmock.NewRows([]string{"last_filled_end_time"}))
		mock.ExpectRollback()

		err := adapter.ResetCursor(context.Background(), "never_ran:day", countstat.IntervalDay, committed, false)
		require.ErrorIs(t, err, countstat.ErrUnknownProperty)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCountAdapter_GetCountsSubgroupFilter(t *testing.T) {
	adapter, mock, cleanup := newMockCountAdapter(t)
	defer cleanup()

	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// nil Subgroup with FilterSubgroup selects the NULL partition.
	mock.ExpectQuery(`SELECT id, user_id, property, subgroup, interval, end_time, value FROM user_counts WHERE property = \$1 AND interval = \$2 AND end_time >= \$3 AND end_time < \$4 AND subgroup IS NULL ORDER BY end_time ASC, id ASC`).
		WithArgs("messages_sent:day", "day", end.Add(-48*time.Hour), end.Add(24*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "property", "subgroup", "interval", "end_time", "value"}).
			AddRow(int64(1), int64(7), "messages_sent:day", nil, "day", end, "5"))

	records, err := adapter.GetCounts(context.Background(), storage.CountQuery{
		Scope:          countstat.ScopeUser,
		Property:       "messages_sent:day",
		Interval:       countstat.IntervalDay,
		FilterSubgroup: true,
		Start:          end.Add(-48 * time.Hour),
		End:            end.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(7), *records[0].EntityID)
	require.Nil(t, records[0].Subgroup)
	require.True(t, records[0].Value.Equal(decimal.NewFromInt(5)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAdapter_IncrementCountUnknownEntity(t *testing.T) {
	adapter, mock, cleanup := newMockCountAdapter(t)
	defer cleanup()

	stat := &countstat.CountStat{
		Property: "minutes_active:day",
		Interval: countstat.IntervalDay,
		Kind:     countstat.KindLogging,
		ScopeSet: []countstat.Scope{countstat.ScopeUser},
		Dedup:    countstat.DedupSum,
	}
	at := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	userID := int64(7)

	// The directory SELECT matches no row, so the insert touches nothing.
	mock.ExpectExec(`(?s)INSERT INTO user_counts.*FROM users d`).
		WithArgs(userID, "minutes_active:day", nullString(nil), "day", end, decimal.NewFromInt(30)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := adapter.IncrementCount(context.Background(), countstat.ScopeUser, stat, &userID, nil, decimal.NewFromInt(30), at)
	require.ErrorIs(t, err, storage.ErrUnknownEntity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAdapter_StuckFillStates(t *testing.T) {
	adapter, mock, cleanup := newMockCountAdapter(t)
	defer cleanup()

	cutoff := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	since := cutoff.Add(-2 * time.Hour)
	updated := since

	mock.ExpectQuery(regexp.QuoteMeta(queryStuckFillStates)).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"property", "interval", "last_filled_end_time", "busy", "busy_since", "updated_at"}).
			AddRow("messages_sent:day", "day", nil, true, since, updated))

	states, err := adapter.StuckFillStates(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "messages_sent:day", states[0].Property)
	require.True(t, states[0].Busy)
	require.NotNil(t, states[0].BusySince)
	require.NoError(t, mock.ExpectationsWereMet())
}
