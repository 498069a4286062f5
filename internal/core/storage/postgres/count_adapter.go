package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tally-lab/tally/internal/core/countstat"
	"github.com/tally-lab/tally/internal/core/storage"
)

// CountAdapter implements the rollup, increment, query and fill-state
// contracts against the four count tables and fill_states.
//
// All bucket writes happen inside WithinBucket's transaction; the adapter
// never commits a partially-derived bucket. Identity-key uniqueness is a
// real constraint in the schema (NULLS NOT DISTINCT, so the NULL subgroup
// partition is covered), not application discipline.
type CountAdapter struct {
	db *sql.DB
}

// NewCountAdapter creates a CountAdapter sharing the given connection.
func NewCountAdapter(db *sql.DB) *CountAdapter {
	return &CountAdapter{db: db}
}

// Cursor returns the last fully-committed bucket end for (property, interval).
func (a *CountAdapter) Cursor(ctx context.Context, property string, interval countstat.Interval) (*time.Time, error) {
	var cursor sql.NullTime
	err := a.db.QueryRowContext(ctx, queryCursor, property, string(interval)).Scan(&cursor)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fill cursor: %w", err)
	}
	return timePtr(cursor), nil
}

// FirstBucketEnd finds the earliest bucket that has data for the stat.
func (a *CountAdapter) FirstBucketEnd(ctx context.Context, stat *countstat.CountStat) (*time.Time, error) {
	if stat.Kind == countstat.KindPull {
		var earliest sql.NullTime
		err := a.db.QueryRowContext(ctx, queryEarliestEventTime, stat.SourceEvent).Scan(&earliest)
		if err != nil {
			return nil, fmt.Errorf("earliest source event: %w", err)
		}
		if !earliest.Valid {
			return nil, nil
		}
		end := stat.Interval.FirstBucketEnd(earliest.Time)
		return &end, nil
	}

	// Logging stats: earliest already-incremented bucket across the scopes
	// the stat is written at. end_time is already a bucket boundary.
	var first *time.Time
	for _, scope := range stat.ScopeSet {
		table, _, err := countTable(scope)
		if err != nil {
			return nil, err
		}
		var earliest sql.NullTime
		query := fmt.Sprintf(tmplEarliestBucket, table)
		if err := a.db.QueryRowContext(ctx, query, stat.Property, string(stat.Interval)).Scan(&earliest); err != nil {
			return nil, fmt.Errorf("earliest logged bucket (%s): %w", scope, err)
		}
		if earliest.Valid && (first == nil || earliest.Time.Before(*first)) {
			t := earliest.Time
			first = &t
		}
	}
	return first, nil
}

// MarkBusy takes the busy marker, creating the fill state row lazily.
func (a *CountAdapter) MarkBusy(ctx context.Context, property string, interval countstat.Interval, now time.Time) error {
	result, err := a.db.ExecContext(ctx, queryMarkBusy, property, string(interval), now.UTC())
	if err != nil {
		return fmt.Errorf("mark busy: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark busy: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", countstat.ErrBusy, property, interval)
	}
	return nil
}

// ClearBusy releases the busy marker.
func (a *CountAdapter) ClearBusy(ctx context.Context, property string, interval countstat.Interval) error {
	if _, err := a.db.ExecContext(ctx, queryClearBusy, property, string(interval), time.Now().UTC()); err != nil {
		return fmt.Errorf("clear busy: %w", err)
	}
	return nil
}

// WithinBucket runs fn inside one transaction; any error rolls the whole
// bucket back.
func (a *CountAdapter) WithinBucket(ctx context.Context, fn func(tx storage.BucketTx) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bucket tx: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&bucketTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bucket tx: commit: %w", mapCountWriteErr(err))
	}
	return nil
}

// bucketTx implements storage.BucketTx on one *sql.Tx.
type bucketTx struct {
	tx *sql.Tx
}

func (b *bucketTx) PullValues(ctx context.Context, scope countstat.Scope, stat *countstat.CountStat, start, end time.Time) ([]storage.CountRow, error) {
	query, args, err := buildPullQuery(scope, stat, start, end)
	if err != nil {
		return nil, err
	}

	rows, err := b.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pull values (%s/%s): %w", stat.Property, scope, err)
	}
	defer rows.Close()

	var out []storage.CountRow
	for rows.Next() {
		var (
			entityID int64
			subgroup sql.NullString
			valueStr string
		)
		if err := rows.Scan(&entityID, &subgroup, &valueStr); err != nil {
			return nil, fmt.Errorf("pull values: scan: %w", err)
		}
		value, err := decimal.NewFromString(valueStr)
		if err != nil {
			return nil, fmt.Errorf("pull values: parse %q: %w", valueStr, err)
		}
		id := entityID
		out = append(out, storage.CountRow{EntityID: &id, Subgroup: stringPtr(subgroup), Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pull values: iterate: %w", err)
	}
	return out, nil
}

// buildPullQuery selects the scan shape for a pull computation. Gauge
// intervals are cumulative snapshots, so the lower time bound is dropped.
func buildPullQuery(scope countstat.Scope, stat *countstat.CountStat, start, end time.Time) (string, []interface{}, error) {
	var timeCond string
	args := []interface{}{stat.SourceEvent}
	if stat.Interval.Gauge() {
		timeCond = " AND e.occurred_at <= $2"
		args = append(args, end)
	} else {
		timeCond = " AND e.occurred_at > $2 AND e.occurred_at <= $3"
		args = append(args, start, end)
	}

	switch scope {
	case countstat.ScopeUser, countstat.ScopeStream:
		_, entityCol, err := countTable(scope)
		if err != nil {
			return "", nil, err
		}
		if stat.ZeroRows == countstat.ZeroRowsWrite && scope == countstat.ScopeUser {
			return fmt.Sprintf(tmplPullZeroFilled, "users", entityCol, timeCond), args, nil
		}
		if stat.HasSubgroup {
			return fmt.Sprintf(tmplPullGrouped, entityCol, timeCond), args, nil
		}
		return fmt.Sprintf(tmplPullPlain, entityCol, timeCond), args, nil
	case countstat.ScopeRealm:
		if stat.HasSubgroup {
			return fmt.Sprintf(tmplPullRealmGrouped, timeCond), args, nil
		}
		return fmt.Sprintf(tmplPullRealmPlain, timeCond), args, nil
	}
	return "", nil, fmt.Errorf("pull values: unsupported scope %q", scope)
}

func (b *bucketTx) WriteCounts(ctx context.Context, scope countstat.Scope, stat *countstat.CountStat, end time.Time, rows []storage.CountRow) error {
	if len(rows) == 0 {
		return nil
	}

	query, needEntity, err := insertQueryFor(scope)
	if err != nil {
		return err
	}

	stmt, err := b.tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("write counts: prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		var args []interface{}
		if needEntity {
			if row.EntityID == nil {
				return fmt.Errorf("write counts (%s/%s): row without entity id", stat.Property, scope)
			}
			args = []interface{}{*row.EntityID, stat.Property, nullString(row.Subgroup), string(stat.Interval), end.UTC(), row.Value}
		} else {
			args = []interface{}{stat.Property, nullString(row.Subgroup), string(stat.Interval), end.UTC(), row.Value}
		}

		result, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return fmt.Errorf("write counts (%s/%s): %w", stat.Property, scope, mapCountWriteErr(err))
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("write counts (%s/%s): %w", stat.Property, scope, err)
		}
		if affected == 0 {
			// The entity is missing from the directory; source events carry
			// a FK, so this indicates directory corruption.
			return fmt.Errorf("write counts (%s/%s): entity %d not in directory", stat.Property, scope, *row.EntityID)
		}
	}
	return nil
}

func insertQueryFor(scope countstat.Scope) (query string, needEntity bool, err error) {
	switch scope {
	case countstat.ScopeUser:
		return fmt.Sprintf(tmplInsertEntityCount, "user_counts", "user_id", "users"), true, nil
	case countstat.ScopeStream:
		return fmt.Sprintf(tmplInsertEntityCount, "stream_counts", "stream_id", "streams"), true, nil
	case countstat.ScopeRealm:
		return tmplInsertRealmCount, true, nil
	case countstat.ScopeInstallation:
		return tmplInsertInstallationCount, false, nil
	}
	return "", false, fmt.Errorf("unknown scope %q", scope)
}

func (b *bucketTx) SumChildCounts(ctx context.Context, child, parent countstat.Scope, stat *countstat.CountStat, end time.Time) error {
	var query string
	switch {
	case parent == countstat.ScopeRealm && (child == countstat.ScopeUser || child == countstat.ScopeStream):
		table, _, err := countTable(child)
		if err != nil {
			return err
		}
		query = fmt.Sprintf(tmplSumToRealm, table)
	case parent == countstat.ScopeInstallation && child == countstat.ScopeRealm:
		query = tmplSumToInstallation
	default:
		return fmt.Errorf("sum counts: unsupported derivation %s -> %s", child, parent)
	}

	if _, err := b.tx.ExecContext(ctx, query, stat.Property, string(stat.Interval), end.UTC()); err != nil {
		return fmt.Errorf("sum counts (%s, %s -> %s): %w", stat.Property, child, parent, mapCountWriteErr(err))
	}
	return nil
}

func (b *bucketTx) AdvanceCursor(ctx context.Context, property string, interval countstat.Interval, end time.Time) error {
	result, err := b.tx.ExecContext(ctx, queryAdvanceCursor, property, string(interval), end.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if affected == 0 {
		// Out-of-order or duplicate invocation; the cursor never moves back.
		slog.Warn("[CountAdapter] Skipping non-monotonic cursor advance",
			"property", property,
			"interval", interval,
			"end_time", end.UTC())
	}
	return nil
}

// IncrementCount applies an atomic value += delta upsert for a logging stat.
// The conflict arbiter is the identity-key unique index, which treats the
// NULL subgroup as a concrete value.
func (a *CountAdapter) IncrementCount(ctx context.Context, scope countstat.Scope, stat *countstat.CountStat, entityID *int64, subgroup *string, delta decimal.Decimal, at time.Time) error {
	end := stat.Interval.BucketEndFor(at)

	var (
		query string
		args  []interface{}
	)
	switch scope {
	case countstat.ScopeUser, countstat.ScopeStream:
		table, entityCol, err := countTable(scope)
		if err != nil {
			return err
		}
		directory := "users"
		if scope == countstat.ScopeStream {
			directory = "streams"
		}
		if entityID == nil {
			return fmt.Errorf("increment (%s/%s): entity id is required", stat.Property, scope)
		}
		query = fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, realm_id, property, subgroup, interval, end_time, value)
		SELECT d.id, d.realm_id, $2, $3, $4, $5, $6
		FROM %[3]s d
		WHERE d.id = $1
		ON CONFLICT (%[2]s, property, subgroup, interval, end_time)
		DO UPDATE SET value = %[1]s.value + EXCLUDED.value
	`, table, entityCol, directory)
		args = []interface{}{*entityID, stat.Property, nullString(subgroup), string(stat.Interval), end, delta}
	case countstat.ScopeRealm:
		if entityID == nil {
			return fmt.Errorf("increment (%s/realm): entity id is required", stat.Property)
		}
		query = `
		INSERT INTO realm_counts (realm_id, property, subgroup, interval, end_time, value)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (realm_id, property, subgroup, interval, end_time)
		DO UPDATE SET value = realm_counts.value + EXCLUDED.value
	`
		args = []interface{}{*entityID, stat.Property, nullString(subgroup), string(stat.Interval), end, delta}
	case countstat.ScopeInstallation:
		query = `
		INSERT INTO installation_counts (property, subgroup, interval, end_time, value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (property, subgroup, interval, end_time)
		DO UPDATE SET value = installation_counts.value + EXCLUDED.value
	`
		args = []interface{}{stat.Property, nullString(subgroup), string(stat.Interval), end, delta}
	default:
		return fmt.Errorf("unknown scope %q", scope)
	}

	result, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("increment (%s/%s): %w", stat.Property, scope, err)
	}

	// The user/stream insert selects from the directory; an unknown entity
	// matches zero rows and the increment would vanish without this check.
	if scope == countstat.ScopeUser || scope == countstat.ScopeStream {
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("increment (%s/%s): %w", stat.Property, scope, err)
		}
		if affected == 0 {
			return fmt.Errorf("increment (%s/%s): %w: %d", stat.Property, scope, storage.ErrUnknownEntity, *entityID)
		}
	}
	return nil
}

// GetCounts returns matching count rows ordered by end_time.
func (a *CountAdapter) GetCounts(ctx context.Context, q storage.CountQuery) ([]storage.CountRecord, error) {
	table, entityCol, err := countTable(q.Scope)
	if err != nil {
		return nil, err
	}

	entityExpr := "NULL::bigint"
	if entityCol != "" {
		entityExpr = entityCol
	}

	query := fmt.Sprintf(
		`SELECT id, %s, property, subgroup, interval, end_time, value FROM %s WHERE property = $1 AND interval = $2 AND end_time >= $3 AND end_time < $4`,
		entityExpr, table,
	)
	args := []interface{}{q.Property, string(q.Interval), q.Start.UTC(), q.End.UTC()}

	if q.FilterSubgroup {
		if q.Subgroup == nil {
			query += " AND subgroup IS NULL"
		} else {
			args = append(args, *q.Subgroup)
			query += fmt.Sprintf(" AND subgroup = $%d", len(args))
		}
	}
	if q.EntityID != nil && entityCol != "" {
		args = append(args, *q.EntityID)
		query += fmt.Sprintf(" AND %s = $%d", entityCol, len(args))
	}
	query += " ORDER BY end_time ASC, id ASC"

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get counts: %w", err)
	}
	defer rows.Close()

	var out []storage.CountRecord
	for rows.Next() {
		rec, err := scanCountRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("get counts: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get counts: iterate: %w", err)
	}
	return out, nil
}

// ListFillStates returns every fill state ordered by property.
func (a *CountAdapter) ListFillStates(ctx context.Context) ([]storage.FillState, error) {
	return a.queryFillStates(ctx, queryListFillStates)
}

// StuckFillStates returns fill states busy since before cutoff.
func (a *CountAdapter) StuckFillStates(ctx context.Context, cutoff time.Time) ([]storage.FillState, error) {
	return a.queryFillStates(ctx, queryStuckFillStates, cutoff.UTC())
}

func (a *CountAdapter) queryFillStates(ctx context.Context, query string, args ...interface{}) ([]storage.FillState, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fill states: %w", err)
	}
	defer rows.Close()

	var out []storage.FillState
	for rows.Next() {
		var (
			fs        storage.FillState
			interval  string
			cursor    sql.NullTime
			busySince sql.NullTime
		)
		if err := rows.Scan(&fs.Property, &interval, &cursor, &fs.Busy, &busySince, &fs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list fill states: scan: %w", err)
		}
		fs.Interval = countstat.Interval(interval)
		fs.LastFilledEndTime = timePtr(cursor)
		fs.BusySince = timePtr(busySince)
		out = append(out, fs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fill states: iterate: %w", err)
	}
	return out, nil
}

// ResetCursor moves the cursor for (property, interval) and releases the
// busy marker, recovering fill states left busy by a run that died between
// transactions. Backward moves are an administrative override and require
// force.
func (a *CountAdapter) ResetCursor(ctx context.Context, property string, interval countstat.Interval, to time.Time, force bool) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset cursor: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var cursor sql.NullTime
	err = tx.QueryRowContext(ctx, queryCursorForUpdate, property, string(interval)).Scan(&cursor)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s/%s has no fill state", countstat.ErrUnknownProperty, property, interval)
	}
	if err != nil {
		return fmt.Errorf("reset cursor: read: %w", err)
	}

	if cursor.Valid && !to.UTC().After(cursor.Time) && !force {
		return fmt.Errorf("%w: %s/%s at %s, requested %s",
			countstat.ErrStaleCursor, property, interval, cursor.Time.UTC(), to.UTC())
	}

	if _, err := tx.ExecContext(ctx, queryForceCursor, property, string(interval), to.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("reset cursor: write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset cursor: commit: %w", err)
	}

	slog.Info("[CountAdapter] Cursor reset",
		"property", property,
		"interval", interval,
		"to", to.UTC(),
		"forced", force)
	return nil
}
