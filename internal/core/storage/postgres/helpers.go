package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/tally-lab/tally/internal/core/countstat"
	"github.com/tally-lab/tally/internal/core/storage"
)

// pqUniqueViolation is the Postgres error code for unique constraint violations.
const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// mapCountWriteErr converts unique violations on count tables into the
// domain sentinel so the engine can tell an identity-key bug from a
// transient storage failure.
func mapCountWriteErr(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", countstat.ErrDuplicateKey, err)
	}
	return err
}

// countTable maps a scope to its table and entity column.
// Installation scope has no entity column.
func countTable(scope countstat.Scope) (table, entityCol string, err error) {
	switch scope {
	case countstat.ScopeUser:
		return "user_counts", "user_id", nil
	case countstat.ScopeStream:
		return "stream_counts", "stream_id", nil
	case countstat.ScopeRealm:
		return "realm_counts", "realm_id", nil
	case countstat.ScopeInstallation:
		return "installation_counts", "", nil
	}
	return "", "", fmt.Errorf("unknown scope %q", scope)
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanCountRecord reads (id, entity_id, property, subgroup, interval,
// end_time, value) from a count table row. entity_id is NULL only at
// installation scope, where the select list substitutes a NULL literal.
func scanCountRecord(row scanner) (storage.CountRecord, error) {
	var (
		rec      storage.CountRecord
		entityID sql.NullInt64
		subgroup sql.NullString
		interval string
		valueStr string
	)
	if err := row.Scan(&rec.ID, &entityID, &rec.Property, &subgroup, &interval, &rec.EndTime, &valueStr); err != nil {
		return storage.CountRecord{}, fmt.Errorf("scan count row: %w", err)
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return storage.CountRecord{}, fmt.Errorf("parse count value %q: %w", valueStr, err)
	}
	rec.EntityID = int64Ptr(entityID)
	rec.Subgroup = stringPtr(subgroup)
	rec.Interval = countstat.Interval(interval)
	rec.Value = value
	return rec, nil
}
