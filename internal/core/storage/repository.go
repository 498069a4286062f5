package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	v1 "github.com/tally-lab/tally/internal/api/v1"
	"github.com/tally-lab/tally/internal/core/countstat"
)

// ErrDuplicateEvent is returned when a source event with the same event id
// already exists. Ingestion treats it as an idempotent replay, not a failure.
var ErrDuplicateEvent = errors.New("source event already exists")

// ErrUnknownEntity is returned when a count write targets a user or stream
// that is not in the directory. The write must not be dropped silently.
var ErrUnknownEntity = errors.New("entity not in directory")

// CountRow is one computed value for a bucket, before it is stamped with
// property/interval/end_time by the write path. EntityID is nil only at
// installation scope; a nil Subgroup is a concrete partition value.
type CountRow struct {
	EntityID *int64
	Subgroup *string
	Value    decimal.Decimal
}

// CountRecord is a fully-keyed persisted count row as returned by queries.
type CountRecord struct {
	ID       int64
	EntityID *int64
	Property string
	Subgroup *string
	Interval countstat.Interval
	EndTime  time.Time
	Value    decimal.Decimal
}

// FillState is the per-(property, interval) watermark row.
// LastFilledEndTime nil means the property has never completed a bucket.
type FillState struct {
	Property          string
	Interval          countstat.Interval
	LastFilledEndTime *time.Time
	Busy              bool
	BusySince         *time.Time
	UpdatedAt         time.Time
}

// CountQuery selects count rows for the read path. When FilterSubgroup is
// set, Subgroup is matched exactly and nil matches the NULL partition.
type CountQuery struct {
	Scope          countstat.Scope
	Property       string
	Interval       countstat.Interval
	Subgroup       *string
	FilterSubgroup bool
	EntityID       *int64
	Start          time.Time // inclusive lower bound on end_time
	End            time.Time // exclusive upper bound on end_time
}

// BucketTx bundles the operations available inside one bucket's transaction.
// All count writes are strict single inserts: a second write for an identity
// key surfaces countstat.ErrDuplicateKey and aborts the transaction.
type BucketTx interface {
	// PullValues computes per-entity values for the bucket (start, end] by
	// scanning source events, honoring the stat's subgroup and zero-row
	// policies. For gauge intervals the scan is cumulative up to end.
	PullValues(ctx context.Context, scope countstat.Scope, stat *countstat.CountStat, start, end time.Time) ([]CountRow, error)

	// WriteCounts inserts one count row per entry for the bucket ending at end.
	WriteCounts(ctx context.Context, scope countstat.Scope, stat *countstat.CountStat, end time.Time, rows []CountRow) error

	// SumChildCounts derives parent-scope rows for the bucket ending at end
	// as the per-parent sum of the child scope's rows, preserving subgroups.
	SumChildCounts(ctx context.Context, child, parent countstat.Scope, stat *countstat.CountStat, end time.Time) error

	// AdvanceCursor moves the fill cursor to end. Earlier-or-equal values
	// are a warned no-op; the cursor only moves forward.
	AdvanceCursor(ctx context.Context, property string, interval countstat.Interval, end time.Time) error
}

// RollupStore is the rollup engine's view of the persistence layer.
type RollupStore interface {
	// Cursor returns the last fully-committed bucket end, or nil if the
	// property has never run.
	Cursor(ctx context.Context, property string, interval countstat.Interval) (*time.Time, error)

	// FirstBucketEnd returns the end_time of the earliest bucket that has
	// any data for the stat, or nil if there is none yet. For pull stats
	// this inspects source events; for logging stats, the stat's own
	// already-incremented rows.
	FirstBucketEnd(ctx context.Context, stat *countstat.CountStat) (*time.Time, error)

	// MarkBusy brackets the start of a run. Returns countstat.ErrBusy if
	// another run holds the property.
	MarkBusy(ctx context.Context, property string, interval countstat.Interval, now time.Time) error

	// ClearBusy releases the busy marker. Safe to call when not busy.
	ClearBusy(ctx context.Context, property string, interval countstat.Interval) error

	// WithinBucket runs fn inside a single transaction. If fn returns an
	// error the bucket's writes roll back together; partial multi-level
	// writes for one bucket are never visible.
	WithinBucket(ctx context.Context, fn func(tx BucketTx) error) error
}

// CountQuerier serves the read path (dashboards, the HTTP query API).
type CountQuerier interface {
	// GetCounts returns matching rows ordered by end_time ascending.
	GetCounts(ctx context.Context, q CountQuery) ([]CountRecord, error)
}

// IncrementStore is the logging-stat write path, invoked synchronously by
// event-producing code. The increment targets the still-open bucket that
// contains at.
type IncrementStore interface {
	IncrementCount(ctx context.Context, scope countstat.Scope, stat *countstat.CountStat, entityID *int64, subgroup *string, delta decimal.Decimal, at time.Time) error
}

// FillStateStore exposes fill states to the CLI and health checks.
type FillStateStore interface {
	ListFillStates(ctx context.Context) ([]FillState, error)

	// StuckFillStates returns fill states that have been busy since before
	// cutoff, for stuck-run alerting.
	StuckFillStates(ctx context.Context, cutoff time.Time) ([]FillState, error)

	// ResetCursor moves the cursor for (property, interval) to the target.
	// Backward moves require force and return countstat.ErrStaleCursor
	// otherwise.
	ResetCursor(ctx context.Context, property string, interval countstat.Interval, to time.Time, force bool) error
}

// EventStore persists raw source events for pull stats.
type EventStore interface {
	// SaveEvent writes one event; ErrDuplicateEvent on event id replay.
	SaveEvent(ctx context.Context, event *v1.SourceEvent) error
}
