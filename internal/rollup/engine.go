// Package rollup implements the incremental, hierarchical count
// computation: for each registered property, unprocessed buckets since the
// fill cursor are filled bottom-up (user, stream, realm, installation) in
// one transaction per bucket, then the cursor advances. A crash at any point
// leaves state equal to "last completed bucket".
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tally-lab/tally/internal/core/countstat"
	"github.com/tally-lab/tally/internal/core/storage"
)

const defaultMaxBucketsPerRun = 100

// Engine fills buckets for registered count stats. Different properties may
// run concurrently against the same store; runs for one property serialize
// on the fill state's busy marker.
type Engine struct {
	registry   *countstat.Registry
	store      storage.RollupStore
	maxBuckets int
	nowFn      func() time.Time
}

// NewEngine creates an engine. maxBuckets bounds how many buckets one
// invocation fills, so a multi-year backfill proceeds in bounded chunks;
// <= 0 selects the default.
func NewEngine(registry *countstat.Registry, store storage.RollupStore, maxBuckets int) *Engine {
	if maxBuckets <= 0 {
		maxBuckets = defaultMaxBucketsPerRun
	}
	return &Engine{
		registry:   registry,
		store:      store,
		maxBuckets: maxBuckets,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// RunResult reports what one invocation did for a property.
type RunResult struct {
	Property      string
	Interval      countstat.Interval
	BucketsFilled int
	Cursor        *time.Time
}

// RunProperty fills unprocessed buckets for one property until caught up to
// now or until the per-invocation bucket limit. A bucket whose closing time
// has not occurred yet is a normal stop condition, not an error.
func (e *Engine) RunProperty(ctx context.Context, property string) (RunResult, error) {
	stat, err := e.registry.Get(property)
	if err != nil {
		return RunResult{}, err
	}

	result := RunResult{Property: stat.Property, Interval: stat.Interval}
	now := e.nowFn()

	if err := e.store.MarkBusy(ctx, stat.Property, stat.Interval, now); err != nil {
		return result, err
	}
	defer func() {
		if err := e.store.ClearBusy(context.WithoutCancel(ctx), stat.Property, stat.Interval); err != nil {
			slog.Error("[Rollup] Failed to clear busy marker",
				"property", stat.Property, "error", err)
		}
	}()

	for result.BucketsFilled < e.maxBuckets {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		next, pending, err := e.nextBucket(ctx, stat, now)
		if err != nil {
			return result, err
		}
		if next == nil {
			// Caught up, or no source data yet. Backpressure point: a
			// bucket is never processed before its inputs are complete.
			slog.Debug("[Rollup] No complete bucket to process",
				"property", stat.Property, "interval", stat.Interval)
			break
		}

		if err := e.store.WithinBucket(ctx, func(tx storage.BucketTx) error {
			return e.fillBucket(ctx, tx, stat, *next)
		}); err != nil {
			return result, fmt.Errorf("fill bucket %s for %s: %w", next.Format(time.RFC3339), stat.Property, err)
		}

		result.BucketsFilled++
		result.Cursor = next

		slog.Info("[Rollup] Bucket committed",
			"property", stat.Property,
			"interval", stat.Interval,
			"end_time", next.Format(time.RFC3339),
			"progress", fmt.Sprintf("Processed %d / %d", result.BucketsFilled, result.BucketsFilled+pending))
	}

	return result, nil
}

// nextBucket returns the next unprocessed bucket end, or nil when there is
// nothing to do, plus how many further complete buckets are pending after it.
func (e *Engine) nextBucket(ctx context.Context, stat *countstat.CountStat, now time.Time) (*time.Time, int, error) {
	cursor, err := e.store.Cursor(ctx, stat.Property, stat.Interval)
	if err != nil {
		return nil, 0, err
	}

	var next time.Time
	if cursor == nil {
		first, err := e.store.FirstBucketEnd(ctx, stat)
		if err != nil {
			return nil, 0, err
		}
		if first == nil {
			return nil, 0, nil
		}
		next = *first
	} else {
		next = cursor.Add(stat.Interval.Width())
	}

	if next.After(now) {
		return nil, 0, nil
	}

	pending := int(now.Sub(next) / stat.Interval.Width())
	return &next, pending, nil
}

// fillBucket computes and derives all scope levels for the bucket ending at
// end, then advances the cursor, all on one transaction.
//
// Pull stats compute leaves from source data and derive each parent as the
// sum of its children: realm rows come from stream rows when the stat has a
// stream dimension, else from user rows, else directly from source for
// realm-only stats. Logging stats were already incremented in place at
// their scopes; only the parents above them are derived here.
func (e *Engine) fillBucket(ctx context.Context, tx storage.BucketTx, stat *countstat.CountStat, end time.Time) error {
	start := end.Add(-stat.Interval.Width())

	if stat.Kind == countstat.KindPull {
		if stat.AppliesAt(countstat.ScopeUser) {
			rows, err := tx.PullValues(ctx, countstat.ScopeUser, stat, start, end)
			if err != nil {
				return err
			}
			if err := tx.WriteCounts(ctx, countstat.ScopeUser, stat, end, rows); err != nil {
				return err
			}
		}
		if stat.AppliesAt(countstat.ScopeStream) {
			rows, err := tx.PullValues(ctx, countstat.ScopeStream, stat, start, end)
			if err != nil {
				return err
			}
			if err := tx.WriteCounts(ctx, countstat.ScopeStream, stat, end, rows); err != nil {
				return err
			}
		}

		switch {
		case stat.AppliesAt(countstat.ScopeStream):
			if err := tx.SumChildCounts(ctx, countstat.ScopeStream, countstat.ScopeRealm, stat, end); err != nil {
				return err
			}
		case stat.AppliesAt(countstat.ScopeUser):
			if err := tx.SumChildCounts(ctx, countstat.ScopeUser, countstat.ScopeRealm, stat, end); err != nil {
				return err
			}
		default:
			// Realm-only pull stat, e.g. invites: no user or stream dimension.
			rows, err := tx.PullValues(ctx, countstat.ScopeRealm, stat, start, end)
			if err != nil {
				return err
			}
			if err := tx.WriteCounts(ctx, countstat.ScopeRealm, stat, end, rows); err != nil {
				return err
			}
		}
	} else {
		// Logging stats read their already-incremented rows; user-scope
		// increments still need the realm level derived. Realm-scope
		// increments are the realm rows.
		if stat.AppliesAt(countstat.ScopeUser) {
			if err := tx.SumChildCounts(ctx, countstat.ScopeUser, countstat.ScopeRealm, stat, end); err != nil {
				return err
			}
		}
	}

	if err := tx.SumChildCounts(ctx, countstat.ScopeRealm, countstat.ScopeInstallation, stat, end); err != nil {
		return err
	}

	return tx.AdvanceCursor(ctx, stat.Property, stat.Interval, end)
}
