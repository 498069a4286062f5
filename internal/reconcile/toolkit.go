// Package reconcile holds the maintenance operations that may rewrite
// committed count rows: deduplication, schema-merge preparation and property
// retirement. These never run from the rollup engine; they are explicit
// administrative actions, and must not run concurrently with rollup for the
// same property (an operational invariant enforced by scheduling, not locks).
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tally-lab/tally/internal/core/countstat"
)

const defaultBatchSize = 1000

// DuplicateGroup is one identity key that holds more than one row.
// RowIDs are ascending; RowIDs[0] is the canonical survivor. Values are
// aligned with RowIDs.
type DuplicateGroup struct {
	EntityID *int64
	Subgroup *string
	Interval countstat.Interval
	EndTime  time.Time
	RowIDs   []int64
	Values   []decimal.Decimal
}

// Store is the toolkit's narrow data-access interface. It is deliberately
// separate from the live storage interfaces so that schema-evolution
// operations stay reproducible against a schema snapshot, independent of
// later changes to the application's model.
type Store interface {
	// CountDuplicateGroups returns how many identity keys hold duplicates.
	CountDuplicateGroups(ctx context.Context, scope countstat.Scope, property string) (int64, error)

	// DuplicateGroups returns up to limit duplicate identity keys.
	DuplicateGroups(ctx context.Context, scope countstat.Scope, property string, limit int) ([]DuplicateGroup, error)

	// SetValue overwrites the value of one row.
	SetValue(ctx context.Context, scope countstat.Scope, rowID int64, value decimal.Decimal) error

	// DeleteRows removes rows by id, returning how many were deleted.
	DeleteRows(ctx context.Context, scope countstat.Scope, rowIDs []int64) (int64, error)

	// CountPropertyRows returns how many rows exist for a property.
	CountPropertyRows(ctx context.Context, scope countstat.Scope, property string) (int64, error)

	// DeletePropertyRows deletes up to batchSize rows for a property,
	// returning how many were deleted. Retirement loops this so huge
	// deletes proceed in bounded windows.
	DeletePropertyRows(ctx context.Context, scope countstat.Scope, property string, batchSize int) (int64, error)

	// DeleteFillStates removes the fill state rows for a property.
	DeleteFillStates(ctx context.Context, property string) (int64, error)
}

// Toolkit runs the reconciliation operations with per-property policies
// taken from the registry. It is idempotent: re-running any operation on an
// already-clean store is a no-op success.
type Toolkit struct {
	registry  *countstat.Registry
	store     Store
	batchSize int
}

// NewToolkit creates a toolkit. batchSize <= 0 selects the default.
func NewToolkit(registry *countstat.Registry, store Store, batchSize int) *Toolkit {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Toolkit{registry: registry, store: store, batchSize: batchSize}
}

// DedupReport summarizes one deduplication run.
type DedupReport struct {
	Property     string
	Policy       string
	GroupsMerged int64
	RowsDeleted  int64
}

// Deduplicate collapses every identity key with more than one row down to a
// single canonical row, across all four scopes.
//
// The per-property policy is declared configuration: pull stats carry the
// same recomputed value in every duplicate, so extra rows are deleted;
// logging accumulators hold fragments of the true total, so the survivor is
// set to the sum first. A property with duplicates but no declared policy
// halts with ErrUnknownMergePolicy rather than guessing.
func (t *Toolkit) Deduplicate(ctx context.Context, property string) (DedupReport, error) {
	stat, err := t.registry.Get(property)
	if err != nil {
		return DedupReport{}, err
	}

	policy := stat.Dedup
	report := DedupReport{Property: property, Policy: policy}

	for _, scope := range countstat.Scopes {
		total, err := t.store.CountDuplicateGroups(ctx, scope, property)
		if err != nil {
			return report, fmt.Errorf("dedup %s/%s: count: %w", property, scope, err)
		}
		if total == 0 {
			continue
		}
		if policy == "" {
			return report, fmt.Errorf("%w: %s has %d duplicate groups at scope %s",
				countstat.ErrUnknownMergePolicy, property, total, scope)
		}

		var processed int64
		for {
			groups, err := t.store.DuplicateGroups(ctx, scope, property, t.batchSize)
			if err != nil {
				return report, fmt.Errorf("dedup %s/%s: %w", property, scope, err)
			}
			if len(groups) == 0 {
				break
			}

			for _, group := range groups {
				deleted, err := t.mergeGroup(ctx, scope, policy, group)
				if err != nil {
					return report, fmt.Errorf("dedup %s/%s: %w", property, scope, err)
				}
				report.GroupsMerged++
				report.RowsDeleted += deleted
				processed++
			}

			fmt.Printf("Processed %d / %d\n", processed, total)
			slog.Info("[Reconcile] Dedup batch complete",
				"property", property,
				"scope", scope,
				"processed", processed,
				"total", total)
		}
	}

	slog.Info("[Reconcile] Dedup complete",
		"property", property,
		"policy", policy,
		"groups_merged", report.GroupsMerged,
		"rows_deleted", report.RowsDeleted)
	return report, nil
}

func (t *Toolkit) mergeGroup(ctx context.Context, scope countstat.Scope, policy string, group DuplicateGroup) (int64, error) {
	if len(group.RowIDs) < 2 {
		return 0, nil
	}
	survivor := group.RowIDs[0]
	excess := group.RowIDs[1:]

	if policy == countstat.DedupSum {
		total := decimal.Zero
		for _, v := range group.Values {
			total = total.Add(v)
		}
		if err := t.store.SetValue(ctx, scope, survivor, total); err != nil {
			return 0, fmt.Errorf("merge survivor %d: %w", survivor, err)
		}
	}

	deleted, err := t.store.DeleteRows(ctx, scope, excess)
	if err != nil {
		return 0, fmt.Errorf("delete duplicates of %d: %w", survivor, err)
	}
	return deleted, nil
}

// RetireReport summarizes one retirement run.
type RetireReport struct {
	Property       string
	RowsDeleted    int64
	FillStatesGone int64
}

// Retire deletes every count row and the fill state for a deprecated
// property, in bounded batches. The property need not be registered, since
// retirement usually follows removal from the catalog. Deleting zero rows
// is success.
func (t *Toolkit) Retire(ctx context.Context, property string) (RetireReport, error) {
	report := RetireReport{Property: property}

	for _, scope := range countstat.Scopes {
		total, err := t.store.CountPropertyRows(ctx, scope, property)
		if err != nil {
			return report, fmt.Errorf("retire %s/%s: count: %w", property, scope, err)
		}
		if total == 0 {
			continue
		}

		var processed int64
		for {
			deleted, err := t.store.DeletePropertyRows(ctx, scope, property, t.batchSize)
			if err != nil {
				return report, fmt.Errorf("retire %s/%s: %w", property, scope, err)
			}
			if deleted == 0 {
				break
			}
			processed += deleted
			report.RowsDeleted += deleted
			fmt.Printf("Processed %d / %d\n", processed, total)
			slog.Info("[Reconcile] Retire batch complete",
				"property", property,
				"scope", scope,
				"processed", processed,
				"total", total)
		}
	}

	gone, err := t.store.DeleteFillStates(ctx, property)
	if err != nil {
		return report, fmt.Errorf("retire %s: fill states: %w", property, err)
	}
	report.FillStatesGone = gone

	slog.Info("[Reconcile] Retire complete",
		"property", property,
		"rows_deleted", report.RowsDeleted,
		"fill_states_deleted", gone)
	return report, nil
}
