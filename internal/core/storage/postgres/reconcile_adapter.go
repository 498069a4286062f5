package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/tally-lab/tally/internal/core/countstat"
	"github.com/tally-lab/tally/internal/reconcile"
)

// ReconcileAdapter implements reconcile.Store. It addresses count rows by
// surrogate id and plain SQL over the count tables only, keeping the
// toolkit independent of the live storage interfaces.
type ReconcileAdapter struct {
	db *sql.DB
}

// NewReconcileAdapter creates a ReconcileAdapter sharing the given connection.
func NewReconcileAdapter(db *sql.DB) *ReconcileAdapter {
	return &ReconcileAdapter{db: db}
}

// entitySelect returns the entity expression for GROUP BY; installation
// rows group on a NULL literal so all rows with one identity key collapse.
func entitySelect(scope countstat.Scope) (table, entityExpr string, err error) {
	table, entityCol, err := countTable(scope)
	if err != nil {
		return "", "", err
	}
	if entityCol == "" {
		return table, "NULL::bigint", nil
	}
	return table, entityCol, nil
}

// CountDuplicateGroups counts identity keys holding more than one row.
func (a *ReconcileAdapter) CountDuplicateGroups(ctx context.Context, scope countstat.Scope, property string) (int64, error) {
	table, entityExpr, err := entitySelect(scope)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM (
			SELECT 1
			FROM %s
			WHERE property = $1
			GROUP BY %s, subgroup, interval, end_time
			HAVING COUNT(*) > 1
		) dup
	`, table, entityExpr)

	var count int64
	if err := a.db.QueryRowContext(ctx, query, property).Scan(&count); err != nil {
		return 0, fmt.Errorf("count duplicate groups: %w", err)
	}
	return count, nil
}

// DuplicateGroups returns up to limit duplicate identity keys with their
// row ids and values in ascending id order.
func (a *ReconcileAdapter) DuplicateGroups(ctx context.Context, scope countstat.Scope, property string, limit int) ([]reconcile.DuplicateGroup, error) {
	table, entityExpr, err := entitySelect(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT %s, subgroup, interval, end_time,
		       array_agg(id ORDER BY id),
		       array_agg(value::text ORDER BY id)
		FROM %s
		WHERE property = $1
		GROUP BY %s, subgroup, interval, end_time
		HAVING COUNT(*) > 1
		ORDER BY end_time
		LIMIT $2
	`, entityExpr, table, entityExpr)

	rows, err := a.db.QueryContext(ctx, query, property, limit)
	if err != nil {
		return nil, fmt.Errorf("duplicate groups: %w", err)
	}
	defer rows.Close()

	var out []reconcile.DuplicateGroup
	for rows.Next() {
		var (
			group     reconcile.DuplicateGroup
			entityID  sql.NullInt64
			subgroup  sql.NullString
			interval  string
			rowIDs    pq.Int64Array
			valueStrs pq.StringArray
		)
		if err := rows.Scan(&entityID, &subgroup, &interval, &group.EndTime, &rowIDs, &valueStrs); err != nil {
			return nil, fmt.Errorf("duplicate groups: scan: %w", err)
		}
		group.EntityID = int64Ptr(entityID)
		group.Subgroup = stringPtr(subgroup)
		group.Interval = countstat.Interval(interval)
		group.RowIDs = []int64(rowIDs)
		group.Values = make([]decimal.Decimal, len(valueStrs))
		for i, s := range valueStrs {
			v, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("duplicate groups: parse value %q: %w", s, err)
			}
			group.Values[i] = v
		}
		out = append(out, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("duplicate groups: iterate: %w", err)
	}
	return out, nil
}

// SetValue overwrites the value of one row.
func (a *ReconcileAdapter) SetValue(ctx context.Context, scope countstat.Scope, rowID int64, value decimal.Decimal) error {
	table, _, err := countTable(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET value = $2 WHERE id = $1`, table)
	result, err := a.db.ExecContext(ctx, query, rowID, value)
	if err != nil {
		return fmt.Errorf("set value: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set value: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set value: row %d not found in %s", rowID, table)
	}
	return nil
}

// DeleteRows removes rows by id.
func (a *ReconcileAdapter) DeleteRows(ctx context.Context, scope countstat.Scope, rowIDs []int64) (int64, error) {
	if len(rowIDs) == 0 {
		return 0, nil
	}
	table, _, err := countTable(scope)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, table)
	result, err := a.db.ExecContext(ctx, query, pq.Array(rowIDs))
	if err != nil {
		return 0, fmt.Errorf("delete rows: %w", err)
	}
	return result.RowsAffected()
}

// CountPropertyRows returns how many rows exist for a property.
func (a *ReconcileAdapter) CountPropertyRows(ctx context.Context, scope countstat.Scope, property string) (int64, error) {
	table, _, err := countTable(scope)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE property = $1`, table)
	var count int64
	if err := a.db.QueryRowContext(ctx, query, property).Scan(&count); err != nil {
		return 0, fmt.Errorf("count property rows: %w", err)
	}
	return count, nil
}

// DeletePropertyRows deletes up to batchSize rows for a property. The
// subselect keeps each delete bounded so retirement never holds long locks.
func (a *ReconcileAdapter) DeletePropertyRows(ctx context.Context, scope countstat.Scope, property string, batchSize int) (int64, error) {
	table, _, err := countTable(scope)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE id IN (SELECT id FROM %[1]s WHERE property = $1 ORDER BY id LIMIT $2)
	`, table)
	result, err := a.db.ExecContext(ctx, query, property, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete property rows: %w", err)
	}
	return result.RowsAffected()
}

// DeleteFillStates removes the fill state rows for a property.
func (a *ReconcileAdapter) DeleteFillStates(ctx context.Context, property string) (int64, error) {
	result, err := a.db.ExecContext(ctx, `DELETE FROM fill_states WHERE property = $1`, property)
	if err != nil {
		return 0, fmt.Errorf("delete fill states: %w", err)
	}
	return result.RowsAffected()
}
