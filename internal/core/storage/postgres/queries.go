package postgres

// Query constants for the analytics tables. Scope-dependent statements
// (one per count table) are built by the small templates at the bottom;
// the scope-to-table mapping is the closed set in countTable, never input.
const (
	// querySaveEvent inserts a raw source event with id idempotency.
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) for replays.
	querySaveEvent = `
		INSERT INTO source_events (
			event_id, realm_id, user_id, stream_id,
			event_type, subgroup, delta, occurred_at, ingested_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING ingest_seq
	`

	// queryEarliestEventTime finds the start of history for a pull stat.
	queryEarliestEventTime = `
		SELECT MIN(occurred_at) FROM source_events WHERE event_type = $1
	`

	// queryMarkBusy creates the fill state row lazily on first run and takes
	// the busy marker. The WHERE on the conflict arm makes a concurrent
	// holder visible as zero affected rows.
	queryMarkBusy = `
		INSERT INTO fill_states (property, interval, last_filled_end_time, busy, busy_since, updated_at)
		VALUES ($1, $2, NULL, TRUE, $3, $3)
		ON CONFLICT (property, interval) DO UPDATE
		SET busy = TRUE, busy_since = EXCLUDED.busy_since, updated_at = EXCLUDED.updated_at
		WHERE fill_states.busy = FALSE
	`

	queryClearBusy = `
		UPDATE fill_states
		SET busy = FALSE, busy_since = NULL, updated_at = $3
		WHERE property = $1 AND interval = $2
	`

	queryCursor = `
		SELECT last_filled_end_time FROM fill_states WHERE property = $1 AND interval = $2
	`

	// queryAdvanceCursor moves the cursor forward only. An earlier-or-equal
	// target matches zero rows, which the caller logs as a warned no-op.
	queryAdvanceCursor = `
		UPDATE fill_states
		SET last_filled_end_time = $3, updated_at = $4
		WHERE property = $1 AND interval = $2
		  AND (last_filled_end_time IS NULL OR last_filled_end_time < $3)
	`

	queryCursorForUpdate = `
		SELECT last_filled_end_time FROM fill_states WHERE property = $1 AND interval = $2
		FOR UPDATE
	`

	// queryForceCursor is the administrative reset. It also releases the
	// busy marker: a run that died between transactions leaves busy = TRUE
	// with nothing to clear it, and reset is the recovery path.
	queryForceCursor = `
		UPDATE fill_states
		SET last_filled_end_time = $3, busy = FALSE, busy_since = NULL, updated_at = $4
		WHERE property = $1 AND interval = $2
	`

	queryListFillStates = `
		SELECT property, interval, last_filled_end_time, busy, busy_since, updated_at
		FROM fill_states
		ORDER BY property, interval
	`

	queryStuckFillStates = `
		SELECT property, interval, last_filled_end_time, busy, busy_since, updated_at
		FROM fill_states
		WHERE busy AND busy_since < $1
		ORDER BY property, interval
	`
)

// Count-table templates; %s slots are filled from countTable.

const (
	// tmplInsertEntityCount stamps the realm onto user/stream rows at write
	// time, so realm derivation needs no join later.
	tmplInsertEntityCount = `
		INSERT INTO %[1]s (%[2]s, realm_id, property, subgroup, interval, end_time, value)
		SELECT d.id, d.realm_id, $2, $3, $4, $5, $6
		FROM %[3]s d
		WHERE d.id = $1
	`

	tmplInsertRealmCount = `
		INSERT INTO realm_counts (realm_id, property, subgroup, interval, end_time, value)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	tmplInsertInstallationCount = `
		INSERT INTO installation_counts (property, subgroup, interval, end_time, value)
		VALUES ($1, $2, $3, $4, $5)
	`

	// tmplSumToRealm derives realm rows as the per-realm sum of a child
	// scope's rows for one bucket, preserving the subgroup partition.
	tmplSumToRealm = `
		INSERT INTO realm_counts (realm_id, property, subgroup, interval, end_time, value)
		SELECT c.realm_id, c.property, c.subgroup, c.interval, c.end_time, SUM(c.value)
		FROM %s c
		WHERE c.property = $1 AND c.interval = $2 AND c.end_time = $3
		GROUP BY c.realm_id, c.property, c.subgroup, c.interval, c.end_time
	`

	tmplSumToInstallation = `
		INSERT INTO installation_counts (property, subgroup, interval, end_time, value)
		SELECT c.property, c.subgroup, c.interval, c.end_time, SUM(c.value)
		FROM realm_counts c
		WHERE c.property = $1 AND c.interval = $2 AND c.end_time = $3
		GROUP BY c.property, c.subgroup, c.interval, c.end_time
	`

	tmplEarliestBucket = `
		SELECT MIN(end_time) FROM %s WHERE property = $1 AND interval = $2
	`
)

// Pull-stat source scans. The four shapes cover subgroup on/off and the
// zero-rows-write policy; gauge variants drop the lower time bound.

const (
	tmplPullGrouped = `
		SELECT e.%[1]s, e.subgroup, SUM(e.delta)
		FROM source_events e
		WHERE e.event_type = $1 AND e.%[1]s IS NOT NULL%[2]s
		GROUP BY e.%[1]s, e.subgroup
	`

	tmplPullPlain = `
		SELECT e.%[1]s, NULL::text, SUM(e.delta)
		FROM source_events e
		WHERE e.event_type = $1 AND e.%[1]s IS NOT NULL%[2]s
		GROUP BY e.%[1]s
	`

	// tmplPullZeroFilled emits a zero row for every directory entity with no
	// qualifying events. Only used for zero_rows=write stats (no subgroups).
	tmplPullZeroFilled = `
		SELECT d.id, NULL::text, COALESCE(SUM(e.delta), 0)
		FROM %[1]s d
		LEFT JOIN source_events e
		  ON e.%[2]s = d.id AND e.event_type = $1%[3]s
		GROUP BY d.id
	`

	tmplPullRealmPlain = `
		SELECT e.realm_id, NULL::text, SUM(e.delta)
		FROM source_events e
		WHERE e.event_type = $1%s
		GROUP BY e.realm_id
	`

	tmplPullRealmGrouped = `
		SELECT e.realm_id, e.subgroup, SUM(e.delta)
		FROM source_events e
		WHERE e.event_type = $1%s
		GROUP BY e.realm_id, e.subgroup
	`
)
