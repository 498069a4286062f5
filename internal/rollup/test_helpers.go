package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	v1 "github.com/tally-lab/tally/internal/api/v1"
	"github.com/tally-lab/tally/internal/core/countstat"
	"github.com/tally-lab/tally/internal/core/storage"
)

// MemStore is an in-memory implementation of the storage contracts used by
// engine and service tests. WithinBucket snapshots all mutable state and
// swaps it in only on success, mirroring the all-or-nothing bucket
// transaction of the SQL adapter.
type MemStore struct {
	mu       sync.Mutex
	users    map[int64]int64 // user id -> realm id
	streams  map[int64]int64 // stream id -> realm id
	events   []v1.SourceEvent
	eventIDs map[string]bool
	counts   map[countstat.Scope][]storage.CountRecord
	fills    map[string]*storage.FillState // key: property + "/" + interval
	nextID   int64
	nextSeq  int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:    make(map[int64]int64),
		streams:  make(map[int64]int64),
		eventIDs: make(map[string]bool),
		counts:   make(map[countstat.Scope][]storage.CountRecord),
		fills:    make(map[string]*storage.FillState),
	}
}

// AddUser registers a user in the directory.
func (m *MemStore) AddUser(userID, realmID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = realmID
}

// AddStream registers a stream in the directory.
func (m *MemStore) AddStream(streamID, realmID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[streamID] = realmID
}

func fillKey(property string, interval countstat.Interval) string {
	return property + "/" + string(interval)
}

// SaveEvent implements storage.EventStore.
func (m *MemStore) SaveEvent(_ context.Context, event *v1.SourceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventIDs[event.ID] {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateEvent, event.ID)
	}
	m.eventIDs[event.ID] = true
	m.nextSeq++
	event.IngestSeq = m.nextSeq
	m.events = append(m.events, *event)
	return nil
}

// Cursor implements storage.RollupStore.
func (m *MemStore) Cursor(_ context.Context, property string, interval countstat.Interval) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs, ok := m.fills[fillKey(property, interval)]
	if !ok || fs.LastFilledEndTime == nil {
		return nil, nil
	}
	t := *fs.LastFilledEndTime
	return &t, nil
}

// FirstBucketEnd implements storage.RollupStore.
func (m *MemStore) FirstBucketEnd(_ context.Context, stat *countstat.CountStat) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stat.Kind == countstat.KindPull {
		var earliest *time.Time
		for i := range m.events {
			if m.events[i].Type != stat.SourceEvent {
				continue
			}
			t := m.events[i].OccurredAt
			if earliest == nil || t.Before(*earliest) {
				earliest = &t
			}
		}
		if earliest == nil {
			return nil, nil
		}
		end := stat.Interval.FirstBucketEnd(*earliest)
		return &end, nil
	}

	var first *time.Time
	for _, scope := range stat.ScopeSet {
		for _, rec := range m.counts[scope] {
			if rec.Property != stat.Property || rec.Interval != stat.Interval {
				continue
			}
			if first == nil || rec.EndTime.Before(*first) {
				t := rec.EndTime
				first = &t
			}
		}
	}
	return first, nil
}

// MarkBusy implements storage.RollupStore.
func (m *MemStore) MarkBusy(_ context.Context, property string, interval countstat.Interval, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fillKey(property, interval)
	fs, ok := m.fills[key]
	if !ok {
		fs = &storage.FillState{Property: property, Interval: interval}
		m.fills[key] = fs
	}
	if fs.Busy {
		return fmt.Errorf("%w: %s/%s", countstat.ErrBusy, property, interval)
	}
	t := now.UTC()
	fs.Busy = true
	fs.BusySince = &t
	fs.UpdatedAt = t
	return nil
}

// ClearBusy implements storage.RollupStore.
func (m *MemStore) ClearBusy(_ context.Context, property string, interval countstat.Interval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fs, ok := m.fills[fillKey(property, interval)]; ok {
		fs.Busy = false
		fs.BusySince = nil
	}
	return nil
}

// WithinBucket implements storage.RollupStore with snapshot semantics.
func (m *MemStore) WithinBucket(_ context.Context, fn func(tx storage.BucketTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:  m,
		counts: cloneCounts(m.counts),
		fills:  cloneFills(m.fills),
		nextID: m.nextID,
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.counts = tx.counts
	m.fills = tx.fills
	m.nextID = tx.nextID
	return nil
}

func cloneCounts(src map[countstat.Scope][]storage.CountRecord) map[countstat.Scope][]storage.CountRecord {
	out := make(map[countstat.Scope][]storage.CountRecord, len(src))
	for scope, recs := range src {
		cp := make([]storage.CountRecord, len(recs))
		copy(cp, recs)
		out[scope] = cp
	}
	return out
}

func cloneFills(src map[string]*storage.FillState) map[string]*storage.FillState {
	out := make(map[string]*storage.FillState, len(src))
	for k, fs := range src {
		cp := *fs
		out[k] = &cp
	}
	return out
}

// memTx implements storage.BucketTx against a snapshot.
type memTx struct {
	store  *MemStore
	counts map[countstat.Scope][]storage.CountRecord
	fills  map[string]*storage.FillState
	nextID int64
}

type memGroupKey struct {
	entity   int64
	subgroup string
	hasSub   bool
}

func (t *memTx) PullValues(_ context.Context, scope countstat.Scope, stat *countstat.CountStat, start, end time.Time) ([]storage.CountRow, error) {
	totals := make(map[memGroupKey]decimal.Decimal)
	subgroups := make(map[memGroupKey]*string)

	for i := range t.store.events {
		e := &t.store.events[i]
		if e.Type != stat.SourceEvent {
			continue
		}
		if stat.Interval.Gauge() {
			if e.OccurredAt.After(end) {
				continue
			}
		} else if !e.OccurredAt.After(start) || e.OccurredAt.After(end) {
			continue
		}

		var entity *int64
		switch scope {
		case countstat.ScopeUser:
			entity = e.UserID
		case countstat.ScopeStream:
			entity = e.StreamID
		case countstat.ScopeRealm:
			entity = &e.RealmID
		default:
			return nil, fmt.Errorf("pull values: unsupported scope %q", scope)
		}
		if entity == nil {
			continue
		}

		key := memGroupKey{entity: *entity}
		var subgroup *string
		if stat.HasSubgroup && e.Subgroup != nil {
			key.subgroup = *e.Subgroup
			key.hasSub = true
			subgroup = e.Subgroup
		}
		totals[key] = totals[key].Add(e.Delta)
		subgroups[key] = subgroup
	}

	if scope == countstat.ScopeUser && stat.ZeroRows == countstat.ZeroRowsWrite {
		for userID := range t.store.users {
			key := memGroupKey{entity: userID}
			if _, ok := totals[key]; !ok {
				totals[key] = decimal.Zero
				subgroups[key] = nil
			}
		}
	}

	rows := make([]storage.CountRow, 0, len(totals))
	for key, value := range totals {
		id := key.entity
		rows = append(rows, storage.CountRow{EntityID: &id, Subgroup: subgroups[key], Value: value})
	}
	sort.Slice(rows, func(i, j int) bool { return *rows[i].EntityID < *rows[j].EntityID })
	return rows, nil
}

func (t *memTx) WriteCounts(_ context.Context, scope countstat.Scope, stat *countstat.CountStat, end time.Time, rows []storage.CountRow) error {
	for _, row := range rows {
		if err := t.insert(scope, storage.CountRecord{
			EntityID: row.EntityID,
			Property: stat.Property,
			Subgroup: row.Subgroup,
			Interval: stat.Interval,
			EndTime:  end.UTC(),
			Value:    row.Value,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) insert(scope countstat.Scope, rec storage.CountRecord) error {
	for _, existing := range t.counts[scope] {
		if existing.Property == rec.Property &&
			existing.Interval == rec.Interval &&
			existing.EndTime.Equal(rec.EndTime) &&
			equalInt64Ptr(existing.EntityID, rec.EntityID) &&
			equalStringPtr(existing.Subgroup, rec.Subgroup) {
			return fmt.Errorf("%w: %s/%s at %s", countstat.ErrDuplicateKey, rec.Property, scope, rec.EndTime)
		}
	}
	t.nextID++
	rec.ID = t.nextID
	t.counts[scope] = append(t.counts[scope], rec)
	return nil
}

func (t *memTx) SumChildCounts(_ context.Context, child, parent countstat.Scope, stat *countstat.CountStat, end time.Time) error {
	type sumKey struct {
		parent   int64
		subgroup string
		hasSub   bool
	}
	totals := make(map[sumKey]decimal.Decimal)
	subgroups := make(map[sumKey]*string)

	for _, rec := range t.counts[child] {
		if rec.Property != stat.Property || rec.Interval != stat.Interval || !rec.EndTime.Equal(end.UTC()) {
			continue
		}

		var parentID int64
		switch {
		case parent == countstat.ScopeRealm && child == countstat.ScopeUser:
			realm, ok := t.store.users[*rec.EntityID]
			if !ok {
				return fmt.Errorf("sum counts: user %d not in directory", *rec.EntityID)
			}
			parentID = realm
		case parent == countstat.ScopeRealm && child == countstat.ScopeStream:
			realm, ok := t.store.streams[*rec.EntityID]
			if !ok {
				return fmt.Errorf("sum counts: stream %d not in directory", *rec.EntityID)
			}
			parentID = realm
		case parent == countstat.ScopeInstallation && child == countstat.ScopeRealm:
			parentID = 0
		default:
			return fmt.Errorf("sum counts: unsupported derivation %s -> %s", child, parent)
		}

		key := sumKey{parent: parentID}
		if rec.Subgroup != nil {
			key.subgroup = *rec.Subgroup
			key.hasSub = true
		}
		totals[key] = totals[key].Add(rec.Value)
		subgroups[key] = rec.Subgroup
	}

	keys := make([]sumKey, 0, len(totals))
	for key := range totals {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].parent != keys[j].parent {
			return keys[i].parent < keys[j].parent
		}
		return keys[i].subgroup < keys[j].subgroup
	})

	for _, key := range keys {
		rec := storage.CountRecord{
			Property: stat.Property,
			Subgroup: subgroups[key],
			Interval: stat.Interval,
			EndTime:  end.UTC(),
			Value:    totals[key],
		}
		if parent != countstat.ScopeInstallation {
			id := key.parent
			rec.EntityID = &id
		}
		if err := t.insert(parent, rec); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) AdvanceCursor(_ context.Context, property string, interval countstat.Interval, end time.Time) error {
	fs, ok := t.fills[fillKey(property, interval)]
	if !ok {
		return fmt.Errorf("advance cursor: no fill state for %s/%s", property, interval)
	}
	target := end.UTC()
	if fs.LastFilledEndTime != nil && !target.After(*fs.LastFilledEndTime) {
		slog.Warn("[MemStore] Skipping non-monotonic cursor advance",
			"property", property, "interval", interval, "end_time", target)
		return nil
	}
	fs.LastFilledEndTime = &target
	fs.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrementCount implements storage.IncrementStore.
func (m *MemStore) IncrementCount(_ context.Context, scope countstat.Scope, stat *countstat.CountStat, entityID *int64, subgroup *string, delta decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch scope {
	case countstat.ScopeUser:
		if entityID == nil {
			return fmt.Errorf("increment (%s/user): entity id is required", stat.Property)
		}
		if _, ok := m.users[*entityID]; !ok {
			return fmt.Errorf("increment (%s/user): %w: %d", stat.Property, storage.ErrUnknownEntity, *entityID)
		}
	case countstat.ScopeStream:
		if entityID == nil {
			return fmt.Errorf("increment (%s/stream): entity id is required", stat.Property)
		}
		if _, ok := m.streams[*entityID]; !ok {
			return fmt.Errorf("increment (%s/stream): %w: %d", stat.Property, storage.ErrUnknownEntity, *entityID)
		}
	}

	end := stat.Interval.BucketEndFor(at)
	recs := m.counts[scope]
	for i := range recs {
		if recs[i].Property == stat.Property &&
			recs[i].Interval == stat.Interval &&
			recs[i].EndTime.Equal(end) &&
			equalInt64Ptr(recs[i].EntityID, entityID) &&
			equalStringPtr(recs[i].Subgroup, subgroup) {
			recs[i].Value = recs[i].Value.Add(delta)
			return nil
		}
	}

	m.nextID++
	m.counts[scope] = append(m.counts[scope], storage.CountRecord{
		ID:       m.nextID,
		EntityID: entityID,
		Property: stat.Property,
		Subgroup: subgroup,
		Interval: stat.Interval,
		EndTime:  end,
		Value:    delta,
	})
	return nil
}

// GetCounts implements storage.CountQuerier.
func (m *MemStore) GetCounts(_ context.Context, q storage.CountQuery) ([]storage.CountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []storage.CountRecord
	for _, rec := range m.counts[q.Scope] {
		if rec.Property != q.Property || rec.Interval != q.Interval {
			continue
		}
		if rec.EndTime.Before(q.Start) || !rec.EndTime.Before(q.End) {
			continue
		}
		if q.FilterSubgroup && !equalStringPtr(rec.Subgroup, q.Subgroup) {
			continue
		}
		if q.EntityID != nil && !equalInt64Ptr(rec.EntityID, q.EntityID) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndTime.Equal(out[j].EndTime) {
			return out[i].EndTime.Before(out[j].EndTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListFillStates implements storage.FillStateStore.
func (m *MemStore) ListFillStates(_ context.Context) ([]storage.FillState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.FillState, 0, len(m.fills))
	for _, fs := range m.fills {
		out = append(out, *fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Property < out[j].Property })
	return out, nil
}

// StuckFillStates implements storage.FillStateStore.
func (m *MemStore) StuckFillStates(_ context.Context, cutoff time.Time) ([]storage.FillState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.FillState
	for _, fs := range m.fills {
		if fs.Busy && fs.BusySince != nil && fs.BusySince.Before(cutoff) {
			out = append(out, *fs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Property < out[j].Property })
	return out, nil
}

// ResetCursor implements storage.FillStateStore.
func (m *MemStore) ResetCursor(_ context.Context, property string, interval countstat.Interval, to time.Time, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs, ok := m.fills[fillKey(property, interval)]
	if !ok {
		return fmt.Errorf("%w: %s/%s has no fill state", countstat.ErrUnknownProperty, property, interval)
	}
	target := to.UTC()
	if fs.LastFilledEndTime != nil && !target.After(*fs.LastFilledEndTime) && !force {
		return fmt.Errorf("%w: %s/%s", countstat.ErrStaleCursor, property, interval)
	}
	fs.LastFilledEndTime = &target
	fs.Busy = false
	fs.BusySince = nil
	fs.UpdatedAt = time.Now().UTC()
	return nil
}

// CountsAt returns all records for a scope, for test assertions.
func (m *MemStore) CountsAt(scope countstat.Scope) []storage.CountRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.CountRecord, len(m.counts[scope]))
	copy(out, m.counts[scope])
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
