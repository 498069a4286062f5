package projection_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	v1 "github.com/tally-lab/tally/internal/api/v1"
	"github.com/tally-lab/tally/internal/core/countstat"
	"github.com/tally-lab/tally/internal/core/storage"
	"github.com/tally-lab/tally/internal/projection"
	"github.com/tally-lab/tally/internal/rollup"
)

var day1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newProjectionRegistry(t *testing.T) *countstat.Registry {
	t.Helper()
	registry := countstat.NewRegistry()
	require.NoError(t, registry.Register(&countstat.CountStat{
		Property: "minutes_active:day",
		Interval: countstat.IntervalDay,
		Kind:     countstat.KindLogging,
		ScopeSet: []countstat.Scope{countstat.ScopeUser},
		Dedup:    countstat.DedupSum,
	}))
	require.NoError(t, registry.Register(&countstat.CountStat{
		Property:    "signups:day",
		Interval:    countstat.IntervalDay,
		Kind:        countstat.KindLogging,
		ScopeSet:    []countstat.Scope{countstat.ScopeRealm},
		HasSubgroup: true,
		Dedup:       countstat.DedupSum,
	}))
	require.NoError(t, registry.Register(&countstat.CountStat{
		Property:    "messages_sent:day",
		Interval:    countstat.IntervalDay,
		Kind:        countstat.KindPull,
		ScopeSet:    []countstat.Scope{countstat.ScopeUser, countstat.ScopeStream},
		SourceEvent: "message_sent",
		Dedup:       countstat.DedupDelete,
	}))
	registry.Freeze()
	return registry
}

func mustIncrement(t *testing.T, store *rollup.MemStore, registry *countstat.Registry, property string, scope countstat.Scope, entityID *int64, subgroup *string, value int64, at time.Time) {
	t.Helper()
	stat, err := registry.Get(property)
	require.NoError(t, err)
	require.NoError(t, store.IncrementCount(context.Background(), scope, stat, entityID, subgroup, decimal.NewFromInt(value), at))
}

func i64(v int64) *int64 { return &v }

func strp(v string) *string { return &v }

func TestQueryCounts(t *testing.T) {
	registry := newProjectionRegistry(t)
	store := rollup.NewMemStore()
	svc := projection.NewService(registry, store, store, store)

	store.AddUser(7, 100)
	store.AddUser(8, 100)
	mustIncrement(t, store, registry, "minutes_active:day", countstat.ScopeUser, i64(7), nil, 30, day1.Add(2*time.Hour))
	mustIncrement(t, store, registry, "minutes_active:day", countstat.ScopeUser, i64(7), nil, 15, day1.Add(26*time.Hour))
	mustIncrement(t, store, registry, "minutes_active:day", countstat.ScopeUser, i64(8), nil, 5, day1.Add(2*time.Hour))

	resp, err := svc.QueryCounts(context.Background(), projection.CountQueryRequest{
		Property: "minutes_active:day",
		Scope:    "user",
		EntityID: i64(7),
		Start:    day1,
		End:      day1.Add(72 * time.Hour),
	})
	require.NoError(t, err)

	require.Equal(t, "minutes_active:day", resp.Property)
	require.Equal(t, "user", resp.Scope)
	require.Equal(t, "day", resp.Interval)
	require.Nil(t, resp.DataThrough)
	require.Len(t, resp.Values, 2)
	require.True(t, resp.Values[0].Value.Equal(decimal.NewFromInt(30)))
	require.Equal(t, day1.Add(24*time.Hour), resp.Values[0].EndTime)
	require.True(t, resp.Values[1].Value.Equal(decimal.NewFromInt(15)))
	require.Equal(t, day1.Add(48*time.Hour), resp.Values[1].EndTime)
}

func TestQueryCounts_DataThroughTracksCursor(t *testing.T) {
	registry := newProjectionRegistry(t)
	store := rollup.NewMemStore()
	svc := projection.NewService(registry, store, store, store)

	ctx := context.Background()
	cursor := day1.Add(24 * time.Hour)
	require.NoError(t, store.MarkBusy(ctx, "minutes_active:day", countstat.IntervalDay, day1))
	require.NoError(t, store.WithinBucket(ctx, func(tx storage.BucketTx) error {
		return tx.AdvanceCursor(ctx, "minutes_active:day", countstat.IntervalDay, cursor)
	}))
	require.NoError(t, store.ClearBusy(ctx, "minutes_active:day", countstat.IntervalDay))

	resp, err := svc.QueryCounts(ctx, projection.CountQueryRequest{
		Property: "minutes_active:day",
		Scope:    "user",
		EntityID: i64(7),
		Start:    day1,
		End:      day1.Add(72 * time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, resp.DataThrough)
	require.Equal(t, cursor, *resp.DataThrough)
}

func TestQueryCounts_SubgroupFilter(t *testing.T) {
	registry := newProjectionRegistry(t)
	store := rollup.NewMemStore()
	svc := projection.NewService(registry, store, store, store)

	mustIncrement(t, store, registry, "signups:day", countstat.ScopeRealm, i64(100), strp("bots"), 3, day1.Add(time.Hour))
	mustIncrement(t, store, registry, "signups:day", countstat.ScopeRealm, i64(100), nil, 9, day1.Add(time.Hour))

	resp, err := svc.QueryCounts(context.Background(), projection.CountQueryRequest{
		Property:       "signups:day",
		Scope:          "realm",
		EntityID:       i64(100),
		Subgroup:       strp("bots"),
		FilterSubgroup: true,
		Start:          day1,
		End:            day1.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, resp.Values, 1)
	require.True(t, resp.Values[0].Value.Equal(decimal.NewFromInt(3)))

	// Without the filter both partitions come back.
	resp, err = svc.QueryCounts(context.Background(), projection.CountQueryRequest{
		Property: "signups:day",
		Scope:    "realm",
		EntityID: i64(100),
		Start:    day1,
		End:      day1.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, resp.Values, 2)
}

// Realm rows are derived for every stat, so realm queries work even when
// the stat itself is declared at user and stream scope only.
func TestQueryCounts_RealmScopeAlwaysReadable(t *testing.T) {
	registry := newProjectionRegistry(t)
	store := rollup.NewMemStore()
	svc := projection.NewService(registry, store, store, store)

	store.AddUser(1, 100)
	store.AddUser(2, 100)
	store.AddStream(10, 100)

	ctx := context.Background()
	require.NoError(t, store.SaveEvent(ctx, &v1.SourceEvent{
		ID:         "evt-1",
		RealmID:    100,
		UserID:     i64(1),
		StreamID:   i64(10),
		Type:       "message_sent",
		Delta:      decimal.NewFromInt(2),
		OccurredAt: day1.Add(6 * time.Hour),
		IngestedAt: day1.Add(6 * time.Hour),
	}))
	require.NoError(t, store.SaveEvent(ctx, &v1.SourceEvent{
		ID:         "evt-2",
		RealmID:    100,
		UserID:     i64(2),
		StreamID:   i64(10),
		Type:       "message_sent",
		Delta:      decimal.NewFromInt(3),
		OccurredAt: day1.Add(7 * time.Hour),
		IngestedAt: day1.Add(7 * time.Hour),
	}))

	engine := rollup.NewEngine(registry, store, 1)
	result, err := engine.RunProperty(ctx, "messages_sent:day")
	require.NoError(t, err)
	require.Equal(t, 1, result.BucketsFilled)

	resp, err := svc.QueryCounts(ctx, projection.CountQueryRequest{
		Property: "messages_sent:day",
		Scope:    "realm",
		EntityID: i64(100),
		Start:    day1,
		End:      day1.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, resp.Values, 1)
	require.Equal(t, day1.Add(24*time.Hour), resp.Values[0].EndTime)
	require.True(t, resp.Values[0].Value.Equal(decimal.NewFromInt(5)))

	// Leaf scopes the stat does not declare are still rejected.
	_, err = svc.QueryCounts(ctx, projection.CountQueryRequest{
		Property: "minutes_active:day",
		Scope:    "stream",
		EntityID: i64(10),
		Start:    day1,
		End:      day1.Add(48 * time.Hour),
	})
	require.ErrorIs(t, err, projection.ErrInvalidQuery)
}

func TestQueryCounts_Validation(t *testing.T) {
	registry := newProjectionRegistry(t)
	store := rollup.NewMemStore()
	svc := projection.NewService(registry, store, store, store)

	end := day1.Add(24 * time.Hour)
	tests := []struct {
		name string
		req  projection.CountQueryRequest
	}{
		{"missing property", projection.CountQueryRequest{Scope: "user", Start: day1, End: end}},
		{"missing scope", projection.CountQueryRequest{Property: "minutes_active:day", Start: day1, End: end}},
		{"missing range", projection.CountQueryRequest{Property: "minutes_active:day", Scope: "user"}},
		{"end before start", projection.CountQueryRequest{Property: "minutes_active:day", Scope: "user", Start: end, End: day1}},
		{"unknown property", projection.CountQueryRequest{Property: "nope", Scope: "user", Start: day1, End: end}},
		{"bad scope", projection.CountQueryRequest{Property: "minutes_active:day", Scope: "galaxy", Start: day1, End: end}},
		{"inapplicable scope", projection.CountQueryRequest{Property: "minutes_active:day", Scope: "stream", Start: day1, End: end}},
		{"entity at installation", projection.CountQueryRequest{Property: "minutes_active:day", Scope: "installation", EntityID: i64(1), Start: day1, End: end}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.QueryCounts(context.Background(), tt.req)
			require.ErrorIs(t, err, projection.ErrInvalidQuery)
		})
	}
}

func TestHandleQueryCounts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := newProjectionRegistry(t)
	store := rollup.NewMemStore()
	svc := projection.NewService(registry, store, store, store)
	r := gin.New()
	svc.RegisterRoutes(r)

	store.AddUser(7, 100)
	mustIncrement(t, store, registry, "minutes_active:day", countstat.ScopeUser, i64(7), nil, 30, day1.Add(2*time.Hour))

	params := url.Values{}
	params.Set("property", "minutes_active:day")
	params.Set("scope", "user")
	params.Set("entity_id", "7")
	params.Set("start", day1.Format(time.RFC3339))
	params.Set("end", day1.Add(48*time.Hour).Format(time.RFC3339))

	req := httptest.NewRequest(http.MethodGet, "/v1/counts?"+params.Encode(), nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var body projection.CountQueryResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Values, 1)
	require.True(t, body.Values[0].Value.Equal(decimal.NewFromInt(30)))

	// Missing required params fail binding.
	req = httptest.NewRequest(http.MethodGet, "/v1/counts?property=minutes_active:day", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	// Validation errors from the service map to 400 as well.
	params.Set("scope", "galaxy")
	req = httptest.NewRequest(http.MethodGet, "/v1/counts?"+params.Encode(), nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

// The rows with no subgroup form a partition of their own; subgroup_null
// selects it where a bare missing subgroup param means "all partitions".
func TestHandleQueryCounts_NullSubgroupPartition(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := newProjectionRegistry(t)
	store := rollup.NewMemStore()
	svc := projection.NewService(registry, store, store, store)
	r := gin.New()
	svc.RegisterRoutes(r)

	mustIncrement(t, store, registry, "signups:day", countstat.ScopeRealm, i64(100), strp("bots"), 3, day1.Add(time.Hour))
	mustIncrement(t, store, registry, "signups:day", countstat.ScopeRealm, i64(100), nil, 9, day1.Add(time.Hour))

	params := url.Values{}
	params.Set("property", "signups:day")
	params.Set("scope", "realm")
	params.Set("entity_id", "100")
	params.Set("start", day1.Format(time.RFC3339))
	params.Set("end", day1.Add(48*time.Hour).Format(time.RFC3339))
	params.Set("subgroup_null", "true")

	req := httptest.NewRequest(http.MethodGet, "/v1/counts?"+params.Encode(), nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var body projection.CountQueryResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Values, 1)
	require.True(t, body.Values[0].Value.Equal(decimal.NewFromInt(9)))
}

func TestHandleListFillStates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := newProjectionRegistry(t)
	store := rollup.NewMemStore()
	svc := projection.NewService(registry, store, store, store)
	r := gin.New()
	svc.RegisterRoutes(r)

	ctx := context.Background()
	require.NoError(t, store.MarkBusy(ctx, "minutes_active:day", countstat.IntervalDay, day1))

	req := httptest.NewRequest(http.MethodGet, "/v1/fill-states", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		FillStates []projection.FillStateView `json:"fill_states"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.FillStates, 1)
	require.Equal(t, "minutes_active:day", body.FillStates[0].Property)
	require.True(t, body.FillStates[0].Busy)
	require.NotNil(t, body.FillStates[0].BusySince)
}
