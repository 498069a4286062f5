package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tally-lab/tally/internal/core/countstat"
	"github.com/tally-lab/tally/internal/core/storage"
)

// ErrInvalidQuery marks request validation errors that should return HTTP 400.
var ErrInvalidQuery = errors.New("invalid count query")

// cursorReader exposes the fill cursor so query responses can report how far
// the rollup has progressed.
type cursorReader interface {
	Cursor(ctx context.Context, property string, interval countstat.Interval) (*time.Time, error)
}

// Service implements the read side: count series and fill-state inspection.
type Service struct {
	registry *countstat.Registry
	counts   storage.CountQuerier
	cursors  cursorReader
	fills    storage.FillStateStore
}

// NewService creates a new projection service.
func NewService(registry *countstat.Registry, counts storage.CountQuerier, cursors cursorReader, fills storage.FillStateStore) *Service {
	return &Service{
		registry: registry,
		counts:   counts,
		cursors:  cursors,
		fills:    fills,
	}
}

// QueryCounts retrieves stored count rows for a property over a time range.
// Only buckets at or before the fill cursor exist, so the response carries
// the cursor as data_through.
func (s *Service) QueryCounts(ctx context.Context, req CountQueryRequest) (*CountQueryResponse, error) {
	stat, scope, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	records, err := s.counts.GetCounts(ctx, storage.CountQuery{
		Scope:          scope,
		Property:       stat.Property,
		Interval:       stat.Interval,
		Subgroup:       req.Subgroup,
		FilterSubgroup: req.FilterSubgroup,
		EntityID:       req.EntityID,
		Start:          req.Start.UTC(),
		End:            req.End.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}

	cursor, err := s.cursors.Cursor(ctx, stat.Property, stat.Interval)
	if err != nil {
		return nil, fmt.Errorf("read fill cursor: %w", err)
	}

	values := make([]CountValue, 0, len(records))
	for _, rec := range records {
		values = append(values, CountValue{
			EntityID: rec.EntityID,
			Subgroup: rec.Subgroup,
			EndTime:  rec.EndTime,
			Value:    rec.Value,
		})
	}

	return &CountQueryResponse{
		Property:    stat.Property,
		Scope:       string(scope),
		Interval:    string(stat.Interval),
		Start:       req.Start.UTC(),
		End:         req.End.UTC(),
		DataThrough: cursor,
		Values:      values,
	}, nil
}

func (s *Service) resolve(req CountQueryRequest) (*countstat.CountStat, countstat.Scope, error) {
	if req.Property == "" {
		return nil, "", invalidQueryf("property is required")
	}
	if req.Scope == "" {
		return nil, "", invalidQueryf("scope is required")
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return nil, "", invalidQueryf("start and end are required")
	}
	if !req.End.After(req.Start) {
		return nil, "", invalidQueryf("end must be after start")
	}

	stat, err := s.registry.Get(req.Property)
	if err != nil {
		return nil, "", invalidQueryf("unknown property: %s", req.Property)
	}
	scope, err := countstat.ParseScope(req.Scope)
	if err != nil {
		return nil, "", invalidQueryf("%s", err.Error())
	}
	// Realm rows exist for every stat: the rollup always derives them from
	// the leaf scopes (or computes them directly for realm-only stats), so
	// the read side accepts realm even when the stat's own scope set is
	// user/stream. Leaf scopes still require declared applicability.
	if scope != countstat.ScopeRealm && !stat.AppliesAt(scope) {
		return nil, "", invalidQueryf("stat %s does not apply at scope %s", req.Property, req.Scope)
	}
	if scope == countstat.ScopeInstallation && req.EntityID != nil {
		return nil, "", invalidQueryf("entity_id must be omitted at installation scope")
	}
	return stat, scope, nil
}

// ListFillStates returns all fill-state rows in API shape.
func (s *Service) ListFillStates(ctx context.Context) ([]FillStateView, error) {
	states, err := s.fills.ListFillStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fill states: %w", err)
	}
	out := make([]FillStateView, 0, len(states))
	for _, fs := range states {
		out = append(out, FillStateView{
			Property:          fs.Property,
			Interval:          string(fs.Interval),
			LastFilledEndTime: fs.LastFilledEndTime,
			Busy:              fs.Busy,
			BusySince:         fs.BusySince,
			UpdatedAt:         fs.UpdatedAt,
		})
	}
	return out, nil
}

func invalidQueryf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}
