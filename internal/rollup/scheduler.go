package rollup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tally-lab/tally/internal/core/countstat"
)

// Scheduler periodically invokes the engine for every registered property.
// It is stateless: each tick independently resumes from the fill cursors.
// Properties run concurrently (bounded by workers); runs for one property
// never overlap because the busy marker rejects the second invocation.
type Scheduler struct {
	interval time.Duration
	engine   *Engine
	registry *countstat.Registry
	workers  int
}

// NewScheduler creates a scheduler. workers <= 0 means one goroutine per
// property.
func NewScheduler(interval time.Duration, engine *Engine, registry *countstat.Registry, workers int) *Scheduler {
	return &Scheduler{
		interval: interval,
		engine:   engine,
		registry: registry,
		workers:  workers,
	}
}

// Start runs the periodic rollup until the context is cancelled. A final
// pass runs on shutdown so buckets that closed during the last tick are not
// left half a tick behind.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting rollup scheduler",
		"interval", s.interval,
		"properties", s.registry.Len(),
		"workers", s.workers)

	// Initial pass catches up any backlog from downtime.
	s.runAll(ctx)

	for {
		select {
		case <-ticker.C:
			s.runAll(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Scheduler] Running final rollup pass before shutdown...")
			s.runAll(shutdownCtx)
			slog.Info("[Scheduler] Final pass complete")

			return nil
		}
	}
}

// runAll invokes the engine once per registered property.
func (s *Scheduler) runAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	if s.workers > 0 {
		g.SetLimit(s.workers)
	}

	for _, stat := range s.registry.All() {
		property := stat.Property
		g.Go(func() error {
			result, err := s.engine.RunProperty(gctx, property)
			switch {
			case errors.Is(err, countstat.ErrBusy):
				// Another invocation holds the property; it will catch up.
				slog.Warn("[Scheduler] Property busy, skipping", "property", property)
				return nil
			case err != nil:
				slog.Error("[Scheduler] Rollup failed",
					"property", property,
					"buckets_filled", result.BucketsFilled,
					"error", err)
				return nil // one property's failure does not stop the others
			}
			if result.BucketsFilled > 0 {
				slog.Info("[Scheduler] Rollup pass complete",
					"property", property,
					"buckets_filled", result.BucketsFilled)
			}
			return nil
		})
	}

	g.Wait() //nolint:errcheck // workers log their own failures
}
