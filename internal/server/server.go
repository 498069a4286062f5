package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tally-lab/tally/internal/core/storage"
)

type Server struct {
	Engine      *gin.Engine
	Addr        string
	db          *sql.DB
	fills       storage.FillStateStore
	busyTimeout time.Duration
}

func New(addr string, db *sql.DB, fills storage.FillStateStore, busyTimeout time.Duration, mode string) *Server {
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	s := &Server{
		Engine:      r,
		Addr:        addr,
		db:          db,
		fills:       fills,
		busyTimeout: busyTimeout,
	}

	// Health check endpoint with database connectivity and rollup liveness checks.
	r.GET("/health", s.healthHandler)

	return s
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			slog.Error("Health check failed: database unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
	}

	// A fill state busy past the timeout means a rollup run died without
	// clearing its marker and needs operator attention.
	stuck := 0
	if s.fills != nil {
		cutoff := time.Now().UTC().Add(-s.busyTimeout)
		states, err := s.fills.StuckFillStates(ctx, cutoff)
		if err != nil {
			slog.Error("Health check failed: could not inspect fill states", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "fill states unreadable",
			})
			return
		}
		stuck = len(states)
	}

	if stuck > 0 {
		slog.Warn("Health check found stuck fill states", "count", stuck)
		c.JSON(http.StatusOK, gin.H{
			"status":            "degraded",
			"database":          "connected",
			"stuck_fill_states": stuck,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"database":          "connected",
		"stuck_fill_states": 0,
	})
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("Starting HTTP Server...", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("Stopping HTTP Server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP Server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
