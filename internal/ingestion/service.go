package ingestion

import (
	"github.com/gin-gonic/gin"
	"github.com/tally-lab/tally/internal/core/countstat"
	"github.com/tally-lab/tally/internal/core/storage"
)

type Service struct {
	registry         *countstat.Registry
	events           storage.EventStore
	increments       storage.IncrementStore
	maxBodySizeBytes int
}

func NewService(reg *countstat.Registry, events storage.EventStore, increments storage.IncrementStore, maxBodySizeMB int) *Service {
	if reg == nil {
		panic("ingestion: registry must not be nil")
	}
	if events == nil {
		panic("ingestion: event store must not be nil")
	}
	if increments == nil {
		panic("ingestion: increment store must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		registry:         reg,
		events:           events,
		increments:       increments,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	// Raw fact ingestion for pull-kind stats.
	r.POST("/v1/events", s.IngestHandler)

	// Synchronous counter bumps for logging-kind stats.
	r.POST("/v1/increments", s.IncrementHandler)
}
