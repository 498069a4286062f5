package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	v1 "github.com/tally-lab/tally/internal/api/v1"
	"github.com/tally-lab/tally/internal/core/countstat"
	httperr "github.com/tally-lab/tally/internal/core/errors"
	"github.com/tally-lab/tally/internal/core/storage"
)

const (
	msgReadBodyFailed  = "Failed to read request body"
	msgInvalidJSON     = "Invalid JSON body"
	msgPersistFailed   = "Failed to persist event"
	msgDuplicateEvent  = "Event already exists"
	msgIncrementFailed = "Failed to apply increment"
)

// Events that omit delta count as one occurrence.
var decimalOne = decimal.NewFromInt(1)

// ingestionError carries the structured HTTP error shape from a helper back to the orchestrator.
// Helpers return this instead of writing to gin.Context directly, keeping them decoupled from HTTP.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler handles HTTP POST requests for source-event ingestion.
func (s *Service) IngestHandler(c *gin.Context) {
	evt, payloadSize, err := s.parseEvent(c)
	if err != nil {
		writeError(c, err)
		return
	}

	if verr := evt.Validate(); verr != nil {
		slog.Warn("Event validation failed", "error", verr, "event_id", evt.ID)
		writeError(c, &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    verr.Error(),
		})
		return
	}

	slog.Info("Received Event",
		"event_id", evt.ID,
		"realm_id", evt.RealmID,
		"event_type", evt.Type,
		"payload_size", payloadSize)

	if err := s.persistEvent(c.Request.Context(), evt); err != nil {
		writeError(c, err)
		return
	}

	// Event persisted to DB. The rollup pass will pick it up once its bucket closes.
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "id": evt.ID})
}

// parseEvent reads the raw request body and binds it into a SourceEvent struct.
// Returns the parsed event and the raw payload size (used for structured logging upstream).
func (s *Service) parseEvent(c *gin.Context) (*v1.SourceEvent, int, *ingestionError) {
	// Enforce maximum body size to prevent OOM attacks
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return nil, 0, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var evt v1.SourceEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Delta.IsZero() {
		evt.Delta = decimalOne
	}
	evt.IngestedAt = time.Now().UTC()
	return &evt, len(bodyBytes), nil
}

// persistEvent saves the event to the backing store.
func (s *Service) persistEvent(ctx context.Context, evt *v1.SourceEvent) *ingestionError {
	if err := s.events.SaveEvent(ctx, evt); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			slog.Info("Duplicate event rejected", "event_id", evt.ID, "realm_id", evt.RealmID)
			return &ingestionError{
				statusCode: http.StatusConflict,
				errorType:  httperr.HttpDuplicateEventError,
				message:    msgDuplicateEvent,
			}
		}

		slog.Error("Failed to persist event", "error", err, "event_id", evt.ID)
		return &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgPersistFailed,
		}
	}

	return nil
}

// IncrementHandler handles HTTP POST requests bumping a logging-kind counter.
func (s *Service) IncrementHandler(c *gin.Context) {
	var inc v1.Increment
	if err := c.ShouldBindJSON(&inc); err != nil {
		slog.Warn("Invalid JSON body received", "error", err)
		writeError(c, &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		})
		return
	}

	stat, scope, ierr := s.resolveIncrement(&inc)
	if ierr != nil {
		writeError(c, ierr)
		return
	}

	if err := s.increments.IncrementCount(c.Request.Context(), scope, stat, inc.EntityID, inc.Subgroup, inc.Delta, inc.At); err != nil {
		if errors.Is(err, storage.ErrUnknownEntity) {
			slog.Warn("Increment for unknown entity", "property", inc.Property, "scope", inc.Scope, "entity_id", inc.EntityID)
			writeError(c, &ingestionError{
				statusCode: http.StatusBadRequest,
				errorType:  httperr.HttpValidationError,
				message:    "entity does not exist",
				details:    map[string]interface{}{"property": inc.Property, "scope": inc.Scope},
			})
			return
		}

		slog.Error("Failed to apply increment", "error", err, "property", inc.Property, "scope", inc.Scope)
		writeError(c, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgIncrementFailed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

// resolveIncrement validates the increment against the stat catalog.
func (s *Service) resolveIncrement(inc *v1.Increment) (*countstat.CountStat, countstat.Scope, *ingestionError) {
	if err := inc.Validate(); err != nil {
		slog.Warn("Increment validation failed", "error", err, "property", inc.Property)
		return nil, "", &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    err.Error(),
		}
	}

	stat, err := s.registry.Get(inc.Property)
	if err != nil {
		slog.Warn("Increment for unknown property", "property", inc.Property)
		return nil, "", &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpUnknownPropertyError,
			message:    err.Error(),
		}
	}
	if stat.Kind != countstat.KindLogging {
		return nil, "", &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    "property is not a logging stat; emit a source event instead",
			details:    map[string]interface{}{"property": inc.Property},
		}
	}

	scope, err := countstat.ParseScope(inc.Scope)
	if err != nil {
		return nil, "", &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    err.Error(),
		}
	}
	if !stat.AppliesAt(scope) {
		return nil, "", &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    "stat does not apply at the requested scope",
			details:    map[string]interface{}{"property": inc.Property, "scope": inc.Scope},
		}
	}
	if scope == countstat.ScopeInstallation {
		if inc.EntityID != nil {
			return nil, "", &ingestionError{
				statusCode: http.StatusBadRequest,
				errorType:  httperr.HttpValidationError,
				message:    "entity_id must be omitted at installation scope",
			}
		}
	} else if inc.EntityID == nil {
		return nil, "", &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    "entity_id is required below installation scope",
		}
	}
	if inc.Subgroup != nil && !stat.HasSubgroup {
		return nil, "", &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    "stat does not accept subgroups",
			details:    map[string]interface{}{"property": inc.Property},
		}
	}

	return stat, scope, nil
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
