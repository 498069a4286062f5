package projection

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	httperr "github.com/tally-lab/tally/internal/core/errors"
)

// RegisterRoutes registers all projection API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/counts", s.HandleQueryCounts)
	r.GET("/v1/fill-states", s.HandleListFillStates)
}

// HandleQueryCounts handles GET /v1/counts
// Query parameters: property, scope, entity_id, subgroup, subgroup_null,
// start, end. The NULL subgroup is a concrete partition, so subgroup_null=true
// selects it specifically; omitting both subgroup params returns all
// partitions.
func (s *Service) HandleQueryCounts(c *gin.Context) {
	var query struct {
		Property     string    `form:"property" binding:"required"`
		Scope        string    `form:"scope" binding:"required"`
		EntityID     *int64    `form:"entity_id"`
		Subgroup     *string   `form:"subgroup"`
		SubgroupNull bool      `form:"subgroup_null"`
		Start        time.Time `form:"start" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
		End          time.Time `form:"end" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
	}

	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   "Invalid query parameters",
			Details:   err.Error(),
		})
		return
	}

	req := CountQueryRequest{
		Property:       query.Property,
		Scope:          query.Scope,
		EntityID:       query.EntityID,
		Subgroup:       query.Subgroup,
		FilterSubgroup: query.Subgroup != nil,
		Start:          query.Start,
		End:            query.End,
	}
	if query.SubgroupNull {
		req.Subgroup = nil
		req.FilterSubgroup = true
	}

	resp, err := s.QueryCounts(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidQuery) {
			c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
				ErrorType: httperr.HttpValidationError,
				Message:   "Invalid count query",
				Details:   err.Error(),
			})
			return
		}

		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to query counts",
			Details:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// HandleListFillStates handles GET /v1/fill-states
func (s *Service) HandleListFillStates(c *gin.Context) {
	states, err := s.ListFillStates(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to list fill states",
			Details:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"fill_states": states})
}
