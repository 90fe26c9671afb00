package audit

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Reader lists recorded events.
type Reader interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]Event, error)
}

// Handler exposes the audit trail over HTTP.
type Handler struct {
	reader Reader
}

// NewHandler creates an audit handler.
func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

// RegisterRoutes mounts the audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/audit", h.ListByTenant)
}

// ListByTenant handles GET /v1/tenants/:id/audit?limit=N
func (h *Handler) ListByTenant(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	events, err := h.reader.ListByTenant(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list audit events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
