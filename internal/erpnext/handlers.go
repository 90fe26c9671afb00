package erpnext

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for tenant ERPNext settings.
type Handler struct {
	directory *Directory
}

// NewHandler creates a new ERPNext handler.
func NewHandler(d *Directory) *Handler {
	return &Handler{directory: d}
}

// RegisterRoutes sets up routes scoped by the :id tenant parameter. The
// group must enforce tenant ownership.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/tenants/:id/erpnext", h.Configure)
	r.GET("/tenants/:id/erpnext", h.Get)
	r.POST("/tenants/:id/erpnext/test", h.Test)
}

// Configure handles PUT /v1/tenants/:id/erpnext
func (h *Handler) Configure(c *gin.Context) {
	var req ConfigureInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "baseUrl, apiKey and apiSecret required"})
		return
	}
	inst, err := h.directory.Configure(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": inst, "configured": inst.Configured()})
}

// Get handles GET /v1/tenants/:id/erpnext. Credentials are never returned.
func (h *Handler) Get(c *gin.Context) {
	inst, err := h.directory.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": inst, "configured": inst.Configured()})
}

// Test handles POST /v1/tenants/:id/erpnext/test
func (h *Handler) Test(c *gin.Context) {
	res, err := h.directory.TestConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotConfigured):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_configured", "message": "ERPNext not configured for tenant"})
	case errors.Is(err, ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found", "message": "tenant not found"})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "ERPNext operation failed"})
	}
}
