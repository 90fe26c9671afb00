package policy

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/dogan/internal/auth"
	"github.com/mbd888/dogan/internal/capability"
)

// Handler exposes policy checks and the capability catalogue.
type Handler struct {
	enforcer *Enforcer
	registry *capability.Registry
}

// NewHandler creates a policy handler.
func NewHandler(e *Enforcer, registry *capability.Registry) *Handler {
	return &Handler{enforcer: e, registry: registry}
}

// RegisterPublicRoutes mounts the capability catalogue.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/capabilities", h.ListCapabilities)
}

// RegisterProtectedRoutes mounts the tenant-scoped check.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/policy/check", h.Check)
}

// ListCapabilities handles GET /v1/capabilities
func (h *Handler) ListCapabilities(c *gin.Context) {
	caps := h.registry.List()
	c.JSON(http.StatusOK, gin.H{"capabilities": caps, "count": len(caps)})
}

type checkRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	Capability     string `json:"capability" binding:"required"`
}

// Check handles POST /v1/tenants/:id/policy/check. A denial is a normal
// 200 response carrying allowed=false.
func (h *Handler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "capability required"})
		return
	}

	d, err := h.enforcer.Enforce(c.Request.Context(), Request{
		TenantID:       c.Param("id"),
		SubscriptionID: req.SubscriptionID,
		Capability:     req.Capability,
		Actor:          auth.GetSubject(c),
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy_unavailable", "message": "access could not be evaluated", "decision": d})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}
