package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/dogan/internal/auth"
	"github.com/mbd888/dogan/internal/policy"
)

// Gate decides whether a reservation may proceed.
type Gate interface {
	Enforce(ctx context.Context, req policy.Request) (policy.Decision, error)
}

// Handler provides HTTP endpoints for agents and reservations.
type Handler struct {
	router *Router
	gate   Gate
}

// NewHandler creates a new agent handler. Reservations pass through gate
// when it is non-nil.
func NewHandler(router *Router, gate Gate) *Handler {
	return &Handler{router: router, gate: gate}
}

// RegisterTenantRoutes sets up routes scoped by the :id tenant parameter.
// The group must enforce tenant ownership.
func (h *Handler) RegisterTenantRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/agents", h.RegisterAgent)
	r.GET("/tenants/:id/agents", h.ListAgents)
	r.POST("/tenants/:id/reservations", h.Reserve)
}

// RegisterAgentRoutes sets up routes addressed by agent ID. Ownership is
// checked per request against the caller's tenant.
func (h *Handler) RegisterAgentRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:agentId", h.GetAgent)
	r.GET("/agents/:agentId/chain", h.ReportingChain)
	r.GET("/agents/:agentId/reports", h.DirectReports)
	r.PUT("/agents/:agentId/manager", h.SetManager)
	r.POST("/agents/:agentId/release", h.Release)
	r.POST("/agents/:agentId/heartbeat", h.Heartbeat)
	r.POST("/agents/:agentId/away", h.MarkAway)
	r.POST("/agents/:agentId/reactivate", h.Reactivate)
	r.POST("/agents/:agentId/offline", h.MarkOffline)
}

// RegisterAgent handles POST /v1/tenants/:id/agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	if _, isAgent := auth.AgentID(auth.GetSubject(c)); isAgent {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "agents cannot register agents"})
		return
	}
	var req RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid agent payload"})
		return
	}
	req.TenantID = c.Param("id")

	a, rawKey, err := h.router.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"agent": a}
	if rawKey != "" {
		resp["apiKey"] = rawKey
		resp["warning"] = "Store this API key securely. It will not be shown again."
	}
	c.JSON(http.StatusCreated, resp)
}

// ListAgents handles GET /v1/tenants/:id/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.router.ListByTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if agents == nil {
		agents = []*EmployeeAgent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

type reserveRequest struct {
	Capability     string `json:"capability" binding:"required"`
	SubscriptionID string `json:"subscriptionId"`
}

// Reserve handles POST /v1/tenants/:id/reservations. The request is
// checked against the access policy before an agent is selected.
func (h *Handler) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "capability required"})
		return
	}
	tenantID := c.Param("id")
	ctx := c.Request.Context()

	if h.gate != nil {
		d, err := h.gate.Enforce(ctx, policy.Request{
			TenantID:       tenantID,
			SubscriptionID: req.SubscriptionID,
			Capability:     req.Capability,
			Actor:          auth.GetSubject(c),
		})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy_unavailable", "message": "access could not be evaluated"})
			return
		}
		if !d.Allowed {
			c.JSON(http.StatusForbidden, gin.H{"error": "policy_denied", "message": "capability not available for this tenant", "reason": d.Reason})
			return
		}
	}

	a, err := h.router.Reserve(ctx, tenantID, req.Capability)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// GetAgent handles GET /v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// ReportingChain handles GET /v1/agents/:agentId/chain
func (h *Handler) ReportingChain(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	chain, err := h.router.ReportingChain(c.Request.Context(), a.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if chain == nil {
		chain = []*EmployeeAgent{}
	}
	c.JSON(http.StatusOK, gin.H{"chain": chain, "depth": len(chain)})
}

// DirectReports handles GET /v1/agents/:agentId/reports
func (h *Handler) DirectReports(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	reports, err := h.router.DirectReports(c.Request.Context(), a.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if reports == nil {
		reports = []*EmployeeAgent{}
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

type setManagerRequest struct {
	ManagerID string `json:"managerId"`
}

// SetManager handles PUT /v1/agents/:agentId/manager
func (h *Handler) SetManager(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	var req setManagerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid payload"})
		return
	}
	h.respond(c)(h.router.SetManager(c.Request.Context(), a.ID, req.ManagerID))
}

// Release handles POST /v1/agents/:agentId/release
func (h *Handler) Release(c *gin.Context) {
	if a, ok := h.owned(c); ok {
		h.respond(c)(h.router.Release(c.Request.Context(), a.ID))
	}
}

// MarkAway handles POST /v1/agents/:agentId/away
func (h *Handler) MarkAway(c *gin.Context) {
	if a, ok := h.owned(c); ok {
		h.respond(c)(h.router.MarkAway(c.Request.Context(), a.ID))
	}
}

// Reactivate handles POST /v1/agents/:agentId/reactivate
func (h *Handler) Reactivate(c *gin.Context) {
	if a, ok := h.owned(c); ok {
		h.respond(c)(h.router.Reactivate(c.Request.Context(), a.ID))
	}
}

type offlineRequest struct {
	Reason string `json:"reason"`
}

// MarkOffline handles POST /v1/agents/:agentId/offline
func (h *Handler) MarkOffline(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	var req offlineRequest
	_ = c.ShouldBindJSON(&req)
	h.respond(c)(h.router.MarkOffline(c.Request.Context(), a.ID, req.Reason))
}

type heartbeatRequest struct {
	LastSeenAt *time.Time `json:"lastSeenAt"`
}

// Heartbeat handles POST /v1/agents/:agentId/heartbeat. An absent
// lastSeenAt means now.
func (h *Handler) Heartbeat(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	var req heartbeatRequest
	_ = c.ShouldBindJSON(&req)
	seen := h.router.clock.Now()
	if req.LastSeenAt != nil {
		seen = *req.LastSeenAt
	}
	h.respond(c)(h.router.RecordHeartbeat(c.Request.Context(), a.ID, seen))
}

// owned loads :agentId and checks the caller may act on it. Agent keys
// may only act on their own agent.
func (h *Handler) owned(c *gin.Context) (*EmployeeAgent, bool) {
	a, err := h.router.Get(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if auth.IsAdmin(c) {
		return a, true
	}
	if auth.GetTenantID(c) != a.TenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "agent not found"})
		return nil, false
	}
	if self, isAgent := auth.AgentID(auth.GetSubject(c)); isAgent && self != a.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "agent keys may only act on their own agent"})
		return nil, false
	}
	return a, true
}

func (h *Handler) respond(c *gin.Context) func(*EmployeeAgent, error) {
	return func(a *EmployeeAgent, err error) {
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"agent": a})
	}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "agent not found"})
	case errors.Is(err, ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found", "message": "tenant not found"})
	case errors.Is(err, ErrNoAgentAvailable):
		c.JSON(http.StatusConflict, gin.H{"error": "no_agent_available", "message": "no available agent has this capability"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "agent was modified concurrently, retry"})
	case errors.Is(err, ErrAgentLimit):
		c.JSON(http.StatusForbidden, gin.H{"error": "agent_limit_reached", "message": err.Error()})
	case errors.Is(err, ErrManagerCycle):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "manager_cycle", "message": err.Error()})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "agent operation failed"})
	}
}
