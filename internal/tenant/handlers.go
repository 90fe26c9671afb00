package tenant

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/dogan/internal/auth"
	"github.com/mbd888/dogan/internal/pagination"
)

// KeyIssuer issues the tenant admin key at creation time.
type KeyIssuer interface {
	GenerateKey(ctx context.Context, tenantID, subject, name string) (string, *auth.APIKey, error)
}

// Handler provides HTTP endpoints for tenant management.
type Handler struct {
	manager          *Manager
	keys             KeyIssuer
	defaultTrialDays int
}

// NewHandler creates a new tenant handler.
func NewHandler(manager *Manager, keys KeyIssuer) *Handler {
	return &Handler{manager: manager, keys: keys, defaultTrialDays: DefaultTrialDays}
}

// WithDefaultTrialDays sets the trial length used when a request omits it.
func (h *Handler) WithDefaultTrialDays(days int) *Handler {
	h.defaultTrialDays = days
	return h
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.ListTenants)
	r.POST("/tenants/:id/transition", h.TransitionTenant)
}

// RegisterProtectedRoutes sets up routes for the tenant itself (or an admin).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id", h.GetTenant)
	r.PATCH("/tenants/:id", h.UpdateTenant)
}

type createTenantRequest struct {
	Name      string         `json:"name" binding:"required"`
	Subdomain string         `json:"subdomain" binding:"required"`
	Domain    string         `json:"domain"`
	Tier      Tier           `json:"tier"`
	TrialDays *int           `json:"trialDays"`
	Metadata  map[string]any `json:"metadata"`
}

// CreateTenant handles POST /v1/tenants (admin only).
func (h *Handler) CreateTenant(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and subdomain required"})
		return
	}
	trialDays := h.defaultTrialDays
	if req.TrialDays != nil {
		trialDays = *req.TrialDays
	}

	t, err := h.manager.Create(c.Request.Context(), CreateInput{
		Name:      req.Name,
		Subdomain: req.Subdomain,
		Domain:    req.Domain,
		Tier:      req.Tier,
		TrialDays: trialDays,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if h.keys == nil {
		c.JSON(http.StatusCreated, gin.H{"tenant": t})
		return
	}
	rawKey, key, err := h.keys.GenerateKey(c.Request.Context(), t.ID, auth.SubjectTenantAdmin, "Tenant admin key")
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{
			"tenant":  t,
			"warning": "Tenant created but admin key generation failed. Use the keys API to create one.",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"tenant":  t,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// ListTenants handles GET /v1/tenants?status=&tier=&subdomain=&limit=&cursor=
func (h *Handler) ListTenants(c *gin.Context) {
	if sub := c.Query("subdomain"); sub != "" {
		t, err := h.manager.GetBySubdomain(c.Request.Context(), sub)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenants": []*Tenant{t}, "count": 1})
		return
	}

	q := ListQuery{Status: Status(c.Query("status")), Tier: Tier(c.Query("tier")), Limit: 100}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be between 1 and 1000"})
			return
		}
		q.Limit = n
	}
	if q.Status != "" && !q.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "unknown status"})
		return
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	q.After = after

	limit := q.Limit
	q.Limit = limit + 1
	tenants, err := h.manager.List(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	tenants, next, more := pagination.ComputePage(tenants, limit, func(t *Tenant) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants), "nextCursor": next, "hasMore": more})
}

// GetTenant handles GET /v1/tenants/:id. The status in the response is
// the effective status as of now.
func (h *Handler) GetTenant(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	effective, err := h.manager.ResolveEffectiveStatus(ctx, id, h.manager.clock.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	t, err := h.manager.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	t.Status = effective
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// UpdateTenant handles PATCH /v1/tenants/:id
func (h *Handler) UpdateTenant(c *gin.Context) {
	var req UpdateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	if (req.Tier != nil || req.ErpNextInstanceID != nil) && !auth.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "tier and instance changes require admin"})
		return
	}

	t, err := h.manager.UpdateProfile(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

type transitionRequest struct {
	Status Status `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// TransitionTenant handles POST /v1/tenants/:id/transition (admin only).
func (h *Handler) TransitionTenant(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status required"})
		return
	}
	if req.Reason == "" {
		req.Reason = "administrative"
	}

	t, err := h.manager.Transition(c.Request.Context(), c.Param("id"), req.Status, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
	case errors.Is(err, ErrDuplicateSubdomain):
		c.JSON(http.StatusConflict, gin.H{"error": "subdomain_taken", "message": "subdomain already in use"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "tenant was modified concurrently, retry"})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "tenant operation failed"})
	}
}
