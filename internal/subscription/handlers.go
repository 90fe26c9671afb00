package subscription

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for subscriptions.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new subscription handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterPublicRoutes sets up unauthenticated routes.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/subscriptions", h.CreateSubscription)
	r.GET("/subscriptions/:subId", h.GetSubscription)
	r.POST("/subscriptions/:subId/cancel", h.CancelSubscription)
	r.POST("/subscriptions/:subId/billing", h.RecordBilling)
	r.PATCH("/subscriptions/:subId/plan", h.ChangePlan)
}

// RegisterProtectedRoutes sets up routes for the owning tenant.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/subscriptions", h.ListSubscriptions)
	r.GET("/tenants/:id/subscription", h.CurrentSubscription)
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": PlanList()})
}

type createRequest struct {
	PlanType               PlanType   `json:"planType" binding:"required"`
	MonthlyPriceCents      int64      `json:"monthlyPriceCents"`
	PaymentProvider        string     `json:"paymentProvider"`
	ProviderSubscriptionID string     `json:"providerSubscriptionId"`
	EndDate                *time.Time `json:"endDate"`
}

// CreateSubscription handles POST /v1/tenants/:id/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "planType required"})
		return
	}
	s, err := h.manager.Create(c.Request.Context(), CreateInput{
		TenantID:               c.Param("id"),
		PlanType:               req.PlanType,
		MonthlyPriceCents:      req.MonthlyPriceCents,
		PaymentProvider:        req.PaymentProvider,
		ProviderSubscriptionID: req.ProviderSubscriptionID,
		EndDate:                req.EndDate,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": s})
}

// GetSubscription handles GET /v1/subscriptions/:subId
func (h *Handler) GetSubscription(c *gin.Context) {
	s, err := h.manager.Get(c.Request.Context(), c.Param("subId"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.Status = s.EffectiveStatus(h.manager.clock.Now())
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

// ListSubscriptions handles GET /v1/tenants/:id/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.manager.ListByTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	now := h.manager.clock.Now()
	for _, s := range subs {
		s.Status = s.EffectiveStatus(now)
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// CurrentSubscription handles GET /v1/tenants/:id/subscription
func (h *Handler) CurrentSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.manager.Current(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	status, err := h.manager.ResolveEffectiveStatus(ctx, s.ID, h.manager.clock.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	s.Status = status
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

// CancelSubscription handles POST /v1/subscriptions/:subId/cancel
func (h *Handler) CancelSubscription(c *gin.Context) {
	s, err := h.manager.Cancel(c.Request.Context(), c.Param("subId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

type billingRequest struct {
	BillingDate time.Time `json:"billingDate" binding:"required"`
	Success     *bool     `json:"success" binding:"required"`
}

// RecordBilling handles POST /v1/subscriptions/:subId/billing
func (h *Handler) RecordBilling(c *gin.Context) {
	var req billingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "billingDate and success required"})
		return
	}
	s, err := h.manager.RecordBillingOutcome(c.Request.Context(), BillingEvent{
		SubscriptionID: c.Param("subId"),
		BillingDate:    req.BillingDate,
		Success:        *req.Success,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

type changePlanRequest struct {
	PlanType PlanType `json:"planType" binding:"required"`
}

// ChangePlan handles PATCH /v1/subscriptions/:subId/plan
func (h *Handler) ChangePlan(c *gin.Context) {
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "planType required"})
		return
	}
	s, err := h.manager.ChangePlan(c.Request.Context(), c.Param("subId"), req.PlanType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "subscription not found"})
	case errors.Is(err, ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found", "message": "tenant not found"})
	case errors.Is(err, ErrDuplicateActiveSubscription):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_subscription", "message": "tenant already has an open subscription"})
	case errors.Is(err, ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "already_terminal", "message": "subscription is cancelled or expired"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "subscription was modified concurrently, retry"})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "subscription operation failed"})
	}
}
