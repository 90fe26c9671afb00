package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dogan/internal/idgen"
	"github.com/mbd888/dogan/internal/security"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store       Store
	validateURL func(string) error
	now         func() time.Time
}

// NewHandler creates a new webhook handler. Target URLs must pass
// security.ValidateEndpointURL unless overridden with WithURLValidator.
func NewHandler(store Store) *Handler {
	return &Handler{
		store:       store,
		validateURL: security.ValidateEndpointURL,
		now:         time.Now,
	}
}

// WithURLValidator replaces the target URL check.
func (h *Handler) WithURLValidator(fn func(string) error) *Handler {
	h.validateURL = fn
	return h
}

// RegisterRoutes sets up webhook routes under a tenant-guarded group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/webhooks", h.CreateWebhook)
	r.GET("/tenants/:id/webhooks", h.ListWebhooks)
	r.DELETE("/tenants/:id/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /v1/tenants/:id/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "url and events required"})
		return
	}
	if err := ValidatePatterns(req.Events); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_events", "message": err.Error()})
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	secret := idgen.Hex(32)
	w := &Webhook{
		ID:        idgen.WithPrefix(idgen.PrefixWebhook),
		TenantID:  c.Param("id"),
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), w); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": w,
		"secret":  secret, // Only shown once
		"usage": gin.H{
			"signature": "hex HMAC-SHA256(body, secret)",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/tenants/:id/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	hooks, err := h.store.ListByTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list webhooks"})
		return
	}
	if hooks == nil {
		hooks = []*Webhook{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": hooks, "count": len(hooks)})
}

// DeleteWebhook handles DELETE /v1/tenants/:id/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"), c.Param("webhookId"))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "webhook not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete webhook"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}
