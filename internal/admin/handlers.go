package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/dogan/internal/audit"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/logging"
	"github.com/mbd888/dogan/internal/pagination"
	"github.com/mbd888/dogan/internal/tenant"
)

const trialBatch = 500

// Handler provides admin HTTP endpoints.
type Handler struct {
	clock   clock.Clock
	tenants TenantReconciler
	sweeper HeartbeatSweeper
	events  audit.Reader
	stats   map[string]StatsSource
}

// NewHandler creates a new admin handler.
func NewHandler(clk clock.Clock) *Handler {
	return &Handler{clock: clk, stats: make(map[string]StatsSource)}
}

// WithTenants enables trial reconciliation.
func (h *Handler) WithTenants(t TenantReconciler) *Handler {
	h.tenants = t
	return h
}

// WithSweeper enables on-demand heartbeat sweeps.
func (h *Handler) WithSweeper(s HeartbeatSweeper) *Handler {
	h.sweeper = s
	return h
}

// WithAuditReader enables the denial export.
func (h *Handler) WithAuditReader(r audit.Reader) *Handler {
	h.events = r
	return h
}

// WithStats adds a named stats source to GET /admin/stats.
func (h *Handler) WithStats(name string, s StatsSource) *Handler {
	h.stats[name] = s
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/trials/reconcile", h.reconcileTrials)
	r.POST("/admin/agents/sweep", h.sweepHeartbeats)
	r.GET("/admin/stats", h.getStats)
	r.GET("/admin/denials/export", h.exportDenials)
}

// reconcileTrials materializes the effective status of every trial tenant
// whose trial has ended.
func (h *Handler) reconcileTrials(c *gin.Context) {
	if h.tenants == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "tenant reconciliation not configured"})
		return
	}

	report, err := h.ReconcileTrials(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("trial reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "trial reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// ReconcileTrials pages through trial tenants and resolves the expired ones.
// Per-tenant failures are counted, not fatal.
func (h *Handler) ReconcileTrials(ctx context.Context) (*TrialReport, error) {
	started := time.Now()
	now := h.clock.Now()
	report := &TrialReport{Timestamp: now}

	var after *pagination.Cursor
	for {
		batch, err := h.tenants.List(ctx, tenant.ListQuery{Status: tenant.StatusTrial, After: after, Limit: trialBatch})
		if err != nil {
			return nil, err
		}
		for _, t := range batch {
			if !t.TrialExpired(now) {
				continue
			}
			report.Checked++
			status, err := h.tenants.ResolveEffectiveStatus(ctx, t.ID, now)
			if err != nil {
				report.Failed++
				logging.L(ctx).Warn("trial reconciliation skipped tenant", "tenant_id", t.ID, "error", err)
				continue
			}
			if status == tenant.StatusSuspended {
				report.Suspended++
			}
		}
		if len(batch) < trialBatch {
			break
		}
		last := batch[len(batch)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	report.DurationMs = time.Since(started).Milliseconds()
	return report, nil
}

// sweepHeartbeats runs one heartbeat sweep now.
func (h *Handler) sweepHeartbeats(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "heartbeat monitor not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"offlineCount": h.sweeper.Sweep(c.Request.Context())})
}

func (h *Handler) getStats(c *gin.Context) {
	out := make(gin.H, len(h.stats))
	for name, s := range h.stats {
		out[name] = s.Stats()
	}
	c.JSON(http.StatusOK, out)
}

// exportDenials exports one tenant's policy denials since a point in time.
func (h *Handler) exportDenials(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "denial export not configured"})
		return
	}
	tenantID := c.Query("tenantId")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "tenantId is required"})
		return
	}

	since := h.clock.Now().AddDate(0, 0, -30)
	if s := c.Query("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "since must be RFC 3339"})
			return
		}
		since = parsed
	}

	limit := 1000
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 10000 {
			limit = parsed
		}
	}

	events, err := h.events.ListByTenant(c.Request.Context(), tenantID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("denial export failed", "tenant_id", tenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to export denials"})
		return
	}
	denials := make([]audit.Event, 0)
	for _, ev := range events {
		if ev.Kind == audit.KindDecision && ev.Decision == audit.DecisionDeny && !ev.At.Before(since) {
			denials = append(denials, ev)
		}
	}

	c.JSON(http.StatusOK, gin.H{"denials": denials, "count": len(denials), "since": since})
}
