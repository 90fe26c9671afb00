// Package dashboard provides read-only JSON views over a tenant's state.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/dogan/internal/agent"
	"github.com/mbd888/dogan/internal/audit"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/subscription"
	"github.com/mbd888/dogan/internal/tenant"
)

// auditScan bounds how many recent events a view filters through.
const auditScan = 1000

// Tenants resolves a tenant and its effective status.
type Tenants interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
	ResolveEffectiveStatus(ctx context.Context, id string, now time.Time) (tenant.Status, error)
}

// Subscriptions resolves a tenant's current subscription.
type Subscriptions interface {
	Current(ctx context.Context, tenantID string) (*subscription.Subscription, error)
	ResolveEffectiveStatus(ctx context.Context, id string, now time.Time) (subscription.Status, error)
}

// Agents lists a tenant's agents.
type Agents interface {
	ListByTenant(ctx context.Context, tenantID string) ([]*agent.EmployeeAgent, error)
}

// Handler provides dashboard API endpoints.
type Handler struct {
	tenants       Tenants
	subscriptions Subscriptions
	agents        Agents
	events        audit.Reader
	clock         clock.Clock
	staleAfter    time.Duration
}

// NewHandler creates a new dashboard handler.
func NewHandler(tenants Tenants, subs Subscriptions, agents Agents, events audit.Reader, clk clock.Clock) *Handler {
	return &Handler{
		tenants:       tenants,
		subscriptions: subs,
		agents:        agents,
		events:        events,
		clock:         clk,
		staleAfter:    2 * time.Minute,
	}
}

// WithStaleAfter sets the heartbeat window used to flag stale agents.
func (h *Handler) WithStaleAfter(d time.Duration) *Handler {
	h.staleAfter = d
	return h
}

// RegisterRoutes sets up dashboard routes under the given group.
// Routes require tenant ownership (enforced by caller middleware).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/dashboard/overview", h.Overview)
	r.GET("/tenants/:id/dashboard/agents", h.Agents)
	r.GET("/tenants/:id/dashboard/denials", h.Denials)
	r.GET("/tenants/:id/dashboard/activity", h.Activity)
}

// Overview returns the tenant's effective status, its current subscription
// and agent availability per capability.
func (h *Handler) Overview(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.Param("id")
	now := h.clock.Now()

	t, err := h.tenants.Get(ctx, tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	status, err := h.tenants.ResolveEffectiveStatus(ctx, tenantID, now)
	if err != nil {
		writeError(c, err)
		return
	}

	tenantView := gin.H{
		"id":        t.ID,
		"name":      t.Name,
		"subdomain": t.Subdomain,
		"tier":      t.SubscriptionTier,
		"status":    status,
	}
	if status == tenant.StatusTrial && t.TrialEndDate != nil {
		tenantView["trialDaysLeft"] = int(t.TrialEndDate.Sub(now).Hours() / 24)
	}

	var subView gin.H
	sub, err := h.subscriptions.Current(ctx, tenantID)
	switch {
	case err == nil:
		subStatus, err := h.subscriptions.ResolveEffectiveStatus(ctx, sub.ID, now)
		if err != nil {
			writeError(c, err)
			return
		}
		subView = gin.H{
			"id":              sub.ID,
			"plan":            sub.PlanType,
			"status":          subStatus,
			"nextBillingDate": sub.NextBillingDate,
			"failedPayments":  sub.FailedPayments,
		}
	case !errors.Is(err, subscription.ErrNotFound):
		writeError(c, err)
		return
	}

	agents, err := h.agents.ListByTenant(ctx, tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	byStatus := map[agent.Status]int{}
	available := map[string]int{}
	stale := 0
	for _, a := range agents {
		byStatus[a.Status]++
		if a.Status == agent.StatusAvailable {
			for _, tag := range a.Capabilities {
				available[tag]++
			}
		}
		if a.Status.Live() && a.Stale(now, h.staleAfter) {
			stale++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant":       tenantView,
		"subscription": subView,
		"agents": gin.H{
			"total":    len(agents),
			"byStatus": byStatus,
			"stale":    stale,
		},
		"capabilities": available,
	})
}

// Agents returns the tenant's agents, optionally filtered by ?status=.
func (h *Handler) Agents(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.Param("id")

	filter := agent.Status(c.Query("status"))
	switch filter {
	case "", agent.StatusAvailable, agent.StatusBusy, agent.StatusAway, agent.StatusOffline:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "must be available, busy, away, or offline"})
		return
	}

	if _, err := h.tenants.Get(ctx, tenantID); err != nil {
		writeError(c, err)
		return
	}
	agents, err := h.agents.ListByTenant(ctx, tenantID)
	if err != nil {
		writeError(c, err)
		return
	}

	now := h.clock.Now()
	type row struct {
		*agent.EmployeeAgent
		Stale bool `json:"stale"`
	}
	out := make([]row, 0, len(agents))
	for _, a := range agents {
		if filter != "" && a.Status != filter {
			continue
		}
		out = append(out, row{EmployeeAgent: a, Stale: a.Status.Live() && a.Stale(now, h.staleAfter)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeName < out[j].EmployeeName })

	c.JSON(http.StatusOK, gin.H{"agents": out, "count": len(out)})
}

// Denials returns recent policy denials, newest first.
func (h *Handler) Denials(c *gin.Context) {
	h.filtered(c, func(ev audit.Event) bool {
		return ev.Kind == audit.KindDecision && ev.Decision == audit.DecisionDeny
	}, "denials")
}

// Activity returns recent status transitions, optionally for one
// ?entity= type.
func (h *Handler) Activity(c *gin.Context) {
	entity := c.Query("entity")
	switch entity {
	case "", audit.EntityTenant, audit.EntitySubscription, audit.EntityAgent:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity", "message": "must be tenant, subscription, or agent"})
		return
	}
	h.filtered(c, func(ev audit.Event) bool {
		return ev.Kind == audit.KindTransition && (entity == "" || ev.EntityType == entity)
	}, "events")
}

func (h *Handler) filtered(c *gin.Context, keep func(audit.Event) bool, field string) {
	limit := parseLimit(c, 50, 500)

	events, err := h.events.ListByTenant(c.Request.Context(), c.Param("id"), auditScan)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]audit.Event, 0, limit)
	for _, ev := range events {
		if !keep(ev) {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{field: out, "count": len(out)})
}

func parseLimit(c *gin.Context, defaultVal, maxVal int) int {
	limit := defaultVal
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxVal {
		limit = maxVal
	}
	return limit
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, tenant.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Tenant not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
