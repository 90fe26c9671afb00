package policy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/dogan/internal/audit"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/metrics"
	"github.com/mbd888/dogan/internal/subscription"
	"github.com/mbd888/dogan/internal/tenant"
	"github.com/mbd888/dogan/internal/traces"
)

// TenantResolver yields a tenant's effective status.
type TenantResolver interface {
	ResolveEffectiveStatus(ctx context.Context, id string, now time.Time) (tenant.Status, error)
}

// SubscriptionResolver yields subscriptions and their effective status.
type SubscriptionResolver interface {
	Get(ctx context.Context, id string) (*subscription.Subscription, error)
	Current(ctx context.Context, tenantID string) (*subscription.Subscription, error)
	ResolveEffectiveStatus(ctx context.Context, id string, now time.Time) (subscription.Status, error)
}

// CapabilitySet knows which capabilities exist and which are essential.
type CapabilitySet interface {
	Known(name string) bool
	IsEssential(name string) bool
}

// Request asks whether a tenant may use a capability. An empty
// SubscriptionID means the tenant's current subscription; a zero At means now.
type Request struct {
	TenantID       string
	SubscriptionID string
	Capability     string
	Actor          string
	At             time.Time
}

// Enforcer resolves state and evaluates access requests.
type Enforcer struct {
	tenants       TenantResolver
	subscriptions SubscriptionResolver
	capabilities  CapabilitySet
	clock         clock.Clock
	audit         *audit.Recorder
	logger        *slog.Logger
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(tenants TenantResolver, subs SubscriptionResolver, caps CapabilitySet, clk clock.Clock) *Enforcer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Enforcer{
		tenants:       tenants,
		subscriptions: subs,
		capabilities:  caps,
		clock:         clk,
		logger:        slog.Default(),
	}
}

// WithAudit adds an audit recorder. Every decision is recorded.
func (e *Enforcer) WithAudit(r *audit.Recorder) *Enforcer {
	e.audit = r
	return e
}

// WithLogger sets the logger.
func (e *Enforcer) WithLogger(l *slog.Logger) *Enforcer {
	e.logger = l
	return e
}

// Enforce decides req. Business denials are returned as a Decision with a
// nil error. A store failure yields a denying Decision with ReasonInternal
// together with the error.
func (e *Enforcer) Enforce(ctx context.Context, req Request) (Decision, error) {
	now := req.At
	if now.IsZero() {
		now = e.clock.Now()
	}
	ctx, span := traces.StartSpan(ctx, "policy.Enforce",
		traces.TenantID(req.TenantID), traces.Capability(req.Capability))

	facts, subID, err := e.gather(ctx, req, now)
	d := Decision{
		TenantID:           req.TenantID,
		SubscriptionID:     subID,
		Capability:         req.Capability,
		TenantStatus:       facts.TenantStatus,
		SubscriptionStatus: facts.SubscriptionStatus,
		EvaluatedAt:        now,
	}
	if err != nil {
		d.Reason = ReasonInternal
		e.logger.Error("policy: failed to resolve state, denying",
			"tenant_id", req.TenantID, "capability", req.Capability, "error", err)
	} else {
		d.Allowed, d.Reason = Evaluate(facts)
	}

	span.SetAttributes(traces.Reason(string(d.Reason)))
	traces.End(span, err)
	metrics.PolicyDecisionsTotal.WithLabelValues(metrics.Decision(d.Allowed), string(d.Reason)).Inc()
	e.audit.Record(ctx, audit.PolicyDecision(req.TenantID, req.Capability, d.Allowed, string(d.Reason), req.Actor, now))
	return d, err
}

func (e *Enforcer) gather(ctx context.Context, req Request, now time.Time) (Facts, string, error) {
	f := Facts{
		TenantID:            req.TenantID,
		CapabilityKnown:     e.capabilities.Known(req.Capability),
		CapabilityEssential: e.capabilities.IsEssential(req.Capability),
	}

	status, err := e.tenants.ResolveEffectiveStatus(ctx, req.TenantID, now)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		return f, req.SubscriptionID, nil
	case err != nil:
		return f, req.SubscriptionID, err
	}
	f.TenantFound = true
	f.TenantStatus = status

	var sub *subscription.Subscription
	if req.SubscriptionID == "" {
		sub, err = e.subscriptions.Current(ctx, req.TenantID)
	} else {
		sub, err = e.subscriptions.Get(ctx, req.SubscriptionID)
	}
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		return f, req.SubscriptionID, nil
	case err != nil:
		return f, req.SubscriptionID, err
	}
	f.SubscriptionFound = true
	f.SubscriptionTenant = sub.TenantID
	if sub.TenantID != req.TenantID {
		return f, sub.ID, nil
	}

	subStatus, err := e.subscriptions.ResolveEffectiveStatus(ctx, sub.ID, now)
	if err != nil {
		return f, sub.ID, err
	}
	f.SubscriptionStatus = subStatus
	return f, sub.ID, nil
}
