package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/dogan/internal/audit"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/idgen"
	"github.com/mbd888/dogan/internal/metrics"
	"github.com/mbd888/dogan/internal/traces"
	"github.com/mbd888/dogan/internal/validation"
)

// SubscriptionChecker answers questions about a tenant's subscriptions as of
// now. The subscription manager implements it.
type SubscriptionChecker interface {
	// HasActiveSubscription reports an entitling (active or past due)
	// subscription.
	HasActiveSubscription(ctx context.Context, tenantID string, now time.Time) (bool, error)
	// HasLapsedSubscription reports that the tenant's latest subscription
	// is suspended or has ended.
	HasLapsedSubscription(ctx context.Context, tenantID string, now time.Time) (bool, error)
}

// Signal is the message the subscription side sends after a subscription
// status change. Entitled means the tenant now holds a paying subscription.
type Signal struct {
	TenantID       string
	SubscriptionID string
	Entitled       bool
	Reason         string
	At             time.Time
}

// CreateInput contains the parameters for creating a tenant.
type CreateInput struct {
	Name      string         `json:"name" validate:"required,max=200,tenantname"`
	Subdomain string         `json:"subdomain" validate:"required,subdomain"`
	Domain    string         `json:"domain" validate:"domain"`
	Tier      Tier           `json:"tier"`
	TrialDays int            `json:"trialDays" validate:"gte=0,lte=365"`
	Metadata  map[string]any `json:"metadata"`
}

// UpdateInput carries profile changes. Nil fields are left untouched.
type UpdateInput struct {
	Name              *string        `json:"name"`
	Domain            *string        `json:"domain"`
	Tier              *Tier          `json:"tier"`
	ErpNextInstanceID *string        `json:"erpnextInstanceId"`
	Metadata          map[string]any `json:"metadata"`
}

// Manager implements the tenant lifecycle.
type Manager struct {
	store  Store
	clock  clock.Clock
	subs   SubscriptionChecker
	audit  *audit.Recorder
	logger *slog.Logger
}

// NewManager creates a tenant manager.
func NewManager(store Store, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{store: store, clock: clk, logger: slog.Default()}
}

// WithSubscriptionChecker lets effective status consult the subscription side.
func (m *Manager) WithSubscriptionChecker(p SubscriptionChecker) *Manager {
	m.subs = p
	return m
}

// WithAudit adds an audit recorder.
func (m *Manager) WithAudit(r *audit.Recorder) *Manager {
	m.audit = r
	return m
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// Create registers a tenant in trial status.
func (m *Manager) Create(ctx context.Context, in CreateInput) (_ *Tenant, err error) {
	in.Name = validation.SanitizeString(in.Name, 1000)
	in.Subdomain = strings.ToLower(strings.TrimSpace(in.Subdomain))
	in.Domain = strings.ToLower(strings.TrimSpace(in.Domain))
	if in.Tier == "" {
		in.Tier = TierStarter
	}
	if verr := validation.Struct(in); verr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, verr)
	}
	if !ValidTier(in.Tier) {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, in.Tier)
	}

	ctx, span := traces.StartSpan(ctx, "tenant.Create")
	defer func() { traces.End(span, err) }()

	now := m.clock.Now()
	trialEnd := now.AddDate(0, 0, in.TrialDays)
	t := &Tenant{
		ID:               idgen.WithPrefix(idgen.PrefixTenant),
		Name:             in.Name,
		Subdomain:        in.Subdomain,
		Domain:           in.Domain,
		Status:           StatusTrial,
		SubscriptionTier: in.Tier,
		TrialEndDate:     &trialEnd,
		Metadata:         in.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err = m.store.Create(ctx, t); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TenantID(t.ID))

	m.audit.Record(ctx, audit.Transition(audit.EntityTenant, t.ID, t.ID, "", string(StatusTrial), "created", now))
	m.logger.Info("tenant created", "tenant_id", t.ID, "subdomain", t.Subdomain, "trial_end", trialEnd)
	return t, nil
}

// Get returns the stored tenant without applying lazy transitions.
func (m *Manager) Get(ctx context.Context, id string) (*Tenant, error) {
	return m.store.Get(ctx, id)
}

// GetBySubdomain looks a tenant up by subdomain, ignoring case.
func (m *Manager) GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error) {
	return m.store.GetBySubdomain(ctx, strings.TrimSpace(subdomain))
}

// Exists reports whether a tenant with the given ID exists.
func (m *Manager) Exists(ctx context.Context, id string) (bool, error) {
	_, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns tenants matching q.
func (m *Manager) List(ctx context.Context, q ListQuery) ([]*Tenant, error) {
	return m.store.List(ctx, q)
}

// UpdateProfile changes descriptive fields. Status and subdomain are not
// reachable through this path.
func (m *Manager) UpdateProfile(ctx context.Context, id string, in UpdateInput) (*Tenant, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := validation.SanitizeString(*in.Name, 1000)
		if name == "" || len(name) > 200 {
			return nil, fmt.Errorf("%w: name must be 1-200 characters", ErrInvalidInput)
		}
		t.Name = name
	}
	if in.Domain != nil {
		d := strings.ToLower(strings.TrimSpace(*in.Domain))
		if d != "" && !validation.IsValidDomain(d) {
			return nil, fmt.Errorf("%w: invalid domain", ErrInvalidInput)
		}
		t.Domain = d
	}
	if in.Tier != nil {
		if !ValidTier(*in.Tier) {
			return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, *in.Tier)
		}
		t.SubscriptionTier = *in.Tier
	}
	if in.ErpNextInstanceID != nil {
		t.ErpNextInstanceID = strings.TrimSpace(*in.ErpNextInstanceID)
	}
	if in.Metadata != nil {
		t.Metadata = in.Metadata
	}
	t.UpdatedAt = m.clock.Now()
	if err := m.store.Update(ctx, t, t.Version); err != nil {
		return nil, err
	}
	return t, nil
}

// Transition moves a tenant to target if the edge is allowed. It is the
// operator path: a suspension made here sets OperatorHold, and moving to
// any other status clears it.
//
// Cancelling an already cancelled tenant is a no-op.
func (m *Manager) Transition(ctx context.Context, id string, target Status, reason string) (_ *Tenant, err error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, target)
	}
	ctx, span := traces.StartSpan(ctx, "tenant.Transition", traces.TenantID(id), traces.Status(string(target)))
	defer func() { traces.End(span, err) }()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusCancelled && target == StatusCancelled {
		return t, nil
	}
	if !CanTransition(t.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, target)
	}
	t.OperatorHold = target == StatusSuspended
	if err = m.apply(ctx, t, target, reason, m.clock.Now()); err != nil {
		return nil, err
	}
	return t, nil
}

// ResolveEffectiveStatus returns the tenant's status as of now, reconciled
// with its subscriptions:
//
//   - a trial whose end date has passed is suspended, unless the tenant
//     holds an active subscription, in which case it is activated;
//   - a suspended tenant with an active subscription is activated, unless
//     an operator placed the hold;
//   - an active tenant whose latest subscription is suspended or has ended
//     is suspended. An active tenant that never subscribed stays active.
//
// This corrects tenants whose subscription signal was lost. The computed
// status is written back on a best-effort basis; a failed write is logged
// and does not change the returned value.
func (m *Manager) ResolveEffectiveStatus(ctx context.Context, id string, now time.Time) (Status, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status == StatusCancelled || m.subs == nil && t.Status != StatusTrial {
		return t.Status, nil
	}
	if t.Status == StatusSuspended && t.OperatorHold {
		return t.Status, nil
	}

	entitled := false
	if m.subs != nil {
		entitled, err = m.subs.HasActiveSubscription(ctx, id, now)
		if err != nil {
			return "", fmt.Errorf("tenant: check subscription: %w", err)
		}
	}

	var effective Status
	var reason string
	switch t.Status {
	case StatusTrial:
		switch {
		case entitled:
			effective, reason = StatusActive, "subscription active"
		case t.TrialExpired(now):
			effective, reason = StatusSuspended, "trial expired"
		default:
			return StatusTrial, nil
		}
	case StatusSuspended:
		if !entitled {
			return StatusSuspended, nil
		}
		effective, reason = StatusActive, "subscription active"
	case StatusActive:
		if entitled {
			return StatusActive, nil
		}
		lapsed, err := m.subs.HasLapsedSubscription(ctx, id, now)
		if err != nil {
			return "", fmt.Errorf("tenant: check subscription: %w", err)
		}
		if !lapsed {
			return StatusActive, nil
		}
		effective, reason = StatusSuspended, "subscription lapsed"
	default:
		return t.Status, nil
	}

	if err := m.apply(ctx, t, effective, reason, now); err != nil {
		m.logger.Warn("tenant: failed to materialize effective status",
			"tenant_id", id, "status", effective, "error", err)
	}
	return effective, nil
}

// ApplySubscriptionSignal reacts to a subscription status change. An
// entitled signal moves a trial or suspended tenant to active; a lapsed
// one suspends an active tenant. An operator hold is never lifted here.
// Anything else is a no-op.
func (m *Manager) ApplySubscriptionSignal(ctx context.Context, sig Signal) (*Tenant, error) {
	t, err := m.store.Get(ctx, sig.TenantID)
	if err != nil {
		return nil, err
	}
	at := sig.At
	if at.IsZero() {
		at = m.clock.Now()
	}

	var target Status
	switch {
	case sig.Entitled && (t.Status == StatusTrial || t.Status == StatusSuspended && !t.OperatorHold):
		target = StatusActive
	case !sig.Entitled && t.Status == StatusActive:
		target = StatusSuspended
	default:
		return t, nil
	}
	reason := sig.Reason
	if reason == "" {
		reason = "subscription " + sig.SubscriptionID + " changed"
	}
	if err := m.apply(ctx, t, target, reason, at); err != nil {
		return nil, err
	}
	return t, nil
}

// apply writes the status change with a version check and records it.
func (m *Manager) apply(ctx context.Context, t *Tenant, target Status, reason string, at time.Time) error {
	from := t.Status
	t.Status = target
	t.UpdatedAt = at
	if err := m.store.Update(ctx, t, t.Version); err != nil {
		t.Status = from
		return err
	}
	metrics.LifecycleTransitionsTotal.WithLabelValues(audit.EntityTenant, string(from), string(target)).Inc()
	m.audit.Record(ctx, audit.Transition(audit.EntityTenant, t.ID, t.ID, string(from), string(target), reason, at))
	m.logger.Info("tenant status changed", "tenant_id", t.ID, "from", from, "to", target, "reason", reason)
	return nil
}
