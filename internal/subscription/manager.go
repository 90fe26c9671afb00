package subscription

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
	"github.com/mbd888/dogan/internal/syncutil"
	"github.com/mbd888/dogan/internal/traces"
)

// DefaultDedupTTL is how long applied billing events are remembered.
const DefaultDedupTTL = 90 * 24 * time.Hour

// CreateInput contains the parameters for creating a subscription.
type CreateInput struct {
	TenantID               string     `json:"tenantId"`
	PlanType               PlanType   `json:"planType"`
	MonthlyPriceCents      int64      `json:"monthlyPriceCents"` // 0 = catalogue price
	PaymentProvider        string     `json:"paymentProvider"`
	ProviderSubscriptionID string     `json:"providerSubscriptionId"`
	EndDate                *time.Time `json:"endDate"`
}

// Manager implements the subscription lifecycle.
type Manager struct {
	store    Store
	tenants  TenantDirectory
	clock    clock.Clock
	notifier Notifier
	dedup    Deduper
	dedupTTL time.Duration
	locks    *syncutil.KeyedMutex
	audit    *audit.Recorder
	logger   *slog.Logger
}

// NewManager creates a subscription manager.
func NewManager(store Store, tenants TenantDirectory, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		store:    store,
		tenants:  tenants,
		clock:    clk,
		dedup:    NewMemoryDeduper(),
		dedupTTL: DefaultDedupTTL,
		locks:    syncutil.NewKeyedMutex(0),
		logger:   slog.Default(),
	}
}

// WithNotifier sets the receiver of status changes.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// WithDeduper replaces the in-memory billing deduper.
func (m *Manager) WithDeduper(d Deduper, ttl time.Duration) *Manager {
	m.dedup = d
	if ttl > 0 {
		m.dedupTTL = ttl
	}
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

// Create opens an active subscription for a tenant.
func (m *Manager) Create(ctx context.Context, in CreateInput) (_ *Subscription, err error) {
	if in.TenantID == "" {
		return nil, fmt.Errorf("%w: tenantId required", ErrInvalidInput)
	}
	if !ValidPlan(in.PlanType) {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, in.PlanType)
	}
	plan := Plans[in.PlanType]
	if in.MonthlyPriceCents < 0 {
		return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidInput)
	}
	if in.MonthlyPriceCents == 0 {
		in.MonthlyPriceCents = plan.MonthlyPriceCents
	}

	ctx, span := traces.StartSpan(ctx, "subscription.Create", traces.TenantID(in.TenantID))
	defer func() { traces.End(span, err) }()

	exists, err := m.tenants.Exists(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("subscription: lookup tenant: %w", err)
	}
	if !exists {
		return nil, ErrTenantNotFound
	}

	now := m.clock.Now()
	if in.EndDate != nil && !in.EndDate.After(now) {
		return nil, fmt.Errorf("%w: endDate must be in the future", ErrInvalidInput)
	}
	if err = m.expireStale(ctx, in.TenantID, now); err != nil {
		return nil, err
	}
	next := now.AddDate(0, 1, 0)
	s := &Subscription{
		ID:                     idgen.WithPrefix(idgen.PrefixSubscription),
		TenantID:               in.TenantID,
		PlanType:               in.PlanType,
		StartDate:              now,
		EndDate:                in.EndDate,
		Status:                 StatusActive,
		MonthlyPriceCents:      in.MonthlyPriceCents,
		PaymentProvider:        strings.TrimSpace(in.PaymentProvider),
		ProviderSubscriptionID: strings.TrimSpace(in.ProviderSubscriptionID),
		NextBillingDate:        &next,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err = m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.SubscriptionID(s.ID))

	m.committed(ctx, s, "", "created", now)
	return s, nil
}

// Get returns the stored subscription.
func (m *Manager) Get(ctx context.Context, id string) (*Subscription, error) {
	return m.store.Get(ctx, id)
}

// ListByTenant returns a tenant's subscriptions, newest first.
func (m *Manager) ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error) {
	return m.store.ListByTenant(ctx, tenantID)
}

// Current returns the tenant's open subscription, or its most recent one
// when none is open.
func (m *Manager) Current(ctx context.Context, tenantID string) (*Subscription, error) {
	s, err := m.store.GetOpenByTenant(ctx, tenantID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	all, err := m.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[0], nil
}

// HasActiveSubscription reports whether the tenant's open subscription is
// entitled (active or past due) as of now.
func (m *Manager) HasActiveSubscription(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	s, err := m.store.GetOpenByTenant(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.EffectiveStatus(now).Entitled(), nil
}

// HasLapsedSubscription reports whether the tenant's latest subscription is
// suspended or has ended as of now. A tenant that never subscribed has not
// lapsed.
func (m *Manager) HasLapsedSubscription(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	s, err := m.Current(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	st := s.EffectiveStatus(now)
	return st == StatusSuspended || st.Terminal(), nil
}

// AgentLimit returns how many agents the tenant's plan allows, 0 meaning
// unlimited. A tenant without a subscription gets the starter allowance.
func (m *Manager) AgentLimit(ctx context.Context, tenantID string) (int, error) {
	s, err := m.Current(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return Plans[PlanStarter].MaxAgents, nil
	}
	if err != nil {
		return 0, err
	}
	return Plans[s.PlanType].MaxAgents, nil
}

// ChangePlan moves an open subscription to another plan at the catalogue price.
func (m *Manager) ChangePlan(ctx context.Context, id string, plan PlanType) (*Subscription, error) {
	if !ValidPlan(plan) {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, plan)
	}
	p := Plans[plan]
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.EffectiveStatus(m.clock.Now()).Terminal() {
		return nil, ErrAlreadyTerminal
	}
	s.PlanType = p.Type
	s.MonthlyPriceCents = p.MonthlyPriceCents
	s.UpdatedAt = m.clock.Now()
	if err := m.store.Update(ctx, s, s.Version); err != nil {
		return nil, err
	}
	m.logger.Info("subscription plan changed", "subscription_id", id, "plan", plan)
	return s, nil
}

// RecordBillingOutcome applies one payment attempt. Success advances the
// next billing date by a month, clears the failure count and restores an
// active status. Failure moves active → past_due, then past_due →
// suspended; further failures while suspended change nothing.
//
// Repeated deliveries of the same (subscription, billing date) return the
// current subscription without applying anything.
func (m *Manager) RecordBillingOutcome(ctx context.Context, ev BillingEvent) (_ *Subscription, err error) {
	if ev.SubscriptionID == "" || ev.BillingDate.IsZero() {
		return nil, fmt.Errorf("%w: subscriptionId and billingDate required", ErrInvalidInput)
	}
	ctx, span := traces.StartSpan(ctx, "subscription.RecordBillingOutcome", traces.SubscriptionID(ev.SubscriptionID))
	defer func() { traces.End(span, err) }()

	unlock, err := m.locks.LockContext(ctx, ev.SubscriptionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.store.Get(ctx, ev.SubscriptionID)
	if err != nil {
		return nil, err
	}

	key := ev.DedupKey()
	seen, err := m.dedup.Seen(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("subscription: dedup lookup: %w", err)
	}
	if seen {
		metrics.BillingEventsTotal.WithLabelValues("duplicate").Inc()
		m.logger.Info("duplicate billing event ignored", "subscription_id", s.ID, "billing_date", ev.BillingDate)
		return s, nil
	}

	now := m.clock.Now()
	if s.EffectiveStatus(now).Terminal() {
		return nil, ErrAlreadyTerminal
	}

	from := s.Status
	var reason string
	if ev.Success {
		base := now
		if s.NextBillingDate != nil {
			base = *s.NextBillingDate
		}
		next := base.AddDate(0, 1, 0)
		s.NextBillingDate = &next
		s.FailedPayments = 0
		s.Status = StatusActive
		reason = "payment succeeded"
	} else {
		s.FailedPayments++
		switch s.Status {
		case StatusActive:
			s.Status = StatusPastDue
		case StatusPastDue:
			s.Status = StatusSuspended
		}
		reason = fmt.Sprintf("payment failed (%d consecutive)", s.FailedPayments)
	}
	s.UpdatedAt = now

	if err = m.store.Update(ctx, s, s.Version); err != nil {
		return nil, err
	}
	if err := m.dedup.Mark(ctx, key, m.dedupTTL); err != nil {
		m.logger.Warn("subscription: failed to mark billing event", "key", key, "error", err)
	}

	result := "success"
	if !ev.Success {
		result = "failure"
	}
	metrics.BillingEventsTotal.WithLabelValues(result).Inc()

	if s.Status != from {
		m.committed(ctx, s, from, reason, now)
	}
	return s, nil
}

// Cancel ends the subscription now.
func (m *Manager) Cancel(ctx context.Context, id string) (*Subscription, error) {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if s.EffectiveStatus(now).Terminal() {
		return nil, ErrAlreadyTerminal
	}

	from := s.Status
	s.Status = StatusCancelled
	s.EndDate = &now
	s.UpdatedAt = now
	if err := m.store.Update(ctx, s, s.Version); err != nil {
		return nil, err
	}
	m.committed(ctx, s, from, "cancelled", now)
	return s, nil
}

// ResolveEffectiveStatus returns the status as of now, expiring the
// subscription if its end date has passed. The expiry is written back on a
// best-effort basis.
func (m *Manager) ResolveEffectiveStatus(ctx context.Context, id string, now time.Time) (Status, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	effective := s.EffectiveStatus(now)
	if effective == s.Status {
		return effective, nil
	}
	if err := m.expire(ctx, s, now); err != nil {
		m.logger.Warn("subscription: failed to materialize expiry", "subscription_id", id, "error", err)
	}
	return effective, nil
}

// expireStale writes the expiry of a tenant's open subscription whose end
// date has passed, so a new one can be opened in its place.
func (m *Manager) expireStale(ctx context.Context, tenantID string, now time.Time) error {
	open, err := m.store.GetOpenByTenant(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if open.EffectiveStatus(now) != StatusExpired {
		return nil
	}
	unlock, err := m.locks.LockContext(ctx, open.ID)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under the lock; billing may have moved it meanwhile.
	open, err = m.store.Get(ctx, open.ID)
	if err != nil {
		return err
	}
	if open.Status.Terminal() || open.EffectiveStatus(now) != StatusExpired {
		return nil
	}
	if err := m.expire(ctx, open, now); err != nil {
		return fmt.Errorf("subscription: expire %s: %w", open.ID, err)
	}
	return nil
}

// expire stores the end-date expiry and announces it.
func (m *Manager) expire(ctx context.Context, s *Subscription, now time.Time) error {
	from := s.Status
	s.Status = StatusExpired
	s.UpdatedAt = now
	if err := m.store.Update(ctx, s, s.Version); err != nil {
		s.Status = from
		return err
	}
	m.committed(ctx, s, from, "end date passed", now)
	return nil
}

// committed records and announces a status change that is already stored.
// Notifier failures are logged; the subscription change stands.
func (m *Manager) committed(ctx context.Context, s *Subscription, from Status, reason string, at time.Time) {
	metrics.LifecycleTransitionsTotal.WithLabelValues(audit.EntitySubscription, string(from), string(s.Status)).Inc()
	m.audit.Record(ctx, audit.Transition(audit.EntitySubscription, s.ID, s.TenantID, string(from), string(s.Status), reason, at))
	m.logger.Info("subscription status changed",
		"subscription_id", s.ID, "tenant_id", s.TenantID, "from", from, "to", s.Status, "reason", reason)

	if m.notifier == nil {
		return
	}
	change := Change{SubscriptionID: s.ID, TenantID: s.TenantID, From: from, To: s.Status, Reason: reason, At: at}
	if err := m.notifier.SubscriptionChanged(ctx, change); err != nil {
		m.logger.Warn("subscription: notifier failed, tenant will catch up on next read",
			"subscription_id", s.ID, "tenant_id", s.TenantID, "error", err)
	}
}
