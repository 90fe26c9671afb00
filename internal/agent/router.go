package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/dogan/internal/audit"
	"github.com/mbd888/dogan/internal/auth"
	"github.com/mbd888/dogan/internal/capability"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/idgen"
	"github.com/mbd888/dogan/internal/metrics"
	"github.com/mbd888/dogan/internal/syncutil"
	"github.com/mbd888/dogan/internal/traces"
	"github.com/mbd888/dogan/internal/validation"
)

// CapabilityValidator checks capability tags at registration.
type CapabilityValidator interface {
	Validate(tags []string) ([]string, error)
}

// TenantDirectory answers whether a tenant exists.
type TenantDirectory interface {
	Exists(ctx context.Context, tenantID string) (bool, error)
}

// PlanLimits reports how many agents a tenant's plan allows, 0 meaning
// unlimited. The subscription manager implements it.
type PlanLimits interface {
	AgentLimit(ctx context.Context, tenantID string) (int, error)
}

// KeyIssuer mints API keys for newly registered agents.
type KeyIssuer interface {
	GenerateKey(ctx context.Context, tenantID, subject, name string) (string, *auth.APIKey, error)
}

// RegisterInput describes a new agent.
type RegisterInput struct {
	TenantID     string   `json:"-" validate:"required"`
	EmployeeName string   `json:"employeeName" validate:"required,max=200"`
	Role         string   `json:"role" validate:"required,max=100"`
	Department   string   `json:"department" validate:"required,max=100"`
	TeamID       string   `json:"teamId" validate:"max=100"`
	ManagerID    string   `json:"managerId"`
	Capabilities []string `json:"capabilities" validate:"required,min=1,max=50"`
	ServiceURL   string   `json:"serviceUrl" validate:"omitempty,url"`
}

// Router owns agent status. Reservation is serialized per tenant; every
// write is a version compare-and-swap.
type Router struct {
	store        Store
	capabilities CapabilityValidator
	tenants      TenantDirectory
	limits       PlanLimits
	keys         KeyIssuer
	checkURL     func(string) error
	clock        clock.Clock
	locks        *syncutil.KeyedMutex
	audit        *audit.Recorder
	logger       *slog.Logger
}

// NewRouter creates a router.
func NewRouter(store Store, caps CapabilityValidator, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Router{
		store:        store,
		capabilities: caps,
		clock:        clk,
		locks:        syncutil.NewKeyedMutex(0),
		logger:       slog.Default(),
	}
}

// WithTenants makes Register reject unknown tenants.
func (r *Router) WithTenants(d TenantDirectory) *Router {
	r.tenants = d
	return r
}

// WithPlanLimits makes Register refuse agents beyond the tenant's plan.
func (r *Router) WithPlanLimits(l PlanLimits) *Router {
	r.limits = l
	return r
}

// WithKeyIssuer makes Register mint an API key for each agent.
func (r *Router) WithKeyIssuer(k KeyIssuer) *Router {
	r.keys = k
	return r
}

// WithEndpointCheck makes Register vet ServiceURL, typically with
// security.ValidateEndpointURL.
func (r *Router) WithEndpointCheck(fn func(string) error) *Router {
	r.checkURL = fn
	return r
}

// WithAudit adds an audit recorder.
func (r *Router) WithAudit(a *audit.Recorder) *Router {
	r.audit = a
	return r
}

// WithLogger sets the logger.
func (r *Router) WithLogger(l *slog.Logger) *Router {
	r.logger = l
	return r
}

// Register creates an available agent. The raw API key is returned once
// and is empty when no key issuer is configured.
func (r *Router) Register(ctx context.Context, in RegisterInput) (_ *EmployeeAgent, rawKey string, err error) {
	in.EmployeeName = validation.SanitizeString(in.EmployeeName, 1000)
	in.Role = strings.TrimSpace(in.Role)
	in.Department = strings.TrimSpace(in.Department)
	if verr := validation.Struct(in); verr != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, verr)
	}
	caps, err := r.capabilities.Validate(in.Capabilities)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.ServiceURL != "" && r.checkURL != nil {
		if err := r.checkURL(in.ServiceURL); err != nil {
			return nil, "", fmt.Errorf("%w: serviceUrl: %v", ErrInvalidInput, err)
		}
	}

	ctx, span := traces.StartSpan(ctx, "agent.Register", traces.TenantID(in.TenantID))
	defer func() { traces.End(span, err) }()

	if r.tenants != nil {
		ok, err := r.tenants.Exists(ctx, in.TenantID)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", ErrTenantNotFound
		}
	}
	if r.limits != nil {
		// Held until the agent is stored so concurrent registrations count
		// each other.
		unlock, err := r.locks.LockContext(ctx, in.TenantID)
		if err != nil {
			return nil, "", err
		}
		defer unlock()
		if err := r.checkAgentLimit(ctx, in.TenantID); err != nil {
			return nil, "", err
		}
	}
	if in.ManagerID != "" {
		mgr, err := r.store.Get(ctx, in.ManagerID)
		if errors.Is(err, ErrNotFound) || (err == nil && mgr.TenantID != in.TenantID) {
			return nil, "", fmt.Errorf("%w: manager %s not found in tenant", ErrInvalidInput, in.ManagerID)
		}
		if err != nil {
			return nil, "", err
		}
	}

	now := r.clock.Now()
	a := &EmployeeAgent{
		ID:           idgen.WithPrefix(idgen.PrefixAgent),
		TenantID:     in.TenantID,
		EmployeeName: in.EmployeeName,
		Role:         in.Role,
		Department:   in.Department,
		TeamID:       in.TeamID,
		ManagerID:    in.ManagerID,
		Status:       StatusAvailable,
		Capabilities: caps,
		ServiceURL:   in.ServiceURL,
		LastSeenAt:   &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if r.keys != nil {
		raw, key, err := r.keys.GenerateKey(ctx, a.TenantID, auth.AgentSubject(a.ID), a.EmployeeName)
		if err != nil {
			return nil, "", fmt.Errorf("agent: issue key: %w", err)
		}
		rawKey = raw
		a.APIKeyID = key.ID
	}
	if err = r.store.Create(ctx, a); err != nil {
		return nil, "", err
	}
	span.SetAttributes(traces.AgentID(a.ID))

	r.audit.Record(ctx, audit.Transition(audit.EntityAgent, a.ID, a.TenantID, "", string(StatusAvailable), "registered", now))
	r.logger.Info("agent registered", "agent_id", a.ID, "tenant_id", a.TenantID, "capabilities", caps)
	return a, rawKey, nil
}

func (r *Router) checkAgentLimit(ctx context.Context, tenantID string) error {
	limit, err := r.limits.AgentLimit(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("agent: plan lookup: %w", err)
	}
	if limit <= 0 {
		return nil
	}
	existing, err := r.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(existing) >= limit {
		return fmt.Errorf("%w: %d of %d", ErrAgentLimit, len(existing), limit)
	}
	return nil
}

// Get returns an agent by ID.
func (r *Router) Get(ctx context.Context, id string) (*EmployeeAgent, error) {
	return r.store.Get(ctx, id)
}

// ListByTenant returns the tenant's agents ordered by ID.
func (r *Router) ListByTenant(ctx context.Context, tenantID string) ([]*EmployeeAgent, error) {
	return r.store.ListByTenant(ctx, tenantID)
}

// Reserve selects an available agent of the tenant holding capability and
// marks it busy. It returns ErrNoAgentAvailable when none qualifies.
func (r *Router) Reserve(ctx context.Context, tenantID, capabilityName string) (_ *EmployeeAgent, err error) {
	name := capability.Normalize(capabilityName)
	if tenantID == "" || name == "" {
		return nil, fmt.Errorf("%w: tenant and capability required", ErrInvalidInput)
	}
	ctx, span := traces.StartSpan(ctx, "agent.Reserve", traces.TenantID(tenantID), traces.Capability(name))
	defer func() {
		traces.End(span, err)
		metrics.AgentReservationsTotal.WithLabelValues(reserveResult(err)).Inc()
	}()

	unlock, err := r.locks.LockContext(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cands, err := r.store.ListAvailable(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	sortCandidates(cands)

	// A conflict means another replica got there first; try the next one.
	conflicted := false
	now := r.clock.Now()
	for _, a := range cands {
		a.LastReservedAt = &now
		err = r.apply(ctx, a, StatusBusy, "reserved for "+name, now)
		if errors.Is(err, ErrConflict) {
			conflicted = true
			continue
		}
		if err != nil {
			return nil, err
		}
		span.SetAttributes(traces.AgentID(a.ID))
		return a, nil
	}
	if conflicted {
		return nil, ErrConflict
	}
	return nil, ErrNoAgentAvailable
}

func reserveResult(err error) string {
	switch {
	case err == nil:
		return "reserved"
	case errors.Is(err, ErrNoAgentAvailable):
		return "no_agent"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "error"
}

// Release returns a busy agent to available.
func (r *Router) Release(ctx context.Context, id string) (*EmployeeAgent, error) {
	return r.mutate(ctx, "agent.Release", id, func(a *EmployeeAgent, now time.Time) (Status, string, error) {
		if a.Status != StatusBusy {
			return "", "", fmt.Errorf("%w: release requires busy, agent is %s", ErrInvalidState, a.Status)
		}
		return StatusAvailable, "released", nil
	})
}

// MarkOffline takes an available or busy agent offline. Offline agents are
// never selected until reactivated. A busy agent's task is left to finish.
func (r *Router) MarkOffline(ctx context.Context, id, reason string) (*EmployeeAgent, error) {
	return r.mutate(ctx, "agent.MarkOffline", id, func(a *EmployeeAgent, now time.Time) (Status, string, error) {
		if !a.Status.Live() {
			return "", "", fmt.Errorf("%w: agent is %s", ErrInvalidState, a.Status)
		}
		if reason == "" {
			reason = "marked offline"
		}
		return StatusOffline, reason, nil
	})
}

// MarkAway parks an available agent so it is not selected.
func (r *Router) MarkAway(ctx context.Context, id string) (*EmployeeAgent, error) {
	return r.mutate(ctx, "agent.MarkAway", id, func(a *EmployeeAgent, now time.Time) (Status, string, error) {
		if a.Status != StatusAvailable {
			return "", "", fmt.Errorf("%w: away requires available, agent is %s", ErrInvalidState, a.Status)
		}
		return StatusAway, "away", nil
	})
}

// Reactivate returns an offline or away agent to available. It also counts
// as a heartbeat.
func (r *Router) Reactivate(ctx context.Context, id string) (*EmployeeAgent, error) {
	return r.mutate(ctx, "agent.Reactivate", id, func(a *EmployeeAgent, now time.Time) (Status, string, error) {
		if a.Status != StatusOffline && a.Status != StatusAway {
			return "", "", fmt.Errorf("%w: agent is %s", ErrInvalidState, a.Status)
		}
		a.LastSeenAt = &now
		return StatusAvailable, "reactivated", nil
	})
}

// RecordHeartbeat stores lastSeenAt if it is newer than what is known. It
// never changes status.
func (r *Router) RecordHeartbeat(ctx context.Context, id string, lastSeenAt time.Time) (*EmployeeAgent, error) {
	return r.mutate(ctx, "agent.RecordHeartbeat", id, func(a *EmployeeAgent, now time.Time) (Status, string, error) {
		if a.LastSeenAt != nil && !lastSeenAt.After(*a.LastSeenAt) {
			return "", "", errNoChange
		}
		seen := lastSeenAt.UTC()
		a.LastSeenAt = &seen
		return a.Status, "", nil
	})
}

// SweepHeartbeats marks offline every live agent whose last heartbeat is
// older than threshold as of now. It returns how many were marked.
func (r *Router) SweepHeartbeats(ctx context.Context, now time.Time, threshold time.Duration) (_ int, err error) {
	ctx, span := traces.StartSpan(ctx, "agent.SweepHeartbeats")
	defer func() { traces.End(span, err) }()

	stale, err := r.store.ListSeenBefore(ctx, now.Add(-threshold))
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, cand := range stale {
		offline := false
		_, err := r.mutate(ctx, "agent.markStale", cand.ID, func(a *EmployeeAgent, _ time.Time) (Status, string, error) {
			// Re-checked under the tenant lock; a heartbeat may have landed.
			if !a.Status.Live() || !a.Stale(now, threshold) {
				return "", "", errNoChange
			}
			offline = true
			return StatusOffline, fmt.Sprintf("no heartbeat for %s", threshold), nil
		})
		if err != nil {
			r.logger.Warn("agent: heartbeat sweep skipped agent", "agent_id", cand.ID, "error", err)
			continue
		}
		if offline {
			marked++
		}
	}
	if marked > 0 {
		metrics.AgentsMarkedOfflineTotal.Add(float64(marked))
		r.logger.Info("agents marked offline", "count", marked, "threshold", threshold)
	}
	return marked, nil
}

// ReportingChain returns the agent's managers, nearest first. A dangling
// manager reference ends the chain; a loop returns ErrManagerCycle.
func (r *Router) ReportingChain(ctx context.Context, id string) ([]*EmployeeAgent, error) {
	a, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{a.ID: true}
	var chain []*EmployeeAgent
	for a.ManagerID != "" {
		if visited[a.ManagerID] {
			return nil, fmt.Errorf("%w: at %s", ErrManagerCycle, a.ManagerID)
		}
		mgr, err := r.store.Get(ctx, a.ManagerID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		visited[mgr.ID] = true
		chain = append(chain, mgr)
		a = mgr
	}
	return chain, nil
}

// DirectReports returns the agents whose manager is id.
func (r *Router) DirectReports(ctx context.Context, id string) ([]*EmployeeAgent, error) {
	mgr, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := r.store.ListByTenant(ctx, mgr.TenantID)
	if err != nil {
		return nil, err
	}
	var out []*EmployeeAgent
	for _, a := range all {
		if a.ManagerID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

// SetManager points the agent at a new manager in the same tenant. Cycles
// are rejected. The hierarchy is walked under the tenant lock, so two
// concurrent changes cannot close a loop between them.
func (r *Router) SetManager(ctx context.Context, id, managerID string) (*EmployeeAgent, error) {
	if managerID == id {
		return nil, ErrManagerCycle
	}
	return r.mutate(ctx, "agent.SetManager", id, func(a *EmployeeAgent, now time.Time) (Status, string, error) {
		if managerID != "" {
			mgr, err := r.store.Get(ctx, managerID)
			if errors.Is(err, ErrNotFound) {
				return "", "", fmt.Errorf("%w: manager %s not found", ErrInvalidInput, managerID)
			}
			if err != nil {
				return "", "", err
			}
			if mgr.TenantID != a.TenantID {
				return "", "", fmt.Errorf("%w: manager belongs to another tenant", ErrInvalidInput)
			}
			chain, err := r.ReportingChain(ctx, managerID)
			if err != nil {
				return "", "", err
			}
			for _, m := range append(chain, mgr) {
				if m.ID == id {
					return "", "", ErrManagerCycle
				}
			}
		}
		a.ManagerID = managerID
		return a.Status, "", nil
	})
}

var errNoChange = errors.New("agent: no change")

// mutate loads the agent, takes its tenant lock, re-reads, and applies fn.
// fn returns the target status; an unchanged status writes fields only.
func (r *Router) mutate(ctx context.Context, op, id string,
	fn func(a *EmployeeAgent, now time.Time) (Status, string, error)) (_ *EmployeeAgent, err error) {
	ctx, span := traces.StartSpan(ctx, op, traces.AgentID(id))
	defer func() { traces.End(span, err) }()

	a, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := r.locks.LockContext(ctx, a.TenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if a, err = r.store.Get(ctx, id); err != nil {
		return nil, err
	}
	now := r.clock.Now()
	target, reason, err := fn(a, now)
	if errors.Is(err, errNoChange) {
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	if target == a.Status {
		a.UpdatedAt = now
		if err = r.store.Update(ctx, a, a.Version); err != nil {
			return nil, err
		}
		return a, nil
	}
	if err = r.apply(ctx, a, target, reason, now); err != nil {
		return nil, err
	}
	return a, nil
}

// apply writes a status change with a version check and records it.
func (r *Router) apply(ctx context.Context, a *EmployeeAgent, target Status, reason string, at time.Time) error {
	from := a.Status
	if !CanTransition(from, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, target)
	}
	a.Status = target
	a.UpdatedAt = at
	if err := r.store.Update(ctx, a, a.Version); err != nil {
		a.Status = from
		return err
	}
	metrics.LifecycleTransitionsTotal.WithLabelValues(audit.EntityAgent, string(from), string(target)).Inc()
	r.audit.Record(ctx, audit.Transition(audit.EntityAgent, a.ID, a.TenantID, string(from), string(target), reason, at))
	r.logger.Info("agent status changed", "agent_id", a.ID, "tenant_id", a.TenantID, "from", from, "to", target, "reason", reason)
	return nil
}
