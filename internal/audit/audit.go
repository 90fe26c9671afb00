// Package audit records lifecycle transitions and policy decisions.
//
// Recording is best effort: a Recorder fans events out to its sinks, logs
// and counts failures, and never returns them to the caller.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/dogan/internal/idgen"
	"github.com/mbd888/dogan/internal/metrics"
)

// Kind classifies an event.
type Kind string

const (
	KindTransition Kind = "transition"
	KindDecision   Kind = "decision"
)

// Entity types for transition events.
const (
	EntityTenant       = "tenant"
	EntitySubscription = "subscription"
	EntityAgent        = "agent"
)

// Decision values.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Event is one audit record. Transition events fill the entity and status
// fields; decision events fill capability and decision.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	TenantID   string    `json:"tenantId,omitempty"`
	EntityType string    `json:"entityType,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Decision   string    `json:"decision,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Transition builds a status-transition event.
func Transition(entityType, entityID, tenantID, from, to, reason string, at time.Time) Event {
	return Event{
		ID:         idgen.WithPrefix(idgen.PrefixAuditEvent),
		Kind:       KindTransition,
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		At:         at,
	}
}

// PolicyDecision builds a policy decision event.
func PolicyDecision(tenantID, capability string, allowed bool, reason, actor string, at time.Time) Event {
	decision := DecisionDeny
	if allowed {
		decision = DecisionAllow
	}
	return Event{
		ID:         idgen.WithPrefix(idgen.PrefixAuditEvent),
		Kind:       KindDecision,
		TenantID:   tenantID,
		Capability: capability,
		Decision:   decision,
		Actor:      actor,
		Reason:     reason,
		At:         at,
	}
}

// Sink persists or forwards audit events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }

type namedSink struct {
	name string
	sink Sink
}

// Recorder fans events out to named sinks.
type Recorder struct {
	sinks  []namedSink
	logger *slog.Logger
}

// NewRecorder creates a Recorder with no sinks.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger}
}

// Add registers a sink under name (used as the failure metric label).
func (r *Recorder) Add(name string, s Sink) *Recorder {
	r.sinks = append(r.sinks, namedSink{name: name, sink: s})
	return r
}

// Record delivers ev to every sink. Sink errors and panics are logged and
// counted; they are never surfaced.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	metrics.AuditEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	for _, ns := range r.sinks {
		r.deliver(ctx, ns, ev)
	}
}

func (r *Recorder) deliver(ctx context.Context, ns namedSink, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			metrics.AuditFailuresTotal.WithLabelValues(ns.name).Inc()
			r.logger.Error("audit sink panicked", "sink", ns.name, "event_id", ev.ID, "panic", p)
		}
	}()
	if err := ns.sink.Record(ctx, ev); err != nil {
		metrics.AuditFailuresTotal.WithLabelValues(ns.name).Inc()
		r.logger.Warn("audit sink failed", "sink", ns.name, "event_id", ev.ID, "kind", ev.Kind, "error", err)
	}
}
