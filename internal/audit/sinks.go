package audit

import (
	"context"
	"log/slog"
	"sync"
)

// LogSink writes events to a structured logger. Denials and violations are
// logged at warn so they stand out.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindDecision:
		level := slog.LevelInfo
		if ev.Decision == DecisionDeny {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "policy decision",
			"event_id", ev.ID,
			"tenant_id", ev.TenantID,
			"capability", ev.Capability,
			"decision", ev.Decision,
			"reason", ev.Reason,
			"actor", ev.Actor,
			"at", ev.At,
		)
	default:
		s.logger.InfoContext(ctx, "status transition",
			"event_id", ev.ID,
			"entity_type", ev.EntityType,
			"entity_id", ev.EntityID,
			"tenant_id", ev.TenantID,
			"from", ev.FromStatus,
			"to", ev.ToStatus,
			"reason", ev.Reason,
			"at", ev.At,
		)
	}
	return nil
}

// MemorySink keeps events in memory, mostly for tests and development.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ListByTenant returns up to limit of a tenant's events, newest first.
func (s *MemorySink) ListByTenant(_ context.Context, tenantID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].TenantID == tenantID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

// ByKind returns recorded events of one kind.
func (s *MemorySink) ByKind(kind Kind) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*MemorySink)(nil)
	_ Sink = SinkFunc(nil)
)
