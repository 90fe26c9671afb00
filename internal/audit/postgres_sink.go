package audit

import (
	"context"
	"database/sql"
)

// PostgresSink appends events to the audit_events table. Rows are never
// updated or deleted by the application.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a PostgreSQL-backed sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (p *PostgresSink) Record(ctx context.Context, ev Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, tenant_id, entity_type, entity_id, from_status, to_status,
			capability, decision, actor, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Kind), ev.TenantID, ev.EntityType, ev.EntityID, ev.FromStatus, ev.ToStatus,
		ev.Capability, ev.Decision, ev.Actor, ev.Reason, ev.At,
	)
	return err
}

// ListByTenant returns the newest events for a tenant.
func (p *PostgresSink) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, tenant_id, entity_type, entity_id, from_status, to_status,
			capability, decision, actor, reason, occurred_at
		FROM audit_events WHERE tenant_id = $1
		ORDER BY occurred_at DESC, id DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.TenantID, &ev.EntityType, &ev.EntityID,
			&ev.FromStatus, &ev.ToStatus, &ev.Capability, &ev.Decision, &ev.Actor, &ev.Reason, &ev.At); err != nil {
			return nil, err
		}
		ev.Kind = Kind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

var _ Sink = (*PostgresSink)(nil)
