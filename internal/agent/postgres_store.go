package agent

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists agents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed agent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const agentColumns = `id, tenant_id, employee_name, role, department, team_id, manager_id, status,
	capabilities, api_key_id, service_url, last_reserved_at, last_seen_at, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *EmployeeAgent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO employee_agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		a.ID, a.TenantID, a.EmployeeName, a.Role, a.Department, nullString(a.TeamID), nullString(a.ManagerID),
		string(a.Status), pq.Array(a.Capabilities), nullString(a.APIKeyID), nullString(a.ServiceURL),
		a.LastReservedAt, a.LastSeenAt, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrTenantNotFound
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*EmployeeAgent, error) {
	return scanAgent(p.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM employee_agents WHERE id = $1`, id))
}

func (p *PostgresStore) Update(ctx context.Context, a *EmployeeAgent, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE employee_agents SET employee_name = $1, role = $2, department = $3, team_id = $4,
			manager_id = $5, status = $6, capabilities = $7, api_key_id = $8, service_url = $9,
			last_reserved_at = $10, last_seen_at = $11, updated_at = $12, version = version + 1
		WHERE id = $13 AND version = $14`,
		a.EmployeeName, a.Role, a.Department, nullString(a.TeamID), nullString(a.ManagerID),
		string(a.Status), pq.Array(a.Capabilities), nullString(a.APIKeyID), nullString(a.ServiceURL),
		a.LastReservedAt, a.LastSeenAt, a.UpdatedAt, a.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, a.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	a.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*EmployeeAgent, error) {
	return p.query(ctx, `
		SELECT `+agentColumns+` FROM employee_agents WHERE tenant_id = $1 ORDER BY id`, tenantID)
}

func (p *PostgresStore) ListAvailable(ctx context.Context, tenantID, capability string) ([]*EmployeeAgent, error) {
	return p.query(ctx, `
		SELECT `+agentColumns+` FROM employee_agents
		WHERE tenant_id = $1 AND status = 'available' AND $2 = ANY(capabilities)
		ORDER BY last_reserved_at ASC NULLS FIRST, id`, tenantID, capability)
}

func (p *PostgresStore) ListSeenBefore(ctx context.Context, cutoff time.Time) ([]*EmployeeAgent, error) {
	return p.query(ctx, `
		SELECT `+agentColumns+` FROM employee_agents
		WHERE status IN ('available', 'busy') AND COALESCE(last_seen_at, created_at) < $1
		ORDER BY id`, cutoff)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*EmployeeAgent, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*EmployeeAgent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*EmployeeAgent, error) {
	a := &EmployeeAgent{}
	var (
		status                           string
		teamID, managerID, keyID, svcURL sql.NullString
		lastReserved, lastSeen           sql.NullTime
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.EmployeeName, &a.Role, &a.Department, &teamID, &managerID,
		&status, pq.Array(&a.Capabilities), &keyID, &svcURL, &lastReserved, &lastSeen,
		&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.TeamID = teamID.String
	a.ManagerID = managerID.String
	a.APIKeyID = keyID.String
	a.ServiceURL = svcURL.String
	if lastReserved.Valid {
		t := lastReserved.Time.UTC()
		a.LastReservedAt = &t
	}
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		a.LastSeenAt = &t
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
