package erpnext

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists instances in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed instance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, inst *Instance) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO erpnext_instances (id, tenant_id, base_url, site_name, api_key, api_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id) DO UPDATE SET
			base_url = EXCLUDED.base_url, site_name = EXCLUDED.site_name,
			api_key = EXCLUDED.api_key, api_secret = EXCLUDED.api_secret,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		inst.ID, inst.TenantID, inst.BaseURL, inst.SiteName, inst.APIKey, inst.APISecret,
		inst.CreatedAt, inst.UpdatedAt,
	).Scan(&inst.ID, &inst.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrTenantNotFound
		}
		return err
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	return nil
}

func (p *PostgresStore) GetByTenant(ctx context.Context, tenantID string) (*Instance, error) {
	inst := &Instance{}
	var site sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, base_url, site_name, api_key, api_secret, created_at, updated_at
		FROM erpnext_instances WHERE tenant_id = $1`, tenantID,
	).Scan(&inst.ID, &inst.TenantID, &inst.BaseURL, &site, &inst.APIKey, &inst.APISecret,
		&inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, err
	}
	inst.SiteName = site.String
	return inst, nil
}

var _ Store = (*PostgresStore)(nil)
