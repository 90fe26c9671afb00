package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, name, subdomain, domain, status, operator_hold, subscription_tier, trial_end_date,
	erpnext_instance_id, metadata, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	metaJSON, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Name, t.Subdomain, t.Domain, string(t.Status), t.OperatorHold, string(t.SubscriptionTier), t.TrialEndDate,
		t.ErpNextInstanceID, metaJSON, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateSubdomain
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE lower(subdomain) = lower($1)`, subdomain))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant, expectedVersion int64) error {
	metaJSON, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, domain = $2, status = $3, operator_hold = $4, subscription_tier = $5,
			trial_end_date = $6, erpnext_instance_id = $7, metadata = $8, updated_at = $9,
			version = version + 1
		WHERE id = $10 AND version = $11`,
		t.Name, t.Domain, string(t.Status), t.OperatorHold, string(t.SubscriptionTier), t.TrialEndDate,
		t.ErpNextInstanceID, metaJSON, t.UpdatedAt, t.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a stale version.
		if _, err := p.Get(ctx, t.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	t.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) List(ctx context.Context, q ListQuery) ([]*Tenant, error) {
	var (
		where []string
		args  []any
	)
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Tier != "" {
		args = append(args, string(q.Tier))
		where = append(where, fmt.Sprintf("subscription_tier = $%d", len(args)))
	}
	if q.After != nil {
		args = append(args, q.After.CreatedAt, q.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Tenant
	for rows.Next() {
		t, err := p.scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanTenant(row scanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		status, tier string
		domain, erp  sql.NullString
		trialEnd     sql.NullTime
		metaJSON     []byte
	)
	err := row.Scan(&t.ID, &t.Name, &t.Subdomain, &domain, &status, &t.OperatorHold, &tier, &trialEnd,
		&erp, &metaJSON, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.SubscriptionTier = Tier(tier)
	t.Domain = domain.String
	t.ErpNextInstanceID = erp.String
	if trialEnd.Valid {
		end := trialEnd.Time.UTC()
		t.TrialEndDate = &end
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &t.Metadata)
	}
	return t, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*PostgresStore)(nil)
