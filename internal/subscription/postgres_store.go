package subscription

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists subscriptions in PostgreSQL. The one-open-per-tenant
// rule is backed by a partial unique index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, tenant_id, plan_type, start_date, end_date, status, monthly_price_cents,
	payment_provider, provider_subscription_id, next_billing_date, failed_payments, version,
	created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.TenantID, string(s.PlanType), s.StartDate, s.EndDate, string(s.Status), s.MonthlyPriceCents,
		s.PaymentProvider, s.ProviderSubscriptionID, s.NextBillingDate, s.FailedPayments, s.Version,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "23505":
				return ErrDuplicateActiveSubscription
			case "23503":
				return ErrTenantNotFound
			}
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (p *PostgresStore) GetOpenByTenant(ctx context.Context, tenantID string) (*Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = $1 AND status NOT IN ('expired', 'cancelled')`, tenantID))
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = $1 ORDER BY created_at DESC, id DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, s *Subscription, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET plan_type = $1, end_date = $2, status = $3, monthly_price_cents = $4,
			payment_provider = $5, provider_subscription_id = $6, next_billing_date = $7,
			failed_payments = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		string(s.PlanType), s.EndDate, string(s.Status), s.MonthlyPriceCents,
		s.PaymentProvider, s.ProviderSubscriptionID, s.NextBillingDate,
		s.FailedPayments, s.UpdatedAt, s.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, s.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	s.Version = expectedVersion + 1
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	s := &Subscription{}
	var (
		plan, status      string
		provider, provSub sql.NullString
		endDate, nextBill sql.NullTime
	)
	err := row.Scan(&s.ID, &s.TenantID, &plan, &s.StartDate, &endDate, &status, &s.MonthlyPriceCents,
		&provider, &provSub, &nextBill, &s.FailedPayments, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.PlanType = PlanType(plan)
	s.Status = Status(status)
	s.PaymentProvider = provider.String
	s.ProviderSubscriptionID = provSub.String
	if endDate.Valid {
		t := endDate.Time.UTC()
		s.EndDate = &t
	}
	if nextBill.Valid {
		t := nextBill.Time.UTC()
		s.NextBillingDate = &t
	}
	return s, nil
}

var _ Store = (*PostgresStore)(nil)
