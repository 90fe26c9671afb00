package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresStore persists webhooks in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const webhookColumns = `id, tenant_id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, w *Webhook) error {
	eventsJSON, err := json.Marshal(w.Events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, tenant_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.ID, w.TenantID, w.URL, w.Secret, eventsJSON, w.Active, w.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Webhook, error) {
	w, err := scanWebhook(p.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*Webhook, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks WHERE tenant_id = $1 ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RecordDelivery(ctx context.Context, id string, success bool, errMsg string, at time.Time, maxFailures int) error {
	var res sql.Result
	var err error
	if success {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhooks SET last_success = $1, last_error = '', consecutive_failures = 0
			WHERE id = $2`, at, id)
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhooks SET
				last_error = $1,
				consecutive_failures = consecutive_failures + 1,
				active = CASE WHEN $2 > 0 AND consecutive_failures + 1 >= $2 THEN FALSE ELSE active END
			WHERE id = $3`, errMsg, maxFailures, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWebhook(s scanner) (*Webhook, error) {
	w := &Webhook{}
	var eventsJSON []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString
	if err := s.Scan(
		&w.ID, &w.TenantID, &w.URL, &w.Secret, &eventsJSON,
		&w.Active, &w.CreatedAt, &lastSuccess, &lastError, &w.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eventsJSON, &w.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		w.LastSuccess = &t
	}
	w.LastError = lastError.String
	return w, nil
}

var _ Store = (*PostgresStore)(nil)
