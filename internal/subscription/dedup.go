package subscription

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Deduper remembers which billing events were already applied.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// MemoryDeduper keeps keys in process memory.
type MemoryDeduper struct {
	mu   sync.Mutex
	keys map[string]time.Time // key → expiry
	now  func() time.Time
}

// NewMemoryDeduper creates an in-memory deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{keys: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.keys[key]
	if !ok {
		return false, nil
	}
	if d.now().After(exp) {
		delete(d.keys, key)
		return false, nil
	}
	return true, nil
}

func (d *MemoryDeduper) Mark(_ context.Context, key string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[key] = d.now().Add(ttl)
	return nil
}

// RedisDeduper shares applied-event keys between replicas.
type RedisDeduper struct {
	client *redis.Client
	prefix string
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "dogan:billing:"}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return d.client.SetNX(ctx, d.prefix+key, 1, ttl).Err()
}

// PostgresDeduper stores applied-event keys in the billing_events table.
type PostgresDeduper struct {
	db *sql.DB
}

// NewPostgresDeduper creates a PostgreSQL-backed deduper.
func NewPostgresDeduper(db *sql.DB) *PostgresDeduper {
	return &PostgresDeduper{db: db}
}

func (d *PostgresDeduper) Seen(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM billing_events WHERE dedup_key = $1 AND expires_at > NOW())`,
		key).Scan(&exists)
	return exists, err
}

func (d *PostgresDeduper) Mark(ctx context.Context, key string, ttl time.Duration) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO billing_events (dedup_key, expires_at) VALUES ($1, $2)
		ON CONFLICT (dedup_key) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		key, time.Now().Add(ttl))
	return err
}

var (
	_ Deduper = (*MemoryDeduper)(nil)
	_ Deduper = (*RedisDeduper)(nil)
	_ Deduper = (*PostgresDeduper)(nil)
)
