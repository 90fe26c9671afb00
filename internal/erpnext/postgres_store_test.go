package erpnext

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/dogan/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	_, err := db.Exec(`INSERT INTO tenants (id, name, subdomain, status, subscription_tier)
		VALUES ('ten_pg', 'pg', 'pg', 'trial', 'starter')`)
	require.NoError(t, err)

	_, err = store.GetByTenant(ctx, "ten_pg")
	assert.ErrorIs(t, err, ErrNotConfigured)

	now := time.Now().UTC().Truncate(time.Microsecond)
	first := &Instance{ID: "erp_1", TenantID: "ten_pg", BaseURL: "https://a.test", APIKey: "k", APISecret: "s", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.Upsert(ctx, first))

	second := &Instance{ID: "erp_2", TenantID: "ten_pg", BaseURL: "https://b.test", SiteName: "b", APIKey: "k2", APISecret: "s2",
		CreatedAt: now.Add(time.Hour), UpdatedAt: now.Add(time.Hour)}
	require.NoError(t, store.Upsert(ctx, second))
	assert.Equal(t, "erp_1", second.ID)
	assert.True(t, now.Equal(second.CreatedAt))

	got, err := store.GetByTenant(ctx, "ten_pg")
	require.NoError(t, err)
	assert.Equal(t, "https://b.test", got.BaseURL)
	assert.Equal(t, "b", got.SiteName)
	assert.Equal(t, "s2", got.APISecret)

	orphan := &Instance{ID: "erp_3", TenantID: "ten_nope", BaseURL: "https://c.test", CreatedAt: now, UpdatedAt: now}
	assert.ErrorIs(t, store.Upsert(ctx, orphan), ErrTenantNotFound)
}
