package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dogan/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	_, err := db.Exec(`INSERT INTO tenants (id, name, subdomain, status, subscription_tier)
		VALUES ('ten_pg', 'pg', 'pg', 'trial', 'starter')`)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Create(ctx, &Webhook{
		ID: "wh_1", TenantID: "ten_pg", URL: "https://a.test", Secret: "s",
		Events: []string{"tenant.*", "policy.deny"}, Active: true, CreatedAt: now,
	}))

	hooks, err := store.ListByTenant(ctx, "ten_pg")
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, []string{"tenant.*", "policy.deny"}, hooks[0].Events)
	assert.Equal(t, "s", hooks[0].Secret)

	require.NoError(t, store.RecordDelivery(ctx, "wh_1", false, "status 502", now, 2))
	require.NoError(t, store.RecordDelivery(ctx, "wh_1", false, "status 502", now, 2))
	got, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.Equal(t, "status 502", got.LastError)

	require.NoError(t, store.RecordDelivery(ctx, "wh_1", true, "", now, 2))
	got, _ = store.Get(ctx, "wh_1")
	assert.Equal(t, 0, got.ConsecutiveFailures)
	require.NotNil(t, got.LastSuccess)

	assert.ErrorIs(t, store.Delete(ctx, "ten_other", "wh_1"), ErrNotFound)
	require.NoError(t, store.Delete(ctx, "ten_pg", "wh_1"))
	_, err = store.Get(ctx, "wh_1")
	assert.ErrorIs(t, err, ErrNotFound)
}
