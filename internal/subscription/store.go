package subscription

import "context"

// Store persists subscriptions.
//
// Create enforces at most one non-terminal subscription per tenant and
// returns ErrDuplicateActiveSubscription otherwise. Update is a
// compare-and-swap on Version.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetOpenByTenant(ctx context.Context, tenantID string) (*Subscription, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error)
	Update(ctx context.Context, s *Subscription, expectedVersion int64) error
}
