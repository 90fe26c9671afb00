package server

import (
	"context"

	"github.com/mbd888/dogan/internal/subscription"
	"github.com/mbd888/dogan/internal/tenant"
)

// tenantNotifier turns subscription status changes into tenant signals.
// PastDue keeps the tenant as it is; the grace period is the subscription's
// concern.
type tenantNotifier struct {
	tenants interface {
		ApplySubscriptionSignal(ctx context.Context, sig tenant.Signal) (*tenant.Tenant, error)
	}
}

func (n *tenantNotifier) SubscriptionChanged(ctx context.Context, c subscription.Change) error {
	var entitled bool
	switch c.To {
	case subscription.StatusActive:
		entitled = true
	case subscription.StatusSuspended, subscription.StatusExpired, subscription.StatusCancelled:
		entitled = false
	default:
		return nil
	}
	_, err := n.tenants.ApplySubscriptionSignal(ctx, tenant.Signal{
		TenantID:       c.TenantID,
		SubscriptionID: c.SubscriptionID,
		Entitled:       entitled,
		Reason:         "subscription " + c.SubscriptionID + " " + string(c.To),
		At:             c.At,
	})
	return err
}

var _ subscription.Notifier = (*tenantNotifier)(nil)
