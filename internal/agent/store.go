package agent

import (
	"context"
	"time"
)

// Store persists employee agents.
type Store interface {
	Create(ctx context.Context, a *EmployeeAgent) error
	Get(ctx context.Context, id string) (*EmployeeAgent, error)
	// Update replaces the agent if its stored version equals
	// expectedVersion, returning ErrConflict otherwise.
	Update(ctx context.Context, a *EmployeeAgent, expectedVersion int64) error
	ListByTenant(ctx context.Context, tenantID string) ([]*EmployeeAgent, error)
	// ListAvailable returns the tenant's available agents holding capability.
	ListAvailable(ctx context.Context, tenantID, capability string) ([]*EmployeeAgent, error)
	// ListSeenBefore returns available or busy agents last seen before cutoff.
	ListSeenBefore(ctx context.Context, cutoff time.Time) ([]*EmployeeAgent, error)
}
