package tenant

import (
	"context"

	"github.com/mbd888/dogan/internal/pagination"
)

// ListQuery filters tenant listings. Zero values match everything.
// Results are ordered by (CreatedAt, ID) and start strictly after After.
type ListQuery struct {
	Status Status
	Tier   Tier
	After  *pagination.Cursor
	Limit  int
}

// Store persists tenant data.
//
// Update is a compare-and-swap: it succeeds only when the stored version
// equals expectedVersion, and then stores t with Version expectedVersion+1.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant, expectedVersion int64) error
	List(ctx context.Context, q ListQuery) ([]*Tenant, error)
}
