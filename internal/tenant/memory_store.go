package tenant

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu         sync.RWMutex
	tenants    map[string]*Tenant // by ID
	subdomains map[string]string  // lowercased subdomain → ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:    make(map[string]*Tenant),
		subdomains: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(t.Subdomain)
	if _, exists := m.subdomains[key]; exists {
		return ErrDuplicateSubdomain
	}

	m.tenants[t.ID] = t.clone()
	m.subdomains[key] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) GetBySubdomain(_ context.Context, subdomain string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.subdomains[strings.ToLower(subdomain)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.tenants[id].clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tenants[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	cp := t.clone()
	cp.Subdomain = cur.Subdomain
	cp.Version = expectedVersion + 1
	m.tenants[t.ID] = cp
	t.Version = cp.Version
	return nil
}

func (m *MemoryStore) List(_ context.Context, q ListQuery) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenant
	for _, t := range m.tenants {
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if q.Tier != "" && t.SubscriptionTier != q.Tier {
			continue
		}
		if !q.After.After(t.CreatedAt, t.ID) {
			continue
		}
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
