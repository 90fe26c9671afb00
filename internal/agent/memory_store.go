package agent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory agent store for demo/development.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*EmployeeAgent
}

// NewMemoryStore creates a new in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*EmployeeAgent)}
}

func (m *MemoryStore) Create(_ context.Context, a *EmployeeAgent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*EmployeeAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, a *EmployeeAgent, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.agents[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	cp := a.clone()
	cp.TenantID = cur.TenantID
	cp.Version = expectedVersion + 1
	m.agents[a.ID] = cp
	a.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*EmployeeAgent, error) {
	return m.filter(func(a *EmployeeAgent) bool { return a.TenantID == tenantID }), nil
}

func (m *MemoryStore) ListAvailable(_ context.Context, tenantID, capability string) ([]*EmployeeAgent, error) {
	return m.filter(func(a *EmployeeAgent) bool {
		return a.TenantID == tenantID && a.Status == StatusAvailable && a.HasCapability(capability)
	}), nil
}

func (m *MemoryStore) ListSeenBefore(_ context.Context, cutoff time.Time) ([]*EmployeeAgent, error) {
	return m.filter(func(a *EmployeeAgent) bool {
		if !a.Status.Live() {
			return false
		}
		seen := a.CreatedAt
		if a.LastSeenAt != nil {
			seen = *a.LastSeenAt
		}
		return seen.Before(cutoff)
	}), nil
}

func (m *MemoryStore) filter(keep func(*EmployeeAgent) bool) []*EmployeeAgent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*EmployeeAgent
	for _, a := range m.agents {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ Store = (*MemoryStore)(nil)
