package erpnext

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory instance store for demo/development.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance // by tenant ID
}

// NewMemoryStore creates a new in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (m *MemoryStore) Upsert(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.instances[inst.TenantID]; ok {
		inst.ID = cur.ID
		inst.CreatedAt = cur.CreatedAt
	}
	cp := *inst
	m.instances[inst.TenantID] = &cp
	return nil
}

func (m *MemoryStore) GetByTenant(_ context.Context, tenantID string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[tenantID]
	if !ok {
		return nil, ErrNotConfigured
	}
	cp := *inst
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
