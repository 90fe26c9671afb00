package webhooks

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	hooks map[string]*Webhook
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hooks: make(map[string]*Webhook)}
}

func (m *MemoryStore) Create(_ context.Context, w *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[w.ID] = clone(w)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.hooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(w), nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Webhook
	for _, w := range m.hooks {
		if w.TenantID == tenantID {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.hooks[id]
	if !ok || w.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.hooks, id)
	return nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, success bool, errMsg string, at time.Time, maxFailures int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.hooks[id]
	if !ok {
		return ErrNotFound
	}
	if success {
		t := at
		w.LastSuccess = &t
		w.LastError = ""
		w.ConsecutiveFailures = 0
		return nil
	}
	w.LastError = errMsg
	w.ConsecutiveFailures++
	if maxFailures > 0 && w.ConsecutiveFailures >= maxFailures {
		w.Active = false
	}
	return nil
}

func clone(w *Webhook) *Webhook {
	cp := *w
	cp.Events = slices.Clone(w.Events)
	if w.LastSuccess != nil {
		t := *w.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
