// Package erpnext keeps each tenant's ERPNext connection settings and checks
// whether the instance is reachable.
package erpnext

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConfigured  = errors.New("erpnext: not configured for tenant")
	ErrTenantNotFound = errors.New("erpnext: tenant not found")
	ErrInvalidInput   = errors.New("erpnext: invalid input")
)

// Instance is a tenant's ERPNext site. A tenant has at most one.
type Instance struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	BaseURL   string    `json:"baseUrl"`
	SiteName  string    `json:"siteName,omitempty"`
	APIKey    string    `json:"-"`
	APISecret string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Configured reports whether credentials are present.
func (i *Instance) Configured() bool {
	return i.APIKey != "" && i.APISecret != ""
}

// Store persists instances keyed by tenant.
type Store interface {
	// Upsert creates or replaces the tenant's instance. On replace the
	// stored ID and CreatedAt are kept and written back into inst.
	Upsert(ctx context.Context, inst *Instance) error
	GetByTenant(ctx context.Context, tenantID string) (*Instance, error)
}

// ConnectionResult is the outcome of a reachability check.
type ConnectionResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	BaseURL   string `json:"baseUrl,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}
