package erpnext

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/idgen"
	"github.com/mbd888/dogan/internal/tenant"
)

// Pinger checks that an instance answers.
type Pinger interface {
	Ping(ctx context.Context, inst *Instance) error
}

// TenantProfiles records the instance on the tenant.
type TenantProfiles interface {
	Exists(ctx context.Context, id string) (bool, error)
	UpdateProfile(ctx context.Context, id string, in tenant.UpdateInput) (*tenant.Tenant, error)
}

// ConfigureInput carries a tenant's connection settings.
type ConfigureInput struct {
	BaseURL   string `json:"baseUrl" binding:"required"`
	SiteName  string `json:"siteName"`
	APIKey    string `json:"apiKey" binding:"required"`
	APISecret string `json:"apiSecret" binding:"required"`
}

// Directory manages per-tenant ERPNext connections.
type Directory struct {
	store   Store
	pinger  Pinger
	tenants TenantProfiles
	clock   clock.Clock
	logger  *slog.Logger
}

// NewDirectory creates a directory.
func NewDirectory(store Store, pinger Pinger, tenants TenantProfiles, clk clock.Clock) *Directory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Directory{store: store, pinger: pinger, tenants: tenants, clock: clk, logger: slog.Default()}
}

// WithLogger sets the logger.
func (d *Directory) WithLogger(l *slog.Logger) *Directory {
	d.logger = l
	return d
}

// Configure stores the tenant's connection and links it on the tenant.
// Reconfiguring replaces the settings and keeps the instance ID.
func (d *Directory) Configure(ctx context.Context, tenantID string, in ConfigureInput) (*Instance, error) {
	base := strings.TrimRight(strings.TrimSpace(in.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: baseUrl must be an http(s) URL", ErrInvalidInput)
	}
	if in.APIKey == "" || in.APISecret == "" {
		return nil, fmt.Errorf("%w: apiKey and apiSecret required", ErrInvalidInput)
	}

	ok, err := d.tenants.Exists(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTenantNotFound
	}

	now := d.clock.Now()
	inst := &Instance{
		ID:        idgen.WithPrefix(idgen.PrefixInstance),
		TenantID:  tenantID,
		BaseURL:   base,
		SiteName:  strings.TrimSpace(in.SiteName),
		APIKey:    in.APIKey,
		APISecret: in.APISecret,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.Upsert(ctx, inst); err != nil {
		return nil, err
	}
	if _, err := d.tenants.UpdateProfile(ctx, tenantID, tenant.UpdateInput{ErpNextInstanceID: &inst.ID}); err != nil {
		return nil, fmt.Errorf("erpnext: link instance to tenant: %w", err)
	}
	d.logger.Info("erpnext configured", "tenant_id", tenantID, "instance_id", inst.ID, "base_url", base)
	return inst, nil
}

// Get returns the tenant's instance.
func (d *Directory) Get(ctx context.Context, tenantID string) (*Instance, error) {
	return d.store.GetByTenant(ctx, tenantID)
}

// TestConnection checks the tenant's instance. Check failures are reported
// in the result; only a missing configuration or a store error is returned
// as an error.
func (d *Directory) TestConnection(ctx context.Context, tenantID string) (*ConnectionResult, error) {
	inst, err := d.store.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !inst.Configured() {
		return nil, ErrNotConfigured
	}

	started := d.clock.Now()
	err = d.pinger.Ping(ctx, inst)
	res := &ConnectionResult{
		BaseURL:   inst.BaseURL,
		LatencyMs: d.clock.Now().Sub(started).Milliseconds(),
	}
	if err != nil {
		res.Message = err.Error()
		d.logger.Warn("erpnext connection test failed", "tenant_id", tenantID, "error", err)
		return res, nil
	}
	res.Success = true
	res.Message = "connection successful"
	return res, nil
}
