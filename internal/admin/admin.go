// Package admin provides operator-only maintenance endpoints.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/dogan/internal/tenant"
)

// TenantReconciler lists tenants and materializes their effective status.
type TenantReconciler interface {
	List(ctx context.Context, q tenant.ListQuery) ([]*tenant.Tenant, error)
	ResolveEffectiveStatus(ctx context.Context, id string, now time.Time) (tenant.Status, error)
}

// HeartbeatSweeper runs one heartbeat sweep and reports agents taken offline.
type HeartbeatSweeper interface {
	Sweep(ctx context.Context) int
}

// StatsSource reports runtime counters.
type StatsSource interface {
	Stats() map[string]any
}

// TrialReport summarizes a trial reconciliation pass.
type TrialReport struct {
	Checked    int       `json:"checked"`
	Suspended  int       `json:"suspended"`
	Failed     int       `json:"failed"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}
