package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/dogan/internal/audit"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/logging"
	"github.com/mbd888/dogan/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type countingSweeper struct{ calls int }

func (s *countingSweeper) Sweep(context.Context) int {
	s.calls++
	return 3
}

type staticStats map[string]any

func (s staticStats) Stats() map[string]any { return s }

func do(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestReconcileTrials(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(start)
	mgr := tenant.NewManager(tenant.NewMemoryStore(), clk).WithLogger(logging.Discard())

	short, err := mgr.Create(ctx, tenant.CreateInput{Name: "Short", Subdomain: "short", TrialDays: 1})
	require.NoError(t, err)
	_, err = mgr.Create(ctx, tenant.CreateInput{Name: "Long", Subdomain: "long", TrialDays: 30})
	require.NoError(t, err)
	paid, err := mgr.Create(ctx, tenant.CreateInput{Name: "Paid", Subdomain: "paid", TrialDays: 1})
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, paid.ID, tenant.StatusActive, "paid")
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)

	h := NewHandler(clk).WithTenants(mgr)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	w := do(r, http.MethodPost, "/v1/admin/trials/reconcile")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Report TrialReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Report.Checked)
	assert.Equal(t, 1, resp.Report.Suspended)
	assert.Zero(t, resp.Report.Failed)

	got, err := mgr.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusSuspended, got.Status)

	// A second pass finds nothing left to do.
	report, err := h.ReconcileTrials(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestNotConfigured(t *testing.T) {
	r := gin.New()
	NewHandler(clock.NewFake(start)).RegisterRoutes(r.Group("/v1"))

	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodPost, "/v1/admin/trials/reconcile").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodPost, "/v1/admin/agents/sweep").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/v1/admin/denials/export?tenantId=ten_1").Code)

	w := do(r, http.MethodGet, "/v1/admin/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
}

func TestSweepAndStats(t *testing.T) {
	sweeper := &countingSweeper{}
	r := gin.New()
	NewHandler(clock.NewFake(start)).
		WithSweeper(sweeper).
		WithStats("realtime", staticStats{"connectedClients": 2}).
		RegisterRoutes(r.Group("/v1"))

	w := do(r, http.MethodPost, "/v1/admin/agents/sweep")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"offlineCount":3}`, w.Body.String())
	assert.Equal(t, 1, sweeper.calls)

	w = do(r, http.MethodGet, "/v1/admin/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"realtime":{"connectedClients":2}}`, w.Body.String())
}

func TestExportDenials(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewMemorySink()
	_ = sink.Record(ctx, audit.PolicyDecision("ten_1", "quotation", false, "no_subscription", "key_1", start.AddDate(0, 0, -60)))
	_ = sink.Record(ctx, audit.PolicyDecision("ten_1", "quotation", false, "tenant_suspended", "key_1", start.Add(-time.Hour)))
	_ = sink.Record(ctx, audit.PolicyDecision("ten_1", "reporting", true, "allowed", "key_1", start))
	_ = sink.Record(ctx, audit.PolicyDecision("ten_2", "reporting", false, "no_subscription", "key_2", start))

	r := gin.New()
	NewHandler(clock.NewFake(start)).WithAuditReader(sink).RegisterRoutes(r.Group("/v1"))

	w := do(r, http.MethodGet, "/v1/admin/denials/export?tenantId=ten_1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), "tenant_suspended")

	w = do(r, http.MethodGet, "/v1/admin/denials/export?tenantId=ten_1&since=2025-01-01T00:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/admin/denials/export").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/admin/denials/export?tenantId=ten_1&since=yesterday").Code)
}
