package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/dogan/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type handlerFixture struct {
	*fixture
	router  *gin.Engine
	authMgr *auth.Manager
}

func setupHandler(t *testing.T) *handlerFixture {
	t.Helper()
	f := newFixture(t)
	authMgr := auth.NewManager(auth.NewMemoryStore())
	h := NewHandler(f.mgr, authMgr).WithDefaultTrialDays(14)

	r := gin.New()
	r.Use(auth.Middleware(authMgr, adminSecret))
	v1 := r.Group("/v1")
	h.RegisterAdminRoutes(v1.Group("", auth.RequireAdmin()))
	h.RegisterProtectedRoutes(v1.Group("", auth.RequireTenant("id")))
	return &handlerFixture{fixture: f, router: r, authMgr: authMgr}
}

func (hf *handlerFixture) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	hf.router.ServeHTTP(w, req)
	return w
}

var asAdmin = map[string]string{auth.AdminSecretHeader: adminSecret}

func TestCreateTenant_Success(t *testing.T) {
	hf := setupHandler(t)

	w := hf.do(http.MethodPost, "/v1/tenants", gin.H{"name": "Acme", "subdomain": "acme"}, asAdmin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Tenant Tenant `json:"tenant"`
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusTrial, resp.Tenant.Status)
	assert.Equal(t, start.AddDate(0, 0, 14), *resp.Tenant.TrialEndDate)
	assert.NotEmpty(t, resp.APIKey)

	key, err := hf.authMgr.ValidateKey(context.Background(), resp.APIKey)
	require.NoError(t, err)
	assert.Equal(t, resp.Tenant.ID, key.TenantID)
}

func TestCreateTenant_Errors(t *testing.T) {
	hf := setupHandler(t)

	w := hf.do(http.MethodPost, "/v1/tenants", gin.H{"name": "Acme", "subdomain": "acme"}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = hf.do(http.MethodPost, "/v1/tenants", gin.H{"name": "Acme"}, asAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = hf.do(http.MethodPost, "/v1/tenants", gin.H{"name": "Acme", "subdomain": "-bad-"}, asAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_input")

	require.Equal(t, http.StatusCreated, hf.do(http.MethodPost, "/v1/tenants", gin.H{"name": "Acme", "subdomain": "acme"}, asAdmin).Code)
	w = hf.do(http.MethodPost, "/v1/tenants", gin.H{"name": "Acme 2", "subdomain": "Acme"}, asAdmin)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "subdomain_taken")
}

func TestGetTenant_ReportsEffectiveStatus(t *testing.T) {
	hf := setupHandler(t)
	tn := hf.create(t, "acme", 14)
	rawKey, _, err := hf.authMgr.GenerateKey(context.Background(), tn.ID, auth.SubjectTenantAdmin, "k")
	require.NoError(t, err)
	asTenant := map[string]string{"Authorization": rawKey}

	hf.clk.Advance(15 * 24 * time.Hour)

	w := hf.do(http.MethodGet, "/v1/tenants/"+tn.ID, nil, asTenant)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"suspended"`)

	other := hf.create(t, "globex", 14)
	w = hf.do(http.MethodGet, "/v1/tenants/"+other.ID, nil, asTenant)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = hf.do(http.MethodGet, "/v1/tenants/ten_missing", nil, asAdmin)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateTenant(t *testing.T) {
	hf := setupHandler(t)
	tn := hf.create(t, "acme", 14)
	rawKey, _, _ := hf.authMgr.GenerateKey(context.Background(), tn.ID, auth.SubjectTenantAdmin, "k")
	asTenant := map[string]string{"Authorization": rawKey}

	w := hf.do(http.MethodPatch, "/v1/tenants/"+tn.ID, gin.H{"name": "Acme Renamed"}, asTenant)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Acme Renamed")

	w = hf.do(http.MethodPatch, "/v1/tenants/"+tn.ID, gin.H{"tier": "enterprise"}, asTenant)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = hf.do(http.MethodPatch, "/v1/tenants/"+tn.ID, gin.H{"tier": "enterprise"}, asAdmin)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTransitionTenant(t *testing.T) {
	hf := setupHandler(t)
	tn := hf.create(t, "acme", 14)

	w := hf.do(http.MethodPost, "/v1/tenants/"+tn.ID+"/transition", gin.H{"status": "suspended", "reason": "abuse"}, asAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"suspended"`)

	w = hf.do(http.MethodPost, "/v1/tenants/"+tn.ID+"/transition", gin.H{"status": "trial"}, asAdmin)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_transition")
}

func TestListTenants(t *testing.T) {
	hf := setupHandler(t)
	hf.create(t, "acme", 14)
	b := hf.create(t, "globex", 14)
	_, _ = hf.mgr.Transition(context.Background(), b.ID, StatusActive, "paid")

	w := hf.do(http.MethodGet, "/v1/tenants?status=active", nil, asAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), "globex")

	w = hf.do(http.MethodGet, "/v1/tenants?subdomain=ACME", nil, asAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subdomain":"acme"`)

	w = hf.do(http.MethodGet, "/v1/tenants?limit=0", nil, asAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = hf.do(http.MethodGet, "/v1/tenants?status=paused", nil, asAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTenants_Cursor(t *testing.T) {
	hf := setupHandler(t)
	hf.create(t, "acme", 14)
	hf.create(t, "globex", 14)

	type page struct {
		Tenants    []Tenant `json:"tenants"`
		NextCursor string   `json:"nextCursor"`
		HasMore    bool     `json:"hasMore"`
	}

	w := hf.do(http.MethodGet, "/v1/tenants?limit=1", nil, asAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	var first page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Tenants, 1)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	w = hf.do(http.MethodGet, "/v1/tenants?limit=1&cursor="+first.NextCursor, nil, asAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	var second page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.Len(t, second.Tenants, 1)
	assert.False(t, second.HasMore)
	assert.NotEqual(t, first.Tenants[0].ID, second.Tenants[0].ID)

	w = hf.do(http.MethodGet, "/v1/tenants?cursor=%21%21", nil, asAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}
