package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dogan/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeNow) {
	t.Helper()
	clk := &fakeNow{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Minute}).WithClock(clk.Now)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clk := newLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("k"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("k"))

	clk.Advance(time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	clk.Advance(time.Hour)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("k"), "refill caps at burst")
	}
	assert.False(t, l.Allow("k"))
}

func TestLimiter_KeysIndependent(t *testing.T) {
	l, _ := newLimiter(t, 60, 2)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_EvictIdle(t *testing.T) {
	l, clk := newLimiter(t, 60, 1)
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))

	clk.Advance(5 * time.Minute)
	l.evictIdle()

	l.mu.Lock()
	_, ok := l.clients["a"]
	l.mu.Unlock()
	assert.False(t, ok)
}

func TestLimiter_StopIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware_PerTenantAndAdminBypass(t *testing.T) {
	mgr := auth.NewManager(auth.NewMemoryStore())
	keyA, _, err := mgr.GenerateKey(context.Background(), "ten_a", auth.SubjectTenantAdmin, "a")
	require.NoError(t, err)
	keyB, _, err := mgr.GenerateKey(context.Background(), "ten_b", auth.SubjectTenantAdmin, "b")
	require.NoError(t, err)

	l, _ := newLimiter(t, 60, 2)
	r := gin.New()
	r.Use(auth.Middleware(mgr, "admin-secret"), l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	call := func(header, value string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if header != "" {
			req.Header.Set(header, value)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, call("Authorization", "Bearer "+keyA))
	assert.Equal(t, http.StatusNoContent, call("Authorization", "Bearer "+keyA))
	assert.Equal(t, http.StatusTooManyRequests, call("Authorization", "Bearer "+keyA))
	assert.Equal(t, http.StatusNoContent, call("Authorization", "Bearer "+keyB))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusNoContent, call(auth.AdminSecretHeader, "admin-secret"))
	}

	assert.Equal(t, http.StatusNoContent, call("", ""))
	assert.Equal(t, http.StatusNoContent, call("", ""))
	assert.Equal(t, http.StatusTooManyRequests, call("", ""))
}
