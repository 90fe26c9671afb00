package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/dogan/internal/audit"
	"github.com/mbd888/dogan/internal/auth"
	"github.com/mbd888/dogan/internal/capability"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/logging"
	"github.com/mbd888/dogan/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type tenantSet map[string]bool

func (t tenantSet) Exists(_ context.Context, id string) (bool, error) { return t[id], nil }

type planLimits map[string]int

func (p planLimits) AgentLimit(_ context.Context, tenantID string) (int, error) {
	return p[tenantID], nil
}

type fixture struct {
	router *Router
	store  *MemoryStore
	clk    *clock.Fake
	keys   *auth.Manager
	sink   *audit.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	clk := clock.NewFake(start)
	keys := auth.NewManager(auth.NewMemoryStore())
	sink := audit.NewMemorySink()
	r := NewRouter(store, capability.DefaultRegistry(), clk).
		WithTenants(tenantSet{"ten_1": true, "ten_2": true}).
		WithKeyIssuer(keys).
		WithAudit(audit.NewRecorder(logging.Discard()).Add("memory", sink)).
		WithLogger(logging.Discard())
	return &fixture{router: r, store: store, clk: clk, keys: keys, sink: sink}
}

// seed inserts an available agent with a fixed ID.
func (f *fixture) seed(t *testing.T, id, tenantID string, caps ...string) *EmployeeAgent {
	t.Helper()
	now := f.clk.Now()
	a := &EmployeeAgent{
		ID:           id,
		TenantID:     tenantID,
		EmployeeName: "Agent " + id,
		Role:         "sales",
		Department:   "Sales",
		Status:       StatusAvailable,
		Capabilities: caps,
		LastSeenAt:   &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.store.Create(context.Background(), a))
	return a
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, raw, err := f.router.Register(ctx, RegisterInput{
		TenantID:     "ten_1",
		EmployeeName: "Ada",
		Role:         "Sales Rep",
		Department:   "Sales",
		Capabilities: []string{"Quotation", "sales_order", "quotation"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, a.Status)
	assert.Equal(t, []string{"quotation", "sales_order"}, a.Capabilities)
	assert.NotEmpty(t, raw)

	key, err := f.keys.ValidateKey(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, auth.AgentSubject(a.ID), key.Subject)
	assert.Equal(t, key.ID, a.APIKeyID)

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EntityAgent, events[0].EntityType)
}

func TestRegister_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.seed(t, "agt_other", "ten_2", "quotation")

	valid := RegisterInput{TenantID: "ten_1", EmployeeName: "Ada", Role: "Rep", Department: "Sales", Capabilities: []string{"quotation"}}

	in := valid
	in.Capabilities = []string{"quotation", "time_travel"}
	_, _, err := f.router.Register(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	in = valid
	in.Capabilities = nil
	_, _, err = f.router.Register(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	in = valid
	in.EmployeeName = ""
	_, _, err = f.router.Register(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	in = valid
	in.TenantID = "ten_missing"
	_, _, err = f.router.Register(ctx, in)
	assert.ErrorIs(t, err, ErrTenantNotFound)

	in = valid
	in.ManagerID = other.ID
	_, _, err = f.router.Register(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidInput, "manager must be in the same tenant")
}

func TestRegister_EndpointCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.router.WithEndpointCheck(security.URLPolicy{Resolve: func(string) ([]string, error) {
		return []string{"93.184.216.34"}, nil
	}}.Check)

	in := RegisterInput{TenantID: "ten_1", EmployeeName: "Ada", Role: "Rep", Department: "Sales",
		Capabilities: []string{"quotation"}, ServiceURL: "http://127.0.0.1:9000/agent"}
	_, _, err := f.router.Register(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	in.ServiceURL = "https://agents.example.com/ada"
	a, _, err := f.router.Register(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "https://agents.example.com/ada", a.ServiceURL)
}

func TestRegister_PlanAgentLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.router.WithPlanLimits(planLimits{"ten_1": 2})

	in := RegisterInput{TenantID: "ten_1", EmployeeName: "Ada", Role: "Rep", Department: "Sales",
		Capabilities: []string{"quotation"}}
	for i := 0; i < 2; i++ {
		_, _, err := f.router.Register(ctx, in)
		require.NoError(t, err)
	}
	_, _, err := f.router.Register(ctx, in)
	assert.ErrorIs(t, err, ErrAgentLimit)

	// Zero means unlimited.
	in.TenantID = "ten_2"
	for i := 0; i < 3; i++ {
		_, _, err := f.router.Register(ctx, in)
		require.NoError(t, err)
	}
}

func TestRegister_PlanAgentLimitConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.router.WithPlanLimits(planLimits{"ten_1": 3})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.router.Register(ctx, RegisterInput{TenantID: "ten_1", EmployeeName: fmt.Sprintf("Agent %d", i),
				Role: "Rep", Department: "Sales", Capabilities: []string{"quotation"}})
		}(i)
	}
	wg.Wait()

	registered := 0
	for _, err := range errs {
		if err == nil {
			registered++
			continue
		}
		assert.ErrorIs(t, err, ErrAgentLimit)
	}
	assert.Equal(t, 3, registered)
}

func TestReserve_PrefersNeverReservedThenLowestID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "agt_c", "ten_1", "quotation")
	f.seed(t, "agt_a", "ten_1", "quotation")
	f.seed(t, "agt_b", "ten_1", "quotation")

	first, err := f.router.Reserve(ctx, "ten_1", "quotation")
	require.NoError(t, err)
	assert.Equal(t, "agt_a", first.ID)
	assert.Equal(t, StatusBusy, first.Status)
	require.NotNil(t, first.LastReservedAt)

	f.clk.Advance(time.Minute)
	second, err := f.router.Reserve(ctx, "ten_1", "quotation")
	require.NoError(t, err)
	assert.Equal(t, "agt_b", second.ID)

	_, err = f.router.Release(ctx, "agt_a")
	require.NoError(t, err)
	f.clk.Advance(time.Minute)

	third, err := f.router.Reserve(ctx, "ten_1", "quotation")
	require.NoError(t, err)
	assert.Equal(t, "agt_c", third.ID, "never-reserved agent wins over a released one")
}

func TestReserve_LeastRecentlyReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "agt_a", "ten_1", "reporting")
	f.seed(t, "agt_b", "ten_1", "reporting")

	a, err := f.router.Reserve(ctx, "ten_1", "reporting")
	require.NoError(t, err)
	f.clk.Advance(time.Minute)
	b, err := f.router.Reserve(ctx, "ten_1", "reporting")
	require.NoError(t, err)
	require.Equal(t, []string{"agt_a", "agt_b"}, []string{a.ID, b.ID})

	f.clk.Advance(time.Minute)
	_, err = f.router.Release(ctx, "agt_b")
	require.NoError(t, err)
	_, err = f.router.Release(ctx, "agt_a")
	require.NoError(t, err)

	next, err := f.router.Reserve(ctx, "ten_1", "reporting")
	require.NoError(t, err)
	assert.Equal(t, "agt_a", next.ID, "agt_a was reserved longest ago")
}

func TestReserve_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "agt_a", "ten_1", "reporting")
	f.seed(t, "agt_b", "ten_2", "quotation")

	_, err := f.router.Reserve(ctx, "ten_1", "quotation")
	assert.ErrorIs(t, err, ErrNoAgentAvailable, "other tenant's agent is never selected")

	_, err = f.router.MarkAway(ctx, "agt_a")
	require.NoError(t, err)
	_, err = f.router.Reserve(ctx, "ten_1", "reporting")
	assert.ErrorIs(t, err, ErrNoAgentAvailable)

	_, err = f.router.Reserve(ctx, "", "reporting")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.router.Reserve(ctx, "ten_1", " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReserveRelease_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "agt_a", "ten_1", "support_ticket")

	a, err := f.router.Reserve(ctx, "ten_1", "SUPPORT_TICKET")
	require.NoError(t, err)
	_, err = f.router.Reserve(ctx, "ten_1", "support_ticket")
	require.ErrorIs(t, err, ErrNoAgentAvailable)

	released, err := f.router.Release(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, released.Status)

	again, err := f.router.Reserve(ctx, "ten_1", "support_ticket")
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)
}

func TestRelease_RequiresBusy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "agt_a", "ten_1", "quotation")

	_, err := f.router.Release(context.Background(), "agt_a")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.router.Release(context.Background(), "agt_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserve_ConcurrentKOfN(t *testing.T) {
	f := newFixture(t)
	const k, n = 3, 12
	for i := 0; i < k; i++ {
		f.seed(t, fmt.Sprintf("agt_%d", i), "ten_1", "quotation")
	}
	f.seed(t, "agt_other", "ten_2", "quotation")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved = map[string]int{}
		busy     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := f.router.Reserve(context.Background(), "ten_1", "quotation")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				reserved[a.ID]++
			case errors.Is(err, ErrNoAgentAvailable):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, reserved, k)
	for id, count := range reserved {
		assert.Equal(t, 1, count, "agent %s reserved more than once", id)
	}
	assert.Equal(t, n-k, busy)

	other, err := f.store.Get(context.Background(), "agt_other")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, other.Status)
}

// stealFirst simulates another replica winning the first candidate.
type stealFirst struct {
	*MemoryStore
	once sync.Once
}

func (s *stealFirst) Update(ctx context.Context, a *EmployeeAgent, v int64) error {
	stolen := false
	s.once.Do(func() { stolen = true })
	if stolen {
		return ErrConflict
	}
	return s.MemoryStore.Update(ctx, a, v)
}

func TestReserve_ConflictMovesToNextCandidate(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "agt_a", "ten_1", "quotation")
	f.seed(t, "agt_b", "ten_1", "quotation")
	r := NewRouter(&stealFirst{MemoryStore: f.store}, capability.DefaultRegistry(), f.clk).WithLogger(logging.Discard())

	a, err := r.Reserve(context.Background(), "ten_1", "quotation")
	require.NoError(t, err)
	assert.Equal(t, "agt_b", a.ID)
}

func TestReserve_ConflictOnLastCandidate(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "agt_a", "ten_1", "quotation")
	r := NewRouter(&stealFirst{MemoryStore: f.store}, capability.DefaultRegistry(), f.clk).WithLogger(logging.Discard())

	_, err := r.Reserve(context.Background(), "ten_1", "quotation")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestOfflineAgentsNeedReactivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "agt_a", "ten_1", "quotation")

	off, err := f.router.MarkOffline(ctx, "agt_a", "")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, off.Status)

	_, err = f.router.Reserve(ctx, "ten_1", "quotation")
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
	_, err = f.router.MarkOffline(ctx, "agt_a", "")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.router.RecordHeartbeat(ctx, "agt_a", f.clk.Advance(time.Second))
	require.NoError(t, err)
	still, err := f.router.Get(ctx, "agt_a")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, still.Status, "heartbeat does not revive")

	back, err := f.router.Reactivate(ctx, "agt_a")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, back.Status)
	_, err = f.router.Reactivate(ctx, "agt_a")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.router.Reserve(ctx, "ten_1", "quotation")
	assert.NoError(t, err)
}

func TestMarkOffline_BusyAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "agt_a", "ten_1", "quotation")
	_, err := f.router.Reserve(ctx, "ten_1", "quotation")
	require.NoError(t, err)

	_, err = f.router.MarkOffline(ctx, "agt_a", "lost")
	require.NoError(t, err)
	_, err = f.router.Release(ctx, "agt_a")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordHeartbeat_IgnoresOlder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "agt_a", "ten_1", "quotation")

	later := start.Add(time.Minute)
	a, err := f.router.RecordHeartbeat(ctx, "agt_a", later)
	require.NoError(t, err)
	assert.Equal(t, later, *a.LastSeenAt)

	a, err = f.router.RecordHeartbeat(ctx, "agt_a", start.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, later, *a.LastSeenAt)
}

func TestSweepHeartbeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "agt_quiet", "ten_1", "quotation")
	f.seed(t, "agt_busy", "ten_1", "quotation")
	f.seed(t, "agt_chatty", "ten_2", "quotation")
	f.seed(t, "agt_away", "ten_2", "quotation")
	_, err := f.router.Reserve(ctx, "ten_1", "quotation")
	require.NoError(t, err)
	_, err = f.router.MarkAway(ctx, "agt_away")
	require.NoError(t, err)

	now := f.clk.Advance(5 * time.Minute)
	_, err = f.router.RecordHeartbeat(ctx, "agt_chatty", now.Add(-30*time.Second))
	require.NoError(t, err)

	n, err := f.router.SweepHeartbeats(ctx, now, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want := map[string]Status{
		"agt_quiet":  StatusOffline,
		"agt_busy":   StatusOffline,
		"agt_chatty": StatusAvailable,
		"agt_away":   StatusAway,
	}
	for id, status := range want {
		a, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, a.Status, id)
	}

	n, err = f.router.SweepHeartbeats(ctx, now, 2*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReportingChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ceo := f.seed(t, "agt_ceo", "ten_1", "reporting")
	vp := f.seed(t, "agt_vp", "ten_1", "reporting")
	rep := f.seed(t, "agt_rep", "ten_1", "quotation")

	_, err := f.router.SetManager(ctx, vp.ID, ceo.ID)
	require.NoError(t, err)
	_, err = f.router.SetManager(ctx, rep.ID, vp.ID)
	require.NoError(t, err)

	chain, err := f.router.ReportingChain(ctx, rep.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, []string{"agt_vp", "agt_ceo"}, []string{chain[0].ID, chain[1].ID})

	reports, err := f.router.DirectReports(ctx, vp.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, rep.ID, reports[0].ID)

	_, err = f.router.SetManager(ctx, ceo.ID, rep.ID)
	assert.ErrorIs(t, err, ErrManagerCycle)
	_, err = f.router.SetManager(ctx, ceo.ID, ceo.ID)
	assert.ErrorIs(t, err, ErrManagerCycle)
}

func TestReportingChain_DetectsStoredCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seed(t, "agt_a", "ten_1", "reporting")
	b := f.seed(t, "agt_b", "ten_1", "reporting")

	a.ManagerID = b.ID
	require.NoError(t, f.store.Update(ctx, a, a.Version))
	b.ManagerID = a.ID
	require.NoError(t, f.store.Update(ctx, b, b.Version))

	_, err := f.router.ReportingChain(ctx, a.ID)
	assert.ErrorIs(t, err, ErrManagerCycle)
}

func TestReportingChain_DanglingManager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seed(t, "agt_a", "ten_1", "reporting")
	a.ManagerID = "agt_gone"
	require.NoError(t, f.store.Update(ctx, a, a.Version))

	chain, err := f.router.ReportingChain(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestSetManager_ConcurrentSwapCannotCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seed(t, "agt_a", "ten_1", "reporting")
	b := f.seed(t, "agt_b", "ten_1", "reporting")

	for i := 0; i < 20; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = f.router.SetManager(ctx, a.ID, b.ID) }()
		go func() { defer wg.Done(); _, _ = f.router.SetManager(ctx, b.ID, a.ID) }()
		wg.Wait()

		_, err := f.router.ReportingChain(ctx, a.ID)
		require.NoError(t, err)

		// Reset for the next round.
		_, err = f.router.SetManager(ctx, a.ID, "")
		require.NoError(t, err)
		_, err = f.router.SetManager(ctx, b.ID, "")
		require.NoError(t, err)
	}
}

func TestSetManager_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seed(t, "agt_a", "ten_1", "reporting")
	other := f.seed(t, "agt_x", "ten_2", "reporting")

	_, err := f.router.SetManager(ctx, a.ID, "agt_missing")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.router.SetManager(ctx, a.ID, other.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.router.SetManager(ctx, "agt_missing", a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusChangesAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "agt_a", "ten_1", "quotation")

	_, err := f.router.Reserve(ctx, "ten_1", "quotation")
	require.NoError(t, err)
	_, err = f.router.Release(ctx, "agt_a")
	require.NoError(t, err)

	events := f.sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "available", events[0].FromStatus)
	assert.Equal(t, "busy", events[0].ToStatus)
	assert.Equal(t, "ten_1", events[0].TenantID)
	assert.Equal(t, "busy", events[1].FromStatus)
	assert.Equal(t, "available", events[1].ToStatus)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusAvailable, StatusBusy))
	assert.True(t, CanTransition(StatusBusy, StatusOffline))
	assert.True(t, CanTransition(StatusOffline, StatusAvailable))
	assert.False(t, CanTransition(StatusOffline, StatusBusy))
	assert.False(t, CanTransition(StatusAway, StatusBusy))
	assert.False(t, CanTransition(StatusBusy, StatusAway))
}
