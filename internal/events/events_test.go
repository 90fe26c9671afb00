package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/dogan/internal/agent"
	"github.com/mbd888/dogan/internal/audit"
	"github.com/mbd888/dogan/internal/capability"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/logging"
	"github.com/mbd888/dogan/internal/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type tenantSet map[string]bool

func (t tenantSet) Exists(_ context.Context, id string) (bool, error) { return t[id], nil }

func newSubscriptions(t *testing.T) (*subscription.Manager, *subscription.Subscription) {
	t.Helper()
	mgr := subscription.NewManager(subscription.NewMemoryStore(), tenantSet{"ten_1": true}, clock.NewFake(start)).
		WithLogger(logging.Discard())
	sub, err := mgr.Create(context.Background(), subscription.CreateInput{TenantID: "ten_1", PlanType: subscription.PlanStarter})
	require.NoError(t, err)
	return mgr, sub
}

func billingPayload(t *testing.T, subID string, day int, success bool) []byte {
	t.Helper()
	data, err := json.Marshal(BillingOutcome{
		SubscriptionID: subID,
		BillingDate:    time.Date(2026, 7, day, 0, 0, 0, 0, time.UTC),
		Success:        success,
	})
	require.NoError(t, err)
	return data
}

func TestHandleBilling(t *testing.T) {
	subs, sub := newSubscriptions(t)
	in := NewIntake(subs, nil, logging.Discard())
	ctx := context.Background()

	require.NoError(t, in.HandleBilling(ctx, billingPayload(t, sub.ID, 1, false)))
	require.NoError(t, in.HandleBilling(ctx, billingPayload(t, sub.ID, 1, false)), "redelivery is acknowledged")

	got, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, got.Status, "duplicate delivery applied once")

	require.NoError(t, in.HandleBilling(ctx, billingPayload(t, sub.ID, 2, false)))
	got, err = subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusSuspended, got.Status)
}

func TestHandleBilling_IgnoredAndMalformed(t *testing.T) {
	subs, sub := newSubscriptions(t)
	in := NewIntake(subs, nil, logging.Discard())
	ctx := context.Background()

	assert.NoError(t, in.HandleBilling(ctx, billingPayload(t, "sub_missing", 1, true)))

	_, err := subs.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.NoError(t, in.HandleBilling(ctx, billingPayload(t, sub.ID, 1, true)), "terminal subscription is acknowledged")

	assert.ErrorIs(t, in.HandleBilling(ctx, []byte(`{"subscriptionId":`)), errMalformed)
	assert.ErrorIs(t, in.HandleBilling(ctx, []byte(`{"success":true}`)), errMalformed)
}

type flakyBilling struct {
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (f *flakyBilling) RecordBillingOutcome(context.Context, subscription.BillingEvent) (*subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.conflicts {
		return nil, subscription.ErrConflict
	}
	return &subscription.Subscription{}, nil
}

func TestHandleBilling_RetriesConflicts(t *testing.T) {
	ctx := context.Background()

	flaky := &flakyBilling{conflicts: 2}
	in := NewIntake(flaky, nil, logging.Discard()).WithRetry(3, time.Millisecond)
	require.NoError(t, in.HandleBilling(ctx, billingPayload(t, "sub_1", 1, true)))
	assert.Equal(t, 3, flaky.calls)

	stuck := &flakyBilling{conflicts: 10}
	in = NewIntake(stuck, nil, logging.Discard()).WithRetry(3, time.Millisecond)
	err := in.HandleBilling(ctx, billingPayload(t, "sub_1", 1, true))
	assert.ErrorIs(t, err, subscription.ErrConflict)
	assert.Equal(t, 3, stuck.calls)
}

func TestHandleHeartbeat(t *testing.T) {
	store := agent.NewMemoryStore()
	clk := clock.NewFake(start)
	router := agent.NewRouter(store, capability.DefaultRegistry(), clk).WithLogger(logging.Discard())
	a, _, err := router.Register(context.Background(), agent.RegisterInput{
		TenantID: "ten_1", EmployeeName: "Ada", Role: "rep", Department: "sales", Capabilities: []string{"quotation"},
	})
	require.NoError(t, err)

	in := NewIntake(nil, router, logging.Discard())
	ctx := context.Background()
	seen := start.Add(time.Minute)

	data, _ := json.Marshal(Heartbeat{AgentID: a.ID, LastSeenAt: seen})
	require.NoError(t, in.HandleHeartbeat(ctx, data))
	got, err := router.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, seen.Equal(*got.LastSeenAt))

	data, _ = json.Marshal(Heartbeat{AgentID: "agt_missing", LastSeenAt: seen})
	assert.NoError(t, in.HandleHeartbeat(ctx, data))
	assert.ErrorIs(t, in.HandleHeartbeat(ctx, []byte(`{}`)), errMalformed)

	assert.NoError(t, NewIntake(nil, nil, logging.Discard()).HandleHeartbeat(ctx, []byte(`garbage`)), "feed disabled")
}

func TestHandleHeartbeat_MissingTimestampUsesClock(t *testing.T) {
	clk := clock.NewFake(start)
	router := agent.NewRouter(agent.NewMemoryStore(), capability.DefaultRegistry(), clk).WithLogger(logging.Discard())
	a, _, err := router.Register(context.Background(), agent.RegisterInput{
		TenantID: "ten_1", EmployeeName: "Ada", Role: "rep", Department: "sales", Capabilities: []string{"quotation"},
	})
	require.NoError(t, err)

	in := NewIntake(nil, router, logging.Discard()).WithClock(clk)
	ctx := context.Background()
	clk.Advance(5 * time.Minute)

	data, _ := json.Marshal(map[string]string{"agentId": a.ID})
	require.NoError(t, in.HandleHeartbeat(ctx, data))
	got, err := router.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, start.Add(5*time.Minute).Equal(*got.LastSeenAt))
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return p.err
}

func TestAuditSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewAuditSink(pub)
	ctx := context.Background()

	require.NoError(t, sink.Record(ctx, audit.PolicyDecision("ten_1", "quotation", false, "TenantNotActive", "admin", start)))
	require.NoError(t, sink.Record(ctx, audit.Transition(audit.EntityTenant, "ten_1", "ten_1", "trial", "active", "paid", start)))
	assert.Equal(t, []string{"audit.decision", "audit.transition"}, pub.subjects)

	var ev audit.Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &ev))
	assert.Equal(t, "quotation", ev.Capability)
	assert.Equal(t, audit.DecisionDeny, ev.Decision)

	pub.err = errors.New("nats: connection closed")
	assert.Error(t, sink.Record(ctx, audit.PolicyDecision("ten_1", "quotation", true, "OK", "", start)))
}
