// Package events connects the core to the NATS bus: billing outcomes and
// agent heartbeats come in, audit events go out.
//
// Delivery is at least once. Billing intake relies on the subscription
// manager's dedup; heartbeats are naturally idempotent.
package events

import (
	"context"
	"time"

	"github.com/mbd888/dogan/internal/agent"
	"github.com/mbd888/dogan/internal/subscription"
)

// Subjects.
const (
	SubjectBillingOutcome = "billing.outcome"
	SubjectHeartbeat      = "agents.heartbeat"
	SubjectAuditPrefix    = "audit."
)

// BillingOutcome is the billing.outcome payload.
type BillingOutcome struct {
	SubscriptionID string    `json:"subscriptionId"`
	BillingDate    time.Time `json:"billingDate"`
	Success        bool      `json:"success"`
}

// Heartbeat is the agents.heartbeat payload.
type Heartbeat struct {
	AgentID    string    `json:"agentId"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// BillingRecorder applies billing outcomes.
type BillingRecorder interface {
	RecordBillingOutcome(ctx context.Context, ev subscription.BillingEvent) (*subscription.Subscription, error)
}

// HeartbeatRecorder stores agent liveness.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, agentID string, lastSeenAt time.Time) (*agent.EmployeeAgent, error)
}
