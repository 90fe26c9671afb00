// Package policy decides whether a tenant may use a capability right now.
//
// Decisions are made in two steps: Enforcer gathers the effective tenant and
// subscription state, then Evaluate, a pure function, turns those facts into
// an allow or deny. Deny is the default.
package policy

import (
	"time"

	"github.com/mbd888/dogan/internal/subscription"
	"github.com/mbd888/dogan/internal/tenant"
)

// Reason is the machine-readable outcome code.
type Reason string

const (
	ReasonOK                         Reason = "OK"
	ReasonTenantNotFound             Reason = "TenantNotFound"
	ReasonTenantNotActive            Reason = "TenantNotActive"
	ReasonSubscriptionNotFound       Reason = "SubscriptionNotFound"
	ReasonSubscriptionTenantMismatch Reason = "SubscriptionTenantMismatch"
	ReasonSubscriptionNotActive      Reason = "SubscriptionNotActive"
	ReasonSubscriptionPastDue        Reason = "SubscriptionPastDue"
	ReasonUnknownCapability          Reason = "UnknownCapability"
	ReasonInternal                   Reason = "Internal"
)

// Facts are the resolved inputs of a decision.
type Facts struct {
	TenantID            string
	TenantFound         bool
	TenantStatus        tenant.Status
	SubscriptionFound   bool
	SubscriptionTenant  string
	SubscriptionStatus  subscription.Status
	CapabilityKnown     bool
	CapabilityEssential bool
}

// Evaluate applies the access rules to resolved facts. It performs no I/O.
//
// A past-due subscription keeps only essential capabilities; every other
// branch that does not end in ReasonOK denies.
func Evaluate(f Facts) (bool, Reason) {
	switch {
	case !f.TenantFound:
		return false, ReasonTenantNotFound
	case !f.TenantStatus.CanOperate():
		return false, ReasonTenantNotActive
	case !f.SubscriptionFound:
		return false, ReasonSubscriptionNotFound
	case f.SubscriptionTenant != f.TenantID:
		return false, ReasonSubscriptionTenantMismatch
	case !f.SubscriptionStatus.Entitled():
		return false, ReasonSubscriptionNotActive
	case !f.CapabilityKnown:
		return false, ReasonUnknownCapability
	case f.SubscriptionStatus == subscription.StatusPastDue && !f.CapabilityEssential:
		return false, ReasonSubscriptionPastDue
	case f.SubscriptionStatus == subscription.StatusActive || f.SubscriptionStatus == subscription.StatusPastDue:
		return true, ReasonOK
	}
	return false, ReasonSubscriptionNotActive
}

// Decision is the outcome of one Enforce call. It is never persisted.
type Decision struct {
	Allowed            bool                `json:"allowed"`
	Reason             Reason              `json:"reason"`
	TenantID           string              `json:"tenantId"`
	SubscriptionID     string              `json:"subscriptionId,omitempty"`
	Capability         string              `json:"capability"`
	TenantStatus       tenant.Status       `json:"tenantStatus,omitempty"`
	SubscriptionStatus subscription.Status `json:"subscriptionStatus,omitempty"`
	EvaluatedAt        time.Time           `json:"evaluatedAt"`
}
