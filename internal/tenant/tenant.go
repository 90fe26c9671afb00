// Package tenant owns the tenant lifecycle: creation, status transitions and
// the lazily evaluated trial expiry.
package tenant

import (
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("tenant: not found")
	ErrDuplicateSubdomain = errors.New("tenant: subdomain already taken")
	ErrInvalidTransition  = errors.New("tenant: invalid status transition")
	ErrInvalidInput       = errors.New("tenant: invalid input")
	ErrConflict           = errors.New("tenant: concurrent modification")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// CanOperate reports whether a tenant in this status may use the product.
func (s Status) CanOperate() bool {
	return s == StatusTrial || s == StatusActive
}

// Tier identifies the subscription tier a tenant signed up for.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// ValidTier returns true if the tier name is recognised.
func ValidTier(t Tier) bool {
	switch t {
	case TierStarter, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// DefaultTrialDays is the trial length the HTTP API applies when a create
// request omits trialDays. Manager.Create takes TrialDays literally.
const DefaultTrialDays = 14

// MaxTrialDays caps the trial period accepted at creation.
const MaxTrialDays = 365

// Tenant is one customer organisation. OperatorHold marks a suspension an
// operator applied by hand; subscription changes never lift it.
type Tenant struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Subdomain         string         `json:"subdomain"`
	Domain            string         `json:"domain,omitempty"`
	Status            Status         `json:"status"`
	OperatorHold      bool           `json:"operatorHold,omitempty"`
	SubscriptionTier  Tier           `json:"subscriptionTier"`
	TrialEndDate      *time.Time     `json:"trialEndDate,omitempty"`
	ErpNextInstanceID string         `json:"erpnextInstanceId,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// TrialExpired reports whether the trial period ended before now.
func (t *Tenant) TrialExpired(now time.Time) bool {
	return t.Status == StatusTrial && t.TrialEndDate != nil && now.After(*t.TrialEndDate)
}

func (t *Tenant) clone() *Tenant {
	cp := *t
	if t.TrialEndDate != nil {
		end := *t.TrialEndDate
		cp.TrialEndDate = &end
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// transitions lists the allowed status edges. Cancellation is reachable
// from every non-cancelled state.
var transitions = map[Status][]Status{
	StatusTrial:     {StatusActive, StatusSuspended, StatusCancelled},
	StatusActive:    {StatusSuspended, StatusCancelled},
	StatusSuspended: {StatusActive, StatusCancelled},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
