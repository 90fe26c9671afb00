// Package subscription manages tenant subscriptions: creation, billing
// outcomes, cancellation and lazy expiry.
package subscription

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound                    = errors.New("subscription: not found")
	ErrTenantNotFound              = errors.New("subscription: tenant not found")
	ErrDuplicateActiveSubscription = errors.New("subscription: tenant already has an open subscription")
	ErrAlreadyTerminal             = errors.New("subscription: already cancelled or expired")
	ErrConflict                    = errors.New("subscription: concurrent modification")
	ErrInvalidInput                = errors.New("subscription: invalid input")
)

// Status represents a subscription's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition (other than cancelled →
// expired) can happen.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

// Entitled reports whether the status still grants access to the product.
// PastDue is entitled in a degraded form.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusPastDue
}

// Subscription is a tenant's paid plan.
type Subscription struct {
	ID                     string     `json:"id"`
	TenantID               string     `json:"tenantId"`
	PlanType               PlanType   `json:"planType"`
	StartDate              time.Time  `json:"startDate"`
	EndDate                *time.Time `json:"endDate,omitempty"`
	Status                 Status     `json:"status"`
	MonthlyPriceCents      int64      `json:"monthlyPriceCents"`
	PaymentProvider        string     `json:"paymentProvider,omitempty"`
	ProviderSubscriptionID string     `json:"providerSubscriptionId,omitempty"`
	NextBillingDate        *time.Time `json:"nextBillingDate,omitempty"`
	FailedPayments         int        `json:"failedPayments"`
	Version                int64      `json:"version"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// EffectiveStatus returns the status as of now: any subscription whose end
// date has passed is expired.
func (s *Subscription) EffectiveStatus(now time.Time) Status {
	if s.Status != StatusExpired && s.EndDate != nil && now.After(*s.EndDate) {
		return StatusExpired
	}
	return s.Status
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	if s.EndDate != nil {
		d := *s.EndDate
		cp.EndDate = &d
	}
	if s.NextBillingDate != nil {
		d := *s.NextBillingDate
		cp.NextBillingDate = &d
	}
	return &cp
}

// BillingEvent is one payment attempt outcome reported by the provider.
// Deliveries are at least once; (SubscriptionID, BillingDate) identifies it.
type BillingEvent struct {
	SubscriptionID string    `json:"subscriptionId"`
	BillingDate    time.Time `json:"billingDate"`
	Success        bool      `json:"success"`
}

// DedupKey identifies the event for duplicate suppression.
func (e BillingEvent) DedupKey() string {
	return e.SubscriptionID + "|" + e.BillingDate.UTC().Format(time.RFC3339)
}

// Change describes a committed subscription status change.
type Change struct {
	SubscriptionID string    `json:"subscriptionId"`
	TenantID       string    `json:"tenantId"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	Reason         string    `json:"reason"`
	At             time.Time `json:"at"`
}

// Notifier is told about every status change after it commits.
type Notifier interface {
	SubscriptionChanged(ctx context.Context, c Change) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c Change) error

func (f NotifierFunc) SubscriptionChanged(ctx context.Context, c Change) error { return f(ctx, c) }

// TenantDirectory answers whether a tenant exists.
type TenantDirectory interface {
	Exists(ctx context.Context, tenantID string) (bool, error)
}
