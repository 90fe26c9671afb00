// Package agent routes capability requests to a tenant's employee agents.
//
// An agent is reserved for one task at a time. Reservation selects among the
// tenant's available agents holding the capability, preferring the one idle
// the longest, and is serialized per tenant.
package agent

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound         = errors.New("agent: not found")
	ErrNoAgentAvailable = errors.New("agent: no agent available")
	ErrInvalidState     = errors.New("agent: invalid state for operation")
	ErrConflict         = errors.New("agent: concurrent modification")
	ErrInvalidInput     = errors.New("agent: invalid input")
	ErrManagerCycle     = errors.New("agent: manager hierarchy contains a cycle")
	ErrTenantNotFound   = errors.New("agent: tenant not found")
	ErrAgentLimit       = errors.New("agent: plan agent limit reached")
)

// Status is an agent's availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusAway      Status = "away"
	StatusOffline   Status = "offline"
)

// Live reports whether the agent is expected to heartbeat.
func (s Status) Live() bool {
	return s == StatusAvailable || s == StatusBusy
}

// EmployeeAgent is a schedulable worker with declared capabilities.
type EmployeeAgent struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	EmployeeName   string     `json:"employeeName"`
	Role           string     `json:"role"`
	Department     string     `json:"department"`
	TeamID         string     `json:"teamId,omitempty"`
	ManagerID      string     `json:"managerId,omitempty"`
	Status         Status     `json:"status"`
	Capabilities   []string   `json:"capabilities"`
	APIKeyID       string     `json:"apiKeyId,omitempty"`
	ServiceURL     string     `json:"serviceUrl,omitempty"`
	LastReservedAt *time.Time `json:"lastReservedAt,omitempty"`
	LastSeenAt     *time.Time `json:"lastSeenAt,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// HasCapability reports whether the agent declares the (normalized) tag.
func (a *EmployeeAgent) HasCapability(name string) bool {
	return slices.Contains(a.Capabilities, name)
}

// Stale reports whether the agent missed its heartbeat window as of now.
func (a *EmployeeAgent) Stale(now time.Time, threshold time.Duration) bool {
	seen := a.CreatedAt
	if a.LastSeenAt != nil {
		seen = *a.LastSeenAt
	}
	return now.Sub(seen) > threshold
}

func (a *EmployeeAgent) clone() *EmployeeAgent {
	cp := *a
	cp.Capabilities = slices.Clone(a.Capabilities)
	if a.LastReservedAt != nil {
		t := *a.LastReservedAt
		cp.LastReservedAt = &t
	}
	if a.LastSeenAt != nil {
		t := *a.LastSeenAt
		cp.LastSeenAt = &t
	}
	return &cp
}

var transitions = map[Status][]Status{
	StatusAvailable: {StatusBusy, StatusAway, StatusOffline},
	StatusBusy:      {StatusAvailable, StatusOffline},
	StatusAway:      {StatusAvailable, StatusOffline},
	StatusOffline:   {StatusAvailable},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// sortCandidates orders agents by selection preference: never reserved
// first, then longest since last reservation, ties by lowest ID.
func sortCandidates(cands []*EmployeeAgent) {
	slices.SortFunc(cands, func(a, b *EmployeeAgent) int {
		switch {
		case a.LastReservedAt == nil && b.LastReservedAt != nil:
			return -1
		case a.LastReservedAt != nil && b.LastReservedAt == nil:
			return 1
		case a.LastReservedAt != nil && !a.LastReservedAt.Equal(*b.LastReservedAt):
			return a.LastReservedAt.Compare(*b.LastReservedAt)
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
