// Package capability holds the registry of capability tags that agents may
// advertise and that policy checks are evaluated against.
package capability

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownCapability = errors.New("capability: unknown capability")
	ErrEmptyRegistry     = errors.New("capability: registry file defines no capabilities")
)

// Capability describes one tag.
// Essential capabilities stay available while a subscription is past due.
type Capability struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Essential   bool   `yaml:"essential" json:"essential"`
}

// Registry is the set of known capability tags.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// Defaults is the built-in capability catalogue.
var Defaults = []Capability{
	{Name: "customer_management", Description: "Create and update customer records"},
	{Name: "quotation", Description: "Draft and send quotations"},
	{Name: "sales_order", Description: "Create and track sales orders"},
	{Name: "invoice_read", Description: "Read invoices and payment status"},
	{Name: "email_automation", Description: "Send templated customer e-mail"},
	{Name: "support_ticket", Description: "Triage and answer support tickets"},
	{Name: "workflow_automation", Description: "Run multi-step ERP workflows"},
	{Name: "reporting", Description: "Generate operational reports"},
	{Name: "billing_portal", Description: "View and settle the tenant's own bill", Essential: true},
	{Name: "account_settings", Description: "Manage tenant account settings", Essential: true},
	{Name: "data_export", Description: "Export tenant data", Essential: true},
}

// NewRegistry builds a registry from the given capabilities.
// Names are normalized to lower case.
func NewRegistry(caps ...Capability) *Registry {
	r := &Registry{caps: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		c.Name = Normalize(c.Name)
		if c.Name == "" {
			continue
		}
		r.caps[c.Name] = c
	}
	return r
}

// DefaultRegistry returns a registry holding Defaults.
func DefaultRegistry() *Registry {
	return NewRegistry(Defaults...)
}

type registryFile struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// LoadFile reads a YAML capability catalogue:
//
//	capabilities:
//	  - name: quotation
//	  - name: billing_portal
//	    essential: true
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read capability file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML capability catalogue.
func Parse(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse capability file: %w", err)
	}
	if len(f.Capabilities) == 0 {
		return nil, ErrEmptyRegistry
	}
	return NewRegistry(f.Capabilities...), nil
}

// Known reports whether name is a registered capability.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[Normalize(name)]
	return ok
}

// IsEssential reports whether name is registered and essential.
func (r *Registry) IsEssential(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[Normalize(name)]
	return ok && c.Essential
}

// Validate normalizes and de-duplicates tags, rejecting any unknown tag.
func (r *Registry) Validate(tags []string) ([]string, error) {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		name := Normalize(tag)
		if !r.Known(name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, tag)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// List returns all capabilities sorted by name.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Normalize returns the canonical form of a capability tag.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
