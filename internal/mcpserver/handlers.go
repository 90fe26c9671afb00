package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleTenantStatus reports the tenant and its current subscription.
func (h *Handlers) HandleTenantStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawTenant, err := h.client.GetTenant(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load tenant: %v", err)), nil
	}
	tenant, err := unwrap(rawTenant, "tenant")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tenant: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tenant: %s (%s)\n", getString(tenant, "name"), getString(tenant, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(tenant, "status"))
	fmt.Fprintf(&sb, "  Tier: %s\n", getString(tenant, "subscriptionTier"))
	if v := getString(tenant, "trialEndDate"); v != "" {
		fmt.Fprintf(&sb, "  Trial ends: %s\n", v)
	}

	rawSub, err := h.client.CurrentSubscription(ctx)
	switch {
	case errors.Is(err, errNotFound):
		sb.WriteString("\nNo subscription.\n")
	case err != nil:
		fmt.Fprintf(&sb, "\nSubscription unavailable: %v\n", err)
	default:
		sub, err := unwrap(rawSub, "subscription")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse subscription: %v", err)), nil
		}
		fmt.Fprintf(&sb, "\nSubscription: %s\n", getString(sub, "id"))
		fmt.Fprintf(&sb, "  Plan: %s\n", getString(sub, "planType"))
		fmt.Fprintf(&sb, "  Status: %s\n", getString(sub, "status"))
		if v := getString(sub, "nextBillingDate"); v != "" {
			fmt.Fprintf(&sb, "  Next billing: %s\n", v)
		}
		if v, ok := getFloat(sub, "failedPayments"); ok && v > 0 {
			fmt.Fprintf(&sb, "  Failed payments: %.0f\n", v)
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListCapabilities lists the capability catalogue.
func (h *Handlers) HandleListCapabilities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListCapabilities(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list capabilities: %v", err)), nil
	}
	var resp struct {
		Capabilities []map[string]any `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse capabilities: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d capabilities:\n", len(resp.Capabilities))
	for _, c := range resp.Capabilities {
		line := "- " + getString(c, "name")
		if essential, _ := c["essential"].(bool); essential {
			line += " (essential)"
		}
		if d := getString(c, "description"); d != "" {
			line += ": " + d
		}
		sb.WriteString(line + "\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckPolicy asks the policy enforcer for a decision.
func (h *Handlers) HandleCheckPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	capability := req.GetString("capability", "")
	if capability == "" {
		return mcp.NewToolResultError("capability is required"), nil
	}

	raw, err := h.client.CheckPolicy(ctx, capability, req.GetString("subscription_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Policy check failed: %v", err)), nil
	}
	d, err := unwrap(raw, "decision")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}

	return mcp.NewToolResultText(formatDecision(d)), nil
}

// HandleListAgents lists the tenant's agents.
func (h *Handlers) HandleListAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListAgents(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
	}

	text, err := formatAgentList(raw, strings.ToLower(strings.TrimSpace(req.GetString("capability", ""))))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agents: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReserveAgent reserves an agent for a capability.
func (h *Handlers) HandleReserveAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	capability := req.GetString("capability", "")
	if capability == "" {
		return mcp.NewToolResultError("capability is required"), nil
	}

	raw, err := h.client.Reserve(ctx, capability, req.GetString("subscription_id", ""))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case "policy_denied":
				return mcp.NewToolResultError(fmt.Sprintf("Access denied for %q: %s", capability, apiErr.Reason)), nil
			case "no_agent_available":
				return mcp.NewToolResultError(fmt.Sprintf("No available agent offers %q. Try again later.", capability)), nil
			}
		}
		return mcp.NewToolResultError(fmt.Sprintf("Reservation failed: %v", err)), nil
	}

	a, err := unwrap(raw, "agent")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agent: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reserved %s (%s)\n", getString(a, "employeeName"), getString(a, "id"))
	fmt.Fprintf(&sb, "  Role: %s\n", getString(a, "role"))
	if v := getString(a, "serviceUrl"); v != "" {
		fmt.Fprintf(&sb, "  Endpoint: %s\n", v)
	}
	sb.WriteString("\nCall release_agent with this agent_id when the task is done.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReleaseAgent releases a reserved agent.
func (h *Handlers) HandleReleaseAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.Release(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}
	a, err := unwrap(raw, "agent")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agent: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Released %s. Status: %s", getString(a, "id"), getString(a, "status"))), nil
}

// --- Formatting helpers ---

// unwrap decodes raw and returns the object under key.
func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	m, ok := resp[key].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("no %s in response: %s", key, string(raw))
	}
	return m, nil
}

func formatDecision(d map[string]any) string {
	var sb strings.Builder
	verdict := "DENIED"
	if allowed, _ := d["allowed"].(bool); allowed {
		verdict = "ALLOWED"
	}
	fmt.Fprintf(&sb, "%s: %s\n", verdict, getString(d, "capability"))
	fmt.Fprintf(&sb, "  Reason: %s\n", getString(d, "reason"))
	if v := getString(d, "tenantStatus"); v != "" {
		fmt.Fprintf(&sb, "  Tenant status: %s\n", v)
	}
	if v := getString(d, "subscriptionStatus"); v != "" {
		fmt.Fprintf(&sb, "  Subscription status: %s\n", v)
	}
	return sb.String()
}

func formatAgentList(raw json.RawMessage, capability string) (string, error) {
	var resp struct {
		Agents []map[string]any `json:"agents"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected agents response format")
	}

	var agents []map[string]any
	for _, a := range resp.Agents {
		if capability == "" || slices.Contains(getStrings(a, "capabilities"), capability) {
			agents = append(agents, a)
		}
	}
	if len(agents) == 0 {
		return "No agents found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d agent(s):\n\n", len(agents))
	for i, a := range agents {
		fmt.Fprintf(&sb, "%d. %s (%s) [%s]\n", i+1, getString(a, "employeeName"), getString(a, "id"), getString(a, "status"))
		if role := getString(a, "role"); role != "" {
			fmt.Fprintf(&sb, "   %s\n", role)
		}
		if caps := getStrings(a, "capabilities"); len(caps) > 0 {
			fmt.Fprintf(&sb, "   Capabilities: %s\n", strings.Join(caps, ", "))
		}
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func getStrings(m map[string]any, key string) []string {
	items, _ := m[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
