package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolTenantStatus = mcp.NewTool("tenant_status",
	mcp.WithDescription(
		"Show your tenant's lifecycle status (trial, active, suspended, cancelled), "+
			"trial end date, and current subscription. Use this to explain why a capability is unavailable."),
)

var ToolListCapabilities = mcp.NewTool("list_capabilities",
	mcp.WithDescription(
		"List the capabilities agents can offer and the policy can grant. "+
			"Essential capabilities stay available while a subscription is past due."),
)

var ToolCheckPolicy = mcp.NewTool("check_policy",
	mcp.WithDescription(
		"Ask whether your tenant may use a capability right now. "+
			"Returns allow or deny with the reason (tenant suspended, subscription past due, and so on). "+
			"Every check is audited."),
	mcp.WithString("capability",
		mcp.Required(),
		mcp.Description("Capability name, e.g. 'invoicing' or 'billing_portal'")),
	mcp.WithString("subscription_id",
		mcp.Description("Subscription to evaluate. Defaults to the tenant's current subscription.")),
)

var ToolListAgents = mcp.NewTool("list_agents",
	mcp.WithDescription(
		"List your tenant's employee agents with their status and capabilities."),
	mcp.WithString("capability",
		mcp.Description("Only show agents offering this capability")),
)

var ToolReserveAgent = mcp.NewTool("reserve_agent",
	mcp.WithDescription(
		"Reserve an available employee agent that offers a capability. "+
			"The request is checked against the access policy first; the least recently used agent is chosen. "+
			"The agent stays busy until you call release_agent."),
	mcp.WithString("capability",
		mcp.Required(),
		mcp.Description("Capability the agent must offer")),
	mcp.WithString("subscription_id",
		mcp.Description("Subscription to evaluate. Defaults to the tenant's current subscription.")),
)

var ToolReleaseAgent = mcp.NewTool("release_agent",
	mcp.WithDescription(
		"Release a reserved agent so it can take new work."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent's ID (e.g. 'agt_...')")),
)
