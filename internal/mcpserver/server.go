package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("dogan", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolTenantStatus, h.HandleTenantStatus)
	s.AddTool(ToolListCapabilities, h.HandleListCapabilities)
	s.AddTool(ToolCheckPolicy, h.HandleCheckPolicy)
	s.AddTool(ToolListAgents, h.HandleListAgents)
	s.AddTool(ToolReserveAgent, h.HandleReserveAgent)
	s.AddTool(ToolReleaseAgent, h.HandleReleaseAgent)

	return s
}
