// Command mcp serves dogan's tenant policy and agent routing tools over MCP
// stdio. It talks to a running dogan API with a tenant key.
package main

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/dogan/internal/logging"
	"github.com/mbd888/dogan/internal/mcpserver"
)

type settings struct {
	APIURL   string `env:"DOGAN_API_URL" envDefault:"http://localhost:8080"`
	APIKey   string `env:"DOGAN_API_KEY,required"`
	TenantID string `env:"DOGAN_TENANT_ID,required"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"warn"`
}

func main() {
	// stdout carries the protocol; logs go to stderr.
	var s settings
	if err := env.Parse(&s); err != nil {
		logging.NewWithOptions(logging.Options{Level: "info", Format: "text", Writer: os.Stderr}).
			Error("invalid MCP settings", "error", err)
		os.Exit(1)
	}
	logger := logging.NewWithOptions(logging.Options{Level: s.LogLevel, Format: "text", Writer: os.Stderr})

	srv := mcpserver.NewMCPServer(mcpserver.Config{
		APIURL:   s.APIURL,
		APIKey:   s.APIKey,
		TenantID: s.TenantID,
	})
	logger.Info("serving MCP on stdio", "api_url", s.APIURL, "tenant_id", s.TenantID)
	if err := server.ServeStdio(srv); err != nil {
		logger.Error("MCP server stopped", "error", err)
		os.Exit(1)
	}
}
