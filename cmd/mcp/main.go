// Command mcp exposes the kernel's agent economic actions as MCP tools,
// so an LLM-driven agent can request quotes, execute, and step up over
// the kernel's HTTP API without the model needing to speak HTTP directly.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/agentkernel/kernel/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("KERNEL_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("KERNEL_API_KEY"),
		AgentID: os.Getenv("KERNEL_AGENT_ID"),
	}

	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "KERNEL_AGENT_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
