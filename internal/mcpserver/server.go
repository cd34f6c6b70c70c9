package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server exposing the kernel's
// can_do/execute/step-up/timeline operations as tools.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agent-kernel", "1.0.0")
	client := NewKernelClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckState, h.HandleCheckState)
	s.AddTool(ToolRequestQuote, h.HandleRequestQuote)
	s.AddTool(ToolExecute, h.HandleExecute)
	s.AddTool(ToolRequestStepUp, h.HandleRequestStepUp)
	s.AddTool(ToolConfirmStepUp, h.HandleConfirmStepUp)
	s.AddTool(ToolGetTimeline, h.HandleGetTimeline)

	return s
}
