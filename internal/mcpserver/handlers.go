package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *KernelClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *KernelClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckState returns the agent's budget and status.
func (h *Handlers) HandleCheckState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetState(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check state: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleRequestQuote asks the kernel whether an intent is allowed.
func (h *Handlers) HandleRequestQuote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	intentType := req.GetString("intent_type", "")
	if intentType == "" {
		return mcp.NewToolResultError("intent_type is required"), nil
	}
	idempotencyKey := req.GetString("idempotency_key", "")
	if idempotencyKey == "" {
		return mcp.NewToolResultError("idempotency_key is required"), nil
	}
	params, ok := req.GetArguments()["intent_params"]
	if !ok {
		return mcp.NewToolResultError("intent_params is required"), nil
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid intent_params: %v", err)), nil
	}

	raw, err := h.client.RequestQuote(ctx, intentType, paramsJSON, idempotencyKey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Quote request failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleExecute carries out a previously quoted action.
func (h *Handlers) HandleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	quoteID := req.GetString("quote_id", "")
	if quoteID == "" {
		return mcp.NewToolResultError("quote_id is required"), nil
	}
	idempotencyKey := req.GetString("idempotency_key", "")
	if idempotencyKey == "" {
		return mcp.NewToolResultError("idempotency_key is required"), nil
	}
	stepUpToken := req.GetString("step_up_token", "")

	raw, err := h.client.Execute(ctx, quoteID, idempotencyKey, stepUpToken)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleRequestStepUp starts a step-up challenge for a quote.
func (h *Handlers) HandleRequestStepUp(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	quoteID := req.GetString("quote_id", "")
	if quoteID == "" {
		return mcp.NewToolResultError("quote_id is required"), nil
	}

	raw, err := h.client.RequestStepUp(ctx, quoteID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Step-up request failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleConfirmStepUp approves or denies a step-up challenge.
func (h *Handlers) HandleConfirmStepUp(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	challengeID := req.GetString("challenge_id", "")
	if challengeID == "" {
		return mcp.NewToolResultError("challenge_id is required"), nil
	}
	code := req.GetString("code", "")
	if code == "" {
		return mcp.NewToolResultError("code is required"), nil
	}
	approve := false
	if v, ok := req.GetArguments()["approve"].(bool); ok {
		approve = v
	}

	raw, err := h.client.ConfirmStepUp(ctx, challengeID, code, approve)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Step-up confirmation failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleGetTimeline returns the agent's recent event history.
func (h *Handlers) HandleGetTimeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	since := req.GetString("since", "")
	raw, err := h.client.GetTimeline(ctx, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get timeline: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
