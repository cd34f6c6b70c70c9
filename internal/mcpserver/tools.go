package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions exposing the kernel's agent economic actions as MCP
// tools. Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckState = mcp.NewTool("check_state",
	mcp.WithDescription(
		"Check an agent's current budget: credits remaining, daily spend used, "+
			"and status (active, frozen, dead). Call this before requesting a quote "+
			"to see if there's enough budget for the intended action."),
)

var ToolRequestQuote = mcp.NewTool("request_quote",
	mcp.WithDescription(
		"Ask the kernel whether an intended action is allowed before doing it. "+
			"Returns a quote_id, whether the action is allowed, and whether it "+
			"requires a step-up confirmation. Always request a quote before execute."),
	mcp.WithString("intent_type",
		mcp.Required(),
		mcp.Description("The kind of action, e.g. 'job.apply' for a job-economy transfer")),
	mcp.WithObject("intent_params",
		mcp.Required(),
		mcp.Description("Parameters for the intent. For job.apply: {\"toAgentId\": \"agt_...\", \"amountCents\": 100, \"jobRef\": \"job_...\"}")),
	mcp.WithString("idempotency_key",
		mcp.Required(),
		mcp.Description("A unique key for this request; retrying with the same key returns the same quote")),
)

var ToolExecute = mcp.NewTool("execute",
	mcp.WithDescription(
		"Carry out a previously quoted action. Requires the quote_id from "+
			"request_quote. If the quote required step-up, pass the step_up_token "+
			"obtained from confirm_step_up."),
	mcp.WithString("quote_id", mcp.Required(), mcp.Description("The quote_id returned by request_quote")),
	mcp.WithString("idempotency_key", mcp.Required(), mcp.Description("A unique key for this execution attempt")),
	mcp.WithString("step_up_token", mcp.Description("Token from confirm_step_up, required only if the quote demanded step-up")),
)

var ToolRequestStepUp = mcp.NewTool("request_step_up",
	mcp.WithDescription(
		"Start a step-up challenge for a quote that requires additional "+
			"confirmation before it can be executed. Returns a challenge_id."),
	mcp.WithString("quote_id", mcp.Required(), mcp.Description("The quote_id that requires step-up")),
)

var ToolConfirmStepUp = mcp.NewTool("confirm_step_up",
	mcp.WithDescription(
		"Approve or deny a step-up challenge. On approval, returns a one-time "+
			"token to pass as step_up_token to execute."),
	mcp.WithString("challenge_id", mcp.Required(), mcp.Description("The challenge_id from request_step_up")),
	mcp.WithString("code", mcp.Required(), mcp.Description("The approval code for the challenge")),
	mcp.WithBoolean("approve", mcp.Required(), mcp.Description("true to approve, false to deny")),
)

var ToolGetTimeline = mcp.NewTool("get_timeline",
	mcp.WithDescription(
		"Get the agent's recent event history: quotes, executions, step-ups, "+
			"and lifecycle changes, in order."),
	mcp.WithString("since", mcp.Description("RFC3339 timestamp; only events at or after this time are returned")),
)
