package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the kernel's API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // Bearer token, e.g. "sk_..."
	AgentID string // This agent's ID, e.g. "agt_..."
}

// KernelClient is a pure HTTP client for the kernel's v1 API.
type KernelClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewKernelClient creates a new client for the kernel API.
func NewKernelClient(cfg Config) *KernelClient {
	return &KernelClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the kernel.
type apiError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the kernel and returns the response body.
func (c *KernelClient) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("kernel error (%d, %s): %s", resp.StatusCode, apiErr.Reason, apiErr.Message)
		}
		return nil, fmt.Errorf("kernel error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetState returns this agent's budget and status.
func (c *KernelClient) GetState(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+c.cfg.AgentID+"/state", nil)
}

// RequestQuote asks the kernel whether an intent is allowed.
func (c *KernelClient) RequestQuote(ctx context.Context, intentType string, intentParams json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	body := map[string]any{
		"agent_id":        c.cfg.AgentID,
		"user_id":         c.cfg.AgentID,
		"intent_type":     intentType,
		"intent_params":   intentParams,
		"idempotency_key": idempotencyKey,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/quotes", body)
}

// Execute carries out a previously quoted action.
func (c *KernelClient) Execute(ctx context.Context, quoteID, idempotencyKey, stepUpToken string) (json.RawMessage, error) {
	body := map[string]any{
		"quote_id":        quoteID,
		"idempotency_key": idempotencyKey,
	}
	if stepUpToken != "" {
		body["step_up_token"] = stepUpToken
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/executions", body)
}

// RequestStepUp starts a step-up challenge for a quote.
func (c *KernelClient) RequestStepUp(ctx context.Context, quoteID string) (json.RawMessage, error) {
	body := map[string]any{
		"user_id":  c.cfg.AgentID,
		"agent_id": c.cfg.AgentID,
		"quote_id": quoteID,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/stepup/request", body)
}

// ConfirmStepUp approves or denies a step-up challenge.
func (c *KernelClient) ConfirmStepUp(ctx context.Context, challengeID, code string, approve bool) (json.RawMessage, error) {
	body := map[string]any{
		"challenge_id": challengeID,
		"code":         code,
		"approve":      approve,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/stepup/confirm", body)
}

// GetTimeline returns the agent's recent event history.
func (c *KernelClient) GetTimeline(ctx context.Context, since string) (json.RawMessage, error) {
	path := "/v1/agents/" + c.cfg.AgentID + "/timeline"
	if since != "" {
		path += "?since=" + url.QueryEscape(since)
	}
	return c.doRequest(ctx, http.MethodGet, path, nil)
}
