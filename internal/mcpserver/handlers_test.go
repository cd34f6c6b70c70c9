package mcpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonDecode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:  ts.URL,
		APIKey:  "sk_test_key",
		AgentID: "agt_test",
	}
	client := NewKernelClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewKernelClient(Config{APIURL: ts.URL, APIKey: "sk_test_key", AgentID: "agt_1"})
	_, err := client.GetState(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_test_key", gotAuth)
	assert.Equal(t, "/v1/agents/agt_1/state", gotPath)
}

func TestClient_DoRequest_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"reason":"step_up_required","message":"needs confirmation"}`))
	}))
	defer ts.Close()

	client := NewKernelClient(Config{APIURL: ts.URL, AgentID: "agt_1"})
	_, err := client.GetState(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step_up_required")
}

func TestHandleCheckState(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/agt_test/state", r.URL.Path)
		_, _ = w.Write([]byte(`{"agentId":"agt_test","creditsCents":5000,"status":"active"}`))
	}))
	defer closeFn()

	result, err := h.HandleCheckState(t.Context(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "agt_test")
}

func TestHandleRequestQuote_MissingIntentType(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the kernel without intent_type")
	}))
	defer closeFn()

	result, err := h.HandleRequestQuote(t.Context(), makeRequest(map[string]any{
		"idempotency_key": "key-1",
		"intent_params":   map[string]any{},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRequestQuote_Forwarded(t *testing.T) {
	var gotBody map[string]any
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quotes", r.URL.Path)
		_ = jsonDecode(r, &gotBody)
		_, _ = w.Write([]byte(`{"quote_id":"q_1","allowed":true,"requires_step_up":false}`))
	}))
	defer closeFn()

	result, err := h.HandleRequestQuote(t.Context(), makeRequest(map[string]any{
		"intent_type":     "job.apply",
		"idempotency_key": "key-1",
		"intent_params":   map[string]any{"toAgentId": "agt_2", "amountCents": float64(100)},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "job.apply", gotBody["intent_type"])
	assert.Contains(t, resultText(t, result), "q_1")
}

func TestHandleExecute_MissingQuoteID(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the kernel without quote_id")
	}))
	defer closeFn()

	result, err := h.HandleExecute(t.Context(), makeRequest(map[string]any{"idempotency_key": "k"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleExecute_Forwarded(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/executions", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"applied","exec_id":"ex_1"}`))
	}))
	defer closeFn()

	result, err := h.HandleExecute(t.Context(), makeRequest(map[string]any{
		"quote_id":        "q_1",
		"idempotency_key": "key-1",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "ex_1")
}

func TestHandleConfirmStepUp_ApprovesWhenFlagSet(t *testing.T) {
	var gotBody map[string]any
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = jsonDecode(r, &gotBody)
		_, _ = w.Write([]byte(`{"approved":true,"token_id":"tok_1","token":"plaintext"}`))
	}))
	defer closeFn()

	result, err := h.HandleConfirmStepUp(t.Context(), makeRequest(map[string]any{
		"challenge_id": "chal_1",
		"code":         "123456",
		"approve":      true,
	}))
	require.NoError(t, err)
	assert.Equal(t, true, gotBody["approve"])
	assert.Contains(t, resultText(t, result), "tok_1")
}

func TestHandleGetTimeline_PassesSince(t *testing.T) {
	var gotQuery string
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer closeFn()

	_, err := h.HandleGetTimeline(t.Context(), makeRequest(map[string]any{"since": "2026-01-01T00:00:00Z"}))
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "since=")
}
