package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agentkernel/kernel/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                      "0",
		Env:                       "development",
		LogLevel:                  "error",
		EnvStaleSeconds:           60,
		EnvUnknownSeconds:         300,
		DefaultCreditsCents:       5000,
		DefaultDailySpendCents:    1000,
		StepUpChallengeTTLSeconds: 300,
		StepUpTokenTTLSeconds:     900,
		DBStatementTimeout:        30000,
		RateLimitRPS:              120,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint_NotReadyBeforeRun(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (not ready), got %d", w.Code)
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/agents",
		"POST:/v1/quotes",
		"POST:/v1/executions",
		"POST:/v1/stepup/request",
		"POST:/v1/stepup/confirm",
		"GET:/v1/agents/:id/state",
		"GET:/v1/agents/:id/timeline",
		"POST:/v1/agents/:id/freeze",
		"POST:/v1/replay/:id",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("expected route %s not registered", e)
		}
	}
}

func TestAgentRegistration(t *testing.T) {
	s := newTestServer(t)

	body := `{"user_id":"usr_1"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/agents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["agentId"] == nil || resp["agentId"] == "" {
		t.Error("expected agentId in registration response")
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
