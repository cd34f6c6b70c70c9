// Package api exposes the kernel's agent economic actions over HTTP: thin
// gin handlers that bind a request, call into internal/kernel, and map the
// result (or a kernelerrors.Reason) onto the stable response shapes the
// external interface promises. No business logic lives here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/execute"
	"github.com/agentkernel/kernel/internal/kernel"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/lifecycle"
	"github.com/agentkernel/kernel/internal/quote"
	"github.com/agentkernel/kernel/internal/store"
)

// Handler binds a Kernel to HTTP.
type Handler struct {
	k *kernel.Kernel
}

// NewHandler builds a Handler over k.
func NewHandler(k *kernel.Kernel) *Handler {
	return &Handler{k: k}
}

// RegisterRoutes mounts every kernel route under r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.CreateAgent)
	r.POST("/agents/:id/freeze", h.Freeze)
	r.GET("/agents/:id/state", h.State)
	r.GET("/agents/:id/timeline", h.Timeline)

	r.POST("/quotes", h.CanDo)
	r.POST("/executions", h.Execute)

	r.POST("/stepup/request", h.RequestStepUp)
	r.POST("/stepup/confirm", h.ConfirmStepUp)

	r.POST("/replay/:id", h.VerifyReplay)
}

// reasonStatus maps a stable kernelerrors.Reason to the HTTP status class
// it belongs to. Reasons the kernel never actually returns to a handler
// directly (e.g. ones only ever persisted on a quote/execution record)
// fall through to 422, the default for a well-formed request the kernel
// refused on its own terms.
func reasonStatus(reason string) int {
	switch kernelerrors.Reason(reason) {
	case kernelerrors.ReasonAgentIDRequired,
		kernelerrors.ReasonInvalidAmountCents,
		kernelerrors.ReasonInvalidToAddress,
		kernelerrors.ReasonIdempotencyMismatch,
		kernelerrors.ReasonUnsupportedIntent:
		return http.StatusBadRequest
	case kernelerrors.ReasonAgentNotFound, kernelerrors.ReasonQuoteNotFound:
		return http.StatusNotFound
	case kernelerrors.ReasonForbidden:
		return http.StatusForbidden
	case kernelerrors.ReasonAgentFrozen, kernelerrors.ReasonAgentDead,
		kernelerrors.ReasonStepUpRequired, kernelerrors.ReasonStepUpMismatch,
		kernelerrors.ReasonStepUpTokenExpired, kernelerrors.ReasonStepUpTokenInvalid,
		kernelerrors.ReasonInvalidCode:
		return http.StatusUnauthorized
	default:
		return http.StatusUnprocessableEntity
	}
}

// writeReasonError writes a stable {reason, message} body, deriving the
// status from reasonStatus.
func writeReasonError(c *gin.Context, err error) {
	reason := err.Error()
	c.JSON(reasonStatus(reason), gin.H{
		"reason":  reason,
		"message": err.Error(),
	})
}

// createAgentRequest is POST /v1/agents' body.
type createAgentRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	AgentID string `json:"agent_id"`
}

// CreateAgent handles POST /v1/agents.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": kernelerrors.ReasonAgentIDRequired, "message": err.Error()})
		return
	}
	agent, err := h.k.CreateAgent(c.Request.Context(), lifecycle.CreateAgentRequest{
		UserID: req.UserID, AgentID: req.AgentID,
	})
	if err != nil {
		writeReasonError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// freezeRequest is POST /v1/agents/:id/freeze's body.
type freezeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Freeze handles POST /v1/agents/:id/freeze.
func (h *Handler) Freeze(c *gin.Context) {
	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid_request", "message": err.Error()})
		return
	}
	agent, err := h.k.Freeze(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeReasonError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// State handles GET /v1/agents/:id/state.
func (h *Handler) State(c *gin.Context) {
	st, err := h.k.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"reason": kernelerrors.ReasonAgentNotFound})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"reason": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Timeline handles GET /v1/agents/:id/timeline.
func (h *Handler) Timeline(c *gin.Context) {
	since := time.Time{}
	if s := c.Query("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid_since", "message": err.Error()})
			return
		}
		since = parsed
	}
	limit := 50
	items, err := h.k.Timeline(c.Request.Context(), c.Param("id"), since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"reason": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// canDoRequest is POST /v1/quotes' body.
type canDoRequest struct {
	AgentID        string          `json:"agent_id" binding:"required"`
	UserID         string          `json:"user_id" binding:"required"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
	IntentType     string          `json:"intent_type" binding:"required"`
	IntentParams   json.RawMessage `json:"intent_params"`
}

// canDoResponse is the stable quote response shape.
type canDoResponse struct {
	QuoteID        string    `json:"quote_id"`
	Allowed        bool      `json:"allowed"`
	RequiresStepUp bool      `json:"requires_step_up"`
	Reason         string    `json:"reason,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// CanDo handles POST /v1/quotes.
func (h *Handler) CanDo(c *gin.Context) {
	var req canDoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": kernelerrors.ReasonAgentIDRequired, "message": err.Error()})
		return
	}
	q, err := h.k.CanDo(c.Request.Context(), quote.Request{
		AgentID:        req.AgentID,
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Intent:         driver.Intent{Type: req.IntentType, Params: req.IntentParams},
	})
	if err != nil {
		writeReasonError(c, err)
		return
	}
	c.JSON(http.StatusOK, canDoResponse{
		QuoteID:        q.QuoteID,
		Allowed:        q.Allowed,
		RequiresStepUp: q.RequiresStepUp,
		Reason:         q.Reason,
		ExpiresAt:      q.ExpiresAt,
		IdempotencyKey: q.IdempotencyKey,
	})
}

// executeRequest is POST /v1/executions' body.
type executeRequest struct {
	QuoteID           string `json:"quote_id" binding:"required"`
	IdempotencyKey    string `json:"idempotency_key" binding:"required"`
	StepUpToken       string `json:"step_up_token"`
	OverrideFreshness bool   `json:"override_freshness"`
}

// executeResponse is the stable execution response shape.
type executeResponse struct {
	Status      store.ExecutionStatus `json:"status"`
	ExecID      string                `json:"exec_id,omitempty"`
	ExternalRef string                `json:"external_ref,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

// Execute handles POST /v1/executions.
func (h *Handler) Execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": kernelerrors.ReasonQuoteNotFound, "message": err.Error()})
		return
	}
	exec, err := h.k.Do(c.Request.Context(), execute.Request{
		QuoteID:           req.QuoteID,
		IdempotencyKey:    req.IdempotencyKey,
		StepUpToken:       req.StepUpToken,
		OverrideFreshness: req.OverrideFreshness,
	})
	if err != nil {
		writeReasonError(c, err)
		return
	}
	c.JSON(http.StatusOK, executeResponse{
		Status:      exec.Status,
		ExecID:      exec.ExecID,
		ExternalRef: exec.ExternalRef,
		Reason:      exec.Reason,
	})
}

// requestStepUpRequest is POST /v1/stepup/request's body.
type requestStepUpRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	AgentID string `json:"agent_id" binding:"required"`
	QuoteID string `json:"quote_id" binding:"required"`
}

// RequestStepUp handles POST /v1/stepup/request.
func (h *Handler) RequestStepUp(c *gin.Context) {
	var req requestStepUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid_request", "message": err.Error()})
		return
	}
	challenge, code, err := h.k.RequestStepUp(c.Request.Context(), req.UserID, req.AgentID, req.QuoteID)
	if err != nil {
		writeReasonError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"challenge_id": challenge.ChallengeID,
		// approval_code is delivered out of band in production (push/SMS);
		// returned here only because this kernel has no such channel wired.
		"approval_code": code,
		"expires_at":    challenge.ExpiresAt,
	})
}

// confirmStepUpRequest is POST /v1/stepup/confirm's body.
type confirmStepUpRequest struct {
	ChallengeID string `json:"challenge_id" binding:"required"`
	Code        string `json:"code" binding:"required"`
	Approve     bool   `json:"approve"`
}

// ConfirmStepUp handles POST /v1/stepup/confirm.
func (h *Handler) ConfirmStepUp(c *gin.Context) {
	var req confirmStepUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid_request", "message": err.Error()})
		return
	}
	tok, err := h.k.ConfirmStepUp(c.Request.Context(), req.ChallengeID, req.Code, req.Approve)
	if err != nil {
		writeReasonError(c, err)
		return
	}
	if tok == nil {
		c.JSON(http.StatusOK, gin.H{"approved": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"approved":   true,
		"token_id":   tok.TokenID,
		"token":      tok.TokenHash, // plaintext, returned once
		"expires_at": tok.ExpiresAt,
	})
}

// VerifyReplay handles POST /v1/replay/:id.
func (h *Handler) VerifyReplay(c *gin.Context) {
	result, err := h.k.VerifyReplay(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"reason": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
