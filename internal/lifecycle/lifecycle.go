// Package lifecycle implements the kernel's agent-lifecycle write paths:
// creating an agent, freezing one, revoking its step-up tokens, and the
// lazy daily reset every budget-touching path applies on its own. None of
// these go through the Execute Engine — they change an agent's standing
// capability to transact, not a specific transaction itself.
package lifecycle

import (
	"context"
	"errors"

	"github.com/agentkernel/kernel/internal/audit"
	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/idgen"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/policy"
	"github.com/agentkernel/kernel/internal/receipts"
	"github.com/agentkernel/kernel/internal/store"
)

// DefaultPolicy configures the policy document installed for every agent
// created with no explicit policy of its own.
type DefaultPolicy struct {
	DailySpendLimitCents int64
	StepUpThresholdCents int64
}

// Config configures the Manager's defaults, set once at startup from the
// kernel's configuration.
type Config struct {
	DefaultCreditsCents    int64
	DefaultDailySpendCents int64
	DefaultPolicy          DefaultPolicy
}

// Manager runs lifecycle operations.
type Manager struct {
	clock  clock.Clock
	issuer *receipts.Issuer
	cfg    Config
}

// NewManager builds a Manager.
func NewManager(c clock.Clock, issuer *receipts.Issuer, cfg Config) *Manager {
	return &Manager{clock: c, issuer: issuer, cfg: cfg}
}

// CreateAgentRequest is the input to CreateAgent. AgentID is optional; a
// fresh one is minted when empty.
type CreateAgentRequest struct {
	UserID  string
	AgentID string
}

// CreateAgent is idempotent on (agent_id, user_id): replaying the same
// pair returns the existing agent rather than re-creating it.
func (m *Manager) CreateAgent(ctx context.Context, db store.Database, req CreateAgentRequest) (*store.Agent, error) {
	if req.UserID == "" {
		return nil, errors.New(string(kernelerrors.ReasonAgentIDRequired))
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = idgen.WithPrefix("agt_")
	} else if existing, err := db.Agents().GetAgent(ctx, agentID); err == nil {
		if existing.UserID != req.UserID {
			return nil, errors.New(string(kernelerrors.ReasonForbidden))
		}
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	exists, err := db.Agents().UserExists(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := db.Agents().CreateUser(ctx, req.UserID); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	agent := &store.Agent{
		AgentID: agentID, UserID: req.UserID, Status: store.AgentActive,
		CreatedAt: now, UpdatedAt: now,
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.Agents().CreateAgent(ctx, agent); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Agents().CreateBudget(ctx, &store.Budget{
		AgentID: agentID, CreditsCents: m.cfg.DefaultCreditsCents,
		DailySpendCents: m.cfg.DefaultDailySpendCents, LastResetAt: now,
	}); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Policies().Create(ctx, &store.PolicyDoc{
		PolicyID: idgen.WithPrefix("pol_"), AgentID: agentID, UserID: req.UserID,
		PerIntentDailyCaps:   map[string]int{},
		DailySpendLimitCents: m.cfg.DefaultPolicy.DailySpendLimitCents,
		Allowlist:            map[string]bool{},
		Blocklist:            map[string]bool{},
		StepUpThresholdCents: m.cfg.DefaultPolicy.StepUpThresholdCents,
		CreatedAt:            now,
	}); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	ev, err := audit.Append(ctx, tx, m.clock, agentID, req.UserID, "kernel.agent_created", map[string]any{
		"agent_id":                  agentID,
		"user_id":                   req.UserID,
		"default_credits_cents":     m.cfg.DefaultCreditsCents,
		"default_daily_spend_cents": m.cfg.DefaultDailySpendCents,
	}, now)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if _, err := m.issuer.Issue(ctx, tx, receipts.Request{
		AgentID: agentID, UserID: req.UserID, Source: store.SourcePolicy,
		EventID: ev.EventID, WhatHappened: "agent created",
		WhyChanged: "create_agent called", WhatHappensNext: "default policy and budget are in effect",
		OccurredAt: now,
	}); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return agent, nil
}

// Freeze flips agentID to frozen and records why. Freezing an
// already-frozen or dead agent is a no-op that still returns the current
// row, not an error — callers never need to special-case a repeated
// freeze.
func (m *Manager) Freeze(ctx context.Context, db store.Database, agentID, reason string) (*store.Agent, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	agent, err := tx.Agents().GetAgent(ctx, agentID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if agent.Status != store.AgentActive {
		_ = tx.Rollback(ctx)
		return agent, nil
	}

	now := m.clock.Now()
	agent.Status = store.AgentFrozen
	agent.UpdatedAt = now
	if err := tx.Agents().SaveAgent(ctx, agent); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	ev, err := audit.Append(ctx, tx, m.clock, agentID, agent.UserID, "agent_frozen", map[string]any{
		"reason": reason,
	}, now)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if _, err := m.issuer.Issue(ctx, tx, receipts.Request{
		AgentID: agentID, UserID: agent.UserID, Source: store.SourcePolicy,
		EventID: ev.EventID, WhatHappened: "agent frozen", WhyChanged: reason,
		WhatHappensNext: "no further intents will be allowed until unfrozen", OccurredAt: now,
	}); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return agent, nil
}

// RevokeToken marks a step-up token revoked. Revoking an unknown or
// already-revoked token is idempotent.
func (m *Manager) RevokeToken(ctx context.Context, db store.Database, tokenID string) error {
	return db.Tokens().Revoke(ctx, tokenID)
}

// ApplyDailyReset resets agentID's daily spend counter and emits
// kernel.daily_reset if the UTC day has rolled over since the budget's
// last reset, and is a no-op otherwise. It is the standalone form of the
// lazy reset that quote.CanDo and execute's commit apply inside their own
// transactions (policy.ApplyDailyReset plus the same kernel.daily_reset
// event); here the reset is persisted in its own transaction so the next
// caller sees it too.
func (m *Manager) ApplyDailyReset(ctx context.Context, db store.Database, agentID string) (*store.Budget, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	budget, err := tx.Agents().GetBudget(ctx, agentID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if !policy.ApplyDailyReset(m.clock, budget) {
		_ = tx.Rollback(ctx)
		return budget, nil
	}

	if err := tx.Agents().SaveBudget(ctx, budget); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	agent, err := tx.Agents().GetAgent(ctx, agentID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	now := m.clock.Now()
	ev, err := audit.Append(ctx, tx, m.clock, agentID, agent.UserID, "kernel.daily_reset", map[string]any{
		"agent_id": agentID,
	}, now)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if _, err := m.issuer.Issue(ctx, tx, receipts.Request{
		AgentID: agentID, UserID: agent.UserID, Source: store.SourcePolicy,
		EventID: ev.EventID, WhatHappened: "daily spend counter reset",
		WhyChanged: "UTC day rolled over since the last reset", OccurredAt: now,
	}); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return budget, nil
}
