// Package quote implements can_do: the idempotent decision call that binds
// an (agent, intent) pair to an allow/deny outcome before anything is ever
// executed. A quote is immutable once created and always grounded by a
// policy_decision event and a receipt, whether it was allowed or denied.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentkernel/kernel/internal/audit"
	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/freshness"
	"github.com/agentkernel/kernel/internal/idgen"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/policy"
	"github.com/agentkernel/kernel/internal/receipts"
	"github.com/agentkernel/kernel/internal/spendsnapshot"
	"github.com/agentkernel/kernel/internal/store"
)

// quoteTTL is how long an allowed or denied quote stays valid for execute.
const quoteTTL = 300 * time.Second

// Request is the caller's can_do input, prior to driver normalization.
type Request struct {
	AgentID        string
	UserID         string
	IdempotencyKey string
	Intent         driver.Intent
}

// Engine issues quotes.
type Engine struct {
	clock      clock.Clock
	drivers    *driver.Registry
	issuer     *receipts.Issuer
	thresholds freshness.Thresholds
}

// NewEngine builds an Engine. thresholds configures the Freshness Gate
// consulted before every quote.
func NewEngine(c clock.Clock, drivers *driver.Registry, issuer *receipts.Issuer, thresholds freshness.Thresholds) *Engine {
	return &Engine{clock: c, drivers: drivers, issuer: issuer, thresholds: thresholds}
}

// CanDo evaluates intent for agentID and persists the resulting quote
// within tx. Replaying the same (agentID, idempotencyKey) pair returns the
// original quote unchanged rather than re-evaluating.
func (e *Engine) CanDo(ctx context.Context, tx store.Tx, req Request) (*store.Quote, error) {
	existing, err := tx.Quotes().FindByIdempotencyKey(ctx, req.AgentID, req.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	agent, err := tx.Agents().GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	budget, err := tx.Agents().GetBudget(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	policyDoc, err := tx.Policies().Latest(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	if policy.ApplyDailyReset(e.clock, budget) {
		if err := tx.Agents().SaveBudget(ctx, budget); err != nil {
			return nil, err
		}
		resetAt := e.clock.Now()
		ev, err := audit.Append(ctx, tx, e.clock, req.AgentID, agent.UserID, "kernel.daily_reset", map[string]any{"agent_id": req.AgentID}, resetAt)
		if err != nil {
			return nil, err
		}
		if e.issuer != nil {
			if _, err := e.issuer.Issue(ctx, tx, receipts.Request{
				AgentID: req.AgentID, UserID: agent.UserID, Source: store.SourcePolicy,
				EventID: ev.EventID, WhatHappened: "daily spend counter reset",
				WhyChanged: "UTC day rolled over since the last reset", OccurredAt: resetAt,
			}); err != nil {
				return nil, err
			}
		}
	}

	now := e.clock.Now()
	quoteID := idgen.WithPrefix("qte_")

	if agent.Status != store.AgentActive {
		reason := kernelerrors.ReasonAgentFrozen
		if agent.Status == store.AgentDead {
			reason = kernelerrors.ReasonAgentDead
		}
		return e.deny(ctx, tx, req, quoteID, now, reason, driver.EstimateResult{})
	}

	d := e.drivers.For(req.Intent.Type)
	if d == nil {
		return e.deny(ctx, tx, req, quoteID, now, kernelerrors.ReasonUnsupportedIntent, driver.EstimateResult{})
	}

	normalized, err := d.Normalize(ctx, req.Intent)
	if err != nil {
		return e.deny(ctx, tx, req, quoteID, now, kernelerrors.Reason(err.Error()), driver.EstimateResult{})
	}

	if reason, err := freshness.Check(ctx, d, req.AgentID, false); err != nil {
		return nil, err
	} else if reason != "" {
		return e.deny(ctx, tx, req, quoteID, now, reason, driver.EstimateResult{})
	}

	if err := d.PreCheck(ctx, req.AgentID, normalized); err != nil {
		return e.deny(ctx, tx, req, quoteID, now, kernelerrors.Reason(err.Error()), driver.EstimateResult{})
	}

	estimate, err := d.EstimateCost(ctx, req.AgentID, normalized)
	if err != nil {
		return nil, err
	}

	obs, err := d.Observation(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	confirmedBalance, balanceBacked := observedInt64(obs, "confirmed_balance_cents")
	buffer, _ := observedInt64(obs, "buffer_cents")

	snap, err := spendsnapshot.Refresh(ctx, tx, e.clock, req.AgentID, budget, spendsnapshot.Inputs{
		ConfirmedBalanceCents: confirmedBalance,
		BufferCents:           buffer,
		DailyLimitCents:       budget.DailySpendCents,
		DailyUsedCents:        budget.DailySpendUsedCents,
		TransferAmountCents:   estimate.TransferCents,
	})
	if err != nil {
		return nil, err
	}

	appliedCount, err := tx.Executions().CountApplied(ctx, req.AgentID, normalized.Type, clock.DayStart(now))
	if err != nil {
		return nil, err
	}

	decision, err := policy.Evaluate(ctx, policy.Input{
		Agent:             agent,
		Budget:            budget,
		Policy:            policyDoc,
		Intent:            normalized,
		Estimate:          estimate,
		DailyAppliedCount: appliedCount,
		Snapshot:          snap,
		BalanceBacked:     balanceBacked,
	})
	if err != nil {
		return nil, err
	}

	intentJSON, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	q := &store.Quote{
		QuoteID:        quoteID,
		UserID:         req.UserID,
		AgentID:        req.AgentID,
		IntentJSON:     intentJSON,
		Allowed:        decision.Allowed,
		RequiresStepUp: decision.RequiresStepUp,
		Reason:         string(decision.Reason),
		BaseCostCents:  decision.BaseCostCents,
		TransferCents:  decision.TransferCents,
		ExpiresAt:      now.Add(quoteTTL),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	if err := tx.Quotes().Create(ctx, q); err != nil {
		return nil, err
	}
	if err := e.recordDecision(ctx, tx, req, q, now); err != nil {
		return nil, err
	}
	return q, nil
}

// deny persists a denied quote (agent/intent/driver-level rejections that
// happen before a Decision can even be formed) with its own audit trail.
func (e *Engine) deny(ctx context.Context, tx store.Tx, req Request, quoteID string, now time.Time, reason kernelerrors.Reason, estimate driver.EstimateResult) (*store.Quote, error) {
	intentJSON, err := json.Marshal(req.Intent)
	if err != nil {
		return nil, err
	}
	q := &store.Quote{
		QuoteID:        quoteID,
		UserID:         req.UserID,
		AgentID:        req.AgentID,
		IntentJSON:     intentJSON,
		Allowed:        false,
		Reason:         string(reason),
		BaseCostCents:  estimate.BaseCostCents,
		TransferCents:  estimate.TransferCents,
		ExpiresAt:      now.Add(quoteTTL),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	if err := tx.Quotes().Create(ctx, q); err != nil {
		return nil, err
	}
	if err := e.recordDecision(ctx, tx, req, q, now); err != nil {
		return nil, err
	}
	return q, nil
}

func (e *Engine) recordDecision(ctx context.Context, tx store.Tx, req Request, q *store.Quote, now time.Time) error {
	payload := map[string]any{
		"quote_id":        q.QuoteID,
		"intent_type":     req.Intent.Type,
		"allowed":         q.Allowed,
		"requires_step_up": q.RequiresStepUp,
		"reason":          q.Reason,
		"base_cost_cents": q.BaseCostCents,
		"transfer_cents":  q.TransferCents,
	}
	ev, err := audit.Append(ctx, tx, e.clock, req.AgentID, req.UserID, "policy_decision", payload, now)
	if err != nil {
		return err
	}
	if e.issuer == nil {
		return nil
	}
	_, err = e.issuer.Issue(ctx, tx, receipts.Request{
		AgentID:         req.AgentID,
		UserID:          req.UserID,
		Source:          store.SourcePolicy,
		EventID:         ev.EventID,
		WhatHappened:    decisionSummary(q),
		WhyChanged:      decisionReasonSummary(q),
		WhatHappensNext: decisionNextSummary(q),
		OccurredAt:      now,
	})
	return err
}

func decisionSummary(q *store.Quote) string {
	if q.Allowed {
		return "intent allowed"
	}
	return "intent denied"
}

func decisionReasonSummary(q *store.Quote) string {
	if q.Reason == "" {
		return "within policy limits"
	}
	return q.Reason
}

func decisionNextSummary(q *store.Quote) string {
	if !q.Allowed {
		return "no further action; quote will not be executable"
	}
	if q.RequiresStepUp {
		return "awaiting step-up approval before execute will proceed"
	}
	return "may be executed until the quote expires"
}

// observedInt64 reads an int64-shaped numeric field out of a driver
// observation map. ok is false when the key is absent, which callers use
// to distinguish "no balance environment" from "balance is zero."
func observedInt64(obs map[string]any, key string) (int64, bool) {
	v, ok := obs[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
