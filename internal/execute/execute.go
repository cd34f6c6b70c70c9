// Package execute implements the kernel's execute call: the one write path
// that actually spends an agent's budget and drives an economic
// environment. Every quote it consumes was already decided by can_do;
// execute re-checks the same policy against live state (the window between
// quote and execute can be seconds or hours), then commits the debit,
// the driver's environment action, and every side-effect in one atomic
// unit of work.
//
// Per-agent serialization uses internal/syncutil's ShardedMutex rather
// than a per-entity sync.Map the way internal/escrow locks a multistep
// escrow: a kernel agent is a long-lived entity with an unbounded
// lifetime, so a fixed-size lock pool is the right shape here even
// though escrow's map-and-cleanup pattern fits its own shorter-lived
// escrows.
package execute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentkernel/kernel/internal/audit"
	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/idgen"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/policy"
	"github.com/agentkernel/kernel/internal/receipts"
	"github.com/agentkernel/kernel/internal/spendsnapshot"
	"github.com/agentkernel/kernel/internal/stepup"
	"github.com/agentkernel/kernel/internal/store"
	"github.com/agentkernel/kernel/internal/syncutil"
)

// Request is the caller's execute input.
type Request struct {
	QuoteID           string
	IdempotencyKey    string
	StepUpToken       string
	OverrideFreshness bool
}

// Engine executes quoted intents.
type Engine struct {
	clock   clock.Clock
	drivers *driver.Registry
	issuer  *receipts.Issuer
	locks   *syncutil.ShardedMutex
}

// NewEngine builds an Engine.
func NewEngine(c clock.Clock, drivers *driver.Registry, issuer *receipts.Issuer, locks *syncutil.ShardedMutex) *Engine {
	return &Engine{clock: c, drivers: drivers, issuer: issuer, locks: locks}
}

// Execute runs the full execute sequence for req and returns the resulting
// Execution row. A second call with the same QuoteID replays the first
// attempt's outcome rather than re-running it.
func (e *Engine) Execute(ctx context.Context, db store.Database, req Request) (*store.Execution, error) {
	quote, err := db.Quotes().Get(ctx, req.QuoteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, reasonErr(kernelerrors.ReasonQuoteNotFound)
		}
		return nil, err
	}
	if quote.IdempotencyKey != req.IdempotencyKey {
		return nil, reasonErr(kernelerrors.ReasonIdempotencyMismatch)
	}

	unlock := e.locks.Lock(quote.AgentID)
	defer unlock()

	if existing, err := db.Executions().FindByQuote(ctx, quote.QuoteID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := e.clock.Now()
	if now.After(quote.ExpiresAt) {
		return e.denyStandalone(ctx, db, quote, now, kernelerrors.ReasonQuoteExpired)
	}
	if !quote.Allowed {
		return e.denyStandalone(ctx, db, quote, now, kernelerrors.Reason(quote.Reason))
	}

	var intent driver.Intent
	if err := json.Unmarshal(quote.IntentJSON, &intent); err != nil {
		return nil, err
	}
	d := e.drivers.For(intent.Type)
	if d == nil {
		return e.denyStandalone(ctx, db, quote, now, kernelerrors.ReasonUnsupportedIntent)
	}

	fr, err := d.Freshness(ctx, quote.AgentID)
	if err != nil {
		return e.denyStandalone(ctx, db, quote, now, kernelerrors.ReasonEnvObservationFailed)
	}
	overrideUsed := false
	if fr.Status != driver.FreshnessFresh {
		if !req.OverrideFreshness {
			return e.denyStandalone(ctx, db, quote, now, kernelerrors.EnvReason(string(fr.Status)))
		}
		overrideUsed = true
	}

	agent, err := db.Agents().GetAgent(ctx, quote.AgentID)
	if err != nil {
		return nil, err
	}
	liveBudget, err := db.Agents().GetBudget(ctx, quote.AgentID)
	if err != nil {
		return nil, err
	}
	policyDoc, err := db.Policies().Latest(ctx, quote.AgentID)
	if err != nil {
		return nil, err
	}

	projected := *liveBudget
	policy.ApplyDailyReset(e.clock, &projected)

	estimate, err := d.EstimateCost(ctx, quote.AgentID, intent)
	if err != nil {
		return nil, err
	}
	obs, err := d.Observation(ctx, quote.AgentID)
	if err != nil {
		return nil, err
	}
	confirmedBalance, balanceBacked := observedInt64(obs, "confirmed_balance_cents")
	buffer, _ := observedInt64(obs, "buffer_cents")
	appliedCount, err := db.Executions().CountApplied(ctx, quote.AgentID, intent.Type, clock.DayStart(now))
	if err != nil {
		return nil, err
	}

	recheckTx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := spendsnapshot.Refresh(ctx, recheckTx, e.clock, quote.AgentID, &projected, spendsnapshot.Inputs{
		ConfirmedBalanceCents: confirmedBalance,
		BufferCents:           buffer,
		DailyLimitCents:       projected.DailySpendCents,
		DailyUsedCents:        projected.DailySpendUsedCents,
		TransferAmountCents:   estimate.TransferCents,
	})
	if err != nil {
		_ = recheckTx.Rollback(ctx)
		return nil, err
	}

	decision, err := policy.Evaluate(ctx, policy.Input{
		Agent: agent, Budget: &projected, Policy: policyDoc, Intent: intent,
		Estimate: estimate, DailyAppliedCount: appliedCount, Snapshot: snap,
		BalanceBacked: balanceBacked,
	})
	if err != nil {
		_ = recheckTx.Rollback(ctx)
		return nil, err
	}
	if !decision.Allowed {
		_ = recheckTx.Rollback(ctx)
		return e.denyStandalone(ctx, db, quote, now, decision.Reason)
	}

	if quote.RequiresStepUp {
		if req.StepUpToken == "" {
			_ = recheckTx.Rollback(ctx)
			return e.denyStandalone(ctx, db, quote, now, kernelerrors.ReasonStepUpRequired)
		}
		reason, err := stepup.Validate(ctx, db, e.clock, quote.QuoteID, req.StepUpToken)
		if err != nil {
			_ = recheckTx.Rollback(ctx)
			return nil, err
		}
		if reason != "" {
			_ = recheckTx.Rollback(ctx)
			return e.denyStandalone(ctx, db, quote, now, reason)
		}
	}

	recheckPayload := map[string]any{
		"quote_id":         quote.QuoteID,
		"base_cost_cents":  decision.BaseCostCents,
		"transfer_cents":   decision.TransferCents,
		"freshness_status": string(fr.Status),
		"override_used":    overrideUsed,
	}
	recheckEv, err := audit.Append(ctx, recheckTx, e.clock, quote.AgentID, quote.UserID, "policy_recheck", recheckPayload, now)
	if err != nil {
		_ = recheckTx.Rollback(ctx)
		return nil, err
	}
	if _, err := e.issuer.Issue(ctx, recheckTx, receipts.Request{
		AgentID: quote.AgentID, UserID: quote.UserID, Source: store.SourcePolicy,
		EventID: recheckEv.EventID, WhatHappened: "policy re-checked at execute time",
		WhyChanged: "quotes and execution can be separated by an arbitrary delay", OccurredAt: now,
	}); err != nil {
		_ = recheckTx.Rollback(ctx)
		return nil, err
	}
	if overrideUsed {
		overrideEv, err := audit.Append(ctx, recheckTx, e.clock, quote.AgentID, quote.UserID, "freshness_override", map[string]any{
			"status": string(fr.Status),
		}, now)
		if err != nil {
			_ = recheckTx.Rollback(ctx)
			return nil, err
		}
		if _, err := e.issuer.Issue(ctx, recheckTx, receipts.Request{
			AgentID: quote.AgentID, UserID: quote.UserID, Source: store.SourceEnv,
			EventID: overrideEv.EventID, WhatHappened: "executed despite a stale or unknown environment reading",
			WhyChanged: "caller explicitly opted to override the freshness gate", OccurredAt: now,
		}); err != nil {
			_ = recheckTx.Rollback(ctx)
			return nil, err
		}
	}
	if err := recheckTx.Commit(ctx); err != nil {
		return nil, err
	}

	return e.commit(ctx, db, quote, intent, d, decision, now)
}

// commit runs step 8's atomic sequence: insert the execution row, debit
// the budget, refresh the snapshot, drive the environment, apply any
// transfer side-effect, and finalize status — all in one transaction. A
// CommitCheck refusal or a driver failure rolls it back and is recorded
// in a standalone follow-up transaction via finalizeFailure. Any other
// error rolls it back and is returned to the caller with no execution row
// or execution_failed event recorded.
func (e *Engine) commit(ctx context.Context, db store.Database, quote *store.Quote, intent driver.Intent, d driver.Driver, decision policy.Decision, now time.Time) (*store.Execution, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}

	execID := idgen.WithPrefix("exec_")
	exec := &store.Execution{
		ExecID: execID, QuoteID: quote.QuoteID, UserID: quote.UserID, AgentID: quote.AgentID,
		Status: store.ExecQueued, CreatedAt: now, UpdatedAt: now,
	}
	if err := tx.Executions().Create(ctx, exec); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	budget, err := tx.Agents().GetBudget(ctx, quote.AgentID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if policy.ApplyDailyReset(e.clock, budget) {
		resetEv, err := audit.Append(ctx, tx, e.clock, quote.AgentID, quote.UserID, "kernel.daily_reset", map[string]any{"agent_id": quote.AgentID}, now)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if _, err := e.issuer.Issue(ctx, tx, receipts.Request{
			AgentID: quote.AgentID, UserID: quote.UserID, Source: store.SourcePolicy,
			EventID: resetEv.EventID, WhatHappened: "daily spend counter reset",
			WhyChanged: "UTC day rolled over since the last reset", OccurredAt: now,
		}); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}
	budget.CreditsCents -= decision.BaseCostCents
	budget.DailySpendUsedCents += decision.BaseCostCents
	if err := tx.Agents().SaveBudget(ctx, budget); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if _, err := audit.Append(ctx, tx, e.clock, quote.AgentID, quote.UserID, "budget_debited", map[string]any{
		"exec_id":         execID,
		"quote_id":        quote.QuoteID,
		"base_cost_cents": decision.BaseCostCents,
	}, now); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	obs, err := d.Observation(ctx, quote.AgentID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	confirmedBalance, _ := observedInt64(obs, "confirmed_balance_cents")
	buffer, _ := observedInt64(obs, "buffer_cents")
	if _, err := spendsnapshot.Refresh(ctx, tx, e.clock, quote.AgentID, budget, spendsnapshot.Inputs{
		ConfirmedBalanceCents: confirmedBalance,
		BufferCents:           buffer,
		DailyLimitCents:       budget.DailySpendCents,
		DailyUsedCents:        budget.DailySpendUsedCents,
		TransferAmountCents:   decision.TransferCents,
	}); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if err := d.CommitCheck(ctx, tx, quote.AgentID, intent); err != nil {
		_ = tx.Rollback(ctx)
		return e.finalizeFailure(ctx, db, exec, kernelerrors.Reason(err.Error()), now)
	}

	cap := e.capability(tx, quote, execID, now)
	result, err := d.Execute(ctx, tx, cap, intent)
	if err != nil {
		_ = tx.Rollback(ctx)
		return e.finalizeFailure(ctx, db, exec, kernelerrors.ReasonExecutionError, now)
	}
	if result.Status != driver.ExecStatusApplied {
		_ = tx.Rollback(ctx)
		reason := kernelerrors.Reason(result.Reason)
		if reason == "" {
			reason = kernelerrors.ReasonTransferFailed
		}
		return e.finalizeFailure(ctx, db, exec, reason, now)
	}

	for _, ee := range result.EnvEvents {
		if ee.Transfer != nil {
			// A Transfer side-effect is only meaningful for in-kernel
			// settlement (job economy): balance-backed drivers move value
			// on their own rail and must never mutate another agent's
			// kernel budget directly.
			if intent.Type == "job.apply" {
				recipientAgent, err := tx.Agents().GetAgent(ctx, ee.Transfer.ToAgentID)
				if err != nil {
					_ = tx.Rollback(ctx)
					return nil, err
				}
				recipient, err := tx.Agents().GetBudget(ctx, ee.Transfer.ToAgentID)
				if err != nil {
					_ = tx.Rollback(ctx)
					return nil, err
				}
				recipient.CreditsCents += ee.Transfer.AmountCents
				if err := tx.Agents().SaveBudget(ctx, recipient); err != nil {
					_ = tx.Rollback(ctx)
					return nil, err
				}
				if _, err := audit.Append(ctx, tx, e.clock, recipientAgent.AgentID, recipientAgent.UserID, "transfer_received", map[string]any{
					"amount_cents":  ee.Transfer.AmountCents,
					"from_agent_id": quote.AgentID,
					"exec_id":       execID,
				}, now); err != nil {
					_ = tx.Rollback(ctx)
					return nil, err
				}
			}
		}

		if ee.CostDeltaCents != 0 {
			budget.CreditsCents -= ee.CostDeltaCents
			if err := tx.Agents().SaveBudget(ctx, budget); err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			adjEv, err := audit.Append(ctx, tx, e.clock, quote.AgentID, quote.UserID, "budget_adjustment", map[string]any{
				"cost_delta_cents": ee.CostDeltaCents,
				"env_event_type":   ee.Type,
			}, now)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			if _, err := e.issuer.Issue(ctx, tx, receipts.Request{
				AgentID: quote.AgentID, UserID: quote.UserID, Source: store.SourceRepair,
				EventID: adjEv.EventID, WhatHappened: fmt.Sprintf("budget adjusted by %d cents", ee.CostDeltaCents),
				WhyChanged: "driver reported an environment cost beyond the pre-debited base cost", OccurredAt: now,
			}); err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
		}
	}

	if budget.CreditsCents <= 0 {
		agentRow, err := tx.Agents().GetAgent(ctx, quote.AgentID)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		agentRow.Status = store.AgentDead
		agentRow.UpdatedAt = now
		if err := tx.Agents().SaveAgent(ctx, agentRow); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if _, err := audit.Append(ctx, tx, e.clock, quote.AgentID, quote.UserID, "agent_dead", map[string]any{
			"reason": "credits exhausted",
		}, now); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}

	if err := tx.Executions().UpdateStatus(ctx, execID, store.ExecApplied, result.ExternalRef, ""); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	exec.Status = store.ExecApplied
	exec.ExternalRef = result.ExternalRef
	exec.UpdatedAt = now

	appliedEv, err := audit.Append(ctx, tx, e.clock, quote.AgentID, quote.UserID, "execution_applied", map[string]any{
		"exec_id":      execID,
		"quote_id":     quote.QuoteID,
		"external_ref": result.ExternalRef,
	}, now)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if _, err := e.issuer.Issue(ctx, tx, receipts.Request{
		AgentID: quote.AgentID, UserID: quote.UserID, Source: store.SourceExecution,
		EventID: appliedEv.EventID, ExternalRef: result.ExternalRef,
		WhatHappened: "execution applied", WhyChanged: "policy allowed the intent and the driver confirmed it",
		WhatHappensNext: "see the environment's own settlement timeline for final confirmation", OccurredAt: now,
	}); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return exec, nil
}

// capability binds a driver.Capability to tx for the duration of one
// Execute call, scoped to the acting agent. The driver never sees tx or
// the kernel itself, only these three closures.
func (e *Engine) capability(tx store.Tx, quote *store.Quote, execID string, now time.Time) driver.Capability {
	return driver.Capability{
		AgentID: quote.AgentID,
		UserID:  quote.UserID,
		AppendEvent: func(ctx context.Context, eventType string, payload any, occurredAt time.Time) (*store.Event, error) {
			return audit.Append(ctx, tx, e.clock, quote.AgentID, quote.UserID, eventType, payload, occurredAt)
		},
		CreateReceipt: func(ctx context.Context, req driver.ReceiptRequest) (*store.Receipt, error) {
			return e.issuer.Issue(ctx, tx, receipts.Request{
				AgentID: quote.AgentID, UserID: quote.UserID, Source: req.Source,
				EventID: req.EventID, ExternalRef: req.ExternalRef,
				WhatHappened: req.WhatHappened, WhyChanged: req.WhyChanged,
				WhatHappensNext: req.WhatHappensNext, OccurredAt: req.OccurredAt,
			})
		},
		WriteReservation: func(ctx context.Context, source store.ReservationSource, amountCents int64, externalRef string) (*store.Reservation, error) {
			r := &store.Reservation{
				ReservationID: idgen.WithPrefix("rsv_"), AgentID: quote.AgentID, ExecID: execID,
				Source: source, AmountCents: amountCents, Status: store.ReservationPending,
				ExternalRef: externalRef, CreatedAt: now, UpdatedAt: now,
			}
			if err := tx.Reservations().Create(ctx, r); err != nil {
				return nil, err
			}
			return r, nil
		},
	}
}

// finalizeFailure records a failed execution in a standalone transaction
// once the main atomic transaction has already been rolled back: the
// execution row still needs to exist (callers retry on QuoteID, not
// blindly), and the failure itself needs an auditable event.
func (e *Engine) finalizeFailure(ctx context.Context, db store.Database, exec *store.Execution, reason kernelerrors.Reason, now time.Time) (*store.Execution, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	exec.Status = store.ExecFailed
	exec.Reason = string(reason)
	exec.UpdatedAt = now
	if err := tx.Executions().Create(ctx, exec); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	ev, err := audit.Append(ctx, tx, e.clock, exec.AgentID, exec.UserID, "execution_failed", map[string]any{
		"exec_id":  exec.ExecID,
		"quote_id": exec.QuoteID,
		"reason":   string(reason),
	}, now)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if _, err := e.issuer.Issue(ctx, tx, receipts.Request{
		AgentID: exec.AgentID, UserID: exec.UserID, Source: store.SourceExecution,
		EventID: ev.EventID, WhatHappened: "execution failed", WhyChanged: string(reason),
		WhatHappensNext: "no funds moved; the budget debit for this attempt was rolled back", OccurredAt: now,
	}); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return exec, nil
}

// denyStandalone records a denial that happened before any execution row
// existed (expired quote, unsupported intent, failed re-check, missing or
// rejected step-up) as its own execution_failed event, outside whatever
// transaction the caller was mid-way through.
func (e *Engine) denyStandalone(ctx context.Context, db store.Database, quote *store.Quote, now time.Time, reason kernelerrors.Reason) (*store.Execution, error) {
	exec := &store.Execution{
		ExecID: idgen.WithPrefix("exec_"), QuoteID: quote.QuoteID, UserID: quote.UserID, AgentID: quote.AgentID,
		CreatedAt: now,
	}
	return e.finalizeFailure(ctx, db, exec, reason, now)
}

func reasonErr(r kernelerrors.Reason) error {
	return errors.New(string(r))
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
