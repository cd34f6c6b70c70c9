// Package policy implements the kernel's Policy Evaluator: the ordered,
// short-circuiting sequence of checks every intent must clear before a
// quote is issued as allowed. It never mutates state itself beyond the
// daily-reset helper; Evaluate is a pure function of its Input so it can
// be exercised identically from can_do and from execute's re-check.
package policy

import (
	"context"
	"time"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/store"
)

// Decision is the outcome of Evaluate. Reason is empty when Allowed is
// true and RequiresStepUp is false; it is always set on a denial.
type Decision struct {
	Allowed        bool
	RequiresStepUp bool
	Reason         kernelerrors.Reason
	BaseCostCents  int64
	TransferCents  int64
}

func denied(reason kernelerrors.Reason) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Input bundles everything Evaluate needs. Snapshot must already reflect
// TransferAmountCents for the intent being evaluated (the caller refreshes
// it via spendsnapshot.Refresh before calling Evaluate). BalanceBacked is
// true for drivers whose Observation reports a confirmed balance that can
// run out independent of policy (on-chain, card-network); false for
// in-kernel settlement (job economy).
type Input struct {
	Agent             *store.Agent
	Budget            *store.Budget
	Policy            *store.PolicyDoc
	Intent            driver.Intent
	Estimate          driver.EstimateResult
	DailyAppliedCount int
	Snapshot          *store.Snapshot
	BalanceBacked     bool
}

// Evaluate runs the nine ordered checks, short-circuiting on the first
// failure. Step numbers in comments match the ordering every driver and
// test must agree on.
func Evaluate(ctx context.Context, in Input) (Decision, error) {
	// 1. Agent must be active.
	switch in.Agent.Status {
	case store.AgentFrozen:
		return denied(kernelerrors.ReasonAgentFrozen), nil
	case store.AgentDead:
		return denied(kernelerrors.ReasonAgentDead), nil
	}

	// 2. Daily reset is applied by the caller (ApplyDailyReset) before
	// Evaluate runs, so in.Budget always reflects the current day here.

	// 3. Intent type must not be blocked, and must be allowlisted when an
	// allowlist is configured.
	if in.Policy.Blocklist[in.Intent.Type] {
		return denied(kernelerrors.ReasonBlockedIntent), nil
	}
	if len(in.Policy.Allowlist) > 0 && !in.Policy.Allowlist[in.Intent.Type] {
		return denied(kernelerrors.ReasonIntentNotAllowlisted), nil
	}

	// 4. Per-intent daily count, when a cap is configured for this type.
	if cap, ok := in.Policy.PerIntentDailyCaps[in.Intent.Type]; ok && in.DailyAppliedCount >= cap {
		return denied(kernelerrors.ReasonPerIntentLimitReached), nil
	}

	// 5. Credits must be positive to attempt anything at all.
	if in.Budget.CreditsCents <= 0 {
		return denied(kernelerrors.ReasonInsufficientCredits), nil
	}

	// 6. Estimate is supplied by the caller (driver.EstimateCost already
	// ran); carry it through to the Decision regardless of outcome.
	baseCost := in.Estimate.BaseCostCents
	transfer := in.Estimate.TransferCents

	// 7. Projected daily spend must not exceed the daily cap, and credits
	// must cover the full cost of this intent (base cost plus any
	// transfer), not merely be positive.
	if in.Budget.DailySpendUsedCents+baseCost > in.Budget.DailySpendCents {
		return Decision{Allowed: false, Reason: kernelerrors.ReasonDailyLimitExceeded, BaseCostCents: baseCost, TransferCents: transfer}, nil
	}
	if in.Budget.CreditsCents < baseCost+transfer {
		return Decision{Allowed: false, Reason: kernelerrors.ReasonInsufficientCredits, BaseCostCents: baseCost, TransferCents: transfer}, nil
	}

	// 8. For balance-backed environments, the effective spend power
	// (confirmed balance minus reservations minus buffer, already
	// clamped into in.Snapshot by spendsnapshot.Refresh) must cover the
	// projected cost plus transfer.
	if in.BalanceBacked {
		needed := baseCost + transfer
		if in.Snapshot.EffectiveSpendPowerCents < needed {
			return Decision{Allowed: false, Reason: kernelerrors.ReasonInsufficientSpendPower, BaseCostCents: baseCost, TransferCents: transfer}, nil
		}
	}

	// 9. Step-up is required once the total of base cost plus transfer
	// crosses the policy's configured threshold. A zero threshold means
	// step-up is never required for this agent.
	requiresStepUp := in.Policy.StepUpThresholdCents > 0 && (baseCost+transfer) >= in.Policy.StepUpThresholdCents

	return Decision{
		Allowed:        true,
		RequiresStepUp: requiresStepUp,
		BaseCostCents:  baseCost,
		TransferCents:  transfer,
	}, nil
}

// ApplyDailyReset zeroes the daily counter and advances LastResetAt when
// the clock has crossed into a new UTC day since the budget's last reset.
// It reports whether a reset happened so the caller knows to persist b.
func ApplyDailyReset(c clock.Clock, b *store.Budget) bool {
	now := c.Now().UTC()
	last := b.LastResetAt.UTC()
	if sameUTCDay(now, last) {
		return false
	}
	b.DailySpendUsedCents = 0
	b.LastResetAt = now
	return true
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
