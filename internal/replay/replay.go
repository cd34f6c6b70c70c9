// Package replay implements the kernel's Replay Verifier: it walks one
// agent's event log in append order, recomputes the per-agent hash chain,
// and reconstructs the agent's terminal budget by re-applying the
// semantics encoded in each event's own payload. Divergence from the
// persisted budget, or a broken hash link, is a fatal verifier error
// naming the first offending event — the log is the source of truth, not
// whatever the live tables happen to hold.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentkernel/kernel/internal/audit"
	"github.com/agentkernel/kernel/internal/store"
)

// Divergence describes where replay stopped trusting the persisted state.
type Divergence struct {
	EventID string
	Reason  string
}

// Result is the outcome of replaying one agent's full event log.
type Result struct {
	AgentID          string
	EventCount       int
	HashChainOK      bool
	BudgetMatch      bool
	ReplayedCredits  int64
	ReplayedDailyUsed int64
	ActualCredits    int64
	ActualDailyUsed  int64
	Divergence       *Divergence
}

// OK reports whether the log was fully consistent: an unbroken hash chain
// and a reconstructed budget matching what is actually persisted.
func (r *Result) OK() bool {
	return r.HashChainOK && r.BudgetMatch
}

// Verify replays agentID's event log from genesis and compares the result
// against the agent's persisted budget. It never mutates anything.
func Verify(ctx context.Context, db store.Database, agentID string) (*Result, error) {
	events, err := db.Events().ListByAgent(ctx, agentID, time.Time{})
	if err != nil {
		return nil, err
	}

	result := &Result{AgentID: agentID, EventCount: len(events), HashChainOK: true}

	var credits, dailyUsed int64
	haveGenesis := false
	prevHash := audit.GenesisHash

	for _, e := range events {
		if !audit.Verify(e, prevHash) {
			result.HashChainOK = false
			result.Divergence = &Divergence{EventID: e.EventID, Reason: "hash chain broken"}
			return result, nil
		}
		prevHash = e.Hash

		delta, err := applyEvent(e, &haveGenesis)
		if err != nil {
			result.Divergence = &Divergence{EventID: e.EventID, Reason: err.Error()}
			return result, nil
		}
		credits += delta.credits
		dailyUsed += delta.dailyUsedDelta
		if delta.resetDaily {
			dailyUsed = 0
		}
	}

	result.ReplayedCredits = credits
	result.ReplayedDailyUsed = dailyUsed

	budget, err := db.Agents().GetBudget(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) && len(events) == 0 {
		// No history and no budget: nothing to diverge from.
		result.BudgetMatch = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.ActualCredits = budget.CreditsCents
	result.ActualDailyUsed = budget.DailySpendUsedCents
	result.BudgetMatch = result.ReplayedCredits == result.ActualCredits &&
		result.ReplayedDailyUsed == result.ActualDailyUsed

	if !result.BudgetMatch && result.Divergence == nil && len(events) > 0 {
		result.Divergence = &Divergence{
			EventID: events[len(events)-1].EventID,
			Reason:  "reconstructed budget does not match persisted budget",
		}
	}

	return result, nil
}

type eventEffect struct {
	credits        int64
	dailyUsedDelta int64
	resetDaily     bool
}

// applyEvent maps one event's payload to its balance effect, mirroring
// exactly what internal/lifecycle and internal/execute do to the live
// budget row when they emit that event type. Event types with no balance
// effect (agent_frozen, agent_dead, policy_decision, policy_recheck,
// freshness_override, execution_applied, execution_failed) fall through
// to the zero-value effect.
func applyEvent(e *store.Event, haveGenesis *bool) (eventEffect, error) {
	switch e.Type {
	case "kernel.agent_created":
		if *haveGenesis {
			return eventEffect{}, fmt.Errorf("duplicate kernel.agent_created in chain")
		}
		*haveGenesis = true
		credits, _ := intField(e.Payload, "default_credits_cents")
		return eventEffect{credits: credits}, nil

	case "budget_debited":
		cost, _ := intField(e.Payload, "base_cost_cents")
		return eventEffect{credits: -cost, dailyUsedDelta: cost}, nil

	case "budget_adjustment":
		delta, _ := intField(e.Payload, "cost_delta_cents")
		return eventEffect{credits: -delta}, nil

	case "transfer_received":
		amount, _ := intField(e.Payload, "amount_cents")
		return eventEffect{credits: amount}, nil

	case "kernel.daily_reset":
		return eventEffect{resetDaily: true}, nil

	default:
		return eventEffect{}, nil
	}
}

func intField(payload []byte, key string) (int64, bool) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return 0, false
	}
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
