// Package spendsnapshot recomputes and overwrites an agent's derived
// spend-power view. The snapshot is never the source of truth: every
// field is rederived from budget, reservations, and a driver observation,
// and Refresh is safe to call as often as any input changes.
package spendsnapshot

import (
	"context"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/store"
)

// Inputs are the raw values Refresh combines. TransferAmountCents is the
// in-flight transfer amount of the intent currently being quoted, if
// any; zero outside a quote/execute call.
type Inputs struct {
	ConfirmedBalanceCents int64
	BufferCents           int64
	DailyLimitCents       int64
	DailyUsedCents        int64
	TransferAmountCents   int64
}

// Refresh recomputes every snapshot field from budget, the sum of
// pending reservations, and the supplied environment inputs, then
// overwrites the stored snapshot. Callers decide what "confirmed
// balance" means for their driver (0 for non-balance environments).
func Refresh(ctx context.Context, tx store.Tx, c clock.Clock, agentID string, budget *store.Budget, in Inputs) (*store.Snapshot, error) {
	reservedOutgoing, err := tx.Reservations().SumPending(ctx, agentID, store.ReservationOutgoing)
	if err != nil {
		return nil, err
	}
	reservedHolds, err := tx.Reservations().SumPending(ctx, agentID, store.ReservationHold)
	if err != nil {
		return nil, err
	}

	policySpendable := Min(budget.CreditsCents, Max(0, in.DailyLimitCents-in.DailyUsedCents)+in.TransferAmountCents)

	effective := Min(policySpendable, in.ConfirmedBalanceCents-reservedOutgoing-reservedHolds-in.BufferCents)
	if effective < 0 {
		effective = 0
	}

	snap := &store.Snapshot{
		AgentID:                  agentID,
		ConfirmedBalanceCents:    in.ConfirmedBalanceCents,
		ReservedOutgoingCents:    reservedOutgoing,
		ReservedHoldsCents:       reservedHolds,
		PolicySpendableCents:     policySpendable,
		EffectiveSpendPowerCents: effective,
		UpdatedAt:                c.Now(),
	}
	if err := tx.Snapshots().Upsert(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
