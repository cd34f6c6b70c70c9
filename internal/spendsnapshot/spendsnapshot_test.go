package spendsnapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/store"
)

func TestRefresh_PolicySpendableClampsToCreditsAndDailyCap(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	budget := &store.Budget{AgentID: "agt_1", CreditsCents: 200}
	snap, err := Refresh(ctx, tx, c, "agt_1", budget, Inputs{
		ConfirmedBalanceCents: 100000,
		DailyLimitCents:       5000,
		DailyUsedCents:        0,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, int64(200), snap.PolicySpendableCents)
}

func TestRefresh_EffectiveSpendPowerDeductsReservationsAndBuffer(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Reservations().Create(ctx, &store.Reservation{
		ReservationID: "rsv_1", AgentID: "agt_1", Source: store.ReservationOutgoing,
		AmountCents: 300, Status: store.ReservationPending, CreatedAt: c.Now(), UpdatedAt: c.Now(),
	}))
	require.NoError(t, tx.Reservations().Create(ctx, &store.Reservation{
		ReservationID: "rsv_2", AgentID: "agt_1", Source: store.ReservationHold,
		AmountCents: 200, Status: store.ReservationPending, CreatedAt: c.Now(), UpdatedAt: c.Now(),
	}))

	budget := &store.Budget{AgentID: "agt_1", CreditsCents: 100000}
	snap, err := Refresh(ctx, tx, c, "agt_1", budget, Inputs{
		ConfirmedBalanceCents: 1000,
		BufferCents:           100,
		DailyLimitCents:       100000,
		DailyUsedCents:        0,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, int64(300), snap.ReservedOutgoingCents)
	require.Equal(t, int64(200), snap.ReservedHoldsCents)
	// 1000 - 300 - 200 - 100 = 400
	require.Equal(t, int64(400), snap.EffectiveSpendPowerCents)
}

func TestRefresh_NegativeEffectiveClampsToZero(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	budget := &store.Budget{AgentID: "agt_1", CreditsCents: 100000}
	snap, err := Refresh(ctx, tx, c, "agt_1", budget, Inputs{
		ConfirmedBalanceCents: 50,
		BufferCents:           100,
		DailyLimitCents:       100000,
		DailyUsedCents:        0,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, int64(0), snap.EffectiveSpendPowerCents)
}

func TestRefresh_NeverTrustsPriorSnapshot(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Snapshots().Upsert(ctx, &store.Snapshot{
		AgentID: "agt_1", EffectiveSpendPowerCents: 999999,
	}))
	budget := &store.Budget{AgentID: "agt_1", CreditsCents: 500}
	snap, err := Refresh(ctx, tx, c, "agt_1", budget, Inputs{
		ConfirmedBalanceCents: 500,
		DailyLimitCents:       500,
		DailyUsedCents:        0,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, int64(500), snap.EffectiveSpendPowerCents)
}
