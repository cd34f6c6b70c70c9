package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/receipts"
	"github.com/agentkernel/kernel/internal/store"
)

func newManager(c clock.Clock) *Manager {
	return NewManager(c, receipts.NewIssuer(c, nil), Config{
		DefaultCreditsCents:    5000,
		DefaultDailySpendCents: 1000,
		DefaultPolicy:          DefaultPolicy{DailySpendLimitCents: 1000, StepUpThresholdCents: 2000},
	})
}

func TestCreateAgent_InstallsDefaultPolicyAndBudget(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newManager(c)
	ctx := context.Background()

	agent, err := m.CreateAgent(ctx, db, CreateAgentRequest{UserID: "usr_1"})
	require.NoError(t, err)
	require.Equal(t, store.AgentActive, agent.Status)

	budget, err := db.Agents().GetBudget(ctx, agent.AgentID)
	require.NoError(t, err)
	require.Equal(t, int64(5000), budget.CreditsCents)

	policyDoc, err := db.Policies().Latest(ctx, agent.AgentID)
	require.NoError(t, err)
	require.Equal(t, int64(2000), policyDoc.StepUpThresholdCents)

	events, err := db.Events().ListByAgent(ctx, agent.AgentID, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "kernel.agent_created", events[0].Type)
}

func TestCreateAgent_IdempotentOnSameAgentAndUser(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newManager(c)
	ctx := context.Background()

	first, err := m.CreateAgent(ctx, db, CreateAgentRequest{UserID: "usr_1", AgentID: "agt_fixed"})
	require.NoError(t, err)

	second, err := m.CreateAgent(ctx, db, CreateAgentRequest{UserID: "usr_1", AgentID: "agt_fixed"})
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)

	events, err := db.Events().ListByAgent(ctx, "agt_fixed", time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1, "replaying create_agent must not emit a second event")
}

func TestCreateAgent_RejectsMismatchedOwner(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newManager(c)
	ctx := context.Background()

	_, err := m.CreateAgent(ctx, db, CreateAgentRequest{UserID: "usr_1", AgentID: "agt_fixed"})
	require.NoError(t, err)

	_, err = m.CreateAgent(ctx, db, CreateAgentRequest{UserID: "usr_2", AgentID: "agt_fixed"})
	require.Error(t, err)
}

func TestFreeze_FlipsStatusAndEmitsEvent(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newManager(c)
	ctx := context.Background()

	agent, err := m.CreateAgent(ctx, db, CreateAgentRequest{UserID: "usr_1"})
	require.NoError(t, err)

	frozen, err := m.Freeze(ctx, db, agent.AgentID, "suspected compromise")
	require.NoError(t, err)
	require.Equal(t, store.AgentFrozen, frozen.Status)

	events, err := db.Events().ListByAgent(ctx, agent.AgentID, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "agent_frozen", events[1].Type)
}

func TestFreeze_AlreadyFrozenIsNoOp(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newManager(c)
	ctx := context.Background()

	agent, err := m.CreateAgent(ctx, db, CreateAgentRequest{UserID: "usr_1"})
	require.NoError(t, err)
	_, err = m.Freeze(ctx, db, agent.AgentID, "first")
	require.NoError(t, err)

	_, err = m.Freeze(ctx, db, agent.AgentID, "second")
	require.NoError(t, err)

	events, err := db.Events().ListByAgent(ctx, agent.AgentID, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2, "a second freeze of an already-frozen agent must not emit another event")
}

func TestApplyDailyReset_RolloverResetsAndEmitsEvent(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := newManager(c)
	ctx := context.Background()

	agent, err := m.CreateAgent(ctx, db, CreateAgentRequest{UserID: "usr_1"})
	require.NoError(t, err)

	budget, err := db.Agents().GetBudget(ctx, agent.AgentID)
	require.NoError(t, err)
	budget.DailySpendUsedCents = 500
	require.NoError(t, db.Agents().SaveBudget(ctx, budget))

	c.Advance(24 * time.Hour)
	reset, err := m.ApplyDailyReset(ctx, db, agent.AgentID)
	require.NoError(t, err)
	require.Equal(t, int64(0), reset.DailySpendUsedCents)

	events, err := db.Events().ListByAgent(ctx, agent.AgentID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, "kernel.daily_reset", events[len(events)-1].Type)
}

func TestApplyDailyReset_SameDayIsNoOp(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := newManager(c)
	ctx := context.Background()

	agent, err := m.CreateAgent(ctx, db, CreateAgentRequest{UserID: "usr_1"})
	require.NoError(t, err)

	_, err = m.ApplyDailyReset(ctx, db, agent.AgentID)
	require.NoError(t, err)

	events, err := db.Events().ListByAgent(ctx, agent.AgentID, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1, "no reset needed on the same UTC day")
}

func TestRevokeToken_DelegatesToStore(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newManager(c)
	ctx := context.Background()

	require.NoError(t, db.Tokens().Create(ctx, &store.StepUpToken{
		TokenID: "tok_1", ChallengeID: "chal_1", TokenHash: "h", CreatedAt: c.Now(), ExpiresAt: c.Now().Add(time.Hour),
	}))
	require.NoError(t, m.RevokeToken(ctx, db, "tok_1"))

	tok, err := db.Tokens().FindByHash(ctx, "h")
	require.NoError(t, err)
	require.NotNil(t, tok.RevokedAt)
}
