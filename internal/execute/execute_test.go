package execute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/freshness"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/quote"
	"github.com/agentkernel/kernel/internal/receipts"
	"github.com/agentkernel/kernel/internal/store"
	"github.com/agentkernel/kernel/internal/syncutil"
)

// fakeJobDriver simulates an in-kernel settlement driver with a fixed
// fee and an optional credit transfer to another agent.
type fakeJobDriver struct {
	cost        int64
	transferTo  string
	transferAmt int64
	freshStatus driver.FreshnessStatus
	failReason  string
}

func (f *fakeJobDriver) Supports(intentType string) bool { return intentType == "job.apply" }

func (f *fakeJobDriver) Normalize(ctx context.Context, intent driver.Intent) (driver.Intent, error) {
	return intent, nil
}

func (f *fakeJobDriver) EstimateCost(ctx context.Context, agentID string, intent driver.Intent) (driver.EstimateResult, error) {
	return driver.EstimateResult{BaseCostCents: f.cost, TransferCents: f.transferAmt}, nil
}

func (f *fakeJobDriver) Freshness(ctx context.Context, agentID string) (driver.Freshness, error) {
	status := f.freshStatus
	if status == "" {
		status = driver.FreshnessFresh
	}
	return driver.Freshness{Status: status}, nil
}

func (f *fakeJobDriver) Observation(ctx context.Context, agentID string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeJobDriver) PreCheck(ctx context.Context, agentID string, intent driver.Intent) error {
	return nil
}

func (f *fakeJobDriver) CommitCheck(ctx context.Context, tx store.Tx, agentID string, intent driver.Intent) error {
	return nil
}

func (f *fakeJobDriver) Execute(ctx context.Context, tx store.Tx, cap driver.Capability, intent driver.Intent) (driver.ExecuteResult, error) {
	if f.failReason != "" {
		return driver.ExecuteResult{Status: driver.ExecStatusFailed, Reason: f.failReason}, nil
	}
	ev, err := cap.AppendEvent(ctx, "job_applied", map[string]any{"amount_cents": f.transferAmt}, time.Now())
	if err != nil {
		return driver.ExecuteResult{}, err
	}
	if _, err := cap.CreateReceipt(ctx, driver.ReceiptRequest{
		Source: store.SourceExecution, EventID: ev.EventID, WhatHappened: "job applied",
	}); err != nil {
		return driver.ExecuteResult{}, err
	}
	envEvent := driver.EnvEvent{Type: "job_applied", CostDeltaCents: f.transferAmt}
	if f.transferTo != "" {
		envEvent.Transfer = &driver.Transfer{ToAgentID: f.transferTo, AmountCents: f.transferAmt}
	}
	return driver.ExecuteResult{Status: driver.ExecStatusApplied, ExternalRef: "job:ref", EnvEvents: []driver.EnvEvent{envEvent}}, nil
}

func setupAgent(t *testing.T, db *store.MemoryDatabase, ctx context.Context, agentID, userID string, now time.Time, stepUpThreshold int64) {
	require.NoError(t, db.Agents().CreateUser(ctx, userID))
	require.NoError(t, db.Agents().CreateAgent(ctx, &store.Agent{
		AgentID: agentID, UserID: userID, Status: store.AgentActive, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, db.Agents().CreateBudget(ctx, &store.Budget{
		AgentID: agentID, CreditsCents: 10000, DailySpendCents: 5000, DailySpendUsedCents: 0, LastResetAt: now,
	}))
	require.NoError(t, db.Policies().Create(ctx, &store.PolicyDoc{
		PolicyID: "pol_" + agentID, AgentID: agentID, UserID: userID,
		PerIntentDailyCaps: map[string]int{}, DailySpendLimitCents: 5000,
		Allowlist: map[string]bool{}, Blocklist: map[string]bool{},
		StepUpThresholdCents: stepUpThreshold, CreatedAt: now,
	}))
}

func issueQuote(t *testing.T, db *store.MemoryDatabase, c clock.Clock, reg *driver.Registry, issuer *receipts.Issuer, agentID, userID, idemKey string) *store.Quote {
	qe := quote.NewEngine(c, reg, issuer, freshness.Thresholds{StaleSeconds: 30, UnknownSeconds: 300})
	ctx := context.Background()
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	q, err := qe.CanDo(ctx, tx, quote.Request{
		AgentID: agentID, UserID: userID, IdempotencyKey: idemKey,
		Intent: driver.Intent{Type: "job.apply", Params: []byte(`{}`)},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return q
}

func TestExecute_AppliesAndDebitsBudget(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	setupAgent(t, db, ctx, "agt_1", "usr_1", c.Now(), 10000)

	driverImpl := &fakeJobDriver{cost: 100}
	reg := driver.NewRegistry(driverImpl)
	issuer := receipts.NewIssuer(c, nil)

	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")
	require.True(t, q.Allowed)

	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	exec, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	require.Equal(t, store.ExecApplied, exec.Status)

	budget, err := db.Agents().GetBudget(ctx, "agt_1")
	require.NoError(t, err)
	require.Equal(t, int64(9900), budget.CreditsCents)
}

func TestExecute_IdempotentReplayReturnsSameExecution(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	setupAgent(t, db, ctx, "agt_1", "usr_1", c.Now(), 10000)

	driverImpl := &fakeJobDriver{cost: 100}
	reg := driver.NewRegistry(driverImpl)
	issuer := receipts.NewIssuer(c, nil)
	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")

	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	first, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1"})
	require.NoError(t, err)

	second, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	require.Equal(t, first.ExecID, second.ExecID)

	budget, err := db.Agents().GetBudget(ctx, "agt_1")
	require.NoError(t, err)
	require.Equal(t, int64(9900), budget.CreditsCents, "a replayed execute must never debit twice")
}

func TestExecute_IdempotencyMismatchRejected(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	setupAgent(t, db, ctx, "agt_1", "usr_1", c.Now(), 10000)

	driverImpl := &fakeJobDriver{cost: 100}
	reg := driver.NewRegistry(driverImpl)
	issuer := receipts.NewIssuer(c, nil)
	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")

	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	_, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "wrong-key"})
	require.Error(t, err)
}

func TestExecute_ExpiredQuoteFailsWithStandaloneEvent(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	setupAgent(t, db, ctx, "agt_1", "usr_1", c.Now(), 10000)

	driverImpl := &fakeJobDriver{cost: 100}
	reg := driver.NewRegistry(driverImpl)
	issuer := receipts.NewIssuer(c, nil)
	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")

	c.Advance(10 * time.Minute)
	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	exec, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	require.Equal(t, store.ExecFailed, exec.Status)
	require.Equal(t, string(kernelerrors.ReasonQuoteExpired), exec.Reason)

	events, err := db.Events().ListByAgent(ctx, "agt_1", time.Time{})
	require.NoError(t, err)
	found := false
	for _, ev := range events {
		if ev.Type == "execution_failed" {
			found = true
		}
	}
	require.True(t, found)
}

func TestExecute_StaleEnvironmentBlocksWithoutOverride(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	setupAgent(t, db, ctx, "agt_1", "usr_1", c.Now(), 10000)

	quoteDriver := &fakeJobDriver{cost: 100}
	reg := driver.NewRegistry(quoteDriver)
	issuer := receipts.NewIssuer(c, nil)
	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")

	// Environment goes stale only after the quote was already issued fresh.
	quoteDriver.freshStatus = driver.FreshnessStale

	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	exec, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	require.Equal(t, store.ExecFailed, exec.Status)
	require.Equal(t, "env_stale", exec.Reason)
}

func TestExecute_OverrideFreshnessBypassesStaleAndRecordsEvent(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	setupAgent(t, db, ctx, "agt_1", "usr_1", c.Now(), 10000)

	quoteDriver := &fakeJobDriver{cost: 100}
	reg := driver.NewRegistry(quoteDriver)
	issuer := receipts.NewIssuer(c, nil)
	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")
	quoteDriver.freshStatus = driver.FreshnessStale

	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	exec, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1", OverrideFreshness: true})
	require.NoError(t, err)
	require.Equal(t, store.ExecApplied, exec.Status)

	events, err := db.Events().ListByAgent(ctx, "agt_1", time.Time{})
	require.NoError(t, err)
	found := false
	for _, ev := range events {
		if ev.Type == "freshness_override" {
			found = true
		}
	}
	require.True(t, found)
}

func TestExecute_TransferAppliesToRecipientBudget(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	setupAgent(t, db, ctx, "agt_1", "usr_1", c.Now(), 10000)
	setupAgent(t, db, ctx, "agt_2", "usr_1", c.Now(), 10000)

	driverImpl := &fakeJobDriver{cost: 0, transferTo: "agt_2", transferAmt: 500}
	reg := driver.NewRegistry(driverImpl)
	issuer := receipts.NewIssuer(c, nil)
	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")

	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	exec, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	require.Equal(t, store.ExecApplied, exec.Status)

	payer, err := db.Agents().GetBudget(ctx, "agt_1")
	require.NoError(t, err)
	require.Equal(t, int64(9500), payer.CreditsCents, "cost_delta_cents for the transfer must be debited from the payer")

	recipient, err := db.Agents().GetBudget(ctx, "agt_2")
	require.NoError(t, err)
	require.Equal(t, int64(10500), recipient.CreditsCents)
}

func TestExecute_CreditExhaustionKillsAgent(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	require.NoError(t, db.Agents().CreateUser(ctx, "usr_1"))
	require.NoError(t, db.Agents().CreateAgent(ctx, &store.Agent{
		AgentID: "agt_1", UserID: "usr_1", Status: store.AgentActive, CreatedAt: c.Now(), UpdatedAt: c.Now(),
	}))
	require.NoError(t, db.Agents().CreateBudget(ctx, &store.Budget{
		AgentID: "agt_1", CreditsCents: 100, DailySpendCents: 5000, DailySpendUsedCents: 0, LastResetAt: c.Now(),
	}))
	require.NoError(t, db.Policies().Create(ctx, &store.PolicyDoc{
		PolicyID: "pol_1", AgentID: "agt_1", UserID: "usr_1",
		PerIntentDailyCaps: map[string]int{}, DailySpendLimitCents: 5000,
		Allowlist: map[string]bool{}, Blocklist: map[string]bool{}, StepUpThresholdCents: 10000, CreatedAt: c.Now(),
	}))

	driverImpl := &fakeJobDriver{cost: 100}
	reg := driver.NewRegistry(driverImpl)
	issuer := receipts.NewIssuer(c, nil)
	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")

	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	exec, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	require.Equal(t, store.ExecApplied, exec.Status)

	agent, err := db.Agents().GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	require.Equal(t, store.AgentDead, agent.Status)
}

func TestExecute_CreditsBelowCostDeniedAtQuoteTime(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	require.NoError(t, db.Agents().CreateUser(ctx, "usr_1"))
	require.NoError(t, db.Agents().CreateAgent(ctx, &store.Agent{
		AgentID: "agt_1", UserID: "usr_1", Status: store.AgentActive, CreatedAt: c.Now(), UpdatedAt: c.Now(),
	}))
	require.NoError(t, db.Agents().CreateBudget(ctx, &store.Budget{
		AgentID: "agt_1", CreditsCents: 50, DailySpendCents: 5000, DailySpendUsedCents: 0, LastResetAt: c.Now(),
	}))
	require.NoError(t, db.Policies().Create(ctx, &store.PolicyDoc{
		PolicyID: "pol_1", AgentID: "agt_1", UserID: "usr_1",
		PerIntentDailyCaps: map[string]int{}, DailySpendLimitCents: 5000,
		Allowlist: map[string]bool{}, Blocklist: map[string]bool{}, StepUpThresholdCents: 10000, CreatedAt: c.Now(),
	}))

	driverImpl := &fakeJobDriver{cost: 100}
	reg := driver.NewRegistry(driverImpl)
	issuer := receipts.NewIssuer(c, nil)
	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")
	require.False(t, q.Allowed, "a quote costing more than the agent's credits must not be allowed")

	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	exec, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	require.Equal(t, store.ExecFailed, exec.Status)

	budget, err := db.Agents().GetBudget(ctx, "agt_1")
	require.NoError(t, err)
	require.Equal(t, int64(50), budget.CreditsCents, "a denied quote must never drive credits negative")
}

func TestExecute_DriverFailureRollsBackDebit(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	setupAgent(t, db, ctx, "agt_1", "usr_1", c.Now(), 10000)

	driverImpl := &fakeJobDriver{cost: 100}
	reg := driver.NewRegistry(driverImpl)
	issuer := receipts.NewIssuer(c, nil)
	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")

	driverImpl.failReason = "recipient no longer active"
	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	exec, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	require.Equal(t, store.ExecFailed, exec.Status)

	budget, err := db.Agents().GetBudget(ctx, "agt_1")
	require.NoError(t, err)
	require.Equal(t, int64(10000), budget.CreditsCents, "a failed driver execute must leave the budget untouched")
}

func TestExecute_StepUpRequiredWithoutTokenFails(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	setupAgent(t, db, ctx, "agt_1", "usr_1", c.Now(), 50)

	driverImpl := &fakeJobDriver{cost: 100}
	reg := driver.NewRegistry(driverImpl)
	issuer := receipts.NewIssuer(c, nil)
	q := issueQuote(t, db, c, reg, issuer, "agt_1", "usr_1", "idem-1")
	require.True(t, q.RequiresStepUp)

	eng := NewEngine(c, reg, issuer, &syncutil.ShardedMutex{})
	exec, err := eng.Execute(ctx, db, Request{QuoteID: q.QuoteID, IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	require.Equal(t, store.ExecFailed, exec.Status)
	require.Equal(t, string(kernelerrors.ReasonStepUpRequired), exec.Reason)
}
