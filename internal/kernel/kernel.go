// Package kernel wires the constraint kernel's components — audit,
// policy, quote, execute, lifecycle, stepup, freshness, timeline, and
// replay — into one facade that internal/api and cmd/server drive. It
// owns no persistence of its own; every operation runs against the
// store.Database or store.Tx it is handed.
package kernel

import (
	"context"
	"time"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/config"
	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/driver/jobeconomy"
	"github.com/agentkernel/kernel/internal/execute"
	"github.com/agentkernel/kernel/internal/freshness"
	"github.com/agentkernel/kernel/internal/lifecycle"
	"github.com/agentkernel/kernel/internal/quote"
	"github.com/agentkernel/kernel/internal/receipts"
	"github.com/agentkernel/kernel/internal/replay"
	"github.com/agentkernel/kernel/internal/stepup"
	"github.com/agentkernel/kernel/internal/store"
	"github.com/agentkernel/kernel/internal/syncutil"
	"github.com/agentkernel/kernel/internal/timeline"
)

// Kernel is the assembled set of components a caller drives the agent
// economic actions contract through.
type Kernel struct {
	clock clock.Clock
	db    store.Database

	Lifecycle *lifecycle.Manager
	Quote     *quote.Engine
	Execute   *execute.Engine
	StepUp    *stepup.Machine
	Drivers   *driver.Registry
	Issuer    *receipts.Issuer
}

// Option customizes a Kernel at construction time.
type Option func(*options)

type options struct {
	signer      *receipts.Signer
	extraDrivers []driver.Driver
}

// WithReceiptSigner enables HMAC-signed receipts. Without it, receipts are
// issued unsigned.
func WithReceiptSigner(secret string) Option {
	return func(o *options) {
		if secret != "" {
			o.signer = receipts.NewSigner(secret)
		}
	}
}

// WithDrivers registers additional drivers (e.g. usdcchain, cardhold)
// after the always-on job-economy driver.
func WithDrivers(drivers ...driver.Driver) Option {
	return func(o *options) {
		o.extraDrivers = append(o.extraDrivers, drivers...)
	}
}

// New assembles a Kernel from configuration, a clock, and the store it
// will operate against.
func New(cfg *config.Config, c clock.Clock, db store.Database, opts ...Option) *Kernel {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	issuer := receipts.NewIssuer(c, o.signer)

	jobDriver := jobeconomy.New(c, jobeconomy.Config{ApplicationFeeCents: 0})
	registryDrivers := append([]driver.Driver{jobDriver}, o.extraDrivers...)
	drivers := driver.NewRegistry(registryDrivers...)

	thresholds := freshness.Thresholds{
		StaleSeconds:   cfg.EnvStaleSeconds,
		UnknownSeconds: cfg.EnvUnknownSeconds,
	}

	return &Kernel{
		clock: c,
		db:    db,

		Lifecycle: lifecycle.NewManager(c, issuer, lifecycle.Config{
			DefaultCreditsCents:    cfg.DefaultCreditsCents,
			DefaultDailySpendCents: cfg.DefaultDailySpendCents,
			DefaultPolicy: lifecycle.DefaultPolicy{
				DailySpendLimitCents: cfg.DefaultDailySpendCents,
				StepUpThresholdCents: cfg.DefaultStepUpThresholdCents,
			},
		}),
		Quote:   quote.NewEngine(c, drivers, issuer, thresholds),
		Execute: execute.NewEngine(c, drivers, issuer, &syncutil.ShardedMutex{}),
		StepUp: stepup.NewMachine(c,
			time.Duration(cfg.StepUpChallengeTTLSeconds)*time.Second,
			time.Duration(cfg.StepUpTokenTTLSeconds)*time.Second,
		),
		Drivers: drivers,
		Issuer:  issuer,
	}
}

// CanDo runs quote.Engine.CanDo inside its own transaction, committing on
// success and rolling back on any error.
func (k *Kernel) CanDo(ctx context.Context, req quote.Request) (*store.Quote, error) {
	tx, err := k.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	q, err := k.Quote.CanDo(ctx, tx, req)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Do runs execute.Engine.Execute against the kernel's database.
func (k *Kernel) Do(ctx context.Context, req execute.Request) (*store.Execution, error) {
	return k.Execute.Execute(ctx, k.db, req)
}

// CreateAgent provisions a new agent with its default budget and policy.
func (k *Kernel) CreateAgent(ctx context.Context, req lifecycle.CreateAgentRequest) (*store.Agent, error) {
	return k.Lifecycle.CreateAgent(ctx, k.db, req)
}

// Freeze transitions an agent to frozen, refusing every further quote and
// execute for it.
func (k *Kernel) Freeze(ctx context.Context, agentID, reason string) (*store.Agent, error) {
	return k.Lifecycle.Freeze(ctx, k.db, agentID, reason)
}

// RequestStepUp mints or returns the pending step-up challenge for a quote.
func (k *Kernel) RequestStepUp(ctx context.Context, userID, agentID, quoteID string) (*store.Challenge, string, error) {
	return k.StepUp.Request(ctx, k.db, userID, agentID, quoteID)
}

// ConfirmStepUp resolves a challenge, minting a step-up token on approval.
func (k *Kernel) ConfirmStepUp(ctx context.Context, challengeID, code string, approve bool) (*store.StepUpToken, error) {
	return k.StepUp.Confirm(ctx, k.db, challengeID, code, approve)
}

// State returns an agent's current agent/budget/snapshot state.
func (k *Kernel) State(ctx context.Context, agentID string) (*timeline.State, error) {
	return timeline.GetState(ctx, k.db, agentID)
}

// Timeline returns an agent's merged events+receipts history, newest first.
func (k *Kernel) Timeline(ctx context.Context, agentID string, since time.Time, limit int) ([]timeline.Item, error) {
	return timeline.GetTimeline(ctx, k.db, agentID, since, limit)
}

// VerifyReplay reconstructs an agent's budget from its event log and
// compares it against the persisted row.
func (k *Kernel) VerifyReplay(ctx context.Context, agentID string) (*replay.Result, error) {
	return replay.Verify(ctx, k.db, agentID)
}
