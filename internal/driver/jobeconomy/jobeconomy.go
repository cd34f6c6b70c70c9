// Package jobeconomy implements the in-kernel settlement driver: an agent
// paying another agent out of their own kernel credits for completed work,
// with no external rail involved. It is the only driver that ever reports
// a cross-agent Transfer, since job-economy value never leaves the kernel.
package jobeconomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/store"
)

const intentType = "job.apply"

// Params is the job.apply intent payload: agentID applies for, and pays,
// another agent amountCents for a completed job referenced by jobRef.
type Params struct {
	ToAgentID   string `json:"toAgentId"`
	AmountCents int64  `json:"amountCents"`
	JobRef      string `json:"jobRef"`
}

// Config is the flat per-application kernel fee charged on top of the
// transfer amount.
type Config struct {
	ApplicationFeeCents int64
}

// Driver implements driver.Driver for job.apply intents.
type Driver struct {
	cfg   Config
	clock clock.Clock
}

// New builds a Driver.
func New(c clock.Clock, cfg Config) *Driver {
	return &Driver{cfg: cfg, clock: c}
}

func (d *Driver) Supports(intentTypeIn string) bool { return intentTypeIn == intentType }

func (d *Driver) Normalize(ctx context.Context, intent driver.Intent) (driver.Intent, error) {
	var p Params
	if err := json.Unmarshal(intent.Params, &p); err != nil {
		return driver.Intent{}, errors.New(string(kernelerrors.ReasonInvalidAmountCents))
	}
	if p.ToAgentID == "" {
		return driver.Intent{}, errors.New(string(kernelerrors.ReasonInvalidToAddress))
	}
	if p.AmountCents <= 0 {
		return driver.Intent{}, errors.New(string(kernelerrors.ReasonInvalidAmountCents))
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return driver.Intent{}, err
	}
	return driver.Intent{Type: intentType, Params: raw}, nil
}

func (d *Driver) EstimateCost(ctx context.Context, agentID string, intent driver.Intent) (driver.EstimateResult, error) {
	p, err := parseParams(intent)
	if err != nil {
		return driver.EstimateResult{}, err
	}
	return driver.EstimateResult{
		BaseCostCents: d.cfg.ApplicationFeeCents,
		TransferCents: p.AmountCents,
	}, nil
}

// Freshness is always fresh: job-economy settlement has no external
// environment whose state can go stale.
func (d *Driver) Freshness(ctx context.Context, agentID string) (driver.Freshness, error) {
	return driver.Freshness{Status: driver.FreshnessFresh}, nil
}

// Observation returns no balance fields, marking job-economy intents as
// not balance-backed: spend power is governed entirely by the agent's
// kernel credits, never an external confirmed balance.
func (d *Driver) Observation(ctx context.Context, agentID string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (d *Driver) PreCheck(ctx context.Context, agentID string, intent driver.Intent) error {
	p, err := parseParams(intent)
	if err != nil {
		return err
	}
	if p.ToAgentID == agentID {
		return errors.New(string(kernelerrors.ReasonInvalidToAddress))
	}
	return nil
}

func (d *Driver) CommitCheck(ctx context.Context, tx store.Tx, agentID string, intent driver.Intent) error {
	p, err := parseParams(intent)
	if err != nil {
		return err
	}
	to, err := tx.Agents().GetAgent(ctx, p.ToAgentID)
	if err != nil {
		return err
	}
	if to.Status != store.AgentActive {
		return errors.New(string(kernelerrors.ReasonAgentFrozen))
	}
	return nil
}

func (d *Driver) Execute(ctx context.Context, tx store.Tx, cap driver.Capability, intent driver.Intent) (driver.ExecuteResult, error) {
	p, err := parseParams(intent)
	if err != nil {
		return driver.ExecuteResult{}, err
	}

	payload := map[string]any{
		"to_agent_id":  p.ToAgentID,
		"amount_cents": p.AmountCents,
		"job_ref":      p.JobRef,
	}
	ev, err := cap.AppendEvent(ctx, "job_applied", payload, d.clock.Now())
	if err != nil {
		return driver.ExecuteResult{}, err
	}
	externalRef := fmt.Sprintf("job:%s->%s", cap.AgentID, p.ToAgentID)
	if _, err := cap.CreateReceipt(ctx, driver.ReceiptRequest{
		Source:          store.SourceExecution,
		EventID:         ev.EventID,
		ExternalRef:     externalRef,
		WhatHappened:    fmt.Sprintf("paid %s %d cents for job %s", p.ToAgentID, p.AmountCents, p.JobRef),
		WhyChanged:      "job.apply executed",
		WhatHappensNext: "transfer settles against both agents' budgets",
		OccurredAt:      ev.OccurredAt,
	}); err != nil {
		return driver.ExecuteResult{}, err
	}

	return driver.ExecuteResult{
		Status:      driver.ExecStatusApplied,
		ExternalRef: externalRef,
		EnvEvents: []driver.EnvEvent{{
			Type:           "job_applied",
			CostDeltaCents: p.AmountCents,
			Transfer:       &driver.Transfer{ToAgentID: p.ToAgentID, AmountCents: p.AmountCents},
		}},
	}, nil
}

func parseParams(intent driver.Intent) (Params, error) {
	var p Params
	if err := json.Unmarshal(intent.Params, &p); err != nil {
		return Params{}, errors.New(string(kernelerrors.ReasonInvalidAmountCents))
	}
	return p, nil
}
