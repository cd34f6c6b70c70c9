// Package cardhold implements the card-network driver: an agent placing a
// manual-capture authorization hold against a configured card, optionally
// capturing it immediately. Unlike usdcchain, a card hold never feeds
// confirmed_balance_cents — spend power here is governed by the agent's
// kernel credits and daily cap alone, the same as job-economy intents.
package cardhold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/store"
)

const intentType = "card.hold"

// Params is the card.hold intent payload. Capture requests the hold be
// settled immediately rather than left open for a later capture call.
type Params struct {
	AmountCents int64 `json:"amountCents"`
	Capture     bool  `json:"capture"`
}

// CardProcessor is the narrow capability the driver needs from a card
// network, mirroring the way internal/wallet defines
// Transactor/BalanceChecker ahead of the concrete go-ethereum client.
type CardProcessor interface {
	Authorize(ctx context.Context, customerID, paymentMethodID string, amountCents int64, currency string) (externalRef string, err error)
	Capture(ctx context.Context, externalRef string) error
	Cancel(ctx context.Context, externalRef string) error
}

// Config wires an agent's card identity and the processor to charge it
// against.
type Config struct {
	Processor           CardProcessor
	CustomerIDByAgent    map[string]string
	PaymentMethodByAgent map[string]string
	Currency             string
	HoldFeeCents          int64
}

// Driver implements driver.Driver for card.hold intents.
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
	p, err := parseParams(intent)
	if err != nil {
		return driver.Intent{}, err
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
		BaseCostCents: d.cfg.HoldFeeCents,
		TransferCents: p.AmountCents,
	}, nil
}

// Freshness is always fresh: a card network has no cached observation of
// its own that can go stale between quote and execute.
func (d *Driver) Freshness(ctx context.Context, agentID string) (driver.Freshness, error) {
	return driver.Freshness{Status: driver.FreshnessFresh}, nil
}

// Observation reports nothing: a card hold draws against kernel credits,
// never an external confirmed balance.
func (d *Driver) Observation(ctx context.Context, agentID string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (d *Driver) PreCheck(ctx context.Context, agentID string, intent driver.Intent) error {
	if _, err := parseParams(intent); err != nil {
		return err
	}
	if d.cfg.CustomerIDByAgent[agentID] == "" || d.cfg.PaymentMethodByAgent[agentID] == "" {
		return errors.New(string(kernelerrors.ReasonForbidden))
	}
	return nil
}

func (d *Driver) CommitCheck(ctx context.Context, tx store.Tx, agentID string, intent driver.Intent) error {
	return d.PreCheck(ctx, agentID, intent)
}

func (d *Driver) Execute(ctx context.Context, tx store.Tx, cap driver.Capability, intent driver.Intent) (driver.ExecuteResult, error) {
	p, err := parseParams(intent)
	if err != nil {
		return driver.ExecuteResult{}, err
	}

	customerID := d.cfg.CustomerIDByAgent[cap.AgentID]
	paymentMethodID := d.cfg.PaymentMethodByAgent[cap.AgentID]

	externalRef, err := d.cfg.Processor.Authorize(ctx, customerID, paymentMethodID, p.AmountCents, d.cfg.Currency)
	if err != nil {
		return driver.ExecuteResult{Status: driver.ExecStatusFailed, Reason: err.Error()}, nil
	}

	if p.Capture {
		if err := d.cfg.Processor.Capture(ctx, externalRef); err != nil {
			return driver.ExecuteResult{Status: driver.ExecStatusFailed, ExternalRef: externalRef, Reason: err.Error()}, nil
		}
	}

	if _, err := cap.WriteReservation(ctx, store.ReservationHold, p.AmountCents, externalRef); err != nil {
		return driver.ExecuteResult{}, err
	}

	now := d.clock.Now()
	ev, err := cap.AppendEvent(ctx, "card_hold_placed", map[string]any{
		"amount_cents": p.AmountCents,
		"captured":     p.Capture,
		"external_ref": externalRef,
	}, now)
	if err != nil {
		return driver.ExecuteResult{}, err
	}
	next := "awaiting capture or release"
	if p.Capture {
		next = "funds captured"
	}
	if _, err := cap.CreateReceipt(ctx, driver.ReceiptRequest{
		Source:          store.SourceExecution,
		EventID:         ev.EventID,
		ExternalRef:     externalRef,
		WhatHappened:    fmt.Sprintf("placed a %d cent hold", p.AmountCents),
		WhyChanged:      "card.hold executed",
		WhatHappensNext: next,
		OccurredAt:      now,
	}); err != nil {
		return driver.ExecuteResult{}, err
	}

	return driver.ExecuteResult{
		Status:      driver.ExecStatusApplied,
		ExternalRef: externalRef,
		EnvEvents: []driver.EnvEvent{{
			Type:           "card_hold_placed",
			CostDeltaCents: p.AmountCents,
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

// StripeProcessor implements CardProcessor against a live Stripe account
// using manual-capture PaymentIntents, the SDK's idiomatic pattern for an
// authorize-then-capture flow.
type StripeProcessor struct{}

// NewStripeProcessor configures the package-level Stripe API key and
// returns a processor backed by it.
func NewStripeProcessor(apiKey string) *StripeProcessor {
	stripe.Key = apiKey
	return &StripeProcessor{}
}

func (p *StripeProcessor) Authorize(ctx context.Context, customerID, paymentMethodID string, amountCents int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(customerID),
		PaymentMethod: stripe.String(paymentMethodID),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (p *StripeProcessor) Capture(ctx context.Context, externalRef string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(externalRef, params)
	return err
}

func (p *StripeProcessor) Cancel(ctx context.Context, externalRef string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(externalRef, params)
	return err
}

var _ CardProcessor = (*StripeProcessor)(nil)
