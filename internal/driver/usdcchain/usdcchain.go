// Package usdcchain implements the balance-backed driver for on-chain USDC
// transfers: an agent's spend power here is bounded by a confirmed wallet
// balance rather than kernel credits alone, so Observation reports it and
// the Policy Evaluator folds it into effective spend power.
package usdcchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/freshness"
	"github.com/agentkernel/kernel/internal/gas"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/store"
	"github.com/agentkernel/kernel/internal/wallet"
)

const intentType = "usdc.transfer"

// usdcCentsPerUnit converts a raw USDC amount (6 decimals) to integer
// cents: 1 USDC = 100 cents, so cents = raw / 1e4.
const usdcCentsPerUnit = 10_000

// Params is the usdc.transfer intent payload.
type Params struct {
	ToAddress   string `json:"toAddress"`
	AmountCents int64  `json:"amountCents"`
}

// WalletClient is the narrow capability this driver needs from a wallet:
// its own address, a balance lookup, and a transfer. internal/wallet.Wallet
// satisfies this through its larger WalletService surface; the driver
// never calls VerifyPayment, WaitForConfirmation(Any), Balance, or Close.
type WalletClient interface {
	Address() string
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (*wallet.TransferResult, error)
}

// Config wires the driver to a live wallet and its recency thresholds.
type Config struct {
	Wallet    WalletClient
	GasOracle *gas.PriceOracle

	// EstimatedGasUnits and AssumedGasPriceGwei project a pre-commit gas
	// fee in USD cents via GasOracle's ETH/USD price; used only when
	// GasOracle is set. FlatGasFeeCents is the fallback (and the only
	// figure used) when it is not.
	EstimatedGasUnits   int64
	AssumedGasPriceGwei float64
	FlatGasFeeCents     int64

	BufferCents     int64
	Thresholds      freshness.Thresholds
	BalanceCacheTTL time.Duration
}

// Driver implements driver.Driver for usdc.transfer intents.
type Driver struct {
	cfg   Config
	clock clock.Clock

	mu             sync.Mutex
	lastBalanceRaw *big.Int
	lastObservedAt time.Time
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
	if !common.IsHexAddress(p.ToAddress) {
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

// EstimateCost charges a projected gas fee rather than a live quote: the
// exact gas price a miner later charges can't be known ahead of the
// transaction, so policy projects against estimateGasFeeCents (the gas
// oracle's cached ETH/USD price when configured, the flat figure
// otherwise) and CommitCheck re-verifies against the live balance
// immediately before Execute actually spends it.
func (d *Driver) EstimateCost(ctx context.Context, agentID string, intent driver.Intent) (driver.EstimateResult, error) {
	p, err := parseParams(intent)
	if err != nil {
		return driver.EstimateResult{}, err
	}
	return driver.EstimateResult{
		BaseCostCents: d.estimateGasFeeCents(ctx),
		TransferCents: p.AmountCents,
	}, nil
}

// estimateGasFeeCents projects a pre-commit gas fee off the oracle's
// cached ETH/USD price when one is configured, otherwise falls back to
// the flat configured figure.
func (d *Driver) estimateGasFeeCents(ctx context.Context) int64 {
	if d.cfg.GasOracle == nil || d.cfg.EstimatedGasUnits == 0 {
		return d.cfg.FlatGasFeeCents
	}
	ethPrice := d.cfg.GasOracle.GetETHPrice(ctx)
	gasCostWei := new(big.Float).Mul(
		new(big.Float).SetInt64(d.cfg.EstimatedGasUnits),
		new(big.Float).Mul(big.NewFloat(d.cfg.AssumedGasPriceGwei), big.NewFloat(1e9)),
	)
	gasCostEth := new(big.Float).Quo(gasCostWei, big.NewFloat(1e18))
	gasCostUSD := new(big.Float).Mul(gasCostEth, big.NewFloat(ethPrice))
	cents, _ := new(big.Float).Mul(gasCostUSD, big.NewFloat(100)).Int64()
	return cents
}

// Freshness reports how long ago the wallet balance was last observed,
// the same cache-age-vs-ttl pattern internal/gas.PriceOracle uses for
// ETH/USD pricing.
func (d *Driver) Freshness(ctx context.Context, agentID string) (driver.Freshness, error) {
	d.mu.Lock()
	last := d.lastObservedAt
	d.mu.Unlock()

	if last.IsZero() {
		if _, err := d.refresh(ctx); err != nil {
			return driver.Freshness{}, err
		}
		d.mu.Lock()
		last = d.lastObservedAt
		d.mu.Unlock()
	}

	agoSeconds := int64(d.clock.Now().Sub(last).Seconds())
	return driver.Freshness{
		Status:            freshness.Classify(d.cfg.Thresholds, agoSeconds),
		UpdatedAgoSeconds: agoSeconds,
	}, nil
}

// Observation refreshes the cached balance when it has aged past the
// configured TTL and reports it in cents alongside the configured buffer.
func (d *Driver) Observation(ctx context.Context, agentID string) (map[string]any, error) {
	d.mu.Lock()
	stale := d.clock.Now().Sub(d.lastObservedAt) >= d.cfg.BalanceCacheTTL
	d.mu.Unlock()

	if stale {
		if _, err := d.refresh(ctx); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	raw := d.lastBalanceRaw
	d.mu.Unlock()
	if raw == nil {
		return map[string]any{}, nil
	}

	cents := new(big.Int).Div(raw, big.NewInt(usdcCentsPerUnit)).Int64()
	return map[string]any{
		"confirmed_balance_cents": cents,
		"buffer_cents":            d.cfg.BufferCents,
	}, nil
}

func (d *Driver) refresh(ctx context.Context) (*big.Int, error) {
	raw, err := d.cfg.Wallet.BalanceOf(ctx, common.HexToAddress(d.cfg.Wallet.Address()))
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.lastBalanceRaw = raw
	d.lastObservedAt = d.clock.Now()
	d.mu.Unlock()
	return raw, nil
}

func (d *Driver) PreCheck(ctx context.Context, agentID string, intent driver.Intent) error {
	_, err := parseParams(intent)
	return err
}

// CommitCheck re-verifies the confirmed on-chain balance covers the
// transfer immediately before Execute spends it, since Observation's
// cached figure may be several seconds stale by commit time.
func (d *Driver) CommitCheck(ctx context.Context, tx store.Tx, agentID string, intent driver.Intent) error {
	p, err := parseParams(intent)
	if err != nil {
		return err
	}
	raw, err := d.cfg.Wallet.BalanceOf(ctx, common.HexToAddress(d.cfg.Wallet.Address()))
	if err != nil {
		return err
	}
	balanceCents := new(big.Int).Div(raw, big.NewInt(usdcCentsPerUnit)).Int64()
	if balanceCents < p.AmountCents+d.cfg.FlatGasFeeCents {
		return errors.New(string(kernelerrors.ReasonInsufficientConfirmedUSDC))
	}
	return nil
}

func (d *Driver) Execute(ctx context.Context, tx store.Tx, cap driver.Capability, intent driver.Intent) (driver.ExecuteResult, error) {
	p, err := parseParams(intent)
	if err != nil {
		return driver.ExecuteResult{}, err
	}

	amountRaw := new(big.Int).Mul(big.NewInt(p.AmountCents), big.NewInt(usdcCentsPerUnit))
	result, err := d.cfg.Wallet.Transfer(ctx, common.HexToAddress(p.ToAddress), amountRaw)
	if err != nil {
		return driver.ExecuteResult{Status: driver.ExecStatusFailed, Reason: err.Error()}, nil
	}

	if _, err := cap.WriteReservation(ctx, store.ReservationOutgoing, p.AmountCents, result.TxHash); err != nil {
		return driver.ExecuteResult{}, err
	}

	now := d.clock.Now()
	ev, err := cap.AppendEvent(ctx, "usdc_transfer_submitted", map[string]any{
		"to_address":   p.ToAddress,
		"amount_cents": p.AmountCents,
		"tx_hash":      result.TxHash,
	}, now)
	if err != nil {
		return driver.ExecuteResult{}, err
	}
	if _, err := cap.CreateReceipt(ctx, driver.ReceiptRequest{
		Source:          store.SourceExecution,
		EventID:         ev.EventID,
		ExternalRef:     result.TxHash,
		WhatHappened:    fmt.Sprintf("submitted %d cents USDC to %s", p.AmountCents, p.ToAddress),
		WhyChanged:      "usdc.transfer executed",
		WhatHappensNext: "awaiting on-chain confirmation",
		OccurredAt:      now,
	}); err != nil {
		return driver.ExecuteResult{}, err
	}

	return driver.ExecuteResult{
		Status:      driver.ExecStatusApplied,
		ExternalRef: result.TxHash,
		EnvEvents: []driver.EnvEvent{{
			Type:           "usdc_transfer_submitted",
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
