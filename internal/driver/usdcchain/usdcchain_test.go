package usdcchain

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/driver"
	"github.com/agentkernel/kernel/internal/freshness"
	"github.com/agentkernel/kernel/internal/store"
	"github.com/agentkernel/kernel/internal/wallet"
)

// fakeWallet is a test double over wallet.WalletService backed by a fixed
// raw USDC balance, no real RPC calls.
type fakeWallet struct {
	address     string
	balanceRaw  *big.Int
	transferred *big.Int
	txHash      string
}

func (f *fakeWallet) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*wallet.TransferResult, error) {
	f.transferred = amount
	return &wallet.TransferResult{TxHash: f.txHash, To: to.Hex(), AmountRaw: amount}, nil
}

func (f *fakeWallet) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*wallet.TransferResult, error) {
	return &wallet.TransferResult{TxHash: txHash}, nil
}

func (f *fakeWallet) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return f.balanceRaw, nil
}

func (f *fakeWallet) VerifyPayment(ctx context.Context, from string, minAmount string, txHash string) (bool, error) {
	return true, nil
}

func (f *fakeWallet) Address() string { return f.address }

func (f *fakeWallet) Balance(ctx context.Context) (string, error) {
	return wallet.FormatUSDC(f.balanceRaw), nil
}

func (f *fakeWallet) WaitForConfirmationAny(ctx context.Context, txHash string, timeout time.Duration) (interface{}, error) {
	return f.WaitForConfirmation(ctx, txHash, timeout)
}

func (f *fakeWallet) Close() error { return nil }

var _ wallet.WalletService = (*fakeWallet)(nil)
var _ WalletClient = (*fakeWallet)(nil)

func rawParams(t *testing.T, p Params) json.RawMessage {
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return b
}

func newDriver(c clock.Clock, fw *fakeWallet) *Driver {
	return New(c, Config{
		Wallet:          fw,
		FlatGasFeeCents: 15,
		BufferCents:     50,
		Thresholds:      freshness.Thresholds{StaleSeconds: 30, UnknownSeconds: 300},
		BalanceCacheTTL: 10 * time.Second,
	})
}

func TestNormalize_RejectsInvalidAddress(t *testing.T) {
	d := newDriver(clock.NewFixed(time.Now()), &fakeWallet{address: "0xabc", balanceRaw: big.NewInt(0)})
	_, err := d.Normalize(context.Background(), driver.Intent{Type: intentType, Params: rawParams(t, Params{ToAddress: "not-an-address", AmountCents: 100})})
	require.Error(t, err)
}

func TestObservation_ReportsBalanceInCentsAndBuffer(t *testing.T) {
	fw := &fakeWallet{address: "0x1111111111111111111111111111111111111111", balanceRaw: big.NewInt(50_000_000)} // 50 USDC raw
	d := newDriver(clock.NewFixed(time.Now()), fw)
	obs, err := d.Observation(context.Background(), "agt_1")
	require.NoError(t, err)
	require.Equal(t, int64(5000), obs["confirmed_balance_cents"])
	require.Equal(t, int64(50), obs["buffer_cents"])
}

func TestFreshness_FreshImmediatelyAfterObservation(t *testing.T) {
	fw := &fakeWallet{address: "0x1111111111111111111111111111111111111111", balanceRaw: big.NewInt(50_000_000)}
	c := clock.NewFixed(time.Now())
	d := newDriver(c, fw)
	_, err := d.Observation(context.Background(), "agt_1")
	require.NoError(t, err)

	f, err := d.Freshness(context.Background(), "agt_1")
	require.NoError(t, err)
	require.Equal(t, driver.FreshnessFresh, f.Status)
}

func TestFreshness_StaleAfterThresholdElapses(t *testing.T) {
	fw := &fakeWallet{address: "0x1111111111111111111111111111111111111111", balanceRaw: big.NewInt(50_000_000)}
	c := clock.NewFixed(time.Now())
	d := newDriver(c, fw)
	_, err := d.Observation(context.Background(), "agt_1")
	require.NoError(t, err)

	c.Advance(100 * time.Second)
	f, err := d.Freshness(context.Background(), "agt_1")
	require.NoError(t, err)
	require.Equal(t, driver.FreshnessStale, f.Status)
}

func TestCommitCheck_RejectsWhenBalanceInsufficient(t *testing.T) {
	fw := &fakeWallet{address: "0x1111111111111111111111111111111111111111", balanceRaw: big.NewInt(100_000)} // $0.10
	d := newDriver(clock.NewFixed(time.Now()), fw)
	intent := driver.Intent{Type: intentType, Params: rawParams(t, Params{ToAddress: "0x2222222222222222222222222222222222222222", AmountCents: 500})}
	err := d.CommitCheck(context.Background(), nil, "agt_1", intent)
	require.Error(t, err)
}

func TestExecute_SubmitsTransferAndWritesReservation(t *testing.T) {
	db := store.NewMemoryDatabase()
	ctx := context.Background()
	require.NoError(t, db.Agents().CreateUser(ctx, "usr_1"))
	tx, err := db.Begin(ctx)
	require.NoError(t, err)

	fw := &fakeWallet{address: "0x1111111111111111111111111111111111111111", balanceRaw: big.NewInt(50_000_000), txHash: "0xdeadbeef"}
	d := newDriver(clock.NewFixed(time.Now()), fw)

	var reservedAmount int64
	cap := driver.Capability{
		AgentID: "agt_1", UserID: "usr_1",
		AppendEvent: func(ctx context.Context, eventType string, payload any, occurredAt time.Time) (*store.Event, error) {
			ev := &store.Event{EventID: "evt_1", AgentID: "agt_1", UserID: "usr_1", Type: eventType, OccurredAt: occurredAt, CreatedAt: occurredAt}
			return ev, tx.Events().Append(ctx, ev)
		},
		CreateReceipt: func(ctx context.Context, req driver.ReceiptRequest) (*store.Receipt, error) {
			r := &store.Receipt{ReceiptID: "rcpt_1", AgentID: "agt_1", UserID: "usr_1", Source: req.Source, EventID: req.EventID, ExternalRef: req.ExternalRef, WhatHappened: req.WhatHappened, WhyChanged: req.WhyChanged, WhatHappensNext: req.WhatHappensNext, OccurredAt: req.OccurredAt, CreatedAt: req.OccurredAt}
			return r, tx.Receipts().Create(ctx, r)
		},
		WriteReservation: func(ctx context.Context, source store.ReservationSource, amountCents int64, externalRef string) (*store.Reservation, error) {
			reservedAmount = amountCents
			r := &store.Reservation{ReservationID: "rsv_1", AgentID: "agt_1", Source: source, AmountCents: amountCents, Status: store.ReservationPending, ExternalRef: externalRef}
			return r, tx.Reservations().Create(ctx, r)
		},
	}

	intent := driver.Intent{Type: intentType, Params: rawParams(t, Params{ToAddress: "0x2222222222222222222222222222222222222222", AmountCents: 500})}
	result, err := d.Execute(ctx, tx, cap, intent)
	require.NoError(t, err)
	require.Equal(t, driver.ExecStatusApplied, result.Status)
	require.Equal(t, "0xdeadbeef", result.ExternalRef)
	require.Equal(t, int64(500), reservedAmount)
	require.Equal(t, big.NewInt(5_000_000), fw.transferred)
}
