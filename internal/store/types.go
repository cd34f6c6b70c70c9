// Package store is the kernel's persistence boundary. It holds the entity
// types of the data model (§3) and the Database/Tx capability the rest of
// the kernel uses to read and write them. Every write path that must be
// atomic (the Execute Engine's reserve-drive-reconcile-finalize sequence)
// goes through a Tx obtained from Database.Begin.
//
// Domain logic (policy evaluation, quote issuance, step-up, replay) lives
// in sibling packages and depends on this one for types and persistence,
// never the other way around.
package store

import (
	"encoding/json"
	"time"
)

// AgentStatus is the lifecycle state of an Agent.
type AgentStatus string

const (
	AgentActive AgentStatus = "active"
	AgentFrozen AgentStatus = "frozen"
	AgentDead   AgentStatus = "dead"
)

// Agent is a bounded actor whose every externally-visible action passes
// through the kernel.
type Agent struct {
	AgentID   string      `json:"agentId"`
	UserID    string      `json:"userId"`
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Budget is the one-per-agent spending ledger the Execute Engine debits.
type Budget struct {
	AgentID           string    `json:"agentId"`
	CreditsCents      int64     `json:"creditsCents"`
	DailySpendCents   int64     `json:"dailySpendCents"`   // cap
	DailySpendUsedCents int64  `json:"dailySpendUsedCents"`
	LastResetAt       time.Time `json:"lastResetAt"`
}

// PolicyDoc is an append-only policy revision. Latest CreatedAt wins.
type PolicyDoc struct {
	PolicyID           string           `json:"policyId"`
	AgentID            string           `json:"agentId"`
	UserID             string           `json:"userId"`
	PerIntentDailyCaps map[string]int   `json:"perIntentDailyCaps"`
	DailySpendLimitCents int64          `json:"dailySpendLimitCents"`
	Allowlist          map[string]bool  `json:"allowlist"`
	Blocklist          map[string]bool  `json:"blocklist"`
	StepUpThresholdCents int64          `json:"stepUpThresholdCents"`
	CreatedAt          time.Time        `json:"createdAt"`
}

// Quote is an idempotent, expiring decision record binding (agent, intent)
// to an outcome. Immutable after creation.
type Quote struct {
	QuoteID         string          `json:"quoteId"`
	UserID          string          `json:"userId"`
	AgentID         string          `json:"agentId"`
	IntentJSON      json.RawMessage `json:"intent"`
	Allowed         bool            `json:"allowed"`
	RequiresStepUp  bool            `json:"requiresStepUp"`
	Reason          string          `json:"reason,omitempty"`
	BaseCostCents   int64           `json:"baseCostCents"`
	TransferCents   int64           `json:"transferCents"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// ExecutionStatus is the outcome of an execution attempt.
type ExecutionStatus string

const (
	ExecQueued  ExecutionStatus = "queued"
	ExecApplied ExecutionStatus = "applied"
	ExecFailed  ExecutionStatus = "failed"
)

// Execution is at most one attempt-record per quote.
type Execution struct {
	ExecID      string          `json:"execId"`
	QuoteID     string          `json:"quoteId"`
	UserID      string          `json:"userId"`
	AgentID     string          `json:"agentId"`
	Status      ExecutionStatus `json:"status"`
	ExternalRef string          `json:"externalRef,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Event is an immutable, hash-chained ledger entry (component A).
type Event struct {
	EventID   string          `json:"eventId"`
	AgentID   string          `json:"agentId"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	OccurredAt time.Time      `json:"occurredAt"`
	CreatedAt time.Time       `json:"createdAt"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

// ReceiptSource identifies which part of the kernel grounded a receipt.
type ReceiptSource string

const (
	SourcePolicy    ReceiptSource = "policy"
	SourceExecution ReceiptSource = "execution"
	SourceEnv       ReceiptSource = "env"
	SourceRepair    ReceiptSource = "repair"
)

// Receipt is the human-grade audit artifact, grounded in a causal event or
// an external reference. Append-only.
type Receipt struct {
	ReceiptID       string        `json:"receiptId"`
	AgentID         string        `json:"agentId"`
	UserID          string        `json:"userId"`
	Source          ReceiptSource `json:"source"`
	EventID         string        `json:"eventId,omitempty"`
	ExternalRef     string        `json:"externalRef,omitempty"`
	WhatHappened    string        `json:"whatHappened"`
	WhyChanged      string        `json:"whyChanged"`
	WhatHappensNext string        `json:"whatHappensNext"`
	Signature       string        `json:"signature,omitempty"`
	SignatureIssuedAt  time.Time  `json:"signatureIssuedAt,omitempty"`
	SignatureExpiresAt time.Time  `json:"signatureExpiresAt,omitempty"`
	OccurredAt      time.Time     `json:"occurredAt"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// ChallengeStatus is the state of a step-up challenge.
type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "pending"
	ChallengeApproved ChallengeStatus = "approved"
	ChallengeDenied   ChallengeStatus = "denied"
	ChallengeExpired  ChallengeStatus = "expired"
)

// Challenge is an out-of-band approval request bound to one quote.
type Challenge struct {
	ChallengeID string          `json:"challengeId"`
	UserID      string          `json:"userId"`
	AgentID     string          `json:"agentId"`
	QuoteID     string          `json:"quoteId"`
	Status      ChallengeStatus `json:"status"`
	CodeHash    string          `json:"-"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	ApprovedAt  *time.Time      `json:"approvedAt,omitempty"`
}

// StepUpToken is a one-shot token binding back to an approved challenge.
type StepUpToken struct {
	TokenID     string    `json:"tokenId"`
	ChallengeID string    `json:"challengeId"`
	TokenHash   string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
}

// ReservationSource is which driver produced a reservation.
type ReservationSource string

const (
	ReservationOutgoing ReservationSource = "outgoing"
	ReservationHold     ReservationSource = "hold"
)

// ReservationStatus tracks the lifecycle of a pending reservation.
type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationReleased ReservationStatus = "released"
	ReservationSettled  ReservationStatus = "settled"
)

// Reservation is a pending outgoing transfer or hold that reduces spend
// power without changing confirmed balance.
type Reservation struct {
	ReservationID string            `json:"reservationId"`
	AgentID       string            `json:"agentId"`
	ExecID        string            `json:"execId"`
	Source        ReservationSource `json:"source"`
	AmountCents   int64             `json:"amountCents"`
	Status        ReservationStatus `json:"status"`
	ExternalRef   string            `json:"externalRef,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Snapshot is the derived, atomically-overwritten spend-power view.
type Snapshot struct {
	AgentID                  string    `json:"agentId"`
	ConfirmedBalanceCents    int64     `json:"confirmedBalanceCents"`
	ReservedOutgoingCents    int64     `json:"reservedOutgoingCents"`
	ReservedHoldsCents       int64     `json:"reservedHoldsCents"`
	PolicySpendableCents     int64     `json:"policySpendableCents"`
	EffectiveSpendPowerCents int64     `json:"effectiveSpendPowerCents"`
	UpdatedAt                time.Time `json:"updatedAt"`
}
