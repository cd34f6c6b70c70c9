// Package receipts issues the human-grade audit artifact every kernel
// decision produces: what happened, why, and what happens next. Every
// receipt is grounded in either a causal event_id or an external_ref (a
// driver's settlement/capture reference), and is optionally HMAC-signed so
// an agent's owner can verify one offline without trusting the API that
// served it.
package receipts

import (
	"context"
	"time"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/idgen"
	"github.com/agentkernel/kernel/internal/store"
)

// Request is the input to Issue.
type Request struct {
	AgentID         string
	UserID          string
	Source          store.ReceiptSource
	EventID         string
	ExternalRef     string
	WhatHappened    string
	WhyChanged      string
	WhatHappensNext string
	OccurredAt      time.Time
}

// Issuer writes receipts through a store.Tx and optionally signs them.
type Issuer struct {
	clock  clock.Clock
	signer *Signer
}

// NewIssuer builds an Issuer. signer may be nil, in which case receipts
// are written unsigned ("signing disabled" mode when no HMAC secret is
// configured).
func NewIssuer(c clock.Clock, signer *Signer) *Issuer {
	return &Issuer{clock: c, signer: signer}
}

// Issue persists a receipt through tx and returns the stored row.
func (i *Issuer) Issue(ctx context.Context, tx store.Tx, req Request) (*store.Receipt, error) {
	r := &store.Receipt{
		ReceiptID:       idgen.WithPrefix("rcpt_"),
		AgentID:         req.AgentID,
		UserID:          req.UserID,
		Source:          req.Source,
		EventID:         req.EventID,
		ExternalRef:     req.ExternalRef,
		WhatHappened:    req.WhatHappened,
		WhyChanged:      req.WhyChanged,
		WhatHappensNext: req.WhatHappensNext,
		OccurredAt:      req.OccurredAt,
		CreatedAt:       i.clock.Now(),
	}

	if i.signer != nil {
		sig, issuedAt, expiresAt, err := i.signer.Sign(canonicalPayload(r))
		if err != nil {
			return nil, err
		}
		r.Signature = sig
		r.SignatureIssuedAt = issuedAt
		r.SignatureExpiresAt = expiresAt
	}

	if err := tx.Receipts().Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Verify checks a receipt's signature against its stored fields. Returns
// false (never panics) if signing was disabled when the receipt was
// issued, or if it carries no signature at all.
func (i *Issuer) Verify(r *store.Receipt) bool {
	if i.signer == nil || r.Signature == "" {
		return false
	}
	return i.signer.Verify(canonicalPayload(r), r.Signature)
}

// canonicalPayload is the struct actually signed: field order is fixed by
// declaration order here (not by whatever order the Receipt struct
// happens to use), so re-signing the same content always produces the
// same signature regardless of how store.Receipt evolves.
type canonicalReceipt struct {
	AgentID         string `json:"agentId"`
	EventID         string `json:"eventId"`
	ExternalRef     string `json:"externalRef"`
	Source          string `json:"source"`
	UserID          string `json:"userId"`
	WhatHappened    string `json:"whatHappened"`
	WhatHappensNext string `json:"whatHappensNext"`
	WhyChanged      string `json:"whyChanged"`
}

func canonicalPayload(r *store.Receipt) canonicalReceipt {
	return canonicalReceipt{
		AgentID:         r.AgentID,
		EventID:         r.EventID,
		ExternalRef:     r.ExternalRef,
		Source:          string(r.Source),
		UserID:          r.UserID,
		WhatHappened:    r.WhatHappened,
		WhatHappensNext: r.WhatHappensNext,
		WhyChanged:      r.WhyChanged,
	}
}
