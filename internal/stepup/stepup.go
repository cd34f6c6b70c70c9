// Package stepup implements the out-of-band approval machine for quotes
// that crossed a policy's step-up threshold. Unlike the rest of the
// kernel's write paths, challenge and token operations are not part of the
// Execute Engine's atomic unit of work: a human confirms a challenge on
// their own schedule, well before (or well after) any execute call, so
// they operate directly against store.Database rather than a store.Tx.
package stepup

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/idgen"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/store"
)

// codeDigits is the length of the human-facing approval code.
const codeDigits = 6

// Machine mints and resolves step-up challenges.
type Machine struct {
	clock        clock.Clock
	challengeTTL time.Duration
	tokenTTL     time.Duration
}

// NewMachine builds a Machine with the given challenge and token lifetimes.
func NewMachine(c clock.Clock, challengeTTL, tokenTTL time.Duration) *Machine {
	return &Machine{clock: c, challengeTTL: challengeTTL, tokenTTL: tokenTTL}
}

// Request returns the pending challenge for quoteID if one already exists,
// otherwise mints a new one. The plaintext code is only ever returned here
// (to be delivered out of band, e.g. push notification or SMS) — only its
// hash is persisted.
func (m *Machine) Request(ctx context.Context, db store.Database, userID, agentID, quoteID string) (challenge *store.Challenge, code string, err error) {
	existing, err := db.Challenges().FindPendingByQuote(ctx, quoteID)
	if err == nil {
		return existing, "", nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}

	now := m.clock.Now()
	challengeID := idgen.WithPrefix("chal_")
	code = generateCode()

	c := &store.Challenge{
		ChallengeID: challengeID,
		UserID:      userID,
		AgentID:     agentID,
		QuoteID:     quoteID,
		Status:      store.ChallengePending,
		CodeHash:    hashCode(challengeID, code),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.challengeTTL),
	}
	if err := db.Challenges().Create(ctx, c); err != nil {
		return nil, "", err
	}
	return c, code, nil
}

// Confirm resolves a pending challenge. On approve with the correct code it
// mints a one-shot StepUpToken bound to the challenge; on deny, or on a
// wrong code, no token is issued.
func (m *Machine) Confirm(ctx context.Context, db store.Database, challengeID, code string, approve bool) (*store.StepUpToken, error) {
	c, err := db.Challenges().Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()

	if c.Status != store.ChallengePending {
		return nil, fmt.Errorf("%s", kernelerrors.ReasonForbidden)
	}
	if now.After(c.ExpiresAt) {
		if err := db.Challenges().UpdateStatus(ctx, challengeID, store.ChallengeExpired, nil); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s", kernelerrors.ReasonStepUpTokenExpired)
	}
	if subtle.ConstantTimeCompare([]byte(hashCode(challengeID, code)), []byte(c.CodeHash)) != 1 {
		return nil, fmt.Errorf("%s", kernelerrors.ReasonInvalidCode)
	}

	if !approve {
		if err := db.Challenges().UpdateStatus(ctx, challengeID, store.ChallengeDenied, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := db.Challenges().UpdateStatus(ctx, challengeID, store.ChallengeApproved, &now); err != nil {
		return nil, err
	}

	token := idgen.Hex(32)
	tok := &store.StepUpToken{
		TokenID:     idgen.WithPrefix("tok_"),
		ChallengeID: challengeID,
		TokenHash:   hashToken(token),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.tokenTTL),
	}
	if err := db.Tokens().Create(ctx, tok); err != nil {
		return nil, err
	}
	// Return the plaintext token once, the same way the plaintext code is
	// only ever returned from Request; only TokenHash is ever persisted.
	returned := *tok
	returned.TokenHash = token
	return &returned, nil
}

// Validate checks a presented step-up token against the challenge bound to
// quoteID and reports the matching reason when it cannot be used: mismatch
// (wrong quote/challenge), expired, or invalid (unknown or revoked).
func Validate(ctx context.Context, db store.Database, c clock.Clock, quoteID, presentedToken string) (kernelerrors.Reason, error) {
	tok, err := db.Tokens().FindByHash(ctx, hashToken(presentedToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return kernelerrors.ReasonStepUpTokenInvalid, nil
		}
		return "", err
	}
	if tok.RevokedAt != nil {
		return kernelerrors.ReasonStepUpTokenInvalid, nil
	}
	now := c.Now()
	if now.After(tok.ExpiresAt) {
		return kernelerrors.ReasonStepUpTokenExpired, nil
	}
	challenge, err := db.Challenges().Get(ctx, tok.ChallengeID)
	if err != nil {
		return "", err
	}
	if challenge.QuoteID != quoteID || challenge.Status != store.ChallengeApproved {
		return kernelerrors.ReasonStepUpMismatch, nil
	}
	return "", nil
}

func generateCode() string {
	buf := make([]byte, codeDigits)
	_, _ = rand.Read(buf)
	digits := make([]byte, codeDigits)
	for i, b := range buf {
		digits[i] = '0' + b%10
	}
	return string(digits)
}

func hashCode(challengeID, code string) string {
	h := sha256.Sum256([]byte(challengeID + "|" + code))
	return hex.EncodeToString(h[:])
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
