package stepup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/kernelerrors"
	"github.com/agentkernel/kernel/internal/store"
)

func TestRequest_MintsNewChallengeWithCode(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()
	m := NewMachine(c, 5*time.Minute, time.Hour)

	challenge, code, err := m.Request(ctx, db, "usr_1", "agt_1", "qte_1")
	require.NoError(t, err)
	require.NotEmpty(t, code)
	require.Len(t, code, codeDigits)
	require.Equal(t, store.ChallengePending, challenge.Status)
	require.NotEqual(t, code, challenge.CodeHash)
}

func TestRequest_ReturnsExistingPendingChallenge(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()
	m := NewMachine(c, 5*time.Minute, time.Hour)

	first, _, err := m.Request(ctx, db, "usr_1", "agt_1", "qte_1")
	require.NoError(t, err)

	second, code, err := m.Request(ctx, db, "usr_1", "agt_1", "qte_1")
	require.NoError(t, err)
	require.Equal(t, first.ChallengeID, second.ChallengeID)
	require.Empty(t, code)
}

func TestConfirm_ApproveWithCorrectCodeMintsToken(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()
	m := NewMachine(c, 5*time.Minute, time.Hour)

	challenge, code, err := m.Request(ctx, db, "usr_1", "agt_1", "qte_1")
	require.NoError(t, err)

	tok, err := m.Confirm(ctx, db, challenge.ChallengeID, code, true)
	require.NoError(t, err)
	require.NotNil(t, tok)
	require.NotEmpty(t, tok.TokenHash)

	reason, err := Validate(ctx, db, c, "qte_1", tok.TokenHash)
	require.NoError(t, err)
	require.Empty(t, reason)
}

func TestConfirm_WrongCodeFails(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()
	m := NewMachine(c, 5*time.Minute, time.Hour)

	challenge, _, err := m.Request(ctx, db, "usr_1", "agt_1", "qte_1")
	require.NoError(t, err)

	tok, err := m.Confirm(ctx, db, challenge.ChallengeID, "000000", true)
	require.Error(t, err)
	require.Nil(t, tok)
	require.EqualError(t, err, string(kernelerrors.ReasonInvalidCode))
}

func TestConfirm_DenyIssuesNoToken(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()
	m := NewMachine(c, 5*time.Minute, time.Hour)

	challenge, code, err := m.Request(ctx, db, "usr_1", "agt_1", "qte_1")
	require.NoError(t, err)

	tok, err := m.Confirm(ctx, db, challenge.ChallengeID, code, false)
	require.NoError(t, err)
	require.Nil(t, tok)
}

func TestConfirm_ExpiredChallengeFails(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()
	m := NewMachine(c, time.Second, time.Hour)

	challenge, code, err := m.Request(ctx, db, "usr_1", "agt_1", "qte_1")
	require.NoError(t, err)

	c.Advance(time.Minute)
	tok, err := m.Confirm(ctx, db, challenge.ChallengeID, code, true)
	require.Error(t, err)
	require.Nil(t, tok)
	require.EqualError(t, err, string(kernelerrors.ReasonStepUpTokenExpired))
}

func TestValidate_ExpiredTokenRejected(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()
	m := NewMachine(c, 5*time.Minute, time.Second)

	challenge, code, err := m.Request(ctx, db, "usr_1", "agt_1", "qte_1")
	require.NoError(t, err)
	tok, err := m.Confirm(ctx, db, challenge.ChallengeID, code, true)
	require.NoError(t, err)

	c.Advance(time.Minute)
	reason, err := Validate(ctx, db, c, "qte_1", tok.TokenHash)
	require.NoError(t, err)
	require.Equal(t, kernelerrors.ReasonStepUpTokenExpired, reason)
}

func TestValidate_WrongQuoteMismatch(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()
	m := NewMachine(c, 5*time.Minute, time.Hour)

	challenge, code, err := m.Request(ctx, db, "usr_1", "agt_1", "qte_1")
	require.NoError(t, err)
	tok, err := m.Confirm(ctx, db, challenge.ChallengeID, code, true)
	require.NoError(t, err)

	reason, err := Validate(ctx, db, c, "qte_other", tok.TokenHash)
	require.NoError(t, err)
	require.Equal(t, kernelerrors.ReasonStepUpMismatch, reason)
}

func TestValidate_UnknownTokenInvalid(t *testing.T) {
	db := store.NewMemoryDatabase()
	c := clock.NewFixed(time.Now())
	ctx := context.Background()

	reason, err := Validate(ctx, db, c, "qte_1", "not-a-real-token")
	require.NoError(t, err)
	require.Equal(t, kernelerrors.ReasonStepUpTokenInvalid, reason)
}
