// Package kernelerrors defines the stable, machine-readable reason strings
// returned by the kernel instead of typed errors. Components pass these
// across package boundaries as data so they can be persisted verbatim in
// events, receipts, and API responses.
package kernelerrors

// Reason is a stable machine string naming why an operation was refused.
// It is never wrapped or formatted — callers compare it with ==.
type Reason string

// Input errors.
const (
	ReasonAgentIDRequired    Reason = "agent_id_required"
	ReasonInvalidAmountCents Reason = "invalid_amount_cents"
	ReasonInvalidToAddress   Reason = "invalid_to_address"
	ReasonIdempotencyMismatch Reason = "idempotency_mismatch"
	ReasonUnsupportedIntent  Reason = "unsupported_intent"
)

// Authz errors.
const (
	ReasonAgentNotFound        Reason = "agent_not_found"
	ReasonAgentFrozen          Reason = "agent_frozen"
	ReasonAgentDead            Reason = "agent_dead"
	ReasonForbidden            Reason = "forbidden"
	ReasonStepUpRequired       Reason = "step_up_required"
	ReasonStepUpMismatch       Reason = "step_up_mismatch"
	ReasonStepUpTokenExpired   Reason = "step_up_token_expired"
	ReasonStepUpTokenInvalid   Reason = "step_up_token_invalid"
	ReasonInvalidCode          Reason = "invalid_code"
)

// Policy/budget errors.
const (
	ReasonIntentNotAllowlisted     Reason = "intent_not_allowlisted"
	ReasonBlockedIntent            Reason = "blocked_intent"
	ReasonPerIntentLimitReached    Reason = "per_intent_limit_reached"
	ReasonDailyLimitExceeded       Reason = "daily_limit_exceeded"
	ReasonInsufficientCredits      Reason = "insufficient_credits"
	ReasonInsufficientConfirmedUSDC Reason = "insufficient_confirmed_usdc"
	ReasonInsufficientGas          Reason = "insufficient_gas"
	ReasonInsufficientSpendPower   Reason = "insufficient_spend_power"
)

// Freshness errors.
const (
	ReasonEnvStale             Reason = "env_stale"
	ReasonEnvUnknown           Reason = "env_unknown"
	ReasonEnvObservationFailed Reason = "env_observation_failed"
)

// Quote errors.
const (
	ReasonQuoteNotFound Reason = "quote_not_found"
	ReasonQuoteExpired  Reason = "quote_expired"
)

// Driver/env errors.
const (
	ReasonExecutionError Reason = "execution_error"
	ReasonTransferFailed Reason = "transfer_failed"
)

// EnvReason maps a freshness status ("stale"/"unknown") to its
// env_<status> reason string, used by both can_do and execute.
func EnvReason(status string) Reason {
	return Reason("env_" + status)
}
