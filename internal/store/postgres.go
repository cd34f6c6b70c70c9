package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
)

// PostgresDatabase is the production Database, backed by a single *sql.DB.
// Every write that needs cross-aggregate atomicity (the Execute Engine's
// reserve/drive/reconcile/finalize sequence) runs inside a serializable
// transaction obtained from Begin.
type PostgresDatabase struct {
	db *sql.DB
}

// NewPostgresDatabase wraps an already-opened, already-migrated *sql.DB.
func NewPostgresDatabase(db *sql.DB) *PostgresDatabase {
	return &PostgresDatabase{db: db}
}

func (d *PostgresDatabase) Agents() AgentStore             { return &pgAgentStore{d.db} }
func (d *PostgresDatabase) Policies() PolicyStore          { return &pgPolicyStore{d.db} }
func (d *PostgresDatabase) Quotes() QuoteStore             { return &pgQuoteStore{d.db} }
func (d *PostgresDatabase) Executions() ExecutionStore     { return &pgExecutionStore{d.db} }
func (d *PostgresDatabase) Events() EventStore             { return &pgEventStore{d.db} }
func (d *PostgresDatabase) Receipts() ReceiptStore         { return &pgReceiptStore{d.db} }
func (d *PostgresDatabase) Challenges() ChallengeStore     { return &pgChallengeStore{d.db} }
func (d *PostgresDatabase) Tokens() TokenStore             { return &pgTokenStore{d.db} }
func (d *PostgresDatabase) Reservations() ReservationStore { return &pgReservationStore{d.db} }
func (d *PostgresDatabase) Snapshots() SnapshotStore       { return &pgSnapshotStore{d.db} }

func (d *PostgresDatabase) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx}, nil
}

// sqlExecQuery is satisfied by both *sql.DB and *sql.Tx, letting every
// per-entity store be written once and reused for both the ambient
// (non-transactional) accessors and the Tx-scoped ones.
type sqlExecQuery interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) Agents() AgentStore             { return &pgAgentStore{t.tx} }
func (t *postgresTx) Policies() PolicyStore          { return &pgPolicyStore{t.tx} }
func (t *postgresTx) Quotes() QuoteStore             { return &pgQuoteStore{t.tx} }
func (t *postgresTx) Executions() ExecutionStore     { return &pgExecutionStore{t.tx} }
func (t *postgresTx) Events() EventStore             { return &pgEventStore{t.tx} }
func (t *postgresTx) Receipts() ReceiptStore         { return &pgReceiptStore{t.tx} }
func (t *postgresTx) Reservations() ReservationStore { return &pgReservationStore{t.tx} }
func (t *postgresTx) Snapshots() SnapshotStore       { return &pgSnapshotStore{t.tx} }

func (t *postgresTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *postgresTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// --- Agents ---

type pgAgentStore struct{ q sqlExecQuery }

func (s *pgAgentStore) CreateUser(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_users (user_id, created_at) VALUES ($1, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

func (s *pgAgentStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM kernel_users WHERE user_id = $1)`, userID).Scan(&exists)
	return exists, err
}

func (s *pgAgentStore) CreateAgent(ctx context.Context, a *Agent) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_agents (agent_id, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.AgentID, a.UserID, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *pgAgentStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	a := &Agent{}
	err := s.q.QueryRowContext(ctx, `
		SELECT agent_id, user_id, status, created_at, updated_at FROM kernel_agents WHERE agent_id = $1
	`, agentID).Scan(&a.AgentID, &a.UserID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *pgAgentStore) SaveAgent(ctx context.Context, a *Agent) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE kernel_agents SET status = $2, updated_at = $3 WHERE agent_id = $1
	`, a.AgentID, a.Status, a.UpdatedAt)
	return err
}

func (s *pgAgentStore) CreateBudget(ctx context.Context, b *Budget) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_budgets (agent_id, credits_cents, daily_spend_cents, daily_spend_used_cents, last_reset_at)
		VALUES ($1, $2, $3, $4, $5)
	`, b.AgentID, b.CreditsCents, b.DailySpendCents, b.DailySpendUsedCents, b.LastResetAt)
	return err
}

func (s *pgAgentStore) GetBudget(ctx context.Context, agentID string) (*Budget, error) {
	b := &Budget{}
	err := s.q.QueryRowContext(ctx, `
		SELECT agent_id, credits_cents, daily_spend_cents, daily_spend_used_cents, last_reset_at
		FROM kernel_budgets WHERE agent_id = $1
	`, agentID).Scan(&b.AgentID, &b.CreditsCents, &b.DailySpendCents, &b.DailySpendUsedCents, &b.LastResetAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *pgAgentStore) SaveBudget(ctx context.Context, b *Budget) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE kernel_budgets
		SET credits_cents = $2, daily_spend_cents = $3, daily_spend_used_cents = $4, last_reset_at = $5
		WHERE agent_id = $1
	`, b.AgentID, b.CreditsCents, b.DailySpendCents, b.DailySpendUsedCents, b.LastResetAt)
	return err
}

// --- Policies ---

type pgPolicyStore struct{ q sqlExecQuery }

func (s *pgPolicyStore) Create(ctx context.Context, p *PolicyDoc) error {
	caps, err := json.Marshal(p.PerIntentDailyCaps)
	if err != nil {
		return err
	}
	allow, err := json.Marshal(p.Allowlist)
	if err != nil {
		return err
	}
	block, err := json.Marshal(p.Blocklist)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO kernel_policies
			(policy_id, agent_id, user_id, per_intent_daily_caps, daily_spend_limit_cents, allowlist, blocklist, step_up_threshold_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.PolicyID, p.AgentID, p.UserID, caps, p.DailySpendLimitCents, allow, block, p.StepUpThresholdCents, p.CreatedAt)
	return err
}

func (s *pgPolicyStore) Latest(ctx context.Context, agentID string) (*PolicyDoc, error) {
	p := &PolicyDoc{AgentID: agentID}
	var caps, allow, block []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT policy_id, user_id, per_intent_daily_caps, daily_spend_limit_cents, allowlist, blocklist, step_up_threshold_cents, created_at
		FROM kernel_policies WHERE agent_id = $1 ORDER BY created_at DESC LIMIT 1
	`, agentID).Scan(&p.PolicyID, &p.UserID, &caps, &p.DailySpendLimitCents, &allow, &block, &p.StepUpThresholdCents, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(caps, &p.PerIntentDailyCaps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(allow, &p.Allowlist); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(block, &p.Blocklist); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *pgPolicyStore) History(ctx context.Context, agentID string) ([]*PolicyDoc, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT policy_id, user_id, per_intent_daily_caps, daily_spend_limit_cents, allowlist, blocklist, step_up_threshold_cents, created_at
		FROM kernel_policies WHERE agent_id = $1 ORDER BY created_at ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PolicyDoc
	for rows.Next() {
		p := &PolicyDoc{AgentID: agentID}
		var caps, allow, block []byte
		if err := rows.Scan(&p.PolicyID, &p.UserID, &caps, &p.DailySpendLimitCents, &allow, &block, &p.StepUpThresholdCents, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(caps, &p.PerIntentDailyCaps); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(allow, &p.Allowlist); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(block, &p.Blocklist); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Quotes ---

type pgQuoteStore struct{ q sqlExecQuery }

func (s *pgQuoteStore) Create(ctx context.Context, q *Quote) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_quotes
			(quote_id, user_id, agent_id, intent, allowed, requires_step_up, reason, base_cost_cents, transfer_cents, expires_at, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, q.QuoteID, q.UserID, q.AgentID, []byte(q.IntentJSON), q.Allowed, q.RequiresStepUp, q.Reason, q.BaseCostCents, q.TransferCents, q.ExpiresAt, q.IdempotencyKey, q.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgQuoteStore) Get(ctx context.Context, quoteID string) (*Quote, error) {
	q := &Quote{}
	var intent []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT quote_id, user_id, agent_id, intent, allowed, requires_step_up, reason, base_cost_cents, transfer_cents, expires_at, idempotency_key, created_at
		FROM kernel_quotes WHERE quote_id = $1
	`, quoteID).Scan(&q.QuoteID, &q.UserID, &q.AgentID, &intent, &q.Allowed, &q.RequiresStepUp, &q.Reason, &q.BaseCostCents, &q.TransferCents, &q.ExpiresAt, &q.IdempotencyKey, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	q.IntentJSON = intent
	return q, nil
}

func (s *pgQuoteStore) FindByIdempotencyKey(ctx context.Context, agentID, key string) (*Quote, error) {
	q := &Quote{}
	var intent []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT quote_id, user_id, agent_id, intent, allowed, requires_step_up, reason, base_cost_cents, transfer_cents, expires_at, idempotency_key, created_at
		FROM kernel_quotes WHERE agent_id = $1 AND idempotency_key = $2
	`, agentID, key).Scan(&q.QuoteID, &q.UserID, &q.AgentID, &intent, &q.Allowed, &q.RequiresStepUp, &q.Reason, &q.BaseCostCents, &q.TransferCents, &q.ExpiresAt, &q.IdempotencyKey, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	q.IntentJSON = intent
	return q, nil
}

// --- Executions ---

type pgExecutionStore struct{ q sqlExecQuery }

func (s *pgExecutionStore) Create(ctx context.Context, e *Execution) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_executions (exec_id, quote_id, user_id, agent_id, status, external_ref, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ExecID, e.QuoteID, e.UserID, e.AgentID, e.Status, e.ExternalRef, e.Reason, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgExecutionStore) Get(ctx context.Context, execID string) (*Execution, error) {
	e := &Execution{}
	err := s.q.QueryRowContext(ctx, `
		SELECT exec_id, quote_id, user_id, agent_id, status, COALESCE(external_ref, ''), COALESCE(reason, ''), created_at, updated_at
		FROM kernel_executions WHERE exec_id = $1
	`, execID).Scan(&e.ExecID, &e.QuoteID, &e.UserID, &e.AgentID, &e.Status, &e.ExternalRef, &e.Reason, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *pgExecutionStore) FindByQuote(ctx context.Context, quoteID string) (*Execution, error) {
	e := &Execution{}
	err := s.q.QueryRowContext(ctx, `
		SELECT exec_id, quote_id, user_id, agent_id, status, COALESCE(external_ref, ''), COALESCE(reason, ''), created_at, updated_at
		FROM kernel_executions WHERE quote_id = $1
	`, quoteID).Scan(&e.ExecID, &e.QuoteID, &e.UserID, &e.AgentID, &e.Status, &e.ExternalRef, &e.Reason, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *pgExecutionStore) UpdateStatus(ctx context.Context, execID string, status ExecutionStatus, externalRef, reason string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE kernel_executions SET status = $2, external_ref = $3, reason = $4, updated_at = NOW() WHERE exec_id = $1
	`, execID, status, externalRef, reason)
	return err
}

func (s *pgExecutionStore) CountApplied(ctx context.Context, agentID, intentType string, since time.Time) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM kernel_executions e
		JOIN kernel_quotes q ON q.quote_id = e.quote_id
		WHERE e.agent_id = $1 AND e.status = 'applied' AND e.updated_at >= $2
		  AND q.intent->>'type' = $3
	`, agentID, since, intentType).Scan(&count)
	return count, err
}

// --- Events ---

type pgEventStore struct{ q sqlExecQuery }

func (s *pgEventStore) Append(ctx context.Context, e *Event) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_events (event_id, agent_id, user_id, type, payload, occurred_at, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.EventID, e.AgentID, e.UserID, e.Type, []byte(e.Payload), e.OccurredAt, e.CreatedAt, e.PrevHash, e.Hash)
	return err
}

func (s *pgEventStore) LatestHash(ctx context.Context, agentID string) (string, bool, error) {
	var hash string
	err := s.q.QueryRowContext(ctx, `
		SELECT hash FROM kernel_events WHERE agent_id = $1 ORDER BY created_at DESC, event_id DESC LIMIT 1
	`, agentID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

func (s *pgEventStore) ListByAgent(ctx context.Context, agentID string, since time.Time) ([]*Event, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT event_id, agent_id, user_id, type, payload, occurred_at, created_at, prev_hash, hash
		FROM kernel_events WHERE agent_id = $1 AND created_at >= $2 ORDER BY created_at ASC, event_id ASC
	`, agentID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.AgentID, &e.UserID, &e.Type, &payload, &e.OccurredAt, &e.CreatedAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Receipts ---

type pgReceiptStore struct{ q sqlExecQuery }

func (s *pgReceiptStore) Create(ctx context.Context, r *Receipt) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_receipts
			(receipt_id, agent_id, user_id, source, event_id, external_ref, what_happened, why_changed, what_happens_next, signature, signature_issued_at, signature_expires_at, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.ReceiptID, r.AgentID, r.UserID, r.Source, r.EventID, r.ExternalRef, r.WhatHappened, r.WhyChanged, r.WhatHappensNext, r.Signature, nullableTime(r.SignatureIssuedAt), nullableTime(r.SignatureExpiresAt), r.OccurredAt, r.CreatedAt)
	return err
}

const receiptColumns = `receipt_id, agent_id, user_id, source, COALESCE(event_id, ''), COALESCE(external_ref, ''), what_happened, why_changed, what_happens_next, COALESCE(signature, ''), signature_issued_at, signature_expires_at, occurred_at, created_at`

func scanReceipt(row interface {
	Scan(dest ...any) error
}) (*Receipt, error) {
	r := &Receipt{}
	var issuedAt, expiresAt sql.NullTime
	err := row.Scan(&r.ReceiptID, &r.AgentID, &r.UserID, &r.Source, &r.EventID, &r.ExternalRef, &r.WhatHappened, &r.WhyChanged, &r.WhatHappensNext, &r.Signature, &issuedAt, &expiresAt, &r.OccurredAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if issuedAt.Valid {
		r.SignatureIssuedAt = issuedAt.Time
	}
	if expiresAt.Valid {
		r.SignatureExpiresAt = expiresAt.Time
	}
	return r, nil
}

func (s *pgReceiptStore) ListByAgent(ctx context.Context, agentID string, since time.Time) ([]*Receipt, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+receiptColumns+`
		FROM kernel_receipts WHERE agent_id = $1 AND occurred_at >= $2 ORDER BY occurred_at ASC
	`, agentID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgReceiptStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	r, err := scanReceipt(s.q.QueryRowContext(ctx, `
		SELECT `+receiptColumns+`
		FROM kernel_receipts WHERE receipt_id = $1
	`, receiptID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// --- Challenges ---

type pgChallengeStore struct{ q sqlExecQuery }

func (s *pgChallengeStore) Create(ctx context.Context, c *Challenge) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_challenges (challenge_id, user_id, agent_id, quote_id, status, code_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ChallengeID, c.UserID, c.AgentID, c.QuoteID, c.Status, c.CodeHash, c.CreatedAt, c.ExpiresAt)
	return err
}

func (s *pgChallengeStore) Get(ctx context.Context, challengeID string) (*Challenge, error) {
	c := &Challenge{}
	err := s.q.QueryRowContext(ctx, `
		SELECT challenge_id, user_id, agent_id, quote_id, status, code_hash, created_at, expires_at, approved_at
		FROM kernel_challenges WHERE challenge_id = $1
	`, challengeID).Scan(&c.ChallengeID, &c.UserID, &c.AgentID, &c.QuoteID, &c.Status, &c.CodeHash, &c.CreatedAt, &c.ExpiresAt, &c.ApprovedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *pgChallengeStore) FindPendingByQuote(ctx context.Context, quoteID string) (*Challenge, error) {
	c := &Challenge{}
	err := s.q.QueryRowContext(ctx, `
		SELECT challenge_id, user_id, agent_id, quote_id, status, code_hash, created_at, expires_at, approved_at
		FROM kernel_challenges WHERE quote_id = $1 AND status = 'pending' ORDER BY created_at DESC LIMIT 1
	`, quoteID).Scan(&c.ChallengeID, &c.UserID, &c.AgentID, &c.QuoteID, &c.Status, &c.CodeHash, &c.CreatedAt, &c.ExpiresAt, &c.ApprovedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *pgChallengeStore) UpdateStatus(ctx context.Context, challengeID string, status ChallengeStatus, approvedAt *time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE kernel_challenges SET status = $2, approved_at = $3 WHERE challenge_id = $1
	`, challengeID, status, approvedAt)
	return err
}

// --- Tokens ---

type pgTokenStore struct{ q sqlExecQuery }

func (s *pgTokenStore) Create(ctx context.Context, t *StepUpToken) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_step_up_tokens (token_id, challenge_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.TokenID, t.ChallengeID, t.TokenHash, t.CreatedAt, t.ExpiresAt)
	return err
}

func (s *pgTokenStore) FindByHash(ctx context.Context, tokenHash string) (*StepUpToken, error) {
	t := &StepUpToken{}
	err := s.q.QueryRowContext(ctx, `
		SELECT token_id, challenge_id, token_hash, created_at, expires_at, revoked_at
		FROM kernel_step_up_tokens WHERE token_hash = $1
	`, tokenHash).Scan(&t.TokenID, &t.ChallengeID, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *pgTokenStore) Revoke(ctx context.Context, tokenID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE kernel_step_up_tokens SET revoked_at = NOW() WHERE token_id = $1
	`, tokenID)
	return err
}

func (s *pgTokenStore) RevokeAllForAgent(ctx context.Context, agentID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE kernel_step_up_tokens t SET revoked_at = NOW()
		FROM kernel_challenges c
		WHERE t.challenge_id = c.challenge_id AND c.agent_id = $1 AND t.revoked_at IS NULL
	`, agentID)
	return err
}

// --- Reservations ---

type pgReservationStore struct{ q sqlExecQuery }

func (s *pgReservationStore) Create(ctx context.Context, r *Reservation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_reservations (reservation_id, agent_id, exec_id, source, amount_cents, status, external_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ReservationID, r.AgentID, r.ExecID, r.Source, r.AmountCents, r.Status, r.ExternalRef, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *pgReservationStore) Release(ctx context.Context, reservationID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE kernel_reservations SET status = 'released', updated_at = NOW() WHERE reservation_id = $1
	`, reservationID)
	return err
}

func (s *pgReservationStore) Settle(ctx context.Context, reservationID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE kernel_reservations SET status = 'settled', updated_at = NOW() WHERE reservation_id = $1
	`, reservationID)
	return err
}

func (s *pgReservationStore) SumPending(ctx context.Context, agentID string, source ReservationSource) (int64, error) {
	var total int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM kernel_reservations
		WHERE agent_id = $1 AND source = $2 AND status = 'pending'
	`, agentID, source).Scan(&total)
	return total, err
}

func (s *pgReservationStore) ListByAgent(ctx context.Context, agentID string) ([]*Reservation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT reservation_id, agent_id, exec_id, source, amount_cents, status, COALESCE(external_ref, ''), created_at, updated_at
		FROM kernel_reservations WHERE agent_id = $1 ORDER BY created_at ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Reservation
	for rows.Next() {
		r := &Reservation{}
		if err := rows.Scan(&r.ReservationID, &r.AgentID, &r.ExecID, &r.Source, &r.AmountCents, &r.Status, &r.ExternalRef, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Snapshots ---

type pgSnapshotStore struct{ q sqlExecQuery }

func (s *pgSnapshotStore) Get(ctx context.Context, agentID string) (*Snapshot, error) {
	snap := &Snapshot{AgentID: agentID}
	err := s.q.QueryRowContext(ctx, `
		SELECT confirmed_balance_cents, reserved_outgoing_cents, reserved_holds_cents, policy_spendable_cents, effective_spend_power_cents, updated_at
		FROM kernel_snapshots WHERE agent_id = $1
	`, agentID).Scan(&snap.ConfirmedBalanceCents, &snap.ReservedOutgoingCents, &snap.ReservedHoldsCents, &snap.PolicySpendableCents, &snap.EffectiveSpendPowerCents, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return snap, err
}

func (s *pgSnapshotStore) Upsert(ctx context.Context, snap *Snapshot) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kernel_snapshots (agent_id, confirmed_balance_cents, reserved_outgoing_cents, reserved_holds_cents, policy_spendable_cents, effective_spend_power_cents, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			confirmed_balance_cents = EXCLUDED.confirmed_balance_cents,
			reserved_outgoing_cents = EXCLUDED.reserved_outgoing_cents,
			reserved_holds_cents = EXCLUDED.reserved_holds_cents,
			policy_spendable_cents = EXCLUDED.policy_spendable_cents,
			effective_spend_power_cents = EXCLUDED.effective_spend_power_cents,
			updated_at = EXCLUDED.updated_at
	`, snap.AgentID, snap.ConfirmedBalanceCents, snap.ReservedOutgoingCents, snap.ReservedHoldsCents, snap.PolicySpendableCents, snap.EffectiveSpendPowerCents, snap.UpdatedAt)
	return err
}

// nullableTime converts a zero time.Time to a SQL NULL so optional
// signature timestamps don't get stored as the Unix epoch.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), without importing lib/pq's Error type here to
// keep this check usable from both the db and tx code paths.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	type pqError interface{ SQLState() string }
	if pe, ok := err.(pqError); ok {
		return pe.SQLState() == "23505"
	}
	return false
}
