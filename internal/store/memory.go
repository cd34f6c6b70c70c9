package store

import (
	"context"
	"errors"
	"sort"
	"time"
	"sync"
)

// MemoryDatabase is an in-memory Database, used in tests and for the
// simulated job economy demo. It is not safe to mix with a Postgres-backed
// driver that expects real durability.
//
// Transactions are modeled as a per-key overlay: a Tx holds its own pending
// writes and checks them before falling through to the committed maps, so a
// caller that writes and then reads within the same Tx (reserve a hold, then
// recompute the spend snapshot) sees its own work immediately. Commit merges
// only the keys the Tx actually touched into the shared maps under the
// database lock; Rollback just discards the overlay. Two Tx instances that
// touch disjoint agents never interfere with each other; the kernel's own
// per-agent serialization (see internal/syncutil) is what keeps two Tx
// instances for the *same* agent from racing.
type MemoryDatabase struct {
	mu sync.Mutex

	users            map[string]bool
	agents           map[string]*Agent
	budgets          map[string]*Budget
	policies         map[string][]*PolicyDoc
	quotes           map[string]*Quote
	quoteByIdem      map[string]*Quote // key: agentID+"|"+idemKey
	executions       map[string]*Execution
	executionByQuote map[string]*Execution
	events           map[string][]*Event // key: agentID
	receipts         map[string][]*Receipt
	challenges       map[string]*Challenge
	tokens           map[string]*StepUpToken // key: tokenHash
	reservations     map[string]*Reservation
	snapshots        map[string]*Snapshot
}

// NewMemoryDatabase creates an empty in-memory Database.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		users:            make(map[string]bool),
		agents:           make(map[string]*Agent),
		budgets:          make(map[string]*Budget),
		policies:         make(map[string][]*PolicyDoc),
		quotes:           make(map[string]*Quote),
		quoteByIdem:      make(map[string]*Quote),
		executions:       make(map[string]*Execution),
		executionByQuote: make(map[string]*Execution),
		events:           make(map[string][]*Event),
		receipts:         make(map[string][]*Receipt),
		challenges:       make(map[string]*Challenge),
		tokens:           make(map[string]*StepUpToken),
		reservations:     make(map[string]*Reservation),
		snapshots:        make(map[string]*Snapshot),
	}
}

func idemKey(agentID, key string) string { return agentID + "|" + key }

// --- Database accessors (non-transactional reads/writes go straight to the maps) ---

func (d *MemoryDatabase) Agents() AgentStore             { return (*memAgentStore)(d) }
func (d *MemoryDatabase) Policies() PolicyStore          { return (*memPolicyStore)(d) }
func (d *MemoryDatabase) Quotes() QuoteStore             { return (*memQuoteStore)(d) }
func (d *MemoryDatabase) Executions() ExecutionStore     { return (*memExecutionStore)(d) }
func (d *MemoryDatabase) Events() EventStore             { return (*memEventStore)(d) }
func (d *MemoryDatabase) Receipts() ReceiptStore         { return (*memReceiptStore)(d) }
func (d *MemoryDatabase) Challenges() ChallengeStore     { return (*memChallengeStore)(d) }
func (d *MemoryDatabase) Tokens() TokenStore             { return (*memTokenStore)(d) }
func (d *MemoryDatabase) Reservations() ReservationStore { return (*memReservationStore)(d) }
func (d *MemoryDatabase) Snapshots() SnapshotStore       { return (*memSnapshotStore)(d) }

// Begin starts an overlay transaction over the same backing maps.
func (d *MemoryDatabase) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{
		db:                  d,
		pendingAgents:       make(map[string]*Agent),
		pendingBudgets:      make(map[string]*Budget),
		pendingPolicyAppend: make(map[string][]*PolicyDoc),
		pendingQuotes:       make(map[string]*Quote),
		pendingQuoteByIdem:  make(map[string]*Quote),
		pendingExecutions:   make(map[string]*Execution),
		pendingExecByQuote:  make(map[string]*Execution),
		pendingEventAppend:  make(map[string][]*Event),
		pendingReceiptAppend: make(map[string][]*Receipt),
		pendingReservations: make(map[string]*Reservation),
		pendingSnapshots:    make(map[string]*Snapshot),
	}, nil
}

// memoryTx is a single-writer overlay: every accessor it hands out checks
// this struct's pending maps before the database's committed maps, and
// Commit copies only the touched keys back under d.mu.
type memoryTx struct {
	db         *MemoryDatabase
	done       bool
	rolledBack bool

	pendingUsers        map[string]bool
	pendingAgents       map[string]*Agent
	pendingBudgets      map[string]*Budget
	pendingPolicyAppend map[string][]*PolicyDoc // agentID -> docs created this tx, in order
	pendingQuotes       map[string]*Quote
	pendingQuoteByIdem  map[string]*Quote
	pendingExecutions   map[string]*Execution
	pendingExecByQuote  map[string]*Execution
	pendingEventAppend  map[string][]*Event // agentID -> events appended this tx, in order
	pendingReceiptAppend map[string][]*Receipt
	pendingReservations map[string]*Reservation
	pendingSnapshots    map[string]*Snapshot
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.rolledBack {
		return errors.New("store: commit after rollback")
	}
	if t.done {
		return nil
	}
	d := t.db
	d.mu.Lock()
	defer d.mu.Unlock()

	if t.pendingUsers != nil {
		for k, v := range t.pendingUsers {
			d.users[k] = v
		}
	}
	for k, v := range t.pendingAgents {
		d.agents[k] = v
	}
	for k, v := range t.pendingBudgets {
		d.budgets[k] = v
	}
	for agentID, docs := range t.pendingPolicyAppend {
		d.policies[agentID] = append(d.policies[agentID], docs...)
	}
	for k, v := range t.pendingQuotes {
		d.quotes[k] = v
	}
	for k, v := range t.pendingQuoteByIdem {
		d.quoteByIdem[k] = v
	}
	for k, v := range t.pendingExecutions {
		d.executions[k] = v
	}
	for k, v := range t.pendingExecByQuote {
		d.executionByQuote[k] = v
	}
	for agentID, evs := range t.pendingEventAppend {
		d.events[agentID] = append(d.events[agentID], evs...)
	}
	for agentID, rs := range t.pendingReceiptAppend {
		d.receipts[agentID] = append(d.receipts[agentID], rs...)
	}
	for k, v := range t.pendingReservations {
		d.reservations[k] = v
	}
	for k, v := range t.pendingSnapshots {
		d.snapshots[k] = v
	}

	t.done = true
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	if !t.done {
		t.rolledBack = true
	}
	t.done = true
	return nil
}

func (t *memoryTx) Agents() AgentStore             { return &txAgentStore{t} }
func (t *memoryTx) Policies() PolicyStore          { return &txPolicyStore{t} }
func (t *memoryTx) Quotes() QuoteStore             { return &txQuoteStore{t} }
func (t *memoryTx) Executions() ExecutionStore     { return &txExecutionStore{t} }
func (t *memoryTx) Events() EventStore             { return &txEventStore{t} }
func (t *memoryTx) Receipts() ReceiptStore         { return &txReceiptStore{t} }
func (t *memoryTx) Reservations() ReservationStore { return &txReservationStore{t} }
func (t *memoryTx) Snapshots() SnapshotStore       { return &txSnapshotStore{t} }

// --- Agents ---

type memAgentStore MemoryDatabase

func (s *memAgentStore) CreateUser(ctx context.Context, userID string) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userID] = true
	return nil
}

func (s *memAgentStore) UserExists(ctx context.Context, userID string) (bool, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[userID], nil
}

func (s *memAgentStore) CreateAgent(ctx context.Context, a *Agent) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *a
	d.agents[a.AgentID] = &cp
	return nil
}

func (s *memAgentStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memAgentStore) SaveAgent(ctx context.Context, a *Agent) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *a
	d.agents[a.AgentID] = &cp
	return nil
}

func (s *memAgentStore) CreateBudget(ctx context.Context, b *Budget) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *b
	d.budgets[b.AgentID] = &cp
	return nil
}

func (s *memAgentStore) GetBudget(ctx context.Context, agentID string) (*Budget, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.budgets[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memAgentStore) SaveBudget(ctx context.Context, b *Budget) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *b
	d.budgets[b.AgentID] = &cp
	return nil
}

// txAgentStore checks this Tx's overlay first, then falls through to the
// committed database, so writes made earlier in the same Tx are visible to
// reads made later in the same Tx even before Commit.
type txAgentStore struct{ tx *memoryTx }

func (s *txAgentStore) CreateUser(ctx context.Context, userID string) error {
	if s.tx.pendingUsers == nil {
		s.tx.pendingUsers = make(map[string]bool)
	}
	s.tx.pendingUsers[userID] = true
	return nil
}

func (s *txAgentStore) UserExists(ctx context.Context, userID string) (bool, error) {
	if s.tx.pendingUsers != nil {
		if v, ok := s.tx.pendingUsers[userID]; ok {
			return v, nil
		}
	}
	return (*memAgentStore)(s.tx.db).UserExists(ctx, userID)
}

func (s *txAgentStore) CreateAgent(ctx context.Context, a *Agent) error {
	cp := *a
	s.tx.pendingAgents[a.AgentID] = &cp
	return nil
}

func (s *txAgentStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	if a, ok := s.tx.pendingAgents[agentID]; ok {
		cp := *a
		return &cp, nil
	}
	return (*memAgentStore)(s.tx.db).GetAgent(ctx, agentID)
}

func (s *txAgentStore) SaveAgent(ctx context.Context, a *Agent) error {
	cp := *a
	s.tx.pendingAgents[a.AgentID] = &cp
	return nil
}

func (s *txAgentStore) CreateBudget(ctx context.Context, b *Budget) error {
	cp := *b
	s.tx.pendingBudgets[b.AgentID] = &cp
	return nil
}

func (s *txAgentStore) GetBudget(ctx context.Context, agentID string) (*Budget, error) {
	if b, ok := s.tx.pendingBudgets[agentID]; ok {
		cp := *b
		return &cp, nil
	}
	return (*memAgentStore)(s.tx.db).GetBudget(ctx, agentID)
}

func (s *txAgentStore) SaveBudget(ctx context.Context, b *Budget) error {
	cp := *b
	s.tx.pendingBudgets[b.AgentID] = &cp
	return nil
}

// --- Policies (append-only) ---

type memPolicyStore MemoryDatabase

func (s *memPolicyStore) Create(ctx context.Context, p *PolicyDoc) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *p
	d.policies[p.AgentID] = append(d.policies[p.AgentID], &cp)
	return nil
}

func (s *memPolicyStore) Latest(ctx context.Context, agentID string) (*PolicyDoc, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	docs := d.policies[agentID]
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	latest := latestPolicyDoc(docs)
	cp := *latest
	return &cp, nil
}

func (s *memPolicyStore) History(ctx context.Context, agentID string) ([]*PolicyDoc, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*PolicyDoc, len(d.policies[agentID]))
	for i, p := range d.policies[agentID] {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

func latestPolicyDoc(docs []*PolicyDoc) *PolicyDoc {
	latest := docs[0]
	for _, p := range docs[1:] {
		if p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	return latest
}

type txPolicyStore struct{ tx *memoryTx }

func (s *txPolicyStore) Create(ctx context.Context, p *PolicyDoc) error {
	cp := *p
	s.tx.pendingPolicyAppend[p.AgentID] = append(s.tx.pendingPolicyAppend[p.AgentID], &cp)
	return nil
}

func (s *txPolicyStore) Latest(ctx context.Context, agentID string) (*PolicyDoc, error) {
	committed, err := (*memPolicyStore)(s.tx.db).History(ctx, agentID)
	if err != nil {
		return nil, err
	}
	all := append(committed, s.tx.pendingPolicyAppend[agentID]...)
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	latest := latestPolicyDoc(all)
	cp := *latest
	return &cp, nil
}

func (s *txPolicyStore) History(ctx context.Context, agentID string) ([]*PolicyDoc, error) {
	committed, err := (*memPolicyStore)(s.tx.db).History(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return append(committed, s.tx.pendingPolicyAppend[agentID]...), nil
}

// --- Quotes ---

type memQuoteStore MemoryDatabase

func (s *memQuoteStore) Create(ctx context.Context, q *Quote) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	k := idemKey(q.AgentID, q.IdempotencyKey)
	if _, exists := d.quoteByIdem[k]; exists {
		return ErrConflict
	}
	cp := *q
	d.quotes[q.QuoteID] = &cp
	d.quoteByIdem[k] = &cp
	return nil
}

func (s *memQuoteStore) Get(ctx context.Context, quoteID string) (*Quote, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.quotes[quoteID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *memQuoteStore) FindByIdempotencyKey(ctx context.Context, agentID, key string) (*Quote, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.quoteByIdem[idemKey(agentID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

type txQuoteStore struct{ tx *memoryTx }

func (s *txQuoteStore) Create(ctx context.Context, q *Quote) error {
	k := idemKey(q.AgentID, q.IdempotencyKey)
	if _, exists := s.tx.pendingQuoteByIdem[k]; exists {
		return ErrConflict
	}
	if _, err := (*memQuoteStore)(s.tx.db).FindByIdempotencyKey(ctx, q.AgentID, q.IdempotencyKey); err == nil {
		return ErrConflict
	}
	cp := *q
	s.tx.pendingQuotes[cp.QuoteID] = &cp
	s.tx.pendingQuoteByIdem[k] = &cp
	return nil
}

func (s *txQuoteStore) Get(ctx context.Context, quoteID string) (*Quote, error) {
	if q, ok := s.tx.pendingQuotes[quoteID]; ok {
		cp := *q
		return &cp, nil
	}
	return (*memQuoteStore)(s.tx.db).Get(ctx, quoteID)
}

func (s *txQuoteStore) FindByIdempotencyKey(ctx context.Context, agentID, key string) (*Quote, error) {
	if q, ok := s.tx.pendingQuoteByIdem[idemKey(agentID, key)]; ok {
		cp := *q
		return &cp, nil
	}
	return (*memQuoteStore)(s.tx.db).FindByIdempotencyKey(ctx, agentID, key)
}

// --- Executions ---

type memExecutionStore MemoryDatabase

func (s *memExecutionStore) Create(ctx context.Context, e *Execution) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.executionByQuote[e.QuoteID]; exists {
		return ErrConflict
	}
	cp := *e
	d.executions[e.ExecID] = &cp
	d.executionByQuote[e.QuoteID] = &cp
	return nil
}

func (s *memExecutionStore) Get(ctx context.Context, execID string) (*Execution, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.executions[execID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memExecutionStore) FindByQuote(ctx context.Context, quoteID string) (*Execution, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.executionByQuote[quoteID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memExecutionStore) UpdateStatus(ctx context.Context, execID string, status ExecutionStatus, externalRef, reason string) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.executions[execID]
	if !ok {
		return ErrNotFound
	}
	cp := *e
	cp.Status = status
	cp.ExternalRef = externalRef
	cp.Reason = reason
	cp.UpdatedAt = time.Now().UTC()
	d.executions[execID] = &cp
	d.executionByQuote[cp.QuoteID] = &cp
	return nil
}

func (s *memExecutionStore) CountApplied(ctx context.Context, agentID, intentType string, since time.Time) (int, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	return countAppliedLocked(d, nil, agentID, intentType, since), nil
}

// countAppliedLocked tallies applied executions for agentID/intentType since
// a cutoff, across the committed map plus an optional tx overlay. Caller
// must hold d.mu (or be calling from within a single-writer Tx, which never
// races with itself).
func countAppliedLocked(d *MemoryDatabase, overlay map[string]*Execution, agentID, intentType string, since time.Time) int {
	seen := make(map[string]bool)
	count := 0
	tally := func(e *Execution) {
		if e.AgentID != agentID || e.Status != ExecApplied {
			return
		}
		if e.UpdatedAt.Before(since) {
			return
		}
		q, ok := d.quotes[e.QuoteID]
		if !ok {
			return
		}
		if quoteIntentType(q) == intentType {
			count++
		}
	}
	for id, e := range overlay {
		seen[id] = true
		tally(e)
	}
	for id, e := range d.executions {
		if seen[id] {
			continue
		}
		tally(e)
	}
	return count
}

type txExecutionStore struct{ tx *memoryTx }

func (s *txExecutionStore) Create(ctx context.Context, e *Execution) error {
	if _, exists := s.tx.pendingExecByQuote[e.QuoteID]; exists {
		return ErrConflict
	}
	if _, err := (*memExecutionStore)(s.tx.db).FindByQuote(ctx, e.QuoteID); err == nil {
		return ErrConflict
	}
	cp := *e
	s.tx.pendingExecutions[cp.ExecID] = &cp
	s.tx.pendingExecByQuote[cp.QuoteID] = &cp
	return nil
}

func (s *txExecutionStore) Get(ctx context.Context, execID string) (*Execution, error) {
	if e, ok := s.tx.pendingExecutions[execID]; ok {
		cp := *e
		return &cp, nil
	}
	return (*memExecutionStore)(s.tx.db).Get(ctx, execID)
}

func (s *txExecutionStore) FindByQuote(ctx context.Context, quoteID string) (*Execution, error) {
	if e, ok := s.tx.pendingExecByQuote[quoteID]; ok {
		cp := *e
		return &cp, nil
	}
	return (*memExecutionStore)(s.tx.db).FindByQuote(ctx, quoteID)
}

func (s *txExecutionStore) UpdateStatus(ctx context.Context, execID string, status ExecutionStatus, externalRef, reason string) error {
	e, ok := s.tx.pendingExecutions[execID]
	if !ok {
		committed, err := (*memExecutionStore)(s.tx.db).Get(ctx, execID)
		if err != nil {
			return err
		}
		e = committed
	}
	cp := *e
	cp.Status = status
	cp.ExternalRef = externalRef
	cp.Reason = reason
	cp.UpdatedAt = time.Now().UTC()
	s.tx.pendingExecutions[execID] = &cp
	s.tx.pendingExecByQuote[cp.QuoteID] = &cp
	return nil
}

func (s *txExecutionStore) CountApplied(ctx context.Context, agentID, intentType string, since time.Time) (int, error) {
	d := s.tx.db
	d.mu.Lock()
	defer d.mu.Unlock()
	return countAppliedLocked(d, s.tx.pendingExecutions, agentID, intentType, since), nil
}

func quoteIntentType(q *Quote) string {
	var v struct {
		Type string `json:"type"`
	}
	_ = jsonUnmarshalBestEffort(q.IntentJSON, &v)
	return v.Type
}

// --- Events ---

type memEventStore MemoryDatabase

func (s *memEventStore) Append(ctx context.Context, e *Event) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *e
	d.events[e.AgentID] = append(d.events[e.AgentID], &cp)
	return nil
}

func (s *memEventStore) LatestHash(ctx context.Context, agentID string) (string, bool, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	evs := d.events[agentID]
	if len(evs) == 0 {
		return "", false, nil
	}
	return evs[len(evs)-1].Hash, true, nil
}

func (s *memEventStore) ListByAgent(ctx context.Context, agentID string, since time.Time) ([]*Event, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Event
	for _, e := range d.events[agentID] {
		if !since.IsZero() && e.OccurredAt.Before(since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

type txEventStore struct{ tx *memoryTx }

func (s *txEventStore) Append(ctx context.Context, e *Event) error {
	cp := *e
	s.tx.pendingEventAppend[cp.AgentID] = append(s.tx.pendingEventAppend[cp.AgentID], &cp)
	return nil
}

// LatestHash returns this Tx's own most recent append for agentID when one
// exists, falling back to the committed chain otherwise, so a caller that
// appends more than one event per agent within a single Tx observes its own
// prior append without needing to thread the hash through by hand.
func (s *txEventStore) LatestHash(ctx context.Context, agentID string) (string, bool, error) {
	if evs := s.tx.pendingEventAppend[agentID]; len(evs) > 0 {
		return evs[len(evs)-1].Hash, true, nil
	}
	return (*memEventStore)(s.tx.db).LatestHash(ctx, agentID)
}

func (s *txEventStore) ListByAgent(ctx context.Context, agentID string, since time.Time) ([]*Event, error) {
	committed, err := (*memEventStore)(s.tx.db).ListByAgent(ctx, agentID, since)
	if err != nil {
		return nil, err
	}
	for _, e := range s.tx.pendingEventAppend[agentID] {
		if !since.IsZero() && e.OccurredAt.Before(since) {
			continue
		}
		cp := *e
		committed = append(committed, &cp)
	}
	return committed, nil
}

// --- Receipts ---

type memReceiptStore MemoryDatabase

func (s *memReceiptStore) Create(ctx context.Context, r *Receipt) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *r
	d.receipts[r.AgentID] = append(d.receipts[r.AgentID], &cp)
	return nil
}

func (s *memReceiptStore) ListByAgent(ctx context.Context, agentID string, since time.Time) ([]*Receipt, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Receipt
	for _, r := range d.receipts[agentID] {
		if !since.IsZero() && r.OccurredAt.Before(since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memReceiptStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rs := range d.receipts {
		for _, r := range rs {
			if r.ReceiptID == receiptID {
				cp := *r
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

type txReceiptStore struct{ tx *memoryTx }

func (s *txReceiptStore) Create(ctx context.Context, r *Receipt) error {
	cp := *r
	s.tx.pendingReceiptAppend[cp.AgentID] = append(s.tx.pendingReceiptAppend[cp.AgentID], &cp)
	return nil
}

func (s *txReceiptStore) ListByAgent(ctx context.Context, agentID string, since time.Time) ([]*Receipt, error) {
	committed, err := (*memReceiptStore)(s.tx.db).ListByAgent(ctx, agentID, since)
	if err != nil {
		return nil, err
	}
	for _, r := range s.tx.pendingReceiptAppend[agentID] {
		if !since.IsZero() && r.OccurredAt.Before(since) {
			continue
		}
		cp := *r
		committed = append(committed, &cp)
	}
	return committed, nil
}

func (s *txReceiptStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	for _, rs := range s.tx.pendingReceiptAppend {
		for _, r := range rs {
			if r.ReceiptID == receiptID {
				cp := *r
				return &cp, nil
			}
		}
	}
	return (*memReceiptStore)(s.tx.db).Get(ctx, receiptID)
}

// --- Challenges ---

type memChallengeStore MemoryDatabase

func (s *memChallengeStore) Create(ctx context.Context, c *Challenge) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *c
	d.challenges[c.ChallengeID] = &cp
	return nil
}

func (s *memChallengeStore) Get(ctx context.Context, challengeID string) (*Challenge, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.challenges[challengeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memChallengeStore) FindPendingByQuote(ctx context.Context, quoteID string) (*Challenge, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	var latest *Challenge
	for _, c := range d.challenges {
		if c.QuoteID != quoteID || c.Status != ChallengePending {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *memChallengeStore) UpdateStatus(ctx context.Context, challengeID string, status ChallengeStatus, approvedAt *time.Time) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.challenges[challengeID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.ApprovedAt = approvedAt
	return nil
}

// --- Tokens ---

type memTokenStore MemoryDatabase

func (s *memTokenStore) Create(ctx context.Context, t *StepUpToken) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *t
	d.tokens[t.TokenHash] = &cp
	return nil
}

func (s *memTokenStore) FindByHash(ctx context.Context, tokenHash string) (*StepUpToken, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memTokenStore) Revoke(ctx context.Context, tokenID string) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range d.tokens {
		if t.TokenID == tokenID {
			t.RevokedAt = &now
		}
	}
	return nil
}

func (s *memTokenStore) RevokeAllForAgent(ctx context.Context, agentID string) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()
	for _, c := range d.challenges {
		if c.AgentID != agentID {
			continue
		}
		for _, t := range d.tokens {
			if t.ChallengeID == c.ChallengeID {
				t.RevokedAt = &now
			}
		}
	}
	return nil
}

// --- Reservations ---

type memReservationStore MemoryDatabase

func (s *memReservationStore) Create(ctx context.Context, r *Reservation) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *r
	d.reservations[r.ReservationID] = &cp
	return nil
}

func (s *memReservationStore) Release(ctx context.Context, reservationID string) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.reservations[reservationID]
	if !ok {
		return ErrNotFound
	}
	r.Status = ReservationReleased
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memReservationStore) Settle(ctx context.Context, reservationID string) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.reservations[reservationID]
	if !ok {
		return ErrNotFound
	}
	r.Status = ReservationSettled
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memReservationStore) SumPending(ctx context.Context, agentID string, source ReservationSource) (int64, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	return sumPendingLocked(d, nil, agentID, source), nil
}

func sumPendingLocked(d *MemoryDatabase, overlay map[string]*Reservation, agentID string, source ReservationSource) int64 {
	seen := make(map[string]bool)
	var total int64
	tally := func(r *Reservation) {
		if r.AgentID == agentID && r.Source == source && r.Status == ReservationPending {
			total += r.AmountCents
		}
	}
	for id, r := range overlay {
		seen[id] = true
		tally(r)
	}
	for id, r := range d.reservations {
		if seen[id] {
			continue
		}
		tally(r)
	}
	return total
}

func (s *memReservationStore) ListByAgent(ctx context.Context, agentID string) ([]*Reservation, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Reservation
	for _, r := range d.reservations {
		if r.AgentID == agentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type txReservationStore struct{ tx *memoryTx }

func (s *txReservationStore) Create(ctx context.Context, r *Reservation) error {
	cp := *r
	s.tx.pendingReservations[cp.ReservationID] = &cp
	return nil
}

func (s *txReservationStore) Release(ctx context.Context, reservationID string) error {
	r, ok := s.tx.pendingReservations[reservationID]
	if !ok {
		committed, err := (*memReservationStore)(s.tx.db).getReservation(reservationID)
		if err != nil {
			return err
		}
		r = committed
	}
	cp := *r
	cp.Status = ReservationReleased
	cp.UpdatedAt = time.Now().UTC()
	s.tx.pendingReservations[reservationID] = &cp
	return nil
}

func (s *txReservationStore) Settle(ctx context.Context, reservationID string) error {
	r, ok := s.tx.pendingReservations[reservationID]
	if !ok {
		committed, err := (*memReservationStore)(s.tx.db).getReservation(reservationID)
		if err != nil {
			return err
		}
		r = committed
	}
	cp := *r
	cp.Status = ReservationSettled
	cp.UpdatedAt = time.Now().UTC()
	s.tx.pendingReservations[reservationID] = &cp
	return nil
}

func (s *memReservationStore) getReservation(reservationID string) (*Reservation, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.reservations[reservationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *txReservationStore) SumPending(ctx context.Context, agentID string, source ReservationSource) (int64, error) {
	d := s.tx.db
	d.mu.Lock()
	defer d.mu.Unlock()
	return sumPendingLocked(d, s.tx.pendingReservations, agentID, source), nil
}

func (s *txReservationStore) ListByAgent(ctx context.Context, agentID string) ([]*Reservation, error) {
	committed, err := (*memReservationStore)(s.tx.db).ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(committed))
	out := make([]*Reservation, 0, len(committed))
	for _, r := range committed {
		seen[r.ReservationID] = true
		if p, ok := s.tx.pendingReservations[r.ReservationID]; ok {
			cp := *p
			out = append(out, &cp)
			continue
		}
		out = append(out, r)
	}
	for id, r := range s.tx.pendingReservations {
		if seen[id] || r.AgentID != agentID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Snapshots ---

type memSnapshotStore MemoryDatabase

func (s *memSnapshotStore) Get(ctx context.Context, agentID string) (*Snapshot, error) {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.snapshots[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (s *memSnapshotStore) Upsert(ctx context.Context, snap *Snapshot) error {
	d := (*MemoryDatabase)(s)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *snap
	d.snapshots[snap.AgentID] = &cp
	return nil
}

type txSnapshotStore struct{ tx *memoryTx }

func (s *txSnapshotStore) Get(ctx context.Context, agentID string) (*Snapshot, error) {
	if snap, ok := s.tx.pendingSnapshots[agentID]; ok {
		cp := *snap
		return &cp, nil
	}
	return (*memSnapshotStore)(s.tx.db).Get(ctx, agentID)
}

func (s *txSnapshotStore) Upsert(ctx context.Context, snap *Snapshot) error {
	cp := *snap
	s.tx.pendingSnapshots[cp.AgentID] = &cp
	return nil
}
