// Package timeline implements the kernel's read views: get_state,
// get_receipts, get_timeline, and get_receipt_with_facts. None of these
// mutate anything — they project the event/receipt/snapshot rows the rest
// of the kernel already wrote into the shapes an agent's owner actually
// wants to look at.
package timeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/agentkernel/kernel/internal/store"
)

// State is the full point-in-time view of one agent: its lifecycle
// status, its budget, and its derived spend-power snapshot.
type State struct {
	Agent    *store.Agent
	Budget   *store.Budget
	Snapshot *store.Snapshot
}

// GetState assembles the current State for agentID.
func GetState(ctx context.Context, db store.Database, agentID string) (*State, error) {
	agent, err := db.Agents().GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	budget, err := db.Agents().GetBudget(ctx, agentID)
	if err != nil {
		return nil, err
	}
	snap, err := db.Snapshots().Get(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &State{Agent: agent, Budget: budget, Snapshot: snap}, nil
}

// GetReceipts returns agentID's receipts since the given time, newest
// first.
func GetReceipts(ctx context.Context, db store.Database, agentID string, since time.Time, limit int) ([]*store.Receipt, error) {
	receipts, err := db.Receipts().ListByAgent(ctx, agentID, since)
	if err != nil {
		return nil, err
	}
	sort.Slice(receipts, func(i, j int) bool {
		if !receipts[i].OccurredAt.Equal(receipts[j].OccurredAt) {
			return receipts[i].OccurredAt.After(receipts[j].OccurredAt)
		}
		return receipts[i].ReceiptID > receipts[j].ReceiptID
	})
	if limit > 0 && len(receipts) > limit {
		receipts = receipts[:limit]
	}
	return receipts, nil
}

// Item is one entry in a merged timeline: either an Event or a Receipt,
// never both.
type Item struct {
	Type       string         `json:"type"` // "event" or "receipt"
	OccurredAt time.Time      `json:"occurredAt"`
	Event      *store.Event   `json:"event,omitempty"`
	Receipt    *store.Receipt `json:"receipt,omitempty"`
}

func (it Item) id() string {
	if it.Event != nil {
		return it.Event.EventID
	}
	return it.Receipt.ReceiptID
}

// GetTimeline merges agentID's events and receipts into one feed, sorted
// by occurred_at descending with an id tiebreak for entries recorded in
// the same instant, truncated to limit.
func GetTimeline(ctx context.Context, db store.Database, agentID string, since time.Time, limit int) ([]Item, error) {
	events, err := db.Events().ListByAgent(ctx, agentID, since)
	if err != nil {
		return nil, err
	}
	receipts, err := db.Receipts().ListByAgent(ctx, agentID, since)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(events)+len(receipts))
	for _, e := range events {
		items = append(items, Item{Type: "event", OccurredAt: e.OccurredAt, Event: e})
	}
	for _, r := range receipts {
		items = append(items, Item{Type: "receipt", OccurredAt: r.OccurredAt, Receipt: r})
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].OccurredAt.Equal(items[j].OccurredAt) {
			return items[i].OccurredAt.After(items[j].OccurredAt)
		}
		return items[i].id() > items[j].id()
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// ReceiptWithFacts bundles a receipt with the causal event it cites, when
// it cites one (a driver/env receipt may instead ground itself in an
// external_ref with no kernel event behind it).
type ReceiptWithFacts struct {
	Receipt *store.Receipt
	Event   *store.Event
}

// GetReceiptWithFacts loads receiptID and, when it names an event_id,
// the event that grounds it.
func GetReceiptWithFacts(ctx context.Context, db store.Database, receiptID string) (*ReceiptWithFacts, error) {
	r, err := db.Receipts().Get(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	out := &ReceiptWithFacts{Receipt: r}
	if r.EventID == "" {
		return out, nil
	}
	events, err := db.Events().ListByAgent(ctx, r.AgentID, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.EventID == r.EventID {
			out.Event = e
			break
		}
	}
	return out, nil
}
