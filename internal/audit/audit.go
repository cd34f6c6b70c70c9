// Package audit appends hash-chained events to the per-agent ledger.
//
// Each event's hash covers the previous event's hash plus its own
// canonicalized fields, so altering or removing a past event breaks every
// hash computed after it. Same tamper-evidence shape as a blockchain
// receipt chain, scoped per agent instead of globally.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentkernel/kernel/internal/clock"
	"github.com/agentkernel/kernel/internal/idgen"
	"github.com/agentkernel/kernel/internal/store"
)

// GenesisHash seeds the chain for an agent's first event: 64 hex zeroes,
// the same width as a real SHA-256 digest. Exported so the replay verifier
// can check the first event in a chain without reaching into this package's
// internals.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const genesisHash = GenesisHash

// Append computes the next hash in agentID's chain and persists the event
// through tx. Callers that append more than one event to the same agent
// within a single Tx must call Append again with the same tx — each call
// re-reads the chain tip it just wrote, so ordering within one tx is safe.
func Append(ctx context.Context, tx store.Tx, c clock.Clock, agentID, userID, eventType string, payload any, occurredAt time.Time) (*store.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal payload: %w", err)
	}

	prevHash, ok, err := tx.Events().LatestHash(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("audit: latest hash: %w", err)
	}
	if !ok {
		prevHash = genesisHash
	}

	now := c.Now()
	eventID := idgen.WithPrefix("evt_")
	hash := computeHash(prevHash, agentID, userID, eventType, raw, occurredAt)

	event := &store.Event{
		EventID:    eventID,
		AgentID:    agentID,
		UserID:     userID,
		Type:       eventType,
		Payload:    raw,
		OccurredAt: occurredAt,
		CreatedAt:  now,
		PrevHash:   prevHash,
		Hash:       hash,
	}
	if err := tx.Events().Append(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// computeHash is the canonical digest for one event: SHA-256 over
// prev_hash, agent_id, user_id, type, the JSON-marshaled payload (map keys
// already sorted by encoding/json), and occurred_at as RFC3339Nano. Same
// field ordering Verify uses during replay, so hashing is reproducible
// independent of how the event was constructed.
func computeHash(prevHash, agentID, userID, eventType string, payload []byte, occurredAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'|'})
	h.Write([]byte(agentID))
	h.Write([]byte{'|'})
	h.Write([]byte(userID))
	h.Write([]byte{'|'})
	h.Write([]byte(eventType))
	h.Write([]byte{'|'})
	h.Write(payload)
	h.Write([]byte{'|'})
	h.Write([]byte(occurredAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes an event's hash and reports whether it matches e.Hash,
// given the prev_hash that should have preceded it. Used by the replay
// verifier to find the first divergent event in a chain.
func Verify(e *store.Event, expectedPrevHash string) bool {
	if e.PrevHash != expectedPrevHash {
		return false
	}
	return computeHash(e.PrevHash, e.AgentID, e.UserID, e.Type, e.Payload, e.OccurredAt) == e.Hash
}
