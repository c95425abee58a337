// Copyright 2025 Custodia
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"custodia/platform/shared/logger"
)

// ActionType classifies what a ledger entry records.
type ActionType string

const (
	ActionRequestReceived  ActionType = "request_received"
	ActionSafetyDecision   ActionType = "safety_decision"
	ActionRequestRefused   ActionType = "request_refused"
	ActionPlanGenerated    ActionType = "plan_generated"
	ActionToolExecution    ActionType = "tool_execution"
	ActionCheckpoint       ActionType = "checkpoint"
	ActionResponseSent     ActionType = "response_sent"
	ActionSessionCreated   ActionType = "session_created"
	ActionSessionExpired   ActionType = "session_expired"
	ActionSessionTerminate ActionType = "session_terminated"
	ActionPolicyUpdated    ActionType = "policy_updated"
)

// validActionTypes is the closed set of action types the ledger accepts.
var validActionTypes = map[ActionType]bool{
	ActionRequestReceived:  true,
	ActionSafetyDecision:   true,
	ActionRequestRefused:   true,
	ActionPlanGenerated:    true,
	ActionToolExecution:    true,
	ActionCheckpoint:       true,
	ActionResponseSent:     true,
	ActionSessionCreated:   true,
	ActionSessionExpired:   true,
	ActionSessionTerminate: true,
	ActionPolicyUpdated:    true,
}

// GenesisHash is the sentinel that logically precedes the first chain entry.
const GenesisHash = "genesis"

// Entry is one immutable record in the hash chain. EntryID and Timestamp
// are assigned by Append; PreviousHash and EntryHash are stamped by the
// single chain writer when the entry is committed.
type Entry struct {
	EntryID      string                 `json:"entry_id"`
	Timestamp    time.Time              `json:"timestamp"`
	RequestID    string                 `json:"request_id"`
	SessionID    string                 `json:"session_id"`
	Actor        string                 `json:"actor"`
	ActionType   ActionType             `json:"action_type"`
	Payload      map[string]interface{} `json:"payload"`
	PreviousHash string                 `json:"previous_hash"`
	EntryHash    string                 `json:"entry_hash"`
}

// Sentinel errors returned by Append.
var (
	ErrQueueFull    = errors.New("audit queue full")
	ErrLedgerClosed = errors.New("audit ledger closed")
)

// QueryFilter narrows a Query call. Zero values mean "no constraint".
type QueryFilter struct {
	Actor      string
	ActionType ActionType
	From       time.Time
	To         time.Time
	Limit      int
}

// Report is the output of ComplianceReport.
type Report struct {
	From             time.Time            `json:"from"`
	To               time.Time            `json:"to"`
	TotalEntries     int                  `json:"total_entries"`
	CountsByType     map[ActionType]int   `json:"counts_by_type"`
	SafetyChecks     int                  `json:"safety_checks"`
	SafetyDenials    int                  `json:"safety_denials"`
	SafetyDenialRate float64              `json:"safety_denial_rate"`
}

// LedgerConfig holds settings for NewLedger.
type LedgerConfig struct {
	// QueueSize bounds the append queue. Default: 1024.
	QueueSize int

	// Archiver optionally mirrors committed entries to a database.
	// Archive failures never affect the chain. May be nil.
	Archiver *Archiver

	Logger *logger.Logger
}

// queueItem carries either an entry or a barrier through the writer queue.
// Barriers let Sync observe that everything enqueued before it has been
// committed without touching the chain.
type queueItem struct {
	entry   Entry
	barrier chan struct{}
}

// Ledger is an append-only, hash-chained audit log. Producers hand entries
// to a bounded queue; exactly one writer goroutine stamps hashes, appends
// to the chain and maintains the four lookup indices. That single writer
// is what makes the chain's total order well-defined under concurrent
// producers, so it must never be bypassed.
type Ledger struct {
	mu        sync.RWMutex
	entries   []Entry
	byRequest map[string][]int
	bySession map[string][]int
	byActor   map[string][]int
	byAction  map[ActionType][]int
	lastHash  string

	queue   chan queueItem
	closeMu sync.RWMutex
	closed  atomic.Bool
	wg      sync.WaitGroup

	appended uint64
	rejected uint64

	archiver *Archiver
	logger   *logger.Logger
}

// NewLedger creates a ledger and starts its single chain writer.
func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("audit")
	}

	l := &Ledger{
		byRequest: make(map[string][]int),
		bySession: make(map[string][]int),
		byActor:   make(map[string][]int),
		byAction:  make(map[ActionType][]int),
		lastHash:  GenesisHash,
		queue:     make(chan queueItem, cfg.QueueSize),
		archiver:  cfg.Archiver,
		logger:    cfg.Logger,
	}

	l.wg.Add(1)
	go l.writer()

	log.Printf("[AuditLedger] Started with queue size %d", cfg.QueueSize)
	return l
}

// Append validates an entry, assigns its ID and timestamp, and hands it to
// the chain writer. The entry ID is returned immediately; hashing and
// indexing happen asynchronously. Malformed entries are rejected before
// entering the queue; a full or shut-down queue rejects rather than blocks.
func (l *Ledger) Append(e Entry) (string, error) {
	if err := validateEntry(e); err != nil {
		atomic.AddUint64(&l.rejected, 1)
		return "", err
	}

	if e.EntryID == "" {
		e.EntryID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	payload, err := canonicalPayload(e.Payload)
	if err != nil {
		atomic.AddUint64(&l.rejected, 1)
		return "", fmt.Errorf("invalid audit entry: payload not JSON-representable: %w", err)
	}
	e.Payload = payload

	// The read lock pairs with Shutdown's write lock so the queue cannot be
	// closed between the closed check and the send.
	l.closeMu.RLock()
	if l.closed.Load() {
		l.closeMu.RUnlock()
		atomic.AddUint64(&l.rejected, 1)
		return "", ErrLedgerClosed
	}

	select {
	case l.queue <- queueItem{entry: e}:
		l.closeMu.RUnlock()
		return e.EntryID, nil
	default:
		l.closeMu.RUnlock()
		atomic.AddUint64(&l.rejected, 1)
		return "", ErrQueueFull
	}
}

// canonicalPayload round-trips the payload through JSON so the stored form
// equals what a decoder of an export sees. UseNumber keeps integers beyond
// float64's exact range as their literal text, so re-hashing an exported
// entry reproduces the committed hash.
func canonicalPayload(payload map[string]interface{}) (map[string]interface{}, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// validateEntry rejects malformed entries before they reach the queue.
func validateEntry(e Entry) error {
	if e.Actor == "" {
		return fmt.Errorf("invalid audit entry: missing actor")
	}
	if e.ActionType == "" {
		return fmt.Errorf("invalid audit entry: missing action_type")
	}
	if !validActionTypes[e.ActionType] {
		return fmt.Errorf("invalid audit entry: unknown action_type %q", e.ActionType)
	}
	if e.RequestID == "" && e.SessionID == "" {
		return fmt.Errorf("invalid audit entry: needs a request_id or session_id")
	}
	return nil
}

// writer is the single consumer of the append queue. All chain and index
// mutation happens here and only here.
func (l *Ledger) writer() {
	defer l.wg.Done()

	for item := range l.queue {
		if item.barrier != nil {
			close(item.barrier)
			continue
		}
		l.commit(item.entry)
	}
}

// commit stamps the hash linkage and makes the entry visible to readers.
func (l *Ledger) commit(e Entry) {
	l.mu.Lock()
	e.PreviousHash = l.lastHash
	e.EntryHash = ComputeEntryHash(e)

	idx := len(l.entries)
	l.entries = append(l.entries, e)
	l.byRequest[e.RequestID] = append(l.byRequest[e.RequestID], idx)
	l.bySession[e.SessionID] = append(l.bySession[e.SessionID], idx)
	l.byActor[e.Actor] = append(l.byActor[e.Actor], idx)
	l.byAction[e.ActionType] = append(l.byAction[e.ActionType], idx)
	l.lastHash = e.EntryHash
	l.mu.Unlock()

	atomic.AddUint64(&l.appended, 1)

	if l.archiver != nil {
		l.archiver.Record(e)
	}
}

// hashFields is the canonical form an entry is hashed over. Field order is
// fixed by the struct declaration and encoding/json sorts payload map keys,
// which together make the serialization deterministic. EntryHash itself is
// excluded.
type hashFields struct {
	EntryID      string                 `json:"entry_id"`
	Timestamp    time.Time              `json:"timestamp"`
	RequestID    string                 `json:"request_id"`
	SessionID    string                 `json:"session_id"`
	Actor        string                 `json:"actor"`
	ActionType   ActionType             `json:"action_type"`
	Payload      map[string]interface{} `json:"payload"`
	PreviousHash string                 `json:"previous_hash"`
}

// ComputeEntryHash returns the SHA-256 of the entry's canonical JSON form.
// Re-running it over an exported entry must reproduce the stored EntryHash.
func ComputeEntryHash(e Entry) string {
	canonical, err := json.Marshal(hashFields{
		EntryID:      e.EntryID,
		Timestamp:    e.Timestamp,
		RequestID:    e.RequestID,
		SessionID:    e.SessionID,
		Actor:        e.Actor,
		ActionType:   e.ActionType,
		Payload:      e.Payload,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		// Payloads are built from JSON-representable values; a marshal
		// failure here indicates a programming error upstream.
		canonical = []byte(fmt.Sprintf("unmarshalable:%s:%s", e.EntryID, err))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// PayloadHash returns the SHA-256 of the payload's canonical JSON form.
// CSV export substitutes this for the raw payload.
func PayloadHash(payload map[string]interface{}) string {
	canonical, err := json.Marshal(payload)
	if err != nil {
		canonical = []byte("unmarshalable")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Sync blocks until every entry enqueued before the call has been committed
// to the chain. It is used by Shutdown and by callers that need read-after-
// append visibility.
func (l *Ledger) Sync() {
	l.closeMu.RLock()
	if l.closed.Load() {
		l.closeMu.RUnlock()
		return
	}
	// A full queue blocks here until the writer drains far enough to accept
	// the barrier. Holding the read lock keeps Shutdown from closing the
	// queue under the send.
	barrier := make(chan struct{})
	l.queue <- queueItem{barrier: barrier}
	l.closeMu.RUnlock()
	<-barrier
}

// QueryByRequest returns all committed entries for a request, in chain order.
func (l *Ledger) QueryByRequest(requestID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(l.byRequest[requestID])
}

// QueryBySession returns all committed entries for a session, in chain order.
func (l *Ledger) QueryBySession(sessionID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(l.bySession[sessionID])
}

// collect copies the entries at the given chain indices. Callers hold mu.
func (l *Ledger) collect(indices []int) []Entry {
	if len(indices) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(indices))
	for _, i := range indices {
		out = append(out, l.entries[i])
	}
	return out
}

// Query returns committed entries matching the filter, in chain order.
func (l *Ledger) Query(f QueryFilter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if f.ActionType != "" && e.ActionType != f.ActionType {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// VerifyIntegrity replays the chain from the genesis sentinel, recomputing
// every hash and cross-checking the previous-hash linkage. It returns false
// at the first mismatch.
func (l *Ledger) VerifyIntegrity() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := GenesisHash
	for i, e := range l.entries {
		if e.PreviousHash != prev {
			log.Printf("[AuditLedger] Integrity failure at entry %d: previous_hash mismatch", i)
			return false
		}
		if ComputeEntryHash(e) != e.EntryHash {
			log.Printf("[AuditLedger] Integrity failure at entry %d: entry_hash mismatch", i)
			return false
		}
		prev = e.EntryHash
	}
	if len(l.entries) > 0 && l.lastHash != l.entries[len(l.entries)-1].EntryHash {
		log.Printf("[AuditLedger] Integrity failure: last_hash does not match tail entry")
		return false
	}
	return true
}

// LastHash returns the hash of the most recently committed entry, or the
// genesis sentinel for an empty chain.
func (l *Ledger) LastHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// Len returns the number of committed entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// ComplianceReport aggregates committed entries in [from, to].
func (l *Ledger) ComplianceReport(from, to time.Time) Report {
	l.mu.RLock()
	defer l.mu.RUnlock()

	report := Report{
		From:         from,
		To:           to,
		CountsByType: make(map[ActionType]int),
	}

	for _, e := range l.entries {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		report.TotalEntries++
		report.CountsByType[e.ActionType]++

		if e.ActionType == ActionSafetyDecision {
			report.SafetyChecks++
			if verdict, ok := e.Payload["verdict"].(string); ok && verdict == "DENY" {
				report.SafetyDenials++
			}
		}
	}

	if report.SafetyChecks > 0 {
		report.SafetyDenialRate = float64(report.SafetyDenials) / float64(report.SafetyChecks)
	}
	return report
}

// Stats returns ledger counters for health reporting.
func (l *Ledger) Stats() map[string]interface{} {
	l.mu.RLock()
	chainLen := len(l.entries)
	l.mu.RUnlock()

	return map[string]interface{}{
		"chain_length": chainLen,
		"appended":     atomic.LoadUint64(&l.appended),
		"rejected":     atomic.LoadUint64(&l.rejected),
		"pending":      len(l.queue),
		"closed":       l.closed.Load(),
	}
}

// Shutdown stops accepting appends, drains outstanding queued entries and
// halts the writer. Entries still in the queue when Shutdown is called are
// committed before the writer exits.
func (l *Ledger) Shutdown(ctx context.Context) error {
	if l.closed.Swap(true) {
		return nil
	}

	log.Println("[AuditLedger] Shutting down...")
	l.closeMu.Lock()
	close(l.queue)
	l.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[AuditLedger] Shutdown complete. Appended: %d, Rejected: %d",
			atomic.LoadUint64(&l.appended), atomic.LoadUint64(&l.rejected))
		return nil
	case <-ctx.Done():
		log.Printf("[AuditLedger] Shutdown timeout with %d entries pending", len(l.queue))
		return ctx.Err()
	}
}
