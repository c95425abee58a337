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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ChainSummary describes an exported chain as a whole.
type ChainSummary struct {
	TotalEntries int       `json:"total_entries"`
	GenesisHash  string    `json:"genesis_hash"`
	LastHash     string    `json:"last_hash"`
	FirstEntryAt time.Time `json:"first_entry_at,omitzero"`
	LastEntryAt  time.Time `json:"last_entry_at,omitzero"`
	ExportedAt   time.Time `json:"exported_at"`
}

// ExportedChain is the JSON export envelope: the chain summary plus every
// entry with its full payload.
type ExportedChain struct {
	ChainSummary ChainSummary `json:"chain_summary"`
	Entries      []Entry      `json:"entries"`
}

// csvHeader is the fixed column set of the CSV export. The raw payload is
// replaced by its own hash: CSV exports are meant for spreadsheets and
// long-term retention where payload size and redaction matter more than
// replayability.
var csvHeader = []string{
	"entry_id", "timestamp", "request_id", "session_id", "actor",
	"action_type", "payload_hash", "previous_hash", "entry_hash",
}

// Export serializes the committed chain in the requested format.
func (l *Ledger) Export(format string) ([]byte, error) {
	l.mu.RLock()
	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	lastHash := l.lastHash
	l.mu.RUnlock()

	switch format {
	case FormatJSON:
		return exportJSON(entries, lastHash)
	case FormatCSV:
		return exportCSV(entries)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func exportJSON(entries []Entry, lastHash string) ([]byte, error) {
	summary := ChainSummary{
		TotalEntries: len(entries),
		GenesisHash:  GenesisHash,
		LastHash:     lastHash,
		ExportedAt:   time.Now().UTC(),
	}
	if len(entries) > 0 {
		summary.FirstEntryAt = entries[0].Timestamp
		summary.LastEntryAt = entries[len(entries)-1].Timestamp
	}

	return json.MarshalIndent(ExportedChain{
		ChainSummary: summary,
		Entries:      entries,
	}, "", "  ")
}

func exportCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("csv export failed: %w", err)
	}
	for _, e := range entries {
		record := []string{
			e.EntryID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.RequestID,
			e.SessionID,
			e.Actor,
			string(e.ActionType),
			PayloadHash(e.Payload),
			e.PreviousHash,
			e.EntryHash,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("csv export failed: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csv export failed: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseExported decodes a JSON chain export without verifying it. Payload
// numbers come back as json.Number so their literal text survives the
// decode, matching the form the hashes were computed over.
func ParseExported(data []byte) (*ExportedChain, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var chain ExportedChain
	if err := dec.Decode(&chain); err != nil {
		return nil, fmt.Errorf("not a JSON chain export: %w", err)
	}
	return &chain, nil
}

// VerifyExported re-verifies a JSON export produced by Export(FormatJSON):
// it re-hashes every entry with the documented canonicalization and checks
// the previous-hash linkage from the genesis sentinel. It is what chainctl
// runs against chains exported from another process.
func VerifyExported(data []byte) (*ChainSummary, error) {
	chain, err := ParseExported(data)
	if err != nil {
		return nil, err
	}

	prev := GenesisHash
	for i, e := range chain.Entries {
		if e.PreviousHash != prev {
			return nil, fmt.Errorf("entry %d (%s): previous_hash mismatch", i, e.EntryID)
		}
		if got := ComputeEntryHash(e); got != e.EntryHash {
			return nil, fmt.Errorf("entry %d (%s): entry_hash mismatch", i, e.EntryID)
		}
		prev = e.EntryHash
	}

	if len(chain.Entries) > 0 && chain.ChainSummary.LastHash != prev {
		return nil, fmt.Errorf("chain summary last_hash does not match tail entry")
	}
	return &chain.ChainSummary, nil
}
