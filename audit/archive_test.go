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
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestArchiver_InsertsCommittedEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_archive").
		WithArgs("e-1", sqlmock.AnyArg(), "req-1", "sess-1", "client",
			"safety_decision", sqlmock.AnyArg(), GenesisHash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := NewArchiver(db, 8)
	a.Record(Entry{
		EntryID:      "e-1",
		Timestamp:    time.Now().UTC(),
		RequestID:    "req-1",
		SessionID:    "sess-1",
		Actor:        "client",
		ActionType:   ActionSafetyDecision,
		Payload:      map[string]interface{}{"verdict": "ALLOW"},
		PreviousHash: GenesisHash,
		EntryHash:    "abc",
	})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}

	stats := a.Stats()
	if stats["archived"].(uint64) != 1 {
		t.Errorf("archived = %v, want 1", stats["archived"])
	}
}

func TestArchiver_RetriesThenCountsFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO audit_archive").
			WillReturnError(context.DeadlineExceeded)
	}

	a := NewArchiver(db, 8)
	a.Record(Entry{
		EntryID:    "e-fail",
		Timestamp:  time.Now().UTC(),
		RequestID:  "req-1",
		Actor:      "client",
		ActionType: ActionCheckpoint,
	})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	stats := a.Stats()
	if stats["failed"].(uint64) != 1 {
		t.Errorf("failed = %v, want 1", stats["failed"])
	}
	if stats["archived"].(uint64) != 0 {
		t.Errorf("archived = %v, want 0", stats["archived"])
	}
}

func TestLedger_MirrorsToArchiver(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_archive").
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := NewArchiver(db, 8)
	l := NewLedger(LedgerConfig{Archiver: a})

	if _, err := l.Append(testEntry(0)); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	l.Sync()

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("ledger Shutdown() error = %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("archiver Shutdown() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
