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
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Archiver mirrors committed chain entries into a Postgres table. The
// in-memory chain stays authoritative; the archive is a best-effort copy
// for retention and offline querying. Archive failures are logged and
// never surfaced to the request path.
type Archiver struct {
	db    *sql.DB
	queue chan Entry
	wg    sync.WaitGroup
	once  sync.Once

	archived uint64
	failed   uint64
	dropped  uint64
}

const archiveInsert = `
	INSERT INTO audit_archive (
		entry_id, ts, request_id, session_id, actor,
		action_type, payload, previous_hash, entry_hash
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (entry_id) DO NOTHING
`

// NewArchiver starts a single archive worker over a bounded queue.
func NewArchiver(db *sql.DB, queueSize int) *Archiver {
	if queueSize <= 0 {
		queueSize = 1024
	}

	a := &Archiver{
		db:    db,
		queue: make(chan Entry, queueSize),
	}

	a.wg.Add(1)
	go a.worker()

	log.Printf("[AuditArchiver] Started with queue size %d", queueSize)
	return a
}

// Record queues an entry for archival. A full queue drops the entry; the
// chain already holds it, so losing the mirror copy is acceptable.
func (a *Archiver) Record(e Entry) {
	select {
	case a.queue <- e:
	default:
		atomic.AddUint64(&a.dropped, 1)
		log.Printf("[AuditArchiver] Queue full, dropping mirror of entry %s", e.EntryID)
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	for e := range a.queue {
		var err error
		for retry := 0; retry < 3; retry++ {
			if err = a.insert(e); err == nil {
				atomic.AddUint64(&a.archived, 1)
				break
			}
			time.Sleep(time.Millisecond * time.Duration(100*(retry+1)))
		}
		if err != nil {
			atomic.AddUint64(&a.failed, 1)
			log.Printf("[AuditArchiver] Failed to archive entry %s: %v", e.EntryID, err)
		}
	}
}

func (a *Archiver) insert(e Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = a.db.ExecContext(ctx, archiveInsert,
		e.EntryID, e.Timestamp, e.RequestID, e.SessionID, e.Actor,
		string(e.ActionType), payload, e.PreviousHash, e.EntryHash,
	)
	return err
}

// Stats returns archiver counters.
func (a *Archiver) Stats() map[string]interface{} {
	return map[string]interface{}{
		"archived": atomic.LoadUint64(&a.archived),
		"failed":   atomic.LoadUint64(&a.failed),
		"dropped":  atomic.LoadUint64(&a.dropped),
		"pending":  len(a.queue),
	}
}

// Shutdown drains the queue and stops the worker.
func (a *Archiver) Shutdown(ctx context.Context) error {
	a.once.Do(func() { close(a.queue) })

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[AuditArchiver] Shutdown complete. Archived: %d, Failed: %d, Dropped: %d",
			atomic.LoadUint64(&a.archived), atomic.LoadUint64(&a.failed), atomic.LoadUint64(&a.dropped))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
