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

package gateway

import (
	"context"
	"testing"
	"time"

	"custodia/platform/audit"
)

func TestInMemorySessionStore_Lifecycle(t *testing.T) {
	store := NewInMemorySessionStore()
	ctx := context.Background()
	now := time.Now().UTC()

	sess := Session{ID: "s-1", CreatedAt: now, LastActivity: now, Metadata: map[string]string{"tier": "pro"}}
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Metadata["tier"] != "pro" {
		t.Errorf("Metadata = %v, want tier=pro", got.Metadata)
	}

	if _, err := store.Get(ctx, "missing"); err != ErrSessionNotFound {
		t.Errorf("Get(missing) error = %v, want ErrSessionNotFound", err)
	}

	touched, err := store.Touch(ctx, "s-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if touched.RequestCount != 1 {
		t.Errorf("RequestCount = %d, want 1", touched.RequestCount)
	}
	if !touched.LastActivity.Equal(now.Add(time.Minute)) {
		t.Errorf("LastActivity = %v, want %v", touched.LastActivity, now.Add(time.Minute))
	}

	if err := store.Delete(ctx, "s-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "s-1"); err != ErrSessionNotFound {
		t.Error("session still present after Delete")
	}
}

func TestInMemorySessionStore_ActivityNeverPrecedesCreation(t *testing.T) {
	store := NewInMemorySessionStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Put(ctx, Session{ID: "s-1", CreatedAt: now, LastActivity: now}); err != nil {
		t.Fatal(err)
	}

	// A stale clock hands Touch a timestamp from before creation.
	got, err := store.Touch(ctx, "s-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if got.LastActivity.Before(got.CreatedAt) {
		t.Errorf("LastActivity %v precedes CreatedAt %v", got.LastActivity, got.CreatedAt)
	}
}

func TestInMemorySessionStore_Sweep(t *testing.T) {
	store := NewInMemorySessionStore()
	ctx := context.Background()
	now := time.Now().UTC()

	stale := Session{ID: "stale", CreatedAt: now.Add(-2 * time.Hour), LastActivity: now.Add(-2 * time.Hour)}
	fresh := Session{ID: "fresh", CreatedAt: now, LastActivity: now}
	store.Put(ctx, stale)
	store.Put(ctx, fresh)

	removed, err := store.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep() removed %d, want 1", removed)
	}
	if _, err := store.Get(ctx, "stale"); err != ErrSessionNotFound {
		t.Error("stale session survived the sweep")
	}
	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Error("fresh session was swept")
	}
}

func TestGateway_SessionBookkeeping(t *testing.T) {
	p := newTestPlatform(t)
	ctx := context.Background()

	id, err := p.gateway.CreateSession(ctx, map[string]string{"client": "test"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if !p.gateway.ValidateSession(ctx, id) {
		t.Error("ValidateSession() = false for a fresh session")
	}
	if p.gateway.ValidateSession(ctx, "nope") {
		t.Error("ValidateSession() = true for an unknown session")
	}

	// A routed request bumps the counter.
	p.gateway.HandleRequest(ctx, "client", "Calculate 1 + 1", id)
	sess, err := p.gateway.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.RequestCount != 1 {
		t.Errorf("RequestCount = %d, want 1", sess.RequestCount)
	}
	if sess.LastActivity.Before(sess.CreatedAt) {
		t.Error("LastActivity precedes CreatedAt")
	}
}

func TestGateway_CleanupExpiredSessions(t *testing.T) {
	store := NewInMemorySessionStore()
	p := newTestPlatform(t, func(cfg *Config) {
		cfg.Sessions = store
		cfg.SessionTTL = time.Hour
	})
	ctx := context.Background()

	old := time.Now().UTC().Add(-3 * time.Hour)
	store.Put(ctx, Session{ID: "old", CreatedAt: old, LastActivity: old})
	p.gateway.CreateSession(ctx, nil)

	if got := p.gateway.CleanupExpiredSessions(ctx); got != 1 {
		t.Errorf("CleanupExpiredSessions() = %d, want 1", got)
	}

	p.ledger.Sync()
	expired := p.ledger.Query(audit.QueryFilter{ActionType: audit.ActionSessionExpired})
	if len(expired) != 1 {
		t.Errorf("ledger has %d session_expired entries, want 1", len(expired))
	}
}
