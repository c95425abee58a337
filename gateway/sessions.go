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
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound is returned for unknown or expired sessions.
var ErrSessionNotFound = errors.New("session not found")

// Session is the gateway's record of one client conversation. Sessions are
// owned and mutated exclusively by the gateway. last_activity never
// precedes created_at.
type Session struct {
	ID           string            `json:"id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	RequestCount int               `json:"request_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SessionStore is the persistence contract for sessions. The default is
// the in-memory store; Redis-backed deployments swap in RedisSessionStore.
type SessionStore interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Touch(ctx context.Context, id string, at time.Time) (Session, error)
	Delete(ctx context.Context, id string) error
	// Sweep removes sessions idle past the TTL and returns how many went.
	Sweep(ctx context.Context, ttl time.Duration) (int, error)
	Len(ctx context.Context) (int, error)
}

// InMemorySessionStore keeps sessions in a map guarded by a RWMutex.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]Session)}
}

func (s *InMemorySessionStore) Put(ctx context.Context, sess Session) error {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

func (s *InMemorySessionStore) Get(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// Touch advances last_activity and bumps the request count. A timestamp
// earlier than created_at is clamped to preserve the session invariant.
func (s *InMemorySessionStore) Touch(ctx context.Context, id string, at time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if at.Before(sess.CreatedAt) {
		at = sess.CreatedAt
	}
	sess.LastActivity = at
	sess.RequestCount++
	s.sessions[id] = sess
	return sess, nil
}

func (s *InMemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

func (s *InMemorySessionStore) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemorySessionStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}
