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

package types

import (
	"context"
	"time"
)

// Envelope is the immutable per-request carrier of identity, actor, payload
// and timing. It is created once by the gateway when a request enters the
// platform and passed by value through every component for the lifetime of
// the request. Envelopes are never persisted directly.
type Envelope struct {
	RequestID string    `json:"request_id"`
	Actor     string    `json:"actor"`
	Payload   string    `json:"payload"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextBundle is the result of a memory retrieval for one request.
// A zero-value bundle is a valid "no context available" answer.
type ContextBundle struct {
	SessionHistory []string          `json:"session_history"`
	RAGContent     []string          `json:"rag_content"`
	Facts          map[string]string `json:"facts"`
}

// Content returns all retrieved text fragments in a single slice. The
// safety engine scans these for embedded instructions.
func (b *ContextBundle) Content() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.SessionHistory)+len(b.RAGContent))
	out = append(out, b.SessionHistory...)
	out = append(out, b.RAGContent...)
	return out
}

// MemoryStore is the contract of the external memory collaborator.
// Implementations live outside the core; the gateway degrades to an empty
// ContextBundle when Retrieve fails and treats Write as best-effort.
type MemoryStore interface {
	Retrieve(ctx context.Context, sessionID, query string) (*ContextBundle, error)
	Write(ctx context.Context, record map[string]interface{}, env Envelope) error
}

// Event is a telemetry event emitted on the side of the request path.
type Event struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"request_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// TelemetryEmitter is the contract of the external telemetry collaborator.
// Emission is fire-and-forget: implementations must never block the caller
// and their absence or failure must not affect request outcomes.
type TelemetryEmitter interface {
	EmitEvent(event Event)
}

// NoopMemory is the MemoryStore used when no collaborator is configured.
type NoopMemory struct{}

func (NoopMemory) Retrieve(ctx context.Context, sessionID, query string) (*ContextBundle, error) {
	return &ContextBundle{}, nil
}

func (NoopMemory) Write(ctx context.Context, record map[string]interface{}, env Envelope) error {
	return nil
}

// NoopTelemetry is the TelemetryEmitter used when no collaborator is configured.
type NoopTelemetry struct{}

func (NoopTelemetry) EmitEvent(event Event) {}
