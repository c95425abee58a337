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
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"custodia/platform/audit"
	"custodia/platform/reasoning"
	"custodia/platform/safety"
	"custodia/platform/shared/logger"
	"custodia/platform/shared/types"
	"custodia/platform/tools"
)

// Response statuses.
const (
	StatusCompleted = "completed"
	StatusRefused   = "refused"
	StatusError     = "error"
)

// Response is the gateway's answer to one request.
type Response struct {
	RequestID         string   `json:"request_id"`
	SessionID         string   `json:"session_id"`
	Status            string   `json:"status"`
	Response          string   `json:"response,omitempty"`
	RefusalCode       string   `json:"refusal_code,omitempty"`
	SessionTerminated bool     `json:"session_terminated,omitempty"`
	Constraints       []string `json:"constraints,omitempty"`
	PlanStatus        string   `json:"plan_status,omitempty"`
	LatencyMs         int64    `json:"latency_ms"`
}

// AuditSink receives the gateway's lifecycle records; best-effort.
type AuditSink interface {
	Append(e audit.Entry) (string, error)
}

// Config holds the collaborators for NewGateway.
type Config struct {
	Safety   *safety.Engine  // required
	Mediator *tools.Mediator // required

	Audit      AuditSink              // may be nil
	Memory     types.MemoryStore      // defaults to no-op
	Telemetry  types.TelemetryEmitter // defaults to no-op
	Sessions   SessionStore           // defaults to in-memory
	Classifier reasoning.Classifier   // defaults to the keyword classifier
	Logger     *logger.Logger

	// SessionTTL bounds idle session lifetime. Default: 30m.
	SessionTTL time.Duration

	// Registerer optionally receives the gateway's Prometheus metrics.
	Registerer prometheus.Registerer
}

// Gateway is the single entry point of the platform. It owns session
// bookkeeping exclusively and sequences every request through safety
// check, context retrieval, reasoning, tool validation and execution,
// memory write and response synthesis. No fault inside that sequence ever
// escapes to the caller as a panic.
type Gateway struct {
	safety    *safety.Engine
	mediator  *tools.Mediator
	reasoning *reasoning.Engine
	sink      AuditSink
	memory    types.MemoryStore
	telemetry types.TelemetryEmitter
	sessions  SessionStore
	ttl       time.Duration
	logger    *logger.Logger
	metrics   *metrics
}

// validatingRunner re-checks every plan step with the safety engine before
// handing it to the mediator. Multi-step execution never bypasses tool
// validation.
type validatingRunner struct {
	safety   *safety.Engine
	mediator *tools.Mediator
}

func (r validatingRunner) Run(ctx context.Context, req tools.CallRequest, env types.Envelope) tools.Result {
	d := r.safety.CheckToolCall(env, req.ToolName, req.Args)
	if d.Denied() {
		return tools.Result{
			ToolName: req.ToolName,
			Status:   tools.StatusError,
			Error: &tools.ErrorInfo{
				Code:    string(d.PrimaryCode()),
				Message: "tool call denied by policy",
			},
		}
	}
	return r.mediator.Execute(ctx, req, env)
}

// NewGateway wires the gateway and its reasoning engine.
func NewGateway(cfg Config) *Gateway {
	if cfg.Memory == nil {
		cfg.Memory = types.NoopMemory{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = types.NoopTelemetry{}
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewInMemorySessionStore()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("gateway")
	}

	var sink reasoning.AuditSink
	if cfg.Audit != nil {
		sink = cfg.Audit
	}
	re := reasoning.NewEngine(reasoning.EngineConfig{
		Classifier: cfg.Classifier,
		Runner:     validatingRunner{safety: cfg.Safety, mediator: cfg.Mediator},
		Memory:     cfg.Memory,
		Audit:      sink,
		Logger:     logger.New("reasoning"),
	})

	return &Gateway{
		safety:    cfg.Safety,
		mediator:  cfg.Mediator,
		reasoning: re,
		sink:      cfg.Audit,
		memory:    cfg.Memory,
		telemetry: cfg.Telemetry,
		sessions:  cfg.Sessions,
		ttl:       cfg.SessionTTL,
		logger:    cfg.Logger,
		metrics:   newMetrics(cfg.Registerer),
	}
}

// HandleRequest runs one request through the full sequence. An empty
// sessionID starts a new session; an unknown one is treated as first
// contact and created as given. Whatever goes wrong inside, the caller
// gets a structured Response, never a panic.
func (g *Gateway) HandleRequest(ctx context.Context, actor, payload, sessionID string) (resp Response) {
	start := time.Now()
	env := types.Envelope{
		RequestID: uuid.New().String(),
		Actor:     actor,
		Payload:   payload,
		SessionID: sessionID,
		Timestamp: start.UTC(),
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error(env.SessionID, env.RequestID, "request handling panicked", map[string]interface{}{
				"panic": r,
			})
			resp = Response{
				RequestID: env.RequestID,
				SessionID: env.SessionID,
				Status:    StatusError,
				Response:  "An internal error occurred while handling your request.",
				LatencyMs: time.Since(start).Milliseconds(),
			}
			g.metrics.observeRequest(StatusError, time.Since(start))
		}
	}()

	env.SessionID = g.ensureSession(ctx, sessionID)

	g.audit(env, audit.ActionRequestReceived, map[string]interface{}{
		"payload_bytes": len(payload),
	})
	g.telemetry.EmitEvent(types.Event{
		Type:      "request_received",
		RequestID: env.RequestID,
		SessionID: env.SessionID,
		Timestamp: start.UTC(),
	})

	decision := g.safety.CheckRequest(env)
	if decision.Denied() {
		return g.refuse(env, decision, start)
	}

	bundle := g.retrieveContext(ctx, env)
	planDecision := g.safety.CheckPlan(env, bundle.Content())

	var (
		results    []tools.Result
		planStatus string
	)

	if multi := g.reasoning.GenerateMultiStepPlan(env, bundle); multi != nil {
		exec := g.reasoning.ExecuteMultiStepPlan(ctx, multi, env)
		results = exec.Results()
		planStatus = exec.Status
	} else {
		plan := g.reasoning.GeneratePlan(env.Payload, bundle)
		if plan.RequiresTool {
			toolDecision := g.safety.CheckToolCall(env, plan.Tool, plan.Args)
			if toolDecision.Denied() {
				return g.refuse(env, toolDecision, start)
			}
			res := g.mediator.Execute(ctx, tools.CallRequest{
				ToolName:   plan.Tool,
				Capability: plan.Capability,
				Args:       plan.Args,
			}, env)
			results = append(results, res)
		}
	}

	text := g.reasoning.SynthesizeResponse(env.Payload, results, bundle.Facts)

	g.writeMemory(ctx, env, text, results)
	g.touchSession(ctx, env.SessionID)

	elapsed := time.Since(start)
	g.audit(env, audit.ActionResponseSent, map[string]interface{}{
		"status":     StatusCompleted,
		"tools_used": len(results),
		"latency_ms": elapsed.Milliseconds(),
	})
	g.telemetry.EmitEvent(types.Event{
		Type:      "response_sent",
		RequestID: env.RequestID,
		SessionID: env.SessionID,
		Timestamp: time.Now().UTC(),
		Fields:    map[string]interface{}{"status": StatusCompleted},
	})
	g.metrics.observeRequest(StatusCompleted, elapsed)
	g.logger.InfoWithDuration(env.SessionID, env.RequestID, "request completed",
		float64(elapsed.Milliseconds()), map[string]interface{}{
			"status":     StatusCompleted,
			"tools_used": len(results),
		})

	return Response{
		RequestID:   env.RequestID,
		SessionID:   env.SessionID,
		Status:      StatusCompleted,
		Response:    text,
		Constraints: planDecision.Constraints,
		PlanStatus:  planStatus,
		LatencyMs:   elapsed.Milliseconds(),
	}
}

// refuse builds the refusal response for a denied decision and records it.
func (g *Gateway) refuse(env types.Envelope, d safety.Decision, start time.Time) Response {
	code := string(d.PrimaryCode())
	terminated := g.safety.SessionTerminated(env.SessionID)
	text := g.reasoning.HandleRefusal(d, g.safety.SessionRisk(env.SessionID))

	g.audit(env, audit.ActionRequestRefused, map[string]interface{}{
		"code":               code,
		"policy_version":     d.PolicyVersion,
		"session_terminated": terminated,
	})
	if terminated {
		g.audit(env, audit.ActionSessionTerminate, map[string]interface{}{
			"reason": code,
		})
	}
	g.telemetry.EmitEvent(types.Event{
		Type:      "request_refused",
		RequestID: env.RequestID,
		SessionID: env.SessionID,
		Timestamp: time.Now().UTC(),
		Fields:    map[string]interface{}{"code": code},
	})

	elapsed := time.Since(start)
	g.metrics.observeDenial(code)
	g.metrics.observeRequest(StatusRefused, elapsed)

	return Response{
		RequestID:         env.RequestID,
		SessionID:         env.SessionID,
		Status:            StatusRefused,
		Response:          text,
		RefusalCode:       code,
		SessionTerminated: terminated,
		LatencyMs:         elapsed.Milliseconds(),
	}
}

// retrieveContext asks the memory collaborator for context and degrades to
// an empty bundle when it is unavailable.
func (g *Gateway) retrieveContext(ctx context.Context, env types.Envelope) *types.ContextBundle {
	bundle, err := g.memory.Retrieve(ctx, env.SessionID, env.Payload)
	if err != nil {
		g.logger.Warn(env.SessionID, env.RequestID, "memory retrieval failed, proceeding without context", map[string]interface{}{
			"error": err.Error(),
		})
		return &types.ContextBundle{}
	}
	if bundle == nil {
		return &types.ContextBundle{}
	}
	return bundle
}

// writeMemory records a response summary; best-effort.
func (g *Gateway) writeMemory(ctx context.Context, env types.Envelope, text string, results []tools.Result) {
	toolsUsed := make([]string, 0, len(results))
	for _, r := range results {
		toolsUsed = append(toolsUsed, r.ToolName)
	}
	record := map[string]interface{}{
		"query":      env.Payload,
		"response":   text,
		"tools_used": toolsUsed,
		"at":         time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := g.memory.Write(ctx, record, env); err != nil {
		g.logger.Warn(env.SessionID, env.RequestID, "memory write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// ====== Session lifecycle ======

// CreateSession registers a new session and returns its ID.
func (g *Gateway) CreateSession(ctx context.Context, metadata map[string]string) (string, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     metadata,
	}
	if err := g.sessions.Put(ctx, sess); err != nil {
		return "", err
	}

	g.audit(types.Envelope{SessionID: sess.ID, Actor: "gateway"}, audit.ActionSessionCreated, map[string]interface{}{
		"created_at": now.Format(time.RFC3339Nano),
	})
	if n, err := g.sessions.Len(ctx); err == nil {
		g.metrics.setSessions(n)
	}
	return sess.ID, nil
}

// ValidateSession reports whether a session exists and is not expired.
func (g *Gateway) ValidateSession(ctx context.Context, id string) bool {
	sess, err := g.sessions.Get(ctx, id)
	if err != nil {
		return false
	}
	return time.Since(sess.LastActivity) <= g.ttl
}

// CleanupExpiredSessions sweeps idle sessions past the TTL.
func (g *Gateway) CleanupExpiredSessions(ctx context.Context) int {
	removed, err := g.sessions.Sweep(ctx, g.ttl)
	if err != nil {
		g.logger.Warn("", "", "session sweep failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	if removed > 0 {
		g.audit(types.Envelope{Actor: "gateway", SessionID: "sweeper"}, audit.ActionSessionExpired, map[string]interface{}{
			"removed": removed,
		})
		g.logger.Info("", "", "expired sessions removed", map[string]interface{}{"count": removed})
	}
	if n, err := g.sessions.Len(ctx); err == nil {
		g.metrics.setSessions(n)
	}
	return removed
}

// RunSessionSweeper sweeps on a fixed interval until the context ends.
// Run it in its own goroutine.
func (g *Gateway) RunSessionSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.CleanupExpiredSessions(ctx)
		}
	}
}

// ensureSession resolves the session for a request, creating one on first
// contact. An unknown non-empty ID is honored as a new session so clients
// may mint their own identifiers.
func (g *Gateway) ensureSession(ctx context.Context, sessionID string) string {
	now := time.Now().UTC()

	if sessionID == "" {
		id, err := g.CreateSession(ctx, nil)
		if err != nil {
			g.logger.Warn("", "", "session creation failed", map[string]interface{}{"error": err.Error()})
			return uuid.New().String()
		}
		return id
	}

	if _, err := g.sessions.Get(ctx, sessionID); err != nil {
		sess := Session{ID: sessionID, CreatedAt: now, LastActivity: now}
		if err := g.sessions.Put(ctx, sess); err != nil {
			g.logger.Warn(sessionID, "", "session creation failed", map[string]interface{}{"error": err.Error()})
		} else {
			g.audit(types.Envelope{SessionID: sessionID, Actor: "gateway"}, audit.ActionSessionCreated, map[string]interface{}{
				"created_at": now.Format(time.RFC3339Nano),
			})
		}
	}
	return sessionID
}

// touchSession advances session activity after a successfully routed request.
func (g *Gateway) touchSession(ctx context.Context, sessionID string) {
	if _, err := g.sessions.Touch(ctx, sessionID, time.Now().UTC()); err != nil {
		g.logger.Warn(sessionID, "", "session touch failed", map[string]interface{}{"error": err.Error()})
	}
}

// GetSession returns the gateway's record of one session.
func (g *Gateway) GetSession(ctx context.Context, id string) (Session, error) {
	return g.sessions.Get(ctx, id)
}

// Stats returns gateway-level counters for health reporting.
func (g *Gateway) Stats(ctx context.Context) map[string]interface{} {
	sessions, _ := g.sessions.Len(ctx)
	return map[string]interface{}{
		"sessions":       sessions,
		"session_ttl":    g.ttl.String(),
		"policy_version": g.safety.PolicyVersion(),
	}
}

// audit mirrors one lifecycle record; best-effort.
func (g *Gateway) audit(env types.Envelope, action audit.ActionType, payload map[string]interface{}) {
	if g.sink == nil {
		return
	}
	if _, err := g.sink.Append(audit.Entry{
		RequestID:  env.RequestID,
		SessionID:  env.SessionID,
		Actor:      env.Actor,
		ActionType: action,
		Payload:    payload,
	}); err != nil {
		g.logger.Warn(env.SessionID, env.RequestID, "audit append failed", map[string]interface{}{
			"action": string(action),
			"error":  err.Error(),
		})
	}
}
