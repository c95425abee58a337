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

package safety

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodia/platform/audit"
	"custodia/platform/shared/logger"
	"custodia/platform/shared/types"
)

// Verdict is the outcome category of a safety decision.
type Verdict string

const (
	Allow                Verdict = "ALLOW"
	Deny                 Verdict = "DENY"
	AllowWithConstraints Verdict = "ALLOW_WITH_CONSTRAINTS"
)

// Code is a rationale code attached to a decision. Codes are stable
// identifiers callers may branch on; they never expose pattern internals.
type Code string

const (
	CodeCleanInput         Code = "CLEAN_INPUT"
	CodeBlockedPattern     Code = "BLOCKED_PATTERN"
	CodeSessionRiskTooHigh Code = "SESSION_RISK_TOO_HIGH"
	CodeUntrustedContext   Code = "UNTRUSTED_CONTEXT"
	CodeBlockedTool        Code = "BLOCKED_TOOL"
	CodeToolArgsTooLong    Code = "TOOL_ARGS_TOO_LONG"
	CodeToolApproved       Code = "TOOL_APPROVED"
)

// ConstraintIgnoreEmbedded flags that instructions embedded in retrieved
// content must be ignored during synthesis.
const ConstraintIgnoreEmbedded = "ignore_embedded_instructions"

// Decision is the result of one safety check. Decisions are ephemeral
// values; the durable record lives in the audit ledger.
type Decision struct {
	Verdict       Verdict   `json:"verdict"`
	PolicyVersion string    `json:"policy_version"`
	Codes         []Code    `json:"codes"`
	Constraints   []string  `json:"constraints,omitempty"`
	RuleID        string    `json:"rule_id,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Denied reports whether the decision blocks the request.
func (d Decision) Denied() bool { return d.Verdict == Deny }

// PrimaryCode returns the first rationale code.
func (d Decision) PrimaryCode() Code {
	if len(d.Codes) == 0 {
		return ""
	}
	return d.Codes[0]
}

// DenialRecord is one entry in a session's denial history.
type DenialRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Code      Code      `json:"code"`
	RuleID    string    `json:"rule_id,omitempty"`
	RiskLevel int       `json:"risk_level"`
}

// sessionState tracks per-session risk. Its own mutex serializes
// concurrent requests against the same session, which would otherwise
// race on the denial counter.
type sessionState struct {
	mu         sync.Mutex
	denials    []DenialRecord
	terminated bool
}

// AuditSink receives the durable mirror of every decision. Mirroring is
// best-effort: a failing sink is logged and ignored.
type AuditSink interface {
	Append(e audit.Entry) (string, error)
}

// EngineConfig holds settings for NewEngine.
type EngineConfig struct {
	Policy Policy
	Audit  AuditSink // may be nil
	Logger *logger.Logger
}

// Engine is the policy/safety gate. It owns the installed policy, the
// per-session risk state and the in-memory decision log.
type Engine struct {
	mu          sync.RWMutex
	policy      *compiledPolicy
	sessions    map[string]*sessionState
	decisionLog []Decision

	sink   AuditSink
	logger *logger.Logger
}

// NewEngine builds an engine around the given policy. An invalid policy
// is replaced by the default rule set.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.New("safety")
	}
	cp, err := compilePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	return &Engine{
		policy:   cp,
		sessions: make(map[string]*sessionState),
		sink:     cfg.Audit,
		logger:   cfg.Logger,
	}, nil
}

// CheckRequest gates an inbound request. A session whose denial count has
// reached the policy limit is denied unconditionally with
// SESSION_RISK_TOO_HIGH; otherwise the query text is scanned against the
// ordered blocked-pattern list.
func (e *Engine) CheckRequest(env types.Envelope) Decision {
	e.mu.RLock()
	cp := e.policy
	e.mu.RUnlock()

	st := e.sessionFor(env.SessionID)
	st.mu.Lock()

	if st.terminated || len(st.denials) >= cp.MaxDenialsPerSession {
		st.terminated = true
		st.mu.Unlock()
		d := Decision{
			Verdict:       Deny,
			PolicyVersion: cp.Version,
			Codes:         []Code{CodeSessionRiskTooHigh},
			CheckedAt:     time.Now().UTC(),
		}
		e.record(env, d)
		return d
	}

	if rule := cp.matchQuery(env.Payload); rule != nil {
		rec := DenialRecord{
			Timestamp: time.Now().UTC(),
			Code:      CodeBlockedPattern,
			RuleID:    rule.ID,
			RiskLevel: len(st.denials) + 1,
		}
		st.denials = append(st.denials, rec)
		risk := len(st.denials)
		st.mu.Unlock()

		e.logger.Warn(env.SessionID, env.RequestID, "blocked pattern matched", map[string]interface{}{
			"rule_id":    rule.ID,
			"severity":   rule.Severity,
			"risk_level": risk,
		})

		d := Decision{
			Verdict:       Deny,
			PolicyVersion: cp.Version,
			Codes:         []Code{CodeBlockedPattern},
			RuleID:        rule.ID,
			CheckedAt:     rec.Timestamp,
		}
		e.record(env, d)
		return d
	}

	st.mu.Unlock()
	d := Decision{
		Verdict:       Allow,
		PolicyVersion: cp.Version,
		Codes:         []Code{CodeCleanInput},
		CheckedAt:     time.Now().UTC(),
	}
	e.record(env, d)
	return d
}

// CheckPlan scans retrieved context content, not the user's own query.
// A pattern hit in retrieved data is an indirect-injection signal: the
// request proceeds, but with a constraint that embedded instructions in
// that content must be ignored.
func (e *Engine) CheckPlan(env types.Envelope, contextContent []string) Decision {
	e.mu.RLock()
	cp := e.policy
	e.mu.RUnlock()

	for _, content := range contextContent {
		if rule := cp.matchQuery(content); rule != nil {
			d := Decision{
				Verdict:       AllowWithConstraints,
				PolicyVersion: cp.Version,
				Codes:         []Code{CodeUntrustedContext},
				Constraints:   []string{ConstraintIgnoreEmbedded},
				RuleID:        rule.ID,
				CheckedAt:     time.Now().UTC(),
			}
			e.record(env, d)
			return d
		}
	}

	d := Decision{
		Verdict:       Allow,
		PolicyVersion: cp.Version,
		Codes:         []Code{CodeCleanInput},
		CheckedAt:     time.Now().UTC(),
	}
	e.record(env, d)
	return d
}

// CheckToolCall gates one specific tool invocation.
func (e *Engine) CheckToolCall(env types.Envelope, toolName string, args map[string]interface{}) Decision {
	e.mu.RLock()
	cp := e.policy
	e.mu.RUnlock()

	now := time.Now().UTC()

	if cp.blockedTools[toolName] {
		d := Decision{
			Verdict:       Deny,
			PolicyVersion: cp.Version,
			Codes:         []Code{CodeBlockedTool},
			CheckedAt:     now,
		}
		e.record(env, d)
		return d
	}

	if limit, ok := cp.MaxToolArgBytes[toolName]; ok && argBytes(args) > limit {
		d := Decision{
			Verdict:       Deny,
			PolicyVersion: cp.Version,
			Codes:         []Code{CodeToolArgsTooLong},
			CheckedAt:     now,
		}
		e.record(env, d)
		return d
	}

	d := Decision{
		Verdict:       Allow,
		PolicyVersion: cp.Version,
		Codes:         []Code{CodeToolApproved},
		CheckedAt:     now,
	}
	e.record(env, d)
	return d
}

// argBytes measures the serialized size of a tool's arguments.
func argBytes(args map[string]interface{}) int {
	if len(args) == 0 {
		return 0
	}
	data, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(data)
}

// UpdatePolicy atomically swaps the entire rule set and clears the
// decision log: stale decisions referenced the old policy version and are
// no longer meaningful for statistics.
func (e *Engine) UpdatePolicy(p Policy) error {
	cp, err := compilePolicy(p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.policy.Version
	e.policy = cp
	e.decisionLog = nil
	e.mu.Unlock()

	e.logger.Info("", "", "policy updated", map[string]interface{}{
		"old_version": old,
		"new_version": cp.Version,
	})

	if e.sink != nil {
		_, err := e.sink.Append(audit.Entry{
			RequestID:  uuid.New().String(),
			Actor:      "safety-engine",
			ActionType: audit.ActionPolicyUpdated,
			Payload: map[string]interface{}{
				"old_version": old,
				"new_version": cp.Version,
			},
		})
		if err != nil {
			e.logger.Warn("", "", "audit mirror failed for policy update", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// DenialHistory returns a copy of the session's denial records.
func (e *Engine) DenialHistory(sessionID string) []DenialRecord {
	st := e.sessionFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]DenialRecord, len(st.denials))
	copy(out, st.denials)
	return out
}

// SessionRisk returns the session's accumulated denial count.
func (e *Engine) SessionRisk(sessionID string) int {
	st := e.sessionFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.denials)
}

// SessionTerminated reports whether the session has crossed the risk limit.
func (e *Engine) SessionTerminated(sessionID string) bool {
	st := e.sessionFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.terminated
}

// ResetSessionRisk clears a session's denial history and termination flag.
func (e *Engine) ResetSessionRisk(sessionID string) {
	st := e.sessionFor(sessionID)
	st.mu.Lock()
	st.denials = nil
	st.terminated = false
	st.mu.Unlock()
}

// PolicyVersion returns the installed policy's version.
func (e *Engine) PolicyVersion() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.Version
}

// Stats returns decision counters for health reporting.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byVerdict := make(map[Verdict]int)
	byCode := make(map[Code]int)
	for _, d := range e.decisionLog {
		byVerdict[d.Verdict]++
		byCode[d.PrimaryCode()]++
	}
	return map[string]interface{}{
		"policy_version": e.policy.Version,
		"decisions":      len(e.decisionLog),
		"by_verdict":     byVerdict,
		"by_code":        byCode,
		"sessions":       len(e.sessions),
	}
}

// sessionFor returns the risk state for a session, creating it on first use.
func (e *Engine) sessionFor(sessionID string) *sessionState {
	e.mu.RLock()
	st, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.sessions[sessionID]; ok {
		return st
	}
	st = &sessionState{}
	e.sessions[sessionID] = st
	return st
}

// record appends the decision to the in-memory log and mirrors it to the
// audit sink with full rationale.
func (e *Engine) record(env types.Envelope, d Decision) {
	e.mu.Lock()
	e.decisionLog = append(e.decisionLog, d)
	e.mu.Unlock()

	if e.sink == nil {
		return
	}

	codes := make([]string, len(d.Codes))
	for i, c := range d.Codes {
		codes[i] = string(c)
	}
	payload := map[string]interface{}{
		"verdict":        string(d.Verdict),
		"policy_version": d.PolicyVersion,
		"codes":          codes,
	}
	if d.RuleID != "" {
		payload["rule_id"] = d.RuleID
	}
	if len(d.Constraints) > 0 {
		payload["constraints"] = d.Constraints
	}

	_, err := e.sink.Append(audit.Entry{
		RequestID:  env.RequestID,
		SessionID:  env.SessionID,
		Actor:      env.Actor,
		ActionType: audit.ActionSafetyDecision,
		Payload:    payload,
	})
	if err != nil {
		// Audit mirroring must never fail the check itself.
		e.logger.Warn(env.SessionID, env.RequestID, "audit mirror failed for safety decision", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
