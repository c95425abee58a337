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

package reasoning

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"custodia/platform/audit"
	"custodia/platform/shared/logger"
	"custodia/platform/shared/types"
	"custodia/platform/tools"
)

// Plan describes a single tool intent derived from a query. A plan with
// RequiresTool false means the query can be answered from context alone.
type Plan struct {
	RequiresTool bool                   `json:"requires_tool"`
	Tool         string                 `json:"tool,omitempty"`
	Capability   string                 `json:"capability,omitempty"`
	Args         map[string]interface{} `json:"args,omitempty"`
}

// MultiStepPlan is an ordered list of plans plus a dependency map. The
// planner only synthesizes linear chains: step i depends on step i-1.
// Plans are values, created fresh per request and never reused.
type MultiStepPlan struct {
	PlanID          string        `json:"plan_id"`
	RequestID       string        `json:"request_id"`
	SessionID       string        `json:"session_id"`
	Steps           []Plan        `json:"steps"`
	Dependencies    map[int][]int `json:"dependencies"`
	CheckpointNames []string      `json:"checkpoint_names"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Classifier maps a query to a tool intent. The default is the keyword
// classifier below; tests and future models can substitute their own.
type Classifier interface {
	Classify(query string) Plan
}

// ToolRunner executes one plan step. The gateway supplies a runner that
// re-validates each call with the safety engine before handing it to the
// tool mediator.
type ToolRunner interface {
	Run(ctx context.Context, req tools.CallRequest, env types.Envelope) tools.Result
}

// AuditSink receives plan and checkpoint records; best-effort.
type AuditSink interface {
	Append(e audit.Entry) (string, error)
}

// EngineConfig holds settings for NewEngine.
type EngineConfig struct {
	Classifier Classifier        // defaults to the keyword classifier
	Runner     ToolRunner        // required for ExecuteMultiStepPlan
	Memory     types.MemoryStore // checkpoint target; defaults to no-op
	Audit      AuditSink         // may be nil
	Logger     *logger.Logger
}

// Engine turns queries into plans, executes multi-step plans and
// synthesizes responses and refusal text.
type Engine struct {
	classifier Classifier
	runner     ToolRunner
	memory     types.MemoryStore
	sink       AuditSink
	logger     *logger.Logger
}

// NewEngine builds a reasoning engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Classifier == nil {
		cfg.Classifier = KeywordClassifier{}
	}
	if cfg.Memory == nil {
		cfg.Memory = types.NoopMemory{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("reasoning")
	}
	return &Engine{
		classifier: cfg.Classifier,
		runner:     cfg.Runner,
		memory:     cfg.Memory,
		sink:       cfg.Audit,
		logger:     cfg.Logger,
	}
}

// GeneratePlan classifies a single query into a tool intent.
func (e *Engine) GeneratePlan(query string, bundle *types.ContextBundle) Plan {
	return e.classifier.Classify(query)
}

// clauseSplitter separates multi-clause queries at their conjunctions.
var clauseSplitter = regexp.MustCompile(`(?i)\s*(?:,\s*)?\b(?:and then|then|and)\b\s*`)

// GenerateMultiStepPlan detects multi-clause queries and builds a linear
// chain of tool steps. It returns nil when the query does not decompose
// into at least two tool-requiring clauses; callers fall back to
// GeneratePlan in that case.
func (e *Engine) GenerateMultiStepPlan(env types.Envelope, bundle *types.ContextBundle) *MultiStepPlan {
	clauses := clauseSplitter.Split(env.Payload, -1)
	if len(clauses) < 2 {
		return nil
	}

	var steps []Plan
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		p := e.classifier.Classify(clause)
		if p.RequiresTool {
			steps = append(steps, p)
		}
	}
	if len(steps) < 2 {
		return nil
	}

	deps := make(map[int][]int, len(steps))
	names := make([]string, len(steps))
	for i := range steps {
		if i > 0 {
			deps[i] = []int{i - 1}
		}
		names[i] = fmt.Sprintf("step-%d-%s", i+1, steps[i].Tool)
	}

	plan := &MultiStepPlan{
		PlanID:          uuid.New().String(),
		RequestID:       env.RequestID,
		SessionID:       env.SessionID,
		Steps:           steps,
		Dependencies:    deps,
		CheckpointNames: names,
		CreatedAt:       time.Now().UTC(),
	}

	e.logger.Info(env.SessionID, env.RequestID, "multi-step plan generated", map[string]interface{}{
		"plan_id": plan.PlanID,
		"steps":   len(steps),
	})

	if e.sink != nil {
		stepTools := make([]string, len(steps))
		for i, s := range steps {
			stepTools[i] = s.Tool
		}
		if _, err := e.sink.Append(audit.Entry{
			RequestID:  env.RequestID,
			SessionID:  env.SessionID,
			Actor:      env.Actor,
			ActionType: audit.ActionPlanGenerated,
			Payload: map[string]interface{}{
				"plan_id": plan.PlanID,
				"steps":   stepTools,
			},
		}); err != nil {
			e.logger.Warn(env.SessionID, env.RequestID, "audit mirror failed for plan", map[string]interface{}{"error": err.Error()})
		}
	}

	return plan
}

// ====== Keyword classifier ======

// KeywordClassifier routes queries to a fixed set of tool intents by
// keyword. It is deliberately simple; the Classifier interface exists so
// it can be swapped without touching orchestration.
type KeywordClassifier struct{}

var expressionPattern = regexp.MustCompile(`[0-9][0-9+\-*/(). ]*[0-9)]|[0-9]`)

func (KeywordClassifier) Classify(query string) Plan {
	lower := strings.ToLower(query)

	switch {
	case strings.Contains(lower, "calculate") || strings.Contains(lower, "compute") ||
		strings.Contains(lower, "how much is") || strings.Contains(lower, "what is") && expressionPattern.MatchString(query) && containsOperator(query):
		expr := expressionPattern.FindString(query)
		if expr == "" {
			break
		}
		return Plan{
			RequiresTool: true,
			Tool:         "calculator",
			Capability:   "compute",
			Args:         map[string]interface{}{"expression": strings.TrimSpace(expr)},
		}

	case strings.Contains(lower, "weather") || strings.Contains(lower, "temperature") || strings.Contains(lower, "forecast"):
		return Plan{
			RequiresTool: true,
			Tool:         "weather",
			Capability:   "lookup",
			Args:         map[string]interface{}{"location": extractLocation(query)},
		}

	case strings.Contains(lower, "search") || strings.Contains(lower, "find") ||
		strings.Contains(lower, "look up") || strings.Contains(lower, "research") ||
		strings.Contains(lower, "who is") || strings.Contains(lower, "what is") ||
		strings.Contains(lower, "tell me about"):
		return Plan{
			RequiresTool: true,
			Tool:         "search",
			Capability:   "search",
			Args:         map[string]interface{}{"query": strings.TrimSpace(query)},
		}
	}

	return Plan{RequiresTool: false}
}

func containsOperator(query string) bool {
	return strings.ContainsAny(query, "+-*/")
}

// extractLocation takes the text after the last " in "; absent that, the
// trailing words of the query.
func extractLocation(query string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(query), "?!. ")
	lower := strings.ToLower(trimmed)
	if idx := strings.LastIndex(lower, " in "); idx >= 0 {
		return strings.TrimSpace(trimmed[idx+4:])
	}
	if idx := strings.LastIndex(lower, " for "); idx >= 0 {
		return strings.TrimSpace(trimmed[idx+5:])
	}
	words := strings.Fields(trimmed)
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}
