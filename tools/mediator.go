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

package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"custodia/platform/audit"
	"custodia/platform/shared/logger"
	"custodia/platform/shared/types"
)

// SandboxProfile is a named, declarative resource-limit hint attached to a
// tool call. Profiles are carried through to deployment tooling; nothing
// in-process enforces them.
type SandboxProfile string

const (
	ProfileDefault     SandboxProfile = "default"
	ProfileRestricted  SandboxProfile = "restricted"
	ProfileNetworkless SandboxProfile = "networkless"
)

// Status of a tool call result.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Error codes produced at the mediation boundary.
const (
	CodeToolNotFound   = "TOOL_NOT_FOUND"
	CodeInvalidArgs    = "INVALID_ARGS"
	CodeTimeout        = "TIMEOUT"
	CodePanic          = "PANIC"
	CodeExecutionFault = "EXECUTION_FAULT"
)

// CallRequest describes one tool invocation.
type CallRequest struct {
	ToolName       string                 `json:"tool_name"`
	Capability     string                 `json:"capability"`
	Args           map[string]interface{} `json:"args"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Profile        SandboxProfile         `json:"sandbox_profile,omitempty"`
}

// ErrorInfo carries a typed execution fault across the mediation boundary.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Telemetry is the per-call measurement attached to every result.
type Telemetry struct {
	LatencyMs    int64   `json:"latency_ms"`
	ResourceCost float64 `json:"resource_cost"`
}

// Result is the outcome of one tool call. Handler faults never escape the
// mediator as raw errors; they arrive here as typed ErrorInfo values.
type Result struct {
	ToolName  string      `json:"tool_name"`
	Status    Status      `json:"status"`
	Result    interface{} `json:"result,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Telemetry Telemetry   `json:"telemetry"`
}

// Fault is a typed error a handler can return; its code survives the
// boundary as Result.Error.Code.
type Fault struct {
	Code    string
	Message string
}

func (f *Fault) Error() string { return fmt.Sprintf("%s: %s", f.Code, f.Message) }

// Handler is the single narrow capability a tool implements.
type Handler interface {
	Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

func (f HandlerFunc) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return f(ctx, args)
}

// ArgSpec maps required argument names to expected types
// ("string", "number" or "any").
type ArgSpec map[string]string

// Metadata describes a registered tool.
type Metadata struct {
	Description string         `json:"description"`
	Args        ArgSpec        `json:"args"`
	Profile     SandboxProfile `json:"sandbox_profile"`
	Timeout     time.Duration  `json:"timeout"`
}

// ToolInfo is the listing view of a registered tool.
type ToolInfo struct {
	Name       string   `json:"name"`
	Capability string   `json:"capability"`
	Metadata   Metadata `json:"metadata"`
}

// ToolStats holds per-tool execution counters.
type ToolStats struct {
	TotalCalls      int64            `json:"total_calls"`
	SuccessfulCalls int64            `json:"successful_calls"`
	FailedCalls     int64            `json:"failed_calls"`
	LatencySumMs    int64            `json:"latency_sum_ms"`
	FaultCounts     map[string]int64 `json:"fault_counts"`
	EstimatedCost   float64          `json:"estimated_cost"`
}

type registeredTool struct {
	capability string
	handler    Handler
	metadata   Metadata
}

// AuditSink receives the durable record of every execution; best-effort.
type AuditSink interface {
	Append(e audit.Entry) (string, error)
}

// MediatorConfig holds settings for NewMediator.
type MediatorConfig struct {
	// DefaultTimeout bounds handlers that declare none. Default: 5s.
	DefaultTimeout time.Duration

	Audit     AuditSink              // may be nil
	Telemetry types.TelemetryEmitter // may be nil
	Logger    *logger.Logger

	// Registerer optionally receives the mediator's Prometheus metrics.
	Registerer prometheus.Registerer
}

// Mediator owns the tool registry and executes calls under a hard timeout.
// Registry and stats are explicit state: there is no package-level
// registry, every mediator instance is independent.
type Mediator struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
	stats map[string]*ToolStats

	defaultTimeout time.Duration
	sink           AuditSink
	telemetry      types.TelemetryEmitter
	logger         *logger.Logger

	execTotal   *prometheus.CounterVec
	execLatency prometheus.Histogram
}

// NewMediator creates an empty mediator. Call RegisterBuiltins to install
// the standard tools.
func NewMediator(cfg MediatorConfig) *Mediator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("tools")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = types.NoopTelemetry{}
	}

	m := &Mediator{
		tools:          make(map[string]*registeredTool),
		stats:          make(map[string]*ToolStats),
		defaultTimeout: cfg.DefaultTimeout,
		sink:           cfg.Audit,
		telemetry:      cfg.Telemetry,
		logger:         cfg.Logger,
	}

	if cfg.Registerer != nil {
		m.execTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_tool_executions_total",
			Help: "Tool executions by tool and status.",
		}, []string{"tool", "status"})
		m.execLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "custodia_tool_execution_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.DefBuckets,
		})
		cfg.Registerer.MustRegister(m.execTotal, m.execLatency)
	}

	return m
}

// Register installs a tool. Registration is idempotent per name: the last
// registration wins.
func (m *Mediator) Register(name, capability string, h Handler, md Metadata) {
	if md.Profile == "" {
		md.Profile = ProfileDefault
	}
	if md.Timeout <= 0 {
		md.Timeout = m.defaultTimeout
	}

	m.mu.Lock()
	m.tools[name] = &registeredTool{capability: capability, handler: h, metadata: md}
	if _, ok := m.stats[name]; !ok {
		m.stats[name] = &ToolStats{FaultCounts: make(map[string]int64)}
	}
	m.mu.Unlock()

	m.logger.Info("", "", "tool registered", map[string]interface{}{
		"tool":       name,
		"capability": capability,
		"profile":    string(md.Profile),
	})
}

// Execute runs one tool call. The handler runs under a hard timeout bound
// to the call's sandbox profile; a handler that exceeds it yields TIMEOUT,
// a handler that panics yields PANIC. Faults never propagate past this
// boundary as raw errors.
func (m *Mediator) Execute(ctx context.Context, req CallRequest, env types.Envelope) Result {
	start := time.Now()

	m.mu.RLock()
	rt, ok := m.tools[req.ToolName]
	m.mu.RUnlock()

	if !ok {
		return m.finish(req, env, start, Result{
			ToolName: req.ToolName,
			Status:   StatusError,
			Error:    &ErrorInfo{Code: CodeToolNotFound, Message: fmt.Sprintf("tool %q is not registered", req.ToolName)},
		}, "")
	}

	if err := validateArgs(rt.metadata.Args, req.Args); err != nil {
		return m.finish(req, env, start, Result{
			ToolName: req.ToolName,
			Status:   StatusError,
			Error:    &ErrorInfo{Code: CodeInvalidArgs, Message: err.Error()},
		}, rt.capability)
	}

	profile := req.Profile
	if profile == "" {
		profile = rt.metadata.Profile
	}

	cctx, cancel := context.WithTimeout(ctx, rt.metadata.Timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &Fault{Code: CodePanic, Message: fmt.Sprintf("handler panic: %v", r)}}
			}
		}()
		value, err := rt.handler.Invoke(cctx, req.Args)
		done <- outcome{value: value, err: err}
	}()

	var res Result
	select {
	case out := <-done:
		if out.err != nil {
			res = Result{
				ToolName: req.ToolName,
				Status:   StatusError,
				Error:    faultInfo(out.err),
			}
		} else {
			res = Result{
				ToolName: req.ToolName,
				Status:   StatusOK,
				Result:   out.value,
			}
		}
	case <-cctx.Done():
		// The handler goroutine keeps running until it returns on its own;
		// there is no cancellation propagation beyond this boundary.
		res = Result{
			ToolName: req.ToolName,
			Status:   StatusError,
			Error: &ErrorInfo{
				Code:    CodeTimeout,
				Message: fmt.Sprintf("tool %q exceeded %s (profile %s)", req.ToolName, rt.metadata.Timeout, profile),
			},
		}
	}

	return m.finish(req, env, start, res, rt.capability)
}

// faultInfo converts a handler error to its boundary representation.
func faultInfo(err error) *ErrorInfo {
	if f, ok := err.(*Fault); ok {
		return &ErrorInfo{Code: f.Code, Message: f.Message}
	}
	return &ErrorInfo{Code: CodeExecutionFault, Message: err.Error()}
}

// finish stamps telemetry, updates counters and mirrors the execution to
// the audit and telemetry sinks.
func (m *Mediator) finish(req CallRequest, env types.Envelope, start time.Time, res Result, capability string) Result {
	elapsed := time.Since(start)
	res.Telemetry = Telemetry{
		LatencyMs:    elapsed.Milliseconds(),
		ResourceCost: estimateCost(capability, elapsed),
	}

	m.mu.Lock()
	st, ok := m.stats[req.ToolName]
	if !ok {
		st = &ToolStats{FaultCounts: make(map[string]int64)}
		m.stats[req.ToolName] = st
	}
	st.TotalCalls++
	st.LatencySumMs += res.Telemetry.LatencyMs
	st.EstimatedCost += res.Telemetry.ResourceCost
	if res.Status == StatusOK {
		st.SuccessfulCalls++
	} else {
		st.FailedCalls++
		st.FaultCounts[res.Error.Code]++
	}
	m.mu.Unlock()

	if m.execTotal != nil {
		m.execTotal.WithLabelValues(req.ToolName, string(res.Status)).Inc()
		m.execLatency.Observe(elapsed.Seconds())
	}

	m.telemetry.EmitEvent(types.Event{
		Type:      "tool_execution",
		RequestID: env.RequestID,
		SessionID: env.SessionID,
		Timestamp: time.Now().UTC(),
		Fields: map[string]interface{}{
			"tool":       req.ToolName,
			"status":     string(res.Status),
			"latency_ms": res.Telemetry.LatencyMs,
		},
	})

	if m.sink != nil {
		payload := map[string]interface{}{
			"tool":          req.ToolName,
			"capability":    capability,
			"status":        string(res.Status),
			"latency_ms":    res.Telemetry.LatencyMs,
			"resource_cost": res.Telemetry.ResourceCost,
		}
		if res.Error != nil {
			payload["error_code"] = res.Error.Code
		}
		if _, err := m.sink.Append(audit.Entry{
			RequestID:  env.RequestID,
			SessionID:  env.SessionID,
			Actor:      env.Actor,
			ActionType: audit.ActionToolExecution,
			Payload:    payload,
		}); err != nil {
			m.logger.Warn(env.SessionID, env.RequestID, "audit mirror failed for tool execution", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	return res
}

// validateArgs checks the registered argument shape.
func validateArgs(spec ArgSpec, args map[string]interface{}) error {
	for name, typ := range spec {
		value, ok := args[name]
		if !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
		switch typ {
		case "string":
			if _, ok := value.(string); !ok {
				return fmt.Errorf("argument %q must be a string", name)
			}
		case "number":
			switch value.(type) {
			case float64, float32, int, int32, int64:
			default:
				return fmt.Errorf("argument %q must be a number", name)
			}
		case "any":
		default:
			return fmt.Errorf("tool declares unknown argument type %q for %q", typ, name)
		}
	}
	return nil
}

// capabilityRates maps capability classes to a per-call base cost and a
// per-second running cost, in arbitrary currency units. The estimate is a
// heuristic for budget dashboards, not a bill.
var capabilityRates = map[string][2]float64{
	"search":  {0.0020, 0.0010},
	"compute": {0.0002, 0.0005},
	"lookup":  {0.0010, 0.0008},
}

func estimateCost(capability string, elapsed time.Duration) float64 {
	rates, ok := capabilityRates[capability]
	if !ok {
		rates = [2]float64{0.0010, 0.0010}
	}
	return rates[0] + rates[1]*elapsed.Seconds()
}

// ListTools returns the registered tools sorted by name.
func (m *Mediator) ListTools() []ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ToolInfo, 0, len(m.tools))
	for name, rt := range m.tools {
		out = append(out, ToolInfo{Name: name, Capability: rt.capability, Metadata: rt.metadata})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetToolStats returns a copy of one tool's counters.
func (m *Mediator) GetToolStats(name string) (ToolStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.stats[name]
	if !ok {
		return ToolStats{}, false
	}
	return copyStats(st), true
}

// Stats returns counters for every tool.
func (m *Mediator) Stats() map[string]ToolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ToolStats, len(m.stats))
	for name, st := range m.stats {
		out[name] = copyStats(st)
	}
	return out
}

func copyStats(st *ToolStats) ToolStats {
	cp := *st
	cp.FaultCounts = make(map[string]int64, len(st.FaultCounts))
	for k, v := range st.FaultCounts {
		cp.FaultCounts[k] = v
	}
	return cp
}
