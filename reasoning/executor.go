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
	"time"

	"custodia/platform/audit"
	"custodia/platform/shared/types"
	"custodia/platform/tools"
)

// Step outcome states.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Plan execution states.
const (
	ExecSuccess        = "success"
	ExecPartialSuccess = "partial_success"
	ExecFailed         = "failed"
)

// StepOutcome records one step's result, whatever it was.
type StepOutcome struct {
	Index          int           `json:"index"`
	Plan           Plan          `json:"plan"`
	Status         string        `json:"status"`
	Result         *tools.Result `json:"result,omitempty"`
	CheckpointName string        `json:"checkpoint_name"`
}

// ExecutionResult is the outcome of one multi-step plan run.
type ExecutionResult struct {
	PlanID   string        `json:"plan_id"`
	Status   string        `json:"status"`
	Outcomes []StepOutcome `json:"outcomes"`
}

// Results returns the tool results of the completed steps, in step order.
func (r *ExecutionResult) Results() []tools.Result {
	var out []tools.Result
	for _, o := range r.Outcomes {
		if o.Status == StepCompleted && o.Result != nil {
			out = append(out, *o.Result)
		}
	}
	return out
}

// ExecuteMultiStepPlan runs steps sequentially in index order. A step runs
// only when every index in its dependency list is in the completed set; a
// step whose prerequisite failed is skipped, never executed. Each step's
// outcome is checkpointed to memory and the audit ledger regardless of
// result, so a partially failed run can be inspected afterwards.
func (e *Engine) ExecuteMultiStepPlan(ctx context.Context, plan *MultiStepPlan, env types.Envelope) ExecutionResult {
	completed := make(map[int]bool, len(plan.Steps))
	outcomes := make([]StepOutcome, 0, len(plan.Steps))

	for i, step := range plan.Steps {
		outcome := StepOutcome{
			Index:          i,
			Plan:           step,
			CheckpointName: plan.CheckpointNames[i],
		}

		if !depsSatisfied(plan.Dependencies[i], completed) {
			outcome.Status = StepSkipped
		} else {
			res := e.runner.Run(ctx, tools.CallRequest{
				ToolName:       step.Tool,
				Capability:     step.Capability,
				Args:           step.Args,
				IdempotencyKey: checkpointKey(plan.PlanID, i),
			}, env)
			outcome.Result = &res
			if res.Status == tools.StatusOK {
				outcome.Status = StepCompleted
				completed[i] = true
			} else {
				outcome.Status = StepFailed
				e.logger.Warn(env.SessionID, env.RequestID, "plan step failed", map[string]interface{}{
					"plan_id": plan.PlanID,
					"step":    i,
					"tool":    step.Tool,
					"code":    res.Error.Code,
				})
			}
		}

		e.checkpoint(ctx, plan, env, outcome)
		outcomes = append(outcomes, outcome)
	}

	status := ExecFailed
	switch {
	case len(completed) == len(plan.Steps):
		status = ExecSuccess
	case len(completed) > 0:
		status = ExecPartialSuccess
	}

	e.logger.Info(env.SessionID, env.RequestID, "multi-step plan executed", map[string]interface{}{
		"plan_id":   plan.PlanID,
		"status":    status,
		"completed": len(completed),
		"steps":     len(plan.Steps),
	})

	return ExecutionResult{PlanID: plan.PlanID, Status: status, Outcomes: outcomes}
}

// depsSatisfied checks the step's direct prerequisite list against the
// completed set. Only direct prerequisites are inspected; with linear
// chains a failure blocks everything downstream one hop at a time.
func depsSatisfied(deps []int, completed map[int]bool) bool {
	for _, d := range deps {
		if !completed[d] {
			return false
		}
	}
	return true
}

func checkpointKey(planID string, step int) string {
	return fmt.Sprintf("%s-step-%d", planID, step)
}

// checkpoint writes one step outcome to memory and mirrors it to the audit
// ledger. Both writes are best-effort.
func (e *Engine) checkpoint(ctx context.Context, plan *MultiStepPlan, env types.Envelope, o StepOutcome) {
	record := map[string]interface{}{
		"checkpoint": o.CheckpointName,
		"plan_id":    plan.PlanID,
		"step":       o.Index,
		"tool":       o.Plan.Tool,
		"status":     o.Status,
		"at":         time.Now().UTC().Format(time.RFC3339Nano),
	}
	if o.Result != nil && o.Result.Status == tools.StatusOK {
		record["result"] = o.Result.Result
	}
	if o.Result != nil && o.Result.Error != nil {
		record["error_code"] = o.Result.Error.Code
	}

	if err := e.memory.Write(ctx, record, env); err != nil {
		e.logger.Warn(env.SessionID, env.RequestID, "checkpoint memory write failed", map[string]interface{}{
			"checkpoint": o.CheckpointName,
			"error":      err.Error(),
		})
	}

	if e.sink != nil {
		payload := map[string]interface{}{
			"checkpoint": o.CheckpointName,
			"plan_id":    plan.PlanID,
			"step":       o.Index,
			"tool":       o.Plan.Tool,
			"status":     o.Status,
		}
		if _, err := e.sink.Append(audit.Entry{
			RequestID:  env.RequestID,
			SessionID:  env.SessionID,
			Actor:      env.Actor,
			ActionType: audit.ActionCheckpoint,
			Payload:    payload,
		}); err != nil {
			e.logger.Warn(env.SessionID, env.RequestID, "audit mirror failed for checkpoint", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
