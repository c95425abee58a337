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

/*
Package safety implements the policy engine that gates every request, plan
and tool call.

Three checks cover the request path:

  - CheckRequest scans the user's query against the policy's ordered
    blocked-pattern list and enforces the per-session risk limit. A
    session that accumulates max_denials_per_session pattern denials is
    terminated: every later request is denied with SESSION_RISK_TOO_HIGH
    regardless of content, until ResetSessionRisk.
  - CheckPlan scans retrieved context (never the user's own words) and
    downgrades a hit to ALLOW_WITH_CONSTRAINTS rather than refusing: a
    pattern inside retrieved data is an indirect-injection signal, not a
    user violation.
  - CheckToolCall enforces the tool blocklist and per-tool argument size
    caps.

Every decision is mirrored to the audit sink with its full rationale;
denial history per session feeds the reasoning engine's escalating
refusals. Policy swaps are atomic and clear the decision log.
*/
package safety
