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
	"fmt"
	"sort"
	"strings"

	"custodia/platform/safety"
	"custodia/platform/tools"
)

// SynthesizeResponse composes the final response text. Tool results are
// summarized per tool type; with no tool results the retrieved facts are
// used; with neither there is an honest fallback.
func (e *Engine) SynthesizeResponse(query string, results []tools.Result, facts map[string]string) string {
	var parts []string
	for _, r := range results {
		if r.Status != tools.StatusOK {
			continue
		}
		if s := summarizeResult(r); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}

	if len(facts) > 0 {
		keys := make([]string, 0, len(facts))
		for k := range facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString("Based on what I know: ")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(facts[k])
		}
		sb.WriteString(".")
		return sb.String()
	}

	return "I don't have enough information to answer that."
}

// summarizeResult renders one successful tool result as a sentence.
func summarizeResult(r tools.Result) string {
	payload, _ := r.Result.(map[string]interface{})

	switch r.ToolName {
	case "calculator":
		expr, _ := payload["expression"].(string)
		rendered, _ := payload["rendered"].(string)
		if rendered == "" {
			return ""
		}
		if expr != "" {
			return fmt.Sprintf("%s = %s.", strings.TrimSpace(expr), rendered)
		}
		return fmt.Sprintf("The result is %s.", rendered)

	case "weather":
		location, _ := payload["location"].(string)
		conditions, _ := payload["conditions"].(string)
		temp, hasTemp := payload["temperature_c"].(float64)
		if location == "" {
			return ""
		}
		if hasTemp {
			return fmt.Sprintf("Weather in %s: %s, %.0f°C.", location, conditions, temp)
		}
		return fmt.Sprintf("Weather in %s: %s.", location, conditions)

	case "search":
		snippets := payload["snippets"]
		var lines []string
		switch v := snippets.(type) {
		case []string:
			lines = v
		case []interface{}:
			for _, it := range v {
				if s, ok := it.(string); ok {
					lines = append(lines, s)
				}
			}
		}
		if len(lines) == 0 {
			return ""
		}
		return strings.Join(lines, " ")
	}

	return ""
}

// refusalTemplates escalate with the session's denial count. The text
// never reveals which pattern matched or how the policy is composed.
var refusalTemplates = map[safety.Code][]string{
	safety.CodeBlockedPattern: {
		"I can't help with that request.",
		"I can't help with that. Please keep requests within acceptable use.",
		"I won't assist with this. Continued requests of this kind will end the session.",
	},
	safety.CodeSessionRiskTooHigh: {
		"This session has been closed due to repeated policy violations. Please start a new session.",
	},
	safety.CodeBlockedTool: {
		"That action requires a tool that isn't available here.",
		"That tool is not available in this environment.",
	},
	safety.CodeToolArgsTooLong: {
		"That request is too large to process. Please shorten it and try again.",
	},
}

var genericRefusal = "I can't help with that request."

// HandleRefusal picks refusal text for a denial, keyed by the decision's
// primary rationale code and indexed by the session's cumulative denial
// count, clamped to the template list. Firmness rises with repetition.
func (e *Engine) HandleRefusal(d safety.Decision, denialCount int) string {
	templates, ok := refusalTemplates[d.PrimaryCode()]
	if !ok || len(templates) == 0 {
		return genericRefusal
	}

	idx := denialCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(templates) {
		idx = len(templates) - 1
	}
	return templates[idx]
}
