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
	"strings"
	"testing"

	"custodia/platform/safety"
	"custodia/platform/tools"
)

func okResult(tool string, payload map[string]interface{}) tools.Result {
	return tools.Result{ToolName: tool, Status: tools.StatusOK, Result: payload}
}

func TestSynthesizeResponse_Calculator(t *testing.T) {
	e := NewEngine(EngineConfig{})

	text := e.SynthesizeResponse("Calculate 15 * 7", []tools.Result{
		okResult("calculator", map[string]interface{}{
			"expression": "15 * 7",
			"value":      float64(105),
			"rendered":   "105",
		}),
	}, nil)

	if !strings.Contains(text, "105") {
		t.Errorf("response %q does not contain the result 105", text)
	}
}

func TestSynthesizeResponse_WeatherMentionsLocation(t *testing.T) {
	e := NewEngine(EngineConfig{})

	text := e.SynthesizeResponse("What is the weather in London?", []tools.Result{
		okResult("weather", map[string]interface{}{
			"location":      "London",
			"conditions":    "partly cloudy",
			"temperature_c": float64(14),
		}),
	}, nil)

	if !strings.Contains(text, "London") {
		t.Errorf("response %q does not mention London", text)
	}
}

func TestSynthesizeResponse_FailedToolsIgnored(t *testing.T) {
	e := NewEngine(EngineConfig{})

	failed := tools.Result{
		ToolName: "search",
		Status:   tools.StatusError,
		Error:    &tools.ErrorInfo{Code: "TIMEOUT", Message: "took too long"},
	}
	text := e.SynthesizeResponse("search for things", []tools.Result{failed}, nil)

	if strings.Contains(text, "TIMEOUT") || strings.Contains(text, "took too long") {
		t.Errorf("response %q leaks failure details", text)
	}
}

func TestSynthesizeResponse_FactsFallback(t *testing.T) {
	e := NewEngine(EngineConfig{})

	text := e.SynthesizeResponse("what do you know", nil, map[string]string{
		"timezone": "UTC",
		"name":     "Ada",
	})
	if !strings.Contains(text, "Ada") || !strings.Contains(text, "UTC") {
		t.Errorf("response %q does not use retrieved facts", text)
	}

	empty := e.SynthesizeResponse("what do you know", nil, nil)
	if empty == "" {
		t.Error("response empty with no tools and no facts")
	}
}

func TestHandleRefusal_Escalates(t *testing.T) {
	e := NewEngine(EngineConfig{})
	d := safety.Decision{Verdict: safety.Deny, Codes: []safety.Code{safety.CodeBlockedPattern}}

	first := e.HandleRefusal(d, 1)
	second := e.HandleRefusal(d, 2)
	third := e.HandleRefusal(d, 3)
	beyond := e.HandleRefusal(d, 50)

	if first == second || second == third {
		t.Error("refusal text does not escalate with the denial count")
	}
	if beyond != third {
		t.Errorf("refusal past the template list = %q, want clamped to %q", beyond, third)
	}
}

func TestHandleRefusal_NeverRevealsPolicy(t *testing.T) {
	e := NewEngine(EngineConfig{})

	codes := []safety.Code{
		safety.CodeBlockedPattern,
		safety.CodeSessionRiskTooHigh,
		safety.CodeBlockedTool,
		safety.CodeToolArgsTooLong,
		safety.Code("SOMETHING_NEW"),
	}
	for _, code := range codes {
		d := safety.Decision{Verdict: safety.Deny, Codes: []safety.Code{code}, RuleID: "SEC-001"}
		for count := 0; count < 5; count++ {
			text := e.HandleRefusal(d, count)
			if text == "" {
				t.Errorf("empty refusal for code %s count %d", code, count)
			}
			if strings.Contains(text, "SEC-001") || strings.Contains(strings.ToLower(text), "pattern") {
				t.Errorf("refusal %q reveals policy internals", text)
			}
		}
	}
}

func TestHandleRefusal_TerminalSession(t *testing.T) {
	e := NewEngine(EngineConfig{})
	d := safety.Decision{Verdict: safety.Deny, Codes: []safety.Code{safety.CodeSessionRiskTooHigh}}

	text := e.HandleRefusal(d, 3)
	if !strings.Contains(strings.ToLower(text), "session") {
		t.Errorf("terminal refusal %q does not tell the caller the session is over", text)
	}
}
