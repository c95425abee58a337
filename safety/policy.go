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
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// PatternRule is one ordered blocked-pattern rule. Rules are evaluated in
// declaration order; the first match wins.
type PatternRule struct {
	ID          string `yaml:"id" json:"id"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Severity    string `yaml:"severity" json:"severity"`
	Description string `yaml:"description" json:"description"`
}

// Policy is the declarative rule set the engine enforces. Policies are
// immutable once installed; UpdatePolicy swaps the whole set atomically.
type Policy struct {
	Version              string         `yaml:"version" json:"version"`
	BlockedPatterns      []PatternRule  `yaml:"blocked_patterns" json:"blocked_patterns"`
	BlockedTools         []string       `yaml:"blocked_tools" json:"blocked_tools"`
	MaxToolArgBytes      map[string]int `yaml:"max_tool_arg_bytes" json:"max_tool_arg_bytes"`
	MaxDenialsPerSession int            `yaml:"max_denials_per_session" json:"max_denials_per_session"`
}

// compiledPolicy is a Policy with its patterns compiled and its blocked
// tool list turned into a set.
type compiledPolicy struct {
	Policy
	patterns     []*regexp.Regexp
	blockedTools map[string]bool
}

func compilePolicy(p Policy) (*compiledPolicy, error) {
	if p.Version == "" {
		return nil, fmt.Errorf("policy has no version")
	}
	if p.MaxDenialsPerSession <= 0 {
		p.MaxDenialsPerSession = 3
	}

	cp := &compiledPolicy{
		Policy:       p,
		patterns:     make([]*regexp.Regexp, 0, len(p.BlockedPatterns)),
		blockedTools: make(map[string]bool, len(p.BlockedTools)),
	}
	for _, rule := range p.BlockedPatterns {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy %s: rule %s: bad pattern: %w", p.Version, rule.ID, err)
		}
		cp.patterns = append(cp.patterns, re)
	}
	for _, tool := range p.BlockedTools {
		cp.blockedTools[tool] = true
	}
	return cp, nil
}

// matchQuery returns the first rule whose pattern matches, or nil.
func (cp *compiledPolicy) matchQuery(text string) *PatternRule {
	for i, re := range cp.patterns {
		if re.MatchString(text) {
			return &cp.BlockedPatterns[i]
		}
	}
	return nil
}

// DefaultPolicy returns the rule set installed when no policy file is
// configured.
func DefaultPolicy() Policy {
	return Policy{
		Version: "default-v1",
		BlockedPatterns: []PatternRule{
			{
				ID:          "SEC-001",
				Pattern:     `(?i)\bhack(?:ing|s)?\b`,
				Severity:    "critical",
				Description: "Unauthorized intrusion request",
			},
			{
				ID:          "SEC-002",
				Pattern:     `(?i)steal\s+(?:credential|password|identit)`,
				Severity:    "critical",
				Description: "Credential or identity theft request",
			},
			{
				ID:          "SEC-003",
				Pattern:     `(?i)\b(?:malware|ransomware|keylogger|botnet)\b`,
				Severity:    "critical",
				Description: "Malicious software request",
			},
			{
				ID:          "SEC-004",
				Pattern:     `(?i)\b(?:build|make|assemble)\b.{0,20}\bbomb\b`,
				Severity:    "critical",
				Description: "Weapons construction request",
			},
			{
				ID:          "SEC-005",
				Pattern:     `(?i)bypass\s+(?:security|authentication|2fa|mfa)`,
				Severity:    "high",
				Description: "Security control evasion request",
			},
		},
		BlockedTools: []string{"shell", "code_exec"},
		MaxToolArgBytes: map[string]int{
			"search":     2048,
			"calculator": 512,
		},
		MaxDenialsPerSession: 3,
	}
}

// LoadPolicyFile reads a Policy from a YAML file.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if _, err := compilePolicy(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}
