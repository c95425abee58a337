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
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPolicyFile(t *testing.T) {
	content := `
version: test-v1
blocked_patterns:
  - id: T-001
    pattern: '(?i)forbidden'
    severity: high
    description: test rule
blocked_tools:
  - shell
max_tool_arg_bytes:
  search: 1024
max_denials_per_session: 2
`
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile() error = %v", err)
	}

	if p.Version != "test-v1" {
		t.Errorf("Version = %q, want test-v1", p.Version)
	}
	if len(p.BlockedPatterns) != 1 || p.BlockedPatterns[0].ID != "T-001" {
		t.Errorf("BlockedPatterns = %+v, want one rule T-001", p.BlockedPatterns)
	}
	if p.MaxDenialsPerSession != 2 {
		t.Errorf("MaxDenialsPerSession = %d, want 2", p.MaxDenialsPerSession)
	}
	if p.MaxToolArgBytes["search"] != 1024 {
		t.Errorf("MaxToolArgBytes[search] = %d, want 1024", p.MaxToolArgBytes["search"])
	}

	if _, err := compilePolicy(p); err != nil {
		t.Errorf("loaded policy does not compile: %v", err)
	}
}

func TestLoadPolicyFile_Missing(t *testing.T) {
	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadPolicyFile() did not fail for a missing file")
	}
}

func TestMatchQuery_FirstMatchWins(t *testing.T) {
	p := Policy{
		Version: "order-v1",
		BlockedPatterns: []PatternRule{
			{ID: "FIRST", Pattern: `(?i)danger`},
			{ID: "SECOND", Pattern: `(?i)dangerous`},
		},
	}
	cp, err := compilePolicy(p)
	if err != nil {
		t.Fatal(err)
	}

	rule := cp.matchQuery("this is dangerous")
	if rule == nil || rule.ID != "FIRST" {
		t.Errorf("matchQuery() = %v, want rule FIRST (declaration order)", rule)
	}
}
