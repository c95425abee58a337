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

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedInstID string
	}{
		{"with instance ID set", "gateway", "instance-123", "instance-123"},
		{"without instance ID", "audit", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				t.Setenv("INSTANCE_ID", "")
			}

			l := New(tt.component)
			if l.Component != tt.component {
				t.Errorf("Component = %s, want %s", l.Component, tt.component)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("InstanceID = %s, want %s", l.InstanceID, tt.expectedInstID)
			}
			if l.Container == "" {
				t.Error("Container not set from hostname")
			}
		})
	}
}

func captureOutput(fn func()) string {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	flags := log.Flags()
	log.SetFlags(0)
	defer log.SetFlags(flags)
	fn()
	return buf.String()
}

func TestLog_StructuredOutput(t *testing.T) {
	l := &Logger{Component: "safety", InstanceID: "i-1", Container: "c-1"}

	out := captureOutput(func() {
		l.Info("sess-1", "req-1", "decision recorded", map[string]interface{}{
			"verdict": "ALLOW",
		})
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (line: %s)", err, out)
	}

	if entry.Level != INFO {
		t.Errorf("Level = %s, want INFO", entry.Level)
	}
	if entry.Component != "safety" || entry.SessionID != "sess-1" || entry.RequestID != "req-1" {
		t.Errorf("correlation fields wrong: %+v", entry)
	}
	if entry.Fields["verdict"] != "ALLOW" {
		t.Errorf("Fields = %v, want verdict ALLOW", entry.Fields)
	}
	if entry.Timestamp == "" {
		t.Error("no timestamp")
	}
}

func TestErrorWithErr(t *testing.T) {
	l := &Logger{Component: "audit", InstanceID: "i-1", Container: "c-1"}

	out := captureOutput(func() {
		l.ErrorWithErr("", "req-9", "append failed", errors.New("queue full"), nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry.Level != ERROR {
		t.Errorf("Level = %s, want ERROR", entry.Level)
	}
	if entry.Fields["error"] != "queue full" {
		t.Errorf("Fields[error] = %v, want queue full", entry.Fields["error"])
	}
}

func TestInfoWithDuration(t *testing.T) {
	l := &Logger{Component: "gateway", InstanceID: "i-1", Container: "c-1"}

	out := captureOutput(func() {
		l.InfoWithDuration("sess-1", "req-1", "request handled", 42.5, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry.Fields["duration_ms"] != 42.5 {
		t.Errorf("Fields[duration_ms] = %v, want 42.5", entry.Fields["duration_ms"])
	}
}
