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

// Package tools mediates every tool invocation in the platform. The
// Mediator owns the registry, validates arguments against each tool's
// declared shape, runs handlers under a hard per-call timeout and converts
// every failure mode (missing tool, bad arguments, timeout, panic, handler
// fault) into a typed Result. A caller always gets a Result back; handler
// errors never escape the mediation boundary.
//
// Per-tool counters track call volume, latency, fault codes and an
// estimated resource cost keyed by capability class. Executions are
// mirrored to the audit ledger and the telemetry emitter when configured.
package tools
