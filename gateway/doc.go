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

// Package gateway is the platform's single entry point. Every request
// passes through the same sequence: safety check, context retrieval,
// reasoning, per-tool safety validation, mediated tool execution, memory
// write and response synthesis. Denials come back as structured refusals
// with escalating text; any unanticipated fault is caught at the gateway
// boundary and converted into a generic error response.
//
// The gateway also owns session bookkeeping: creation, validation, TTL
// sweeping and activity tracking, backed by an in-memory store or Redis.
package gateway
