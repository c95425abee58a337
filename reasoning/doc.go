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

// Package reasoning plans and executes the work a request needs. A keyword
// classifier maps queries to tool intents; multi-clause queries become
// linear multi-step plans whose steps run sequentially, each gated on its
// direct prerequisites and checkpointed to memory whatever the outcome.
// The package also composes final response text from tool results or
// retrieved facts, and drafts escalating refusal text keyed by a denial's
// rationale code and the session's denial count.
package reasoning
