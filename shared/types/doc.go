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
Package types provides shared type definitions used across Custodia
components.

It holds the request Envelope that travels through every component, the
ContextBundle returned by the memory collaborator, and the contracts of
the two external collaborators the core consumes but does not implement:
MemoryStore and TelemetryEmitter. Noop implementations of both are
provided so that the core can run without either collaborator present.

All types in this package are value types and safe for concurrent use.
*/
package types
