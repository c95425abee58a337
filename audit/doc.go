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
Package audit implements the hash-chained audit ledger: an append-only,
tamper-evident record of every safety-relevant decision the platform makes.

# Chain discipline

Producers call Append, which validates synchronously and hands the entry to
a bounded queue. Exactly one writer goroutine consumes the queue; it stamps
previous_hash from the ledger's current last hash, computes
entry_hash = SHA-256(canonical JSON of the entry without entry_hash), and
appends. A sentinel value ("genesis") logically precedes the first entry.
Because all chain mutation goes through the one writer, the chain's total
order is well-defined no matter how many goroutines produce entries.

Readers (Query*, VerifyIntegrity, Export, ComplianceReport) take a brief
read lock and never mutate shared state.

# Canonicalization

The hash input is Go's encoding/json over a struct with fixed field order;
payload map keys are sorted by the marshaler. Re-hashing entries from a
JSON export with ComputeEntryHash reproduces the stored hashes, which is
what VerifyExported and the chainctl CLI rely on.

# Mirrors

Archiver (Postgres) and ExportUploader (S3) are optional, best-effort
copies of the chain. Their failure or absence never affects the chain or
the request path.
*/
package audit
