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

// Package main is the entry point for the Custodia Gateway service.
//
// The Gateway is the platform's single entry point. Every request passes
// through safety checks, context retrieval, reasoning, mediated tool
// execution and a hash-chained audit ledger before a response leaves the
// process.
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	POLICY_FILE - YAML safety policy (optional)
//	DATABASE_URL - PostgreSQL connection string for the audit archive (optional)
//	REDIS_ADDR - Redis address for session storage (optional)
//	AUDIT_EXPORT_BUCKET - S3 bucket for chain exports (optional)
package main

import (
	"custodia/platform/gateway"
)

func main() {
	gateway.Run()
}
