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
Package logger provides structured JSON logging for Custodia components.

Every log line carries the component name, instance, session_id and
request_id so that a single request can be traced across the gateway,
safety engine, reasoning engine and tool mediator.

Usage:

	log := logger.New("gateway")
	log.Info(sessionID, requestID, "request accepted", map[string]interface{}{
	    "actor": "api-client",
	})

Log output is one JSON object per line on stdout; the process supervisor
is expected to capture it.
*/
package logger
