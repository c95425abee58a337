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

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"custodia/platform/audit"
	"custodia/platform/tools"
)

func newTestServer(t *testing.T) (*Server, *testPlatform) {
	t.Helper()
	p := newTestPlatform(t)
	srv := NewServer(p.gateway, p.ledger, p.gateway.mediator, nil)
	return srv, p
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_QueryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := postJSON(t, router, "/api/query", queryRequest{Query: "Calculate 15 * 7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp.Status != StatusCompleted || !strings.Contains(resp.Response, "105") {
		t.Errorf("response = %+v, want completed with 105", resp)
	}
}

func TestServer_QueryEndpoint_BadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := postJSON(t, router, "/api/query", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a missing query", rec.Code)
	}
}

func TestServer_SessionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := postJSON(t, router, "/api/sessions", map[string]interface{}{
		"metadata": map[string]string{"client": "cli"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", rec.Code)
	}

	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	id := created["session_id"]
	if id == "" {
		t.Fatal("no session_id in response")
	}

	req := httptest.NewRequest("GET", "/api/sessions/"+id, nil)
	get := httptest.NewRecorder()
	router.ServeHTTP(get, req)
	if get.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", get.Code)
	}

	req = httptest.NewRequest("GET", "/api/sessions/unknown", nil)
	miss := httptest.NewRecorder()
	router.ServeHTTP(miss, req)
	if miss.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", miss.Code)
	}
}

func TestServer_AuditEndpoints(t *testing.T) {
	srv, p := newTestServer(t)
	router := srv.Router()

	p.gateway.HandleRequest(context.Background(), "client", "Calculate 2 + 2", "")

	req := httptest.NewRequest("GET", "/api/audit/export?format=json", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d, want 200", rec.Code)
	}
	if _, err := audit.VerifyExported(rec.Body.Bytes()); err != nil {
		t.Errorf("exported chain does not verify: %v", err)
	}

	req = httptest.NewRequest("GET", "/api/audit/report", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("report status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/audit/verify", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"intact":true`) {
		t.Errorf("verify status = %d body = %s, want intact chain", rec.Code, rec.Body.String())
	}
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("health body = %s, want healthy", rec.Body.String())
	}
}

func TestServer_ToolsListing(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest("GET", "/api/tools", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("tools status = %d, want 200", rec.Code)
	}

	var body struct {
		Tools []tools.ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, ti := range body.Tools {
		names[ti.Name] = true
	}
	for _, want := range []string{"search", "calculator", "weather"} {
		if !names[want] {
			t.Errorf("builtin %q missing from listing", want)
		}
	}
}
