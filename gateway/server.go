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
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"custodia/platform/audit"
	"custodia/platform/safety"
	"custodia/platform/shared/logger"
	"custodia/platform/tools"
)

// Server is the HTTP front door over the gateway's library contract.
type Server struct {
	gateway  *Gateway
	ledger   *audit.Ledger
	mediator *tools.Mediator
	uploader *audit.ExportUploader
	logger   *logger.Logger
}

// NewServer wraps an assembled gateway for HTTP serving.
func NewServer(g *Gateway, l *audit.Ledger, m *tools.Mediator, up *audit.ExportUploader) *Server {
	return &Server{
		gateway:  g,
		ledger:   l,
		mediator: m,
		uploader: up,
		logger:   logger.New("gateway-http"),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	r.HandleFunc("/api/query", s.queryHandler).Methods("POST")
	r.HandleFunc("/api/sessions", s.createSessionHandler).Methods("POST")
	r.HandleFunc("/api/sessions/{id}", s.getSessionHandler).Methods("GET")

	r.HandleFunc("/api/audit/export", s.exportHandler).Methods("GET")
	r.HandleFunc("/api/audit/report", s.reportHandler).Methods("GET")
	r.HandleFunc("/api/audit/verify", s.verifyHandler).Methods("GET")
	if s.uploader != nil {
		r.HandleFunc("/api/audit/upload", s.uploadHandler).Methods("POST")
	}

	r.HandleFunc("/api/tools", s.toolsHandler).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "client"
	}

	resp := s.gateway.HandleRequest(r.Context(), actor, req.Query, req.SessionID)

	code := http.StatusOK
	if resp.Status == StatusError {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, resp)
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	id, err := s.gateway.CreateSession(r.Context(), body.Metadata)
	if err != nil {
		s.logger.ErrorWithErr("", "", "session creation failed", err, nil)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create session"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.gateway.GetSession(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = audit.FormatJSON
	}

	s.ledger.Sync()
	data, err := s.ledger.Export(format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	switch format {
	case audit.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	from := parseTimeParam(r, "from", time.Time{})
	to := parseTimeParam(r, "to", time.Now().UTC())

	s.ledger.Sync()
	writeJSON(w, http.StatusOK, s.ledger.ComplianceReport(from, to))
}

func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	s.ledger.Sync()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intact":    s.ledger.VerifyIntegrity(),
		"entries":   s.ledger.Len(),
		"last_hash": s.ledger.LastHash(),
	})
}

func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = audit.FormatJSON
	}

	key, err := s.uploader.Upload(r.Context(), s.ledger, format)
	if err != nil {
		s.logger.ErrorWithErr("", "", "audit export upload failed", err, nil)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (s *Server) toolsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": s.mediator.ListTools(),
		"stats": s.mediator.Stats(),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"gateway": s.gateway.Stats(r.Context()),
		"safety":  s.gateway.safety.Stats(),
		"audit":   s.ledger.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[GatewayHTTP] Failed to encode response: %v", err)
	}
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return t
}

// ====== Service assembly ======

// Run assembles the platform from environment configuration and serves
// HTTP until interrupted.
//
// Environment variables:
//
//	PORT                 - HTTP port (default: 8080)
//	POLICY_FILE          - YAML safety policy (default: built-in rules)
//	SESSION_TTL_MINUTES  - idle session lifetime (default: 30)
//	DATABASE_URL         - optional Postgres DSN for the audit archive
//	REDIS_ADDR           - optional Redis address for session storage
//	REDIS_PASSWORD       - Redis password (optional)
//	AUDIT_EXPORT_BUCKET  - optional S3 bucket for chain exports
//	AUDIT_EXPORT_PREFIX  - key prefix inside the bucket (default: audit)
func Run() {
	log.Println("Starting Custodia Gateway...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()

	var archiver *audit.Archiver
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("Failed to open audit archive database: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("Failed to reach audit archive database: %v", err)
		}
		archiver = audit.NewArchiver(db, 256)
	}

	ledger := audit.NewLedger(audit.LedgerConfig{Archiver: archiver})

	policy := safety.DefaultPolicy()
	if path := os.Getenv("POLICY_FILE"); path != "" {
		loaded, err := safety.LoadPolicyFile(path)
		if err != nil {
			log.Fatalf("Failed to load policy file %s: %v", path, err)
		}
		policy = loaded
	}

	engine, err := safety.NewEngine(safety.EngineConfig{Policy: policy, Audit: ledger})
	if err != nil {
		log.Fatalf("Failed to build safety engine: %v", err)
	}

	mediator := tools.NewMediator(tools.MediatorConfig{
		Audit:      ledger,
		Registerer: registry,
	})
	tools.RegisterBuiltins(mediator)

	ttl := time.Duration(getEnvInt("SESSION_TTL_MINUTES", 30)) * time.Minute

	var sessions SessionStore
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		store, err := NewRedisSessionStore(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0, ttl)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", addr, err)
		}
		defer store.Close()
		sessions = store
		log.Printf("[Gateway] Using Redis session store at %s", addr)
	}

	gw := NewGateway(Config{
		Safety:     engine,
		Mediator:   mediator,
		Audit:      ledger,
		Sessions:   sessions,
		SessionTTL: ttl,
		Registerer: registry,
	})
	go gw.RunSessionSweeper(ctx, 5*time.Minute)

	var uploader *audit.ExportUploader
	if bucket := os.Getenv("AUDIT_EXPORT_BUCKET"); bucket != "" {
		up, err := audit.NewExportUploader(ctx, bucket, getEnv("AUDIT_EXPORT_PREFIX", "audit"))
		if err != nil {
			log.Fatalf("Failed to configure audit export upload: %v", err)
		}
		uploader = up
	}

	server := NewServer(gw, ledger, mediator, uploader)

	root := mux.NewRouter()
	root.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	root.PathPrefix("/").Handler(server.Router())

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("Custodia Gateway listening on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := ledger.Shutdown(shutdownCtx); err != nil {
		log.Printf("Audit ledger shutdown error: %v", err)
	}
	if archiver != nil {
		if err := archiver.Shutdown(shutdownCtx); err != nil {
			log.Printf("Audit archiver shutdown error: %v", err)
		}
	}
	log.Println("Shutdown complete")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
