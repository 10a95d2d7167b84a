package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "github.com/lib/pq"

	"github.com/liamcoop/autotag/autotag"
	"github.com/liamcoop/autotag/internal/config"
	"github.com/liamcoop/autotag/internal/logger"
	"github.com/liamcoop/autotag/multitenant"
)

type Server struct {
	db      *sql.DB
	manager *multitenant.Manager
	router  *chi.Mux
}

func NewServer(cfg *config.Config) (*Server, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	manager := multitenant.NewManager(db,
		multitenant.WithBatchShape(cfg.Batch.Workers, cfg.Batch.ChunkSize),
		multitenant.WithCacheTTL(cfg.Cache.TTL),
		multitenant.WithScriptLimits(autotag.ScriptLimits{
			Timeout:  cfg.Script.Timeout,
			MaxSteps: cfg.Script.MaxSteps,
		}),
	)

	logger.Info("loading tenants")
	if err := manager.LoadAllTenants(); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}

	s := &Server{
		db:      db,
		manager: manager,
	}
	s.setupRoutes()
	return s, nil
}

// newServerWithManager wires a server around an existing manager; used by
// tests that run without a database.
func newServerWithManager(manager *multitenant.Manager) *Server {
	s := &Server{manager: manager}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			// Rule management
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)

			// Tagging
			r.Post("/tag", s.handleTag)
			r.Post("/tag/batch", s.handleTagBatch)

			// Catalog export/import
			r.Get("/catalog", s.handleExportCatalog)
			r.Post("/catalog", s.handleImportCatalog)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"tenantsLoaded": len(s.manager.ListTenants()),
	})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query("SELECT id, name, created_at, updated_at FROM tenants ORDER BY created_at DESC")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}
	defer rows.Close()

	tenants := []TenantResponse{}
	for rows.Next() {
		var t TenantResponse
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to scan tenant", err)
			return
		}
		tenants = append(tenants, t)
	}

	respondJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	var tenantID string
	err := s.db.QueryRow(`
		INSERT INTO tenants (name, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		RETURNING id
	`, req.Name).Scan(&tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	if err := s.manager.CreateTenant(tenantID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to initialize tenant", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":   tenantID,
		"name": req.Name,
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" || req.Dialect == "" {
		respondError(w, http.StatusBadRequest, "name and dialect are required", nil)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rule := &autotag.Rule{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Name:     req.Name,
		Dialect:  autotag.Dialect(req.Dialect),
		Config:   req.Config,
		Priority: req.Priority,
		Active:   active,
	}

	if err := s.manager.AddRule(tenantID, rule); err != nil {
		respondError(w, http.StatusBadRequest, "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	rules, err := s.manager.ListRules(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}
	if rules == nil {
		rules = []*autotag.Rule{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := s.manager.GetRule(tenantID, ruleID)
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rule := &autotag.Rule{
		ID:       ruleID,
		TenantID: tenantID,
		Name:     req.Name,
		Dialect:  autotag.Dialect(req.Dialect),
		Config:   req.Config,
		Priority: req.Priority,
		Active:   active,
	}

	if err := s.manager.UpdateRule(tenantID, rule); err != nil {
		respondError(w, http.StatusBadRequest, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.manager.DeleteRule(tenantID, ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req TagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.TransactionID == "" {
		respondError(w, http.StatusBadRequest, "transaction_id is required", nil)
		return
	}

	outcome, err := s.manager.TagTransaction(r.Context(), tenantID, req.TransactionID, req.toRecord(tenantID))
	if err != nil {
		respondError(w, http.StatusBadRequest, "tagging failed", err)
		return
	}

	respondJSON(w, http.StatusOK, TagResponse{
		TransactionID: req.TransactionID,
		Outcome:       outcome,
	})
}

func (s *Server) handleTagBatch(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req BatchTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Records) == 0 {
		respondError(w, http.StatusBadRequest, "records are required", nil)
		return
	}

	items := make([]multitenant.TaggedRecord, len(req.Records))
	for i, rec := range req.Records {
		if rec.TransactionID == "" {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("record %d has no transaction_id", i), nil)
			return
		}
		items[i] = multitenant.TaggedRecord{
			TransactionID: rec.TransactionID,
			Record:        rec.toRecord(tenantID),
		}
	}

	start := time.Now()
	result, err := s.manager.TagBatch(r.Context(), tenantID, items)
	if err != nil {
		respondError(w, http.StatusBadRequest, "batch tagging failed", err)
		return
	}

	outcomes := make([]TagResponse, len(result.Outcomes))
	for i, outcome := range result.Outcomes {
		outcomes[i] = TagResponse{
			TransactionID: items[i].TransactionID,
			Outcome:       outcome,
		}
	}

	respondJSON(w, http.StatusOK, BatchTagResponse{
		Outcomes: outcomes,
		Summary:  result.Summary,
		Duration: time.Since(start).String(),
	})
}

func (s *Server) handleExportCatalog(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	catalog, err := s.manager.ExportCatalog(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	respondJSON(w, http.StatusOK, catalog)
}

func (s *Server) handleImportCatalog(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	data, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}

	result, err := s.manager.ImportCatalog(tenantID, data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "import failed", err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("AUTOTAG_CONFIG"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer server.db.Close()

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
