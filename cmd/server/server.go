package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/liamcoop/automations/actions"
	"github.com/liamcoop/automations/engine"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/ledger"
	"github.com/liamcoop/automations/multitenantengine"
	"github.com/liamcoop/automations/rules"
)

const slowRequestThreshold = 2 * time.Second

type ctxKey int

const engineKey ctxKey = iota

type Server struct {
	db            *sql.DB // nil when running on in-memory stores
	engineManager *multitenantengine.MultiTenantEngineManager
	templater     *actions.Templater
	catalog       []*rules.Rule
	router        *chi.Mux
	now           func() time.Time
}

// NewServer wires the HTTP API onto a running engine manager
func NewServer(manager *multitenantengine.MultiTenantEngineManager, templater *actions.Templater, db *sql.DB, catalog []*rules.Rule) *Server {
	s := &Server{
		db:            db,
		engineManager: manager,
		templater:     templater,
		catalog:       catalog,
		now:           time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Use(s.withEngine)

			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Put("/rules/{ruleId}/enabled", s.handleSetEnabled)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)

			r.Post("/events", s.handleSubmitEvent)

			r.Get("/executions", s.handleQueryExecutions)
			r.Get("/executions/{executionId}", s.handleGetExecution)
			r.Post("/executions/{executionId}/corrections", s.handleCorrectExecution)

			r.Get("/metrics", s.handleTenantMetrics)
			r.Get("/schedule", s.handleSchedule)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestMetrics counts 4xx/5xx responses and slow requests
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		logger.CountHTTPStatus(status)
		if elapsed > slowRequestThreshold {
			logger.CountSlowRequest()
			logger.Warn("Slow request", "method", r.Method, "path", r.URL.Path, "duration", elapsed)
		}
		logger.Debug("Request served", "method", r.Method, "path", r.URL.Path, "status", status,
			"duration", elapsed, "request_id", middleware.GetReqID(r.Context()))
	})
}

// withEngine resolves the tenant's engine or answers 404
func (s *Server) withEngine(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantId")
		eng, err := s.engineManager.GetEngine(tenantID)
		if err != nil {
			respondError(w, http.StatusNotFound, "tenant not found", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), engineKey, eng)))
	})
}

func engineFrom(r *http.Request) *engine.Engine {
	return r.Context().Value(engineKey).(*engine.Engine)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
			return
		}
		if stats := s.db.Stats(); stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			logger.CountConnPoolWait()
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.engineManager.ListTenants()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, logger.Snapshot())
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, TenantsListResponse{Tenants: s.engineManager.ListTenants()})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := multitenantengine.ValidateTenantName(req.Name); err != nil {
		respondError(w, http.StatusBadRequest, "invalid tenant name", err)
		return
	}

	tenant, err := s.engineManager.CreateTenant(r.Context(), req.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	resp := TenantResponse{Tenant: tenant}
	if req.SeedCatalog && len(s.catalog) > 0 {
		eng, err := s.engineManager.GetEngine(tenant.ID)
		if err == nil {
			resp.SeededRules, err = rules.Seed(eng.Store(), s.catalog)
			eng.NotifyRulesChanged()
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "tenant created but catalog seeding failed", err)
			return
		}
	}

	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	eng := engineFrom(r)

	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if rule.ID == "" {
		rule.ID = "rule-" + uuid.NewString()
	}
	if err := s.checkRule(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := eng.Store().Add(&rule); err != nil {
		if errors.Is(err, rules.ErrRuleExists) {
			respondError(w, http.StatusConflict, "rule already exists", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to add rule", err)
		return
	}
	eng.NotifyRulesChanged()

	respondJSON(w, http.StatusCreated, &rule)
}

// checkRule validates the definition and compiles its config expressions
func (s *Server) checkRule(rule *rules.Rule) error {
	if rule.Priority == "" {
		rule.Priority = rules.PriorityMedium
	}
	if err := rules.ValidateRule(rule); err != nil {
		return err
	}
	if err := s.templater.CheckRule(rule); err != nil {
		return fmt.Errorf("%w: %v", rules.ErrInvalidRule, err)
	}
	return nil
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := engineFrom(r).Store().List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := engineFrom(r).Store().Get(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondStoreError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	eng := engineFrom(r)

	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule.ID = chi.URLParam(r, "ruleId")
	if err := s.checkRule(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := eng.Store().Update(&rule); err != nil {
		respondStoreError(w, "failed to update rule", err)
		return
	}
	eng.NotifyRulesChanged()

	updated, err := eng.Store().Get(rule.ID)
	if err != nil {
		respondStoreError(w, "failed to reload rule", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	eng := engineFrom(r)

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}", err)
		return
	}

	ruleID := chi.URLParam(r, "ruleId")
	if err := eng.Store().SetEnabled(ruleID, *req.Enabled); err != nil {
		respondStoreError(w, "failed to set enabled flag", err)
		return
	}
	eng.NotifyRulesChanged()

	respondJSON(w, http.StatusOK, map[string]any{"id": ruleID, "enabled": *req.Enabled})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	eng := engineFrom(r)

	if err := eng.Store().Delete(chi.URLParam(r, "ruleId")); err != nil {
		respondStoreError(w, "failed to delete rule", err)
		return
	}
	eng.NotifyRulesChanged()

	w.WriteHeader(http.StatusNoContent)
}

// handleSubmitEvent acknowledges the event once queued; rules run in the background
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req SubmitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.EventName == "" {
		respondError(w, http.StatusBadRequest, "eventName is required", nil)
		return
	}

	id := req.EventID
	if id == "" {
		id, _ = req.Payload["eventId"].(string)
	}

	ack, err := engineFrom(r).Submit(engine.Event{ID: id, Name: req.EventName, Payload: req.Payload})
	switch {
	case errors.Is(err, rules.ErrBacklogFull):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "event backlog full", err)
		return
	case errors.Is(err, rules.ErrEngineStopped):
		respondError(w, http.StatusServiceUnavailable, "engine shutting down", err)
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "event rejected", err)
		return
	}

	respondJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handleQueryExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}

	execs, err := engineFrom(r).Ledger().Query(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query executions", err)
		return
	}
	if execs == nil {
		execs = []*ledger.Execution{}
	}
	respondJSON(w, http.StatusOK, ExecutionsListResponse{Executions: execs})
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		RuleID: q.Get("ruleId"),
		Status: ledger.State(strings.ToUpper(q.Get("status"))),
	}

	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	return f, nil
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := engineFrom(r).Ledger().Get(r.Context(), chi.URLParam(r, "executionId"))
	if err != nil {
		respondStoreError(w, "failed to get execution", err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCorrectExecution(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	originalID := chi.URLParam(r, "executionId")
	corrected, err := engineFrom(r).Ledger().Correct(r.Context(), originalID, &ledger.Execution{
		OverallStatus:  req.OverallStatus,
		ActionOutcomes: req.ActionOutcomes,
	})
	if errors.Is(err, rules.ErrExecutionNotFound) {
		respondError(w, http.StatusNotFound, "execution not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "correction rejected", err)
		return
	}

	logger.Info("Execution corrected", "tenant_id", chi.URLParam(r, "tenantId"),
		"execution_id", originalID, "correction_id", corrected.ID, "reason", req.Reason)
	respondJSON(w, http.StatusCreated, corrected)
}

func (s *Server) handleTenantMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := engineFrom(r).Ledger().Stats(r.Context(), s.now().Add(-24*time.Hour))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute metrics", err)
		return
	}
	respondJSON(w, http.StatusOK, TenantMetricsResponse{
		Executions24h:   stats.Total,
		SuccessRate:     stats.SuccessRate(),
		Succeeded:       stats.Succeeded,
		PartiallyFailed: stats.PartiallyFailed,
		Failed:          stats.Failed,
		Skipped:         stats.Skipped,
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	scheduled := engineFrom(r).Scheduler().Scheduled()
	out := make([]ScheduleEntry, 0, len(scheduled))
	for _, f := range scheduled {
		out = append(out, ScheduleEntry{RuleID: f.RuleID, NextFire: f.FireTime})
	}
	respondJSON(w, http.StatusOK, map[string]any{"schedule": out})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("Failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

// respondStoreError maps store sentinels onto HTTP statuses
func respondStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound), errors.Is(err, rules.ErrExecutionNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, rules.ErrInvalidRule):
		respondError(w, http.StatusBadRequest, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}
