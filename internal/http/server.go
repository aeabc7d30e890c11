package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegisflux/agents/exec-guard/internal/logging"
	"aegisflux/agents/exec-guard/internal/rules"
	"aegisflux/agents/exec-guard/internal/store"
	"aegisflux/agents/exec-guard/internal/types"
)

// RuleStore is the rule administration surface of the trust store
type RuleStore interface {
	Rules(ctx context.Context) ([]types.Rule, error)
	AddRule(ctx context.Context, rule *types.Rule) (int64, error)
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error
}

// StoreStatus reports store health and outbox depth
type StoreStatus interface {
	Ping(ctx context.Context) error
	OutboxCounts(ctx context.Context) (events, catalogs int, err error)
}

// AgentState exposes identity and mode
type AgentState interface {
	SystemUUID() string
	HasRegistered() bool
	AuditMode() bool
}

// Server provides the local status and rule administration API
type Server struct {
	logger    *logging.Logger
	router    *chi.Mux
	server    *http.Server
	rules     RuleStore
	store     StoreStatus
	state     AgentState
	version   string
	startTime time.Time
}

// NewServer creates the API server; registry may be nil to disable /metrics
func NewServer(logger *logging.Logger, addr, version string, rs RuleStore, ss StoreStatus, state AgentState, registry *prometheus.Registry) *Server {
	s := &Server{
		logger:    logger.WithComponent("http"),
		router:    chi.NewRouter(),
		rules:     rs,
		store:     ss,
		state:     state,
		version:   version,
		startTime: time.Now(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	if registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.router.Route("/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleAddRule)
		r.Post("/{id}/enable", s.handleSetEnabled(true))
		r.Post("/{id}/disable", s.handleSetEnabled(false))
	})

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.LogSystemEvent("http_server_started", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.LogSystemEvent("http_server_stopped")
	return s.server.Shutdown(shutdownCtx)
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// StatusResponse is the /status body
type StatusResponse struct {
	SystemUUID           string `json:"system_uuid"`
	Registered           bool   `json:"registered"`
	AuditMode            bool   `json:"audit_mode"`
	Version              string `json:"version"`
	Uptime               string `json:"uptime"`
	PendingProcessEvents int    `json:"pending_process_events"`
	PendingCatalogFiles  int    `json:"pending_catalog_files"`
	Timestamp            string `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	}
	status := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		health.Status = "unhealthy"
		health.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	events, catalogs, err := s.store.OutboxCounts(r.Context())
	if err != nil {
		s.logger.Error("Failed to count outbox", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read outbox"})
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		SystemUUID:           s.state.SystemUUID(),
		Registered:           s.state.HasRegistered(),
		AuditMode:            s.state.AuditMode(),
		Version:              s.version,
		Uptime:               time.Since(s.startTime).Round(time.Second).String(),
		PendingProcessEvents: events,
		PendingCatalogFiles:  catalogs,
		Timestamp:            time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.rules.Rules(r.Context())
	if err != nil {
		s.logger.Error("Failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list rules"})
		return
	}
	if list == nil {
		list = []types.Rule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule types.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	for i, attr := range rule.Attributes {
		t, err := types.ParseAttributeType(string(attr.Type))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		rule.Attributes[i].Type = t
	}
	if err := rules.Validate(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if _, err := s.rules.AddRule(r.Context(), &rule); err != nil {
		s.logger.Error("Failed to add rule", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to add rule"})
		return
	}

	s.logger.Info("Rule added", "rule_id", rule.ID, "rank", rule.Rank, "allow", rule.Allow)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid rule id"})
			return
		}

		err = s.rules.SetRuleEnabled(r.Context(), id, enabled)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "rule not found"})
			return
		}
		if err != nil {
			s.logger.Error("Failed to update rule", "error", err, "rule_id", id)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to update rule"})
			return
		}

		s.logger.Info("Rule updated", "rule_id", id, "enabled", enabled)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
