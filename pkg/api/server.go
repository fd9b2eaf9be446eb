package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/log"
	"github.com/shardmig/shardmig/pkg/metrics"
	"github.com/shardmig/shardmig/pkg/orchestrator"
	"github.com/shardmig/shardmig/pkg/statestore"
	"github.com/shardmig/shardmig/pkg/types"
)

// Server is the HTTP/JSON control surface of the coordinator.
type Server struct {
	orch   *orchestrator.Orchestrator
	store  statestore.Store
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates a new API server
func NewServer(orch *orchestrator.Orchestrator, store statestore.Store) *Server {
	return &Server{
		orch:   orch,
		store:  store,
		logger: log.WithComponent("api"),
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/migrations", s.handleCreate)
	mux.HandleFunc("GET /v1/migrations", s.handleList)
	mux.HandleFunc("GET /v1/migrations/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/migrations/{id}/start", s.handleStart)
	mux.HandleFunc("POST /v1/migrations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/migrations/{id}/ack", s.handleAck)
	mux.HandleFunc("GET /v1/migrations/{id}/events", s.handleEvents)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /healthz", metrics.HealthHandler())
	mux.Handle("GET /ready", metrics.ReadyHandler())

	return s.instrument(mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
}

// StatusResponse pairs a migration with its per-shard progress.
type StatusResponse struct {
	Migration *types.Migration       `json:"migration"`
	Progress  []*types.ShardProgress `json:"progress,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req types.MigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errdefs.New(errdefs.ClassStructural, "BAD_REQUEST", fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	m, err := s.orch.Admit(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	migrations, err := s.store.ListMigrations()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := migrations[:0]
		for _, m := range migrations {
			if m.State == types.MigrationState(state) {
				filtered = append(filtered, m)
			}
		}
		migrations = filtered
	}
	s.writeJSON(w, http.StatusOK, migrations)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.GetMigration(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	progress, err := s.store.ListProgress(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &StatusResponse{Migration: m, Progress: progress})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Begin(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Ack(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.store.ListEvents(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Class string `json:"class"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrMigrationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrMigrationExists), errors.Is(err, errdefs.ErrMigrationTerminal):
		status = http.StatusConflict
	default:
		switch errdefs.ClassOf(err) {
		case errdefs.ClassStructural, errdefs.ClassLogical:
			status = http.StatusBadRequest
		case errdefs.ClassContention:
			status = http.StatusConflict
		case errdefs.ClassFatal:
			status = http.StatusServiceUnavailable
		}
	}

	s.writeJSON(w, status, &errorBody{
		Error: err.Error(),
		Code:  errdefs.CodeOf(err),
		Class: string(errdefs.ClassOf(err)),
	})
}
