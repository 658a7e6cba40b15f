package server

import (
	"context"
	"net/http"
	"strings"

	"scribeai/internal/servicetoken"
	"scribeai/internal/util"
	"scribeai/pkg/queue"
)

// JobReader looks up ingestion job status.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
}

// CallerVerifier authenticates internal service tokens.
type CallerVerifier interface {
	Verify(token string) (servicetoken.Caller, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Jobs         JobReader
	InternalAuth CallerVerifier
}

// Server exposes health and job status endpoints for the ingest worker.
type Server struct {
	jobs         JobReader
	internalAuth CallerVerifier
	mux          *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		jobs:         cfg.Jobs,
		internalAuth: cfg.InternalAuth,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("ingest", util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /ingest/jobs/{id}", s.withInternal(s.handleJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalAuth == nil {
			util.WriteError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token := util.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			util.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		caller, err := s.internalAuth.Verify(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("security_event", "event", "service_token_rejected", "err", err)
			util.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("caller", caller.Issuer))
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		util.WriteError(w, http.StatusBadRequest, "job id required")
		return
	}
	job, ok, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("get job failed", "job_id", id, "err", err)
		util.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		util.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	util.WriteJSON(w, http.StatusOK, job)
}
