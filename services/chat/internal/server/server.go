package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"scribeai/internal/ratelimit"
	"scribeai/internal/turnlock"
	"scribeai/internal/usertoken"
	"scribeai/internal/util"
	"scribeai/pkg/domain"
	"scribeai/services/chat/internal/app"
)

// TokenVerifier authenticates bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Identity, error)
}

// RateLimiter counts requests per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	Limiter        RateLimiter
	AllowedOrigins []string
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	limiter        RateLimiter
	allowedOrigins []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		limiter:        cfg.Limiter,
		allowedOrigins: cfg.AllowedOrigins,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /api/message", s.withUser(s.handleMessage))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := util.BearerToken(r.Header.Get("Authorization"))
		if token == "" || s.tokenVerifier == nil {
			util.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id, err := s.tokenVerifier.Verify(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("security_event", "event", "token_rejected", "err", err, "ip", util.ClientIP(r, nil))
			util.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, id)
	})
}

type messageRequest struct {
	FileID  string `json:"fileId"`
	Message string `json:"message"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if s.limiter != nil {
		d := s.limiter.Allow(r.Context(), "chat:"+id.Subject)
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(d.RetryAfter)))
			util.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}
	var req messageRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	sw := newStreamWriter(w)
	_, err := s.app.SendMessage(r.Context(), app.Turn{
		UserID:  id.Subject,
		FileID:  req.FileID,
		Message: req.Message,
	}, sw.write)
	if err == nil {
		// An empty answer still completes the turn.
		sw.commit()
		return
	}
	logger := util.LoggerFromContext(r.Context())
	if sw.started {
		logger.Warn("answer stream truncated", "err", err, "file_id", req.FileID)
		return
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("client went away before first byte", "file_id", req.FileID)
		return
	}
	writeAppError(w, err)
	if status := errorStatus(err); status >= http.StatusInternalServerError {
		logger.Error("conversation turn failed", "err", err, "file_id", req.FileID)
	}
}

// streamWriter commits a 200 text/plain response on the first delta and
// flushes after every write.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	f, _ := w.(http.Flusher)
	return &streamWriter{w: w, flusher: f}
}

func (sw *streamWriter) commit() {
	if sw.started {
		return
	}
	h := sw.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.started = true
}

func (sw *streamWriter) write(delta string) error {
	sw.commit()
	if _, err := sw.w.Write([]byte(delta)); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, turnlock.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrStreamFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	switch status {
	case http.StatusBadRequest:
		util.WriteError(w, status, err.Error())
	case http.StatusUnauthorized:
		util.WriteError(w, status, "unauthorized")
	case http.StatusNotFound:
		util.WriteError(w, status, "not found")
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		util.WriteError(w, status, "conversation busy")
	case http.StatusBadGateway:
		util.WriteError(w, status, "stream failure")
	default:
		util.WriteError(w, status, "internal error")
	}
}
