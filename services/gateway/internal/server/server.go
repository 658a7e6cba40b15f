package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"scribeai/internal/ratelimit"
	"scribeai/internal/servicetoken"
	"scribeai/internal/usertoken"
	"scribeai/internal/util"
	"scribeai/pkg/domain"
	"scribeai/pkg/store"
	"scribeai/services/gateway/internal/app"
)

const maxWebhookBody = 1 << 20

// TokenVerifier authenticates end-user bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Identity, error)
}

// CallerVerifier authenticates service tokens presented by the file-storage
// subsystem on upload completion.
type CallerVerifier interface {
	Verify(token string) (servicetoken.Caller, error)
}

// RateLimiter counts requests per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	UploadAuth     CallerVerifier
	Limiter        RateLimiter
	AllowedOrigins []string
	TrustedProxies []string

	MaxUploadBytes    int64
	AllowedExtensions []string
}

// Server exposes HTTP endpoints for the gateway.
type Server struct {
	app               *app.App
	tokenVerifier     TokenVerifier
	uploadAuth        CallerVerifier
	limiter           RateLimiter
	allowedOrigins    []string
	trustedProxies    *util.TrustedProxies
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	mux               *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier is required")
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:               cfg.App,
		tokenVerifier:     cfg.TokenVerifier,
		uploadAuth:        cfg.UploadAuth,
		limiter:           cfg.Limiter,
		allowedOrigins:    cfg.AllowedOrigins,
		trustedProxies:    proxies,
		maxUploadBytes:    normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
		mux:               http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("gateway", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("GET /api/auth/callback", s.authenticated(s.handleAuthCallback))
	s.mux.Handle("GET /api/files", s.authenticated(s.handleListFiles))
	s.mux.Handle("GET /api/files/by-key", s.authenticated(s.handleFileByKey))
	s.mux.Handle("POST /api/files/upload", s.authenticated(s.handleUploadFile))
	s.mux.Handle("GET /api/files/{id}", s.authenticated(s.handleGetFile))
	s.mux.Handle("DELETE /api/files/{id}", s.authenticated(s.handleDeleteFile))
	s.mux.Handle("GET /api/files/{id}/status", s.authenticated(s.handleUploadStatus))
	s.mux.Handle("GET /api/files/{id}/messages", s.authenticated(s.handleListMessages))
	s.mux.Handle("GET /api/files/{id}/download", s.authenticated(s.handleDownload))

	s.mux.HandleFunc("POST /api/uploads/complete", s.handleUploadComplete)

	s.mux.Handle("POST /api/billing/session", s.authenticated(s.handleBillingSession))
	s.mux.Handle("GET /api/billing/plan", s.authenticated(s.handleBillingPlan))
	s.mux.HandleFunc("POST /api/billing/webhook", s.handleBillingWebhook)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) authenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := util.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			util.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id, err := s.tokenVerifier.Verify(r.Context(), token)
		if err != nil {
			s.audit(r, "user_token", "rejected", "err", err)
			util.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, id)
	})
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if id.Email == "" {
		s.audit(r, "auth_callback", "rejected", "reason", "email_claim_missing", "user_id", id.Subject)
		util.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := s.app.SyncUser(id.Subject, id.Email)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth_callback", "success", "user_id", user.ID)
	util.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	files, err := s.app.ListFiles(id.Subject)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"items": files, "count": len(files)})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	file, err := s.app.GetFile(id.Subject, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, file)
}

func (s *Server) handleFileByKey(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	file, err := s.app.GetFileByKey(id.Subject, r.URL.Query().Get("key"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, file)
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	status, err := s.app.UploadStatus(id.Subject, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]domain.UploadStatus{"status": status})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	q := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > store.MaxMessagePageSize {
			util.WriteError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", store.MaxMessagePageSize))
			return
		}
		limit = n
	}
	page, err := s.app.ListMessages(id.Subject, r.PathValue("id"), q.Get("cursor"), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	url, err := s.app.DownloadURL(r.Context(), id.Subject, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	file, err := s.app.DeleteFile(r.Context(), id.Subject, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "file_delete", "success", "user_id", id.Subject, "file_id", file.ID)
	util.WriteJSON(w, http.StatusOK, file)
}

type registrationResponse struct {
	FileID string      `json:"fileId"`
	JobID  string      `json:"jobId"`
	File   domain.File `json:"file"`
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if !s.allowRate(w, r, "upload:"+id.Subject, "too many uploads") {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			util.WriteError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		util.WriteError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	if !s.isExtensionAllowed(header.Filename) {
		util.WriteError(w, http.StatusBadRequest, "unsupported file type")
		return
	}
	reg, err := s.app.UploadFile(r.Context(), id.Subject, header.Filename, file, header.Size)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusAccepted, registrationResponse{FileID: reg.File.ID, JobID: reg.Job.ID, File: reg.File})
}

type uploadCompleteRequest struct {
	Metadata struct {
		UserID string `json:"userId"`
	} `json:"metadata"`
	File struct {
		Key  string `json:"key"`
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"file"`
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	if s.uploadAuth == nil {
		util.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	caller, err := s.uploadAuth.Verify(util.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		s.audit(r, "upload_callback", "rejected", "reason", "service_token", "err", err)
		util.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req uploadCompleteRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	reg, err := s.app.CompleteUpload(r.Context(), req.Metadata.UserID, app.UploadedFile{
		Key:  req.File.Key,
		Name: req.File.Name,
		URL:  req.File.URL,
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			s.audit(r, "upload_callback", "rejected", "reason", "unknown_user", "caller", caller.Subject)
		}
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "upload_callback", "success", "caller", caller.Subject, "file_id", reg.File.ID)
	util.WriteJSON(w, http.StatusAccepted, registrationResponse{FileID: reg.File.ID, JobID: reg.Job.ID, File: reg.File})
}

func (s *Server) handleBillingSession(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if !s.allowRate(w, r, "billing:"+id.Subject, "too many billing requests") {
		return
	}
	url, err := s.app.BillingSession(r.Context(), id.Subject)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleBillingPlan(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	sub, err := s.app.CurrentPlan(r.Context(), id.Subject)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, sub)
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.app.HandleBillingWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		if errors.Is(err, app.ErrInvalidWebhook) {
			s.audit(r, "billing_webhook", "rejected", "err", err)
			util.WriteError(w, http.StatusBadRequest, "invalid webhook")
			return
		}
		writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, app.ErrBillingUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch status {
	case http.StatusBadRequest:
		util.WriteError(w, status, err.Error())
	case http.StatusUnauthorized:
		util.WriteError(w, status, "unauthorized")
	case http.StatusNotFound:
		util.WriteError(w, status, "not found")
	case http.StatusForbidden:
		util.WriteError(w, status, "quota exceeded")
	case http.StatusServiceUnavailable:
		util.WriteError(w, status, "billing unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		util.WriteError(w, status, "internal error")
	}
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 64 * 1024 * 1024
	}
	return value
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".pdf"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}

func (s *Server) isExtensionAllowed(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := s.allowedExtensions[ext]
	return ok
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, key, msg string) bool {
	if s.limiter == nil {
		return true
	}
	d := s.limiter.Allow(r.Context(), key)
	if d.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(d.RetryAfter)))
	util.WriteError(w, http.StatusTooManyRequests, msg)
	return false
}
