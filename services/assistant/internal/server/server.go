package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatlinker/internal/util"
	"chatlinker/pkg/domain"
	"chatlinker/services/assistant/internal/app"
)

// bodyOverheadBytes covers the JSON envelope around the document text.
const bodyOverheadBytes = 64 << 10

// bodyLimit admits a document of maxTextBytes even when every byte is
// escaped as \u00XX, so oversize text reaches validation instead of being
// truncated.
func bodyLimit(maxTextBytes int) int64 {
	return 6*int64(maxTextBytes) + bodyOverheadBytes
}

// TokenVerifier resolves a user access token to a user id.
type TokenVerifier interface {
	VerifySubject(token string) (string, error)
}

// Limiter is a per-key request quota.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	AuthCookieName string
	CORSOrigins    []string
	TrustedProxies *util.TrustedProxies
	// Optional quotas; nil disables limiting for that route group.
	ChatLimiter    Limiter
	ExtractLimiter Limiter
}

// Server exposes HTTP endpoints for the assistant service.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	cookieName     string
	corsOrigins    []string
	trustedProxies *util.TrustedProxies
	chatLimiter    Limiter
	extractLimiter Limiter
	maxBodyBytes   int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	cookieName := strings.TrimSpace(cfg.AuthCookieName)
	if cookieName == "" {
		cookieName = "auth_token"
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		cookieName:     cookieName,
		corsOrigins:    cfg.CORSOrigins,
		trustedProxies: cfg.TrustedProxies,
		chatLimiter:    cfg.ChatLimiter,
		extractLimiter: cfg.ExtractLimiter,
		maxBodyBytes:   bodyLimit(cfg.App.MaxTextBytes()),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("assistant", s.trustedProxies,
			util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

// Route is one authenticated API operation.
type Route struct {
	Method string
	Path   string
}

// APIRoutes lists the authenticated endpoints the server handles. The
// OpenAPI document is checked against it.
var APIRoutes = []Route{
	{http.MethodPost, "/api/extraction/extract"},
	{http.MethodGet, "/api/extraction/all"},
	{http.MethodDelete, "/api/extraction/all"},
	{http.MethodPost, "/api/chat/new"},
	{http.MethodGet, "/api/chat/all-chats"},
	{http.MethodDelete, "/api/chat/delete"},
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/api/extraction/extract", s.withUser(s.handleExtract))
	s.mux.Handle("/api/extraction/all", s.withUser(s.handleExtractions))
	s.mux.Handle("/api/chat/new", s.withUser(s.handleNewMessage))
	s.mux.Handle("/api/chat/all-chats", s.withUser(s.handleGetChat))
	s.mux.Handle("/api/chat/delete", s.withUser(s.handleClearChat))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := s.requestToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		logger := util.LoggerFromContext(r.Context()).With("user_id", userID)
		next(w, r.WithContext(util.ContextWithLogger(r.Context(), logger)), userID)
	})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allow(w, r, s.extractLimiter, "extract:"+userID) {
		return
	}
	var req app.ExtractionInput
	if !s.decodeBody(w, r, &req) {
		return
	}
	rec, err := s.app.SubmitExtraction(r.Context(), userID, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "OK", "extractedInfo": rec})
}

func (s *Server) handleExtractions(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		recs, err := s.app.ListExtractions(r.Context(), userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "OK", "extractedInfo": recs})
	case http.MethodDelete:
		n, err := s.app.DeleteExtractions(r.Context(), userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":       "OK",
			"extractedInfo": []domain.ExtractionRecord{},
			"deleted":       n,
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleNewMessage(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allow(w, r, s.chatLimiter, "chat:"+userID) {
		return
	}
	var req chatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	chats, err := s.app.SendMessage(r.Context(), userID, req.Message)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	chats, err := s.app.GetChat(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "OK", "chats": chats})
}

func (s *Server) handleClearChat(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	chats, err := s.app.ClearChat(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "OK", "chats": chats})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, limiter Limiter, key string) bool {
	if limiter == nil {
		return true
	}
	ok, retryAfter := limiter.Allow(r.Context(), key)
	if ok {
		return true
	}
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func (s *Server) requestToken(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r); ok {
		return token, true
	}
	cookie, err := r.Cookie(s.cookieName)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(cookie.Value)
	return token, token != ""
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, cause string) {
	writeJSON(w, status, map[string]string{"message": "ERROR", "cause": cause})
}

// writeAppError maps core errors to status codes. Persistence and unknown
// errors are logged and reported without internal detail.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrCompletion):
		util.LoggerFromContext(r.Context()).Warn("completion error", "err", err)
		writeError(w, http.StatusBadGateway, "AI service unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
