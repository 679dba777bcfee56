package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"finbot/internal/chat"
	"finbot/internal/knowledge"
	"finbot/internal/ratelimit"
	"finbot/internal/session"
	"finbot/internal/util"
	"finbot/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Sessions  *session.Manager
	Chat      *chat.Service
	Knowledge *knowledge.Service

	RedisAddr     string
	RedisPassword string

	// Requests per client IP per minute on /chats/message. Zero disables.
	MessageRateLimitPerMinute int
	TrustedProxies            []string
}

// Server exposes the HTTP API.
type Server struct {
	sessions  *session.Manager
	chat      *chat.Service
	knowledge *knowledge.Service

	mux            *http.ServeMux
	messageLimiter *ratelimit.FixedWindowLimiter
	trusted        *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	var limiter *ratelimit.FixedWindowLimiter
	if cfg.MessageRateLimitPerMinute > 0 {
		if cfg.RedisAddr != "" {
			limiter, err = ratelimit.NewRedisFixedWindowLimiter(
				cfg.RedisAddr, cfg.RedisPassword, "finbot:ratelimit:message",
				cfg.MessageRateLimitPerMinute, time.Minute)
		} else {
			limiter, err = ratelimit.NewLocalFixedWindowLimiter(cfg.MessageRateLimitPerMinute, time.Minute)
		}
		if err != nil {
			return nil, fmt.Errorf("init message limiter: %w", err)
		}
	}
	s := &Server{
		sessions:       cfg.Sessions,
		chat:           cfg.Chat,
		knowledge:      cfg.Knowledge,
		mux:            http.NewServeMux(),
		messageLimiter: limiter,
		trusted:        trusted,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with ambient middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("finbot", s.trusted,
			util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/signin", s.handleSignIn)
	s.mux.HandleFunc("/auth/refresh", s.handleRefresh)
	s.mux.Handle("/auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("/auth/sessions", s.authenticated(s.handleSessions))
	s.mux.Handle("/auth/sessions/sweep", s.authenticated(s.handleSessionSweep))
	s.mux.Handle("/auth/sessions/", s.authenticated(s.handleSessionByID))

	// chats
	s.mux.Handle("/chats", s.withOptionalUser(s.handleChats))
	s.mux.Handle("/chats/message", s.withOptionalUser(s.handleMessage))
	s.mux.Handle("/chats/", s.withOptionalUser(s.handleChatByID))

	// knowledge base (operator)
	s.mux.Handle("/knowledge/documents", s.authenticated(s.handleAddDocument))
	s.mux.Handle("/knowledge/documents/", s.authenticated(s.handleDocumentByID))
	s.mux.Handle("/knowledge/search", s.authenticated(s.handleKnowledgeSearch))
	s.mux.Handle("/knowledge/stats", s.authenticated(s.handleKnowledgeStats))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.sessions.CurrentUser(token, false)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, *user)
	})
}

// withOptionalUser resolves the caller when a valid token is present and
// passes nil otherwise. Invalid tokens do not fail the request.
func (s *Server) withOptionalUser(next func(http.ResponseWriter, *http.Request, *domain.User)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user *domain.User
		if token, ok := bearerToken(r); ok {
			user, _ = s.sessions.CurrentUser(token, true)
		}
		next(w, r, user)
	})
}

// auth handlers
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req signInRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	device := strings.TrimSpace(req.DeviceInfo)
	if device == "" {
		device = r.UserAgent()
	}
	user, pair, _, err := s.sessions.SignInOrRegister(req.Email, req.Password, device)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signInResponse{User: user, TokenPair: pair})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}
	pair, err := s.sessions.Refresh(req.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.sessions.Logout(user.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sessions, err := s.sessions.Sessions(user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": sessions,
		"count": len(sessions),
	})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/auth/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.sessions.DeleteSession(user.ID, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSessionSweep(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	removed, err := s.sessions.SweepExpired()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// chat handlers
func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, user *domain.User) {
	switch r.Method {
	case http.MethodGet:
		limit, cursor := pageParams(r)
		chats, next, err := s.chat.ListChats(user, limit, cursor)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse[domain.Chat]{
			Items:      chats,
			Count:      len(chats),
			NextCursor: next,
		})
	case http.MethodPost:
		var req createChatRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := s.chat.CreateChat(user, req.Title)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

// /chats/{id} or /chats/{id}/messages
func (s *Server) handleChatByID(w http.ResponseWriter, r *http.Request, user *domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/chats/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "messages" {
			http.NotFound(w, r)
			return
		}
		s.handleChatMessages(w, r, user, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		chatRec, err := s.chat.GetChat(user, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, chatRec)
	case http.MethodPatch:
		var req renameChatRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			writeError(w, http.StatusBadRequest, "title is required")
			return
		}
		renamed, err := s.chat.RenameChat(user, id, req.Title)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, renamed)
	case http.MethodDelete:
		if err := s.chat.DeleteChat(user, id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, user *domain.User, chatID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, cursor := pageParams(r)
	msgs, next, err := s.chat.ListMessages(user, chatID, limit, cursor)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[domain.Message]{
		Items:      msgs,
		Count:      len(msgs),
		NextCursor: next,
	})
}

// handleMessage answers a user message, either as one blocking JSON response
// or as an SSE stream when the body sets "stream": true.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowMessageRate(w, r) {
		return
	}
	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	answerReq := chat.AnswerRequest{
		Query:  req.Message,
		ChatID: req.ChatID,
		User:   user,
	}
	if req.Stream {
		s.streamAnswer(w, r, answerReq)
		return
	}
	res, err := s.chat.Answer(r.Context(), answerReq)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) streamAnswer(w http.ResponseWriter, r *http.Request, req chat.AnswerRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.chat.AnswerStream(r.Context(), req) {
		data, err := json.Marshal(ev)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("encode stream event", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// knowledge handlers
func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var doc knowledge.Document
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	added, err := s.knowledge.AddDocument(r.Context(), doc)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/knowledge/documents/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.knowledge.DeleteDocument(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req knowledgeSearchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	matches, err := s.knowledge.Search(r.Context(), req.Query, req.TopK, req.Category)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": matches,
		"count": len(matches),
	})
}

func (s *Server) handleKnowledgeStats(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.knowledge.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type signInRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
}

type signInResponse struct {
	User domain.User `json:"user"`
	session.TokenPair
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type createChatRequest struct {
	Title string `json:"title"`
}

type renameChatRequest struct {
	Title string `json:"title"`
}

type messageRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
	Stream  bool   `json:"stream,omitempty"`
}

type knowledgeSearchRequest struct {
	Query    string `json:"query"`
	TopK     int    `json:"topK,omitempty"`
	Category string `json:"category,omitempty"`
}

type listResponse[T any] struct {
	Items      []T    `json:"items"`
	Count      int    `json:"count"`
	NextCursor string `json:"nextCursor,omitempty"`
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

func pageParams(r *http.Request) (int, string) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	return limit, r.URL.Query().Get("cursor")
}

func (s *Server) allowMessageRate(w http.ResponseWriter, r *http.Request) bool {
	if s.messageLimiter == nil {
		return true
	}
	if s.messageLimiter.Allow(util.ClientIP(r, s.trusted)) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, session.ErrEmailAndPasswordRequired),
		errors.Is(err, session.ErrWeakPassword),
		errors.Is(err, knowledge.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, session.ErrUserDisabled),
		errors.Is(err, chat.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrChatNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed",
			"path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
