// Package httpapi is the thin CRUD surface over the orchestrator and the
// store. All business logic lives behind it.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/dmarquesp/wahub/internal/auth"
	"github.com/dmarquesp/wahub/internal/session"
	"github.com/dmarquesp/wahub/internal/store"
)

// Orchestrator is the slice of the session manager the API consumes.
type Orchestrator interface {
	Create(ctx context.Context, userID string) (string, error)
	Destroy(ctx context.Context, sessionID string) error
}

// Server serves the HTTP API.
type Server struct {
	orch     Orchestrator
	db       *store.DB
	verifier *auth.Verifier
	logger   *zap.Logger
	qrSize   int
	mux      *http.ServeMux
}

// NewServer creates the API server. socketHandler, when non-nil, is mounted
// at /ws.
func NewServer(orch Orchestrator, db *store.DB, verifier *auth.Verifier, logger *zap.Logger, qrSize int, socketHandler http.Handler) *Server {
	s := &Server{
		orch:     orch,
		db:       db,
		verifier: verifier,
		logger:   logger,
		qrSize:   qrSize,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/sessions", s.withAuth(s.handleCreateSession))
	s.mux.HandleFunc("GET /api/sessions", s.withAuth(s.handleListSessions))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.withAuth(s.handleDestroySession))
	s.mux.HandleFunc("GET /api/sessions/{id}/qr.png", s.withAuth(s.handleQRImage))
	s.mux.HandleFunc("GET /api/sessions/{id}/chats", s.withAuth(s.handleListChats))
	s.mux.HandleFunc("GET /api/sessions/{id}/chats/{chatID}/messages", s.withAuth(s.handleListMessages))
	s.mux.HandleFunc("POST /api/sessions/{id}/chats/{chatID}/read", s.withAuth(s.handleMarkRead))
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.withAuth(s.handleSendMessage))
	if socketHandler != nil {
		s.mux.Handle("GET /ws", socketHandler)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, claims auth.Claims)

func (s *Server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verifier.VerifyBearer(r.Header.Get("Authorization"), time.Now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, claims)
	}
}

// ownedSession loads the path session and enforces that the caller owns it.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, claims auth.Claims) *store.Session {
	sess, err := s.db.GetSession(r.PathValue("id"))
	if err != nil {
		s.logger.Error("load session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if sess == nil || sess.UserID != claims.UserID {
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	return sess
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	sessionID, err := s.orch.Create(r.Context(), claims.UserID)
	if errors.Is(err, session.ErrSessionLimit) {
		writeError(w, http.StatusConflict, "session limit reached")
		return
	}
	if err != nil {
		s.logger.Error("create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	sessions, err := s.db.ListUserSessions(claims.UserID)
	if err != nil {
		s.logger.Error("list sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]any{
			"session_id":     sess.ID,
			"status":         sess.Status,
			"phone_number":   sess.PhoneNumber,
			"sync_progress":  sess.SyncProgress,
			"last_synced_at": sess.LastSyncedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	if s.ownedSession(w, r, claims) == nil {
		return
	}
	if err := s.orch.Destroy(r.Context(), r.PathValue("id")); err != nil {
		s.logger.Error("destroy session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not destroy session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	sess := s.ownedSession(w, r, claims)
	if sess == nil {
		return
	}
	if sess.QRPayload == "" {
		writeError(w, http.StatusNotFound, "no pairing code pending")
		return
	}
	png, err := qrcode.Encode(sess.QRPayload, qrcode.Medium, s.qrSize)
	if err != nil {
		s.logger.Error("encode QR image", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	sess := s.ownedSession(w, r, claims)
	if sess == nil {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	chats, err := s.db.ListChats(sess.ID, limit, offset)
	if err != nil {
		s.logger.Error("list chats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	sess := s.ownedSession(w, r, claims)
	if sess == nil {
		return
	}
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.db.ListMessages(sess.ID, r.PathValue("chatID"), before, limit)
	if err != nil {
		s.logger.Error("list messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	sess := s.ownedSession(w, r, claims)
	if sess == nil {
		return
	}
	if err := s.db.MarkChatRead(sess.ID, r.PathValue("chatID")); err != nil {
		s.logger.Error("mark chat read", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	sess := s.ownedSession(w, r, claims)
	if sess == nil {
		return
	}
	var req struct {
		ChatID string `json:"chat_id"`
		Body   string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "chat_id and body are required")
		return
	}
	entry := &store.OutboxEntry{
		SessionID:   sess.ID,
		ClientMsgID: uuid.NewString(),
		ChatID:      req.ChatID,
		Body:        req.Body,
	}
	if err := s.db.EnqueueOutbox(entry); err != nil {
		s.logger.Error("enqueue message", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not queue message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_msg_id": entry.ClientMsgID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
