package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/portfolio-assistant-go/internal/i18n"
	"github.com/portfolio-assistant-go/internal/middleware"
	"github.com/portfolio-assistant-go/internal/models"
	"github.com/portfolio-assistant-go/internal/services/ai"
	"github.com/portfolio-assistant-go/internal/services/storage"
	"github.com/portfolio-assistant-go/pkg/logger"
	"github.com/portfolio-assistant-go/pkg/markdown"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

const (
	// MaxMessageLength caps a visitor message, in characters.
	MaxMessageLength = 2000
	maxBodyBytes     = 64 << 10
)

// Responder is the part of ai.Assistant the channels depend on.
type Responder interface {
	Reply(ctx context.Context, query string) ai.Reply
}

// RateLimitRecorder receives rejected requests. middleware.Metrics implements it.
type RateLimitRecorder interface {
	RecordRateLimitExceeded(channel string)
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse carries one assistant answer.
type ChatResponse struct {
	SessionID string    `json:"session_id"`
	Reply     string    `json:"reply"`
	ReplyHTML string    `json:"reply_html"`
	Source    ai.Source `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryResponse is the ordered conversation of one session.
type HistoryResponse struct {
	SessionID string                       `json:"session_id"`
	Messages  []models.ConversationMessage `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ChatHandler serves the web widget's JSON API.
type ChatHandler struct {
	responder   Responder
	storage     storage.Storage
	rateLimiter middleware.RateLimiter
	localizer   *i18n.Localizer
	metrics     RateLimitRecorder
	logger      *logrus.Logger
}

// NewChatHandler creates a new chat handler. metrics may be nil.
func NewChatHandler(
	responder Responder,
	store storage.Storage,
	rateLimiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics RateLimitRecorder,
	logger *logrus.Logger,
) *ChatHandler {
	return &ChatHandler{
		responder:   responder,
		storage:     store,
		rateLimiter: rateLimiter,
		localizer:   localizer,
		metrics:     metrics,
		logger:      logger,
	}
}

// Routes registers the chat endpoints on router.
func (h *ChatHandler) Routes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chat", h.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/chat/{session}/history", h.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/chat/{session}/history", h.handleClearHistory).Methods(http.MethodDelete)
}

// NewRouter builds the HTTP handler with CORS and, when metrics is non-nil, instrumentation.
func NewRouter(h *ChatHandler, metrics *middleware.Metrics, allowedOrigins []string) http.Handler {
	router := mux.NewRouter()
	if metrics != nil {
		router.Use(metrics.InstrumentHandler)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, http.StatusNotFound, i18n.MsgNotFound, nil)
	})
	h.Routes(router)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept-Language"},
		MaxAge:         600,
	})
	return c.Handler(router)
}

func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	if !h.rateLimiter.Allow(clientKey(r)) {
		if h.metrics != nil {
			h.metrics.RecordRateLimitExceeded("http")
		}
		h.writeError(w, r, http.StatusTooManyRequests, i18n.MsgRateLimitExceeded, nil)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.WithError(err).Debug("Invalid chat request")
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgInvalidRequest, nil)
		return
	}

	if utf8.RuneCountInString(req.Message) > MaxMessageLength {
		h.writeError(w, r, http.StatusBadRequest, i18n.MsgMessageTooLong, map[string]interface{}{"Max": MaxMessageLength})
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	log := logger.WithSession(h.logger, sessionID)

	userMsg := models.NewMessage(models.RoleUser, req.Message)
	reply := h.responder.Reply(r.Context(), req.Message)
	assistantMsg := models.NewMessage(models.RoleAssistant, reply.Text)

	// A history failure must not cost the visitor the answer.
	if err := h.storage.Append(r.Context(), sessionID, userMsg, assistantMsg); err != nil {
		log.WithError(err).Error("Failed to save conversation")
	}

	log.WithFields(logrus.Fields{
		"source": reply.Source,
		"rule":   reply.Rule,
	}).Debug("Answered chat message")

	writeJSON(w, http.StatusOK, ChatResponse{
		SessionID: sessionID,
		Reply:     reply.Text,
		ReplyHTML: markdown.ToHTML(reply.Text),
		Source:    reply.Source,
		Timestamp: assistantMsg.Timestamp,
	})
}

func (h *ChatHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	history, err := h.storage.History(r.Context(), sessionID)
	if err != nil {
		logger.WithSession(h.logger, sessionID).WithError(err).Error("Failed to load history")
		h.writeError(w, r, http.StatusInternalServerError, i18n.MsgError, nil)
		return
	}
	if history == nil {
		history = []models.ConversationMessage{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: sessionID, Messages: history})
}

func (h *ChatHandler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	if err := h.storage.Clear(r.Context(), sessionID); err != nil {
		logger.WithSession(h.logger, sessionID).WithError(err).Error("Failed to clear history")
		h.writeError(w, r, http.StatusInternalServerError, i18n.MsgError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"message":    h.localizer.Get(r.Header.Get("Accept-Language"), i18n.MsgHistoryCleared, nil),
	})
}

func (h *ChatHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *ChatHandler) writeError(w http.ResponseWriter, r *http.Request, status int, messageID string, data map[string]interface{}) {
	writeJSON(w, status, errorResponse{
		Error: h.localizer.Get(r.Header.Get("Accept-Language"), messageID, data),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
