package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/relay"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Header names used by the streaming endpoints.
const (
	HeaderChatID       = "X-Chat-ID"
	TrailerStreamError = "X-Stream-Error"
)

// ChatHandler serves the chat endpoints.
type ChatHandler struct {
	relay       *relay.Service
	maxBodySize int64
}

// NewChatHandler creates a chat handler. maxBodySize <= 0 uses 1MB.
func NewChatHandler(svc *relay.Service, maxBodySize int64) *ChatHandler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	return &ChatHandler{relay: svc, maxBodySize: maxBodySize}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/stream/chat", func(r chi.Router) {
		r.Post("/", h.StartChat)
		r.Get("/", h.ListChats)
		r.Get("/{id}", h.GetChat)
		r.Post("/{id}", h.ContinueChat)
		r.Delete("/{id}", h.DeleteChat)
		r.Put("/{id}/title", h.RenameChat)
	})
}

// StartChatRequest is the body of POST /api/stream/chat.
type StartChatRequest struct {
	Messages []domain.Turn `json:"messages"`
}

// ContinueChatRequest is the body of POST /api/stream/chat/{id}.
type ContinueChatRequest struct {
	Message *string `json:"message"`
}

// RenameChatRequest is the body of PUT /api/stream/chat/{id}/title.
type RenameChatRequest struct {
	Title *string `json:"title"`
}

// StartChat handles POST /api/stream/chat.
func (h *ChatHandler) StartChat(w http.ResponseWriter, r *http.Request) {
	var req StartChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	reply, err := h.relay.StartChat(r.Context(), req.Messages)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	streamReply(w, reply)
}

// ContinueChat handles POST /api/stream/chat/{id}.
func (h *ChatHandler) ContinueChat(w http.ResponseWriter, r *http.Request) {
	var req ContinueChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Message == nil {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := h.relay.ContinueChat(r.Context(), chi.URLParam(r, "id"), *req.Message)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	streamReply(w, reply)
}

// GetChat handles GET /api/stream/chat/{id}.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.relay.GetChat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, chat)
}

// ListChats handles GET /api/stream/chat.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.relay.ListChats(r.Context())
	if err != nil {
		slog.Error("Failed to list chats", "error", err)
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, chats)
}

// RenameChat handles PUT /api/stream/chat/{id}/title.
func (h *ChatHandler) RenameChat(w http.ResponseWriter, r *http.Request) {
	var req RenameChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Title == nil {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}

	chat, err := h.relay.RenameChat(r.Context(), chi.URLParam(r, "id"), *req.Title)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, chat)
}

// DeleteChat handles DELETE /api/stream/chat/{id}.
func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.relay.DeleteChat(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// decode reads a JSON body, writing the error response itself on failure.
func (h *ChatHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		if errors.Is(err, io.EOF) {
			Error(w, http.StatusBadRequest, "request body is required")
			return false
		}
		Error(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// streamReply writes the reply as an unframed text body. The chat id header
// is flushed before the first fragment; failures after that point are
// reported in the X-Stream-Error trailer.
func streamReply(w http.ResponseWriter, reply *relay.Reply) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = reply.Close()
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set(HeaderChatID, reply.ChatID)
	w.Header().Set("Trailer", TrailerStreamError)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for fragment, err := range reply.Fragments() {
		if err != nil {
			w.Header().Set(TrailerStreamError, ErrorCode(err))
			return
		}
		if _, err := io.WriteString(w, fragment); err != nil {
			slog.Warn("failed to write fragment", "chat_id", reply.ChatID, "error", err)
			return
		}
		flusher.Flush()
	}
}
