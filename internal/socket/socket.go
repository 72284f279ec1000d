// Package socket serves the relay over WebSocket.
package socket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/streamchat/internal/api"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/relay"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Frame types.
const (
	TypeStart    = "start"
	TypeContinue = "continue"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeChat     = "chat"
	TypeFragment = "fragment"
	TypeDone     = "done"
	TypeError    = "error"
)

// maxPendingRequests bounds the requests queued behind a streaming reply.
const maxPendingRequests = 8

// Request is a client frame.
type Request struct {
	Type     string        `json:"type"`
	ChatID   string        `json:"chat_id,omitempty"`
	Message  *string       `json:"message,omitempty"`
	Messages []domain.Turn `json:"messages,omitempty"`
}

// Response is a server frame.
type Response struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id,omitempty"`
	Text   string `json:"text,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Handler upgrades connections and serves one relay request at a time.
type Handler struct {
	relay         *relay.Service
	allowedOrigin string
	readLimit     int64
}

// NewHandler creates a WebSocket handler. An allowedOrigin of "" or "*"
// accepts any origin.
func NewHandler(svc *relay.Service, allowedOrigin string, readLimit int64) *Handler {
	if readLimit <= 0 {
		readLimit = 1 << 20
	}
	return &Handler{relay: svc, allowedOrigin: allowedOrigin, readLimit: readLimit}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(h.readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requests := make(chan Request, maxPendingRequests)

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: keeps reading while a reply streams so a disconnect
	// cancels the reply in flight.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, requests)
	}()

	// Serve loop: one relay request at a time.
	go func() {
		defer wg.Done()
		defer cancel()
		h.serveLoop(ctx, ws, requests)
	}()

	wg.Wait()
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, requests chan<- Request) {
	for {
		var req Request
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client")
			} else {
				slog.Warn("WebSocket read error", "error", err)
			}
			return
		}

		if req.Type == TypePing {
			if err := wsjson.Write(ctx, ws, Response{Type: TypePong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
			continue
		}

		select {
		case requests <- req:
		default:
			if err := writeError(ctx, ws, validationError("too many pending requests")); err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}
		}
	}
}

func (h *Handler) serveLoop(ctx context.Context, ws *websocket.Conn, requests <-chan Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requests:
			if err := h.dispatch(ctx, ws, req); err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}
		}
	}
}

// dispatch handles one request. Only write errors are returned; request
// failures are reported to the client as error frames.
func (h *Handler) dispatch(ctx context.Context, ws *websocket.Conn, req Request) error {
	switch req.Type {
	case TypeStart:
		reply, err := h.relay.StartChat(ctx, req.Messages)
		if err != nil {
			return writeError(ctx, ws, err)
		}
		if err := wsjson.Write(ctx, ws, Response{Type: TypeChat, ChatID: reply.ChatID}); err != nil {
			_ = reply.Close()
			return err
		}
		return relayFragments(ctx, ws, reply)

	case TypeContinue:
		if req.Message == nil {
			return writeError(ctx, ws, validationError("message is required"))
		}
		reply, err := h.relay.ContinueChat(ctx, req.ChatID, *req.Message)
		if err != nil {
			return writeError(ctx, ws, err)
		}
		return relayFragments(ctx, ws, reply)

	default:
		return writeError(ctx, ws, validationError("unknown request type "+req.Type))
	}
}

func relayFragments(ctx context.Context, ws *websocket.Conn, reply *relay.Reply) error {
	for fragment, err := range reply.Fragments() {
		if err != nil {
			return writeError(ctx, ws, err)
		}
		if err := wsjson.Write(ctx, ws, Response{Type: TypeFragment, Text: fragment}); err != nil {
			return err
		}
	}
	return wsjson.Write(ctx, ws, Response{Type: TypeDone})
}

func writeError(ctx context.Context, ws *websocket.Conn, err error) error {
	code := api.ErrorCode(err)
	msg := err.Error()
	switch code {
	case api.CodeNotFound:
		msg = "chat not found"
	case api.CodeUpstreamFailure:
		msg = "upstream failure"
	case api.CodePersistenceFailure:
		msg = "persistence failure"
	}
	return wsjson.Write(ctx, ws, Response{Type: TypeError, Code: code, Error: msg})
}

func validationError(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }
func (e *requestError) Unwrap() error { return domain.ErrValidation }

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
