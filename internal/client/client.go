// Package client talks to the chat relay over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/streamchat/internal/api"
	"github.com/ashureev/streamchat/internal/controller"
	"github.com/ashureev/streamchat/internal/domain"
)

// APIError is a non-200 response from the relay.
type APIError struct {
	Status  int
	Message string
	kind    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// Client implements controller.Backend against a relay server.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ controller.Backend = (*Client)(nil)

// New creates a client for the server at baseURL.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		// Streams are open-ended; only the response header is time-bound.
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 2 * time.Minute,
			},
		}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// StartChat opens a new chat with the given turns.
func (c *Client) StartChat(ctx context.Context, turns []domain.Turn) (controller.ReplyStream, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/stream/chat", api.StartChatRequest{Messages: turns})
	if err != nil {
		return nil, err
	}
	chatID := resp.Header.Get(api.HeaderChatID)
	if chatID == "" {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: response missing %s header", domain.ErrUpstream, api.HeaderChatID)
	}
	return newStream(chatID, resp), nil
}

// ContinueChat sends message to an existing chat.
func (c *Client) ContinueChat(ctx context.Context, chatID, message string) (controller.ReplyStream, error) {
	resp, err := c.do(ctx, http.MethodPost, chatPath(chatID), api.ContinueChatRequest{Message: &message})
	if err != nil {
		return nil, err
	}
	return newStream(chatID, resp), nil
}

// RenameChat replaces a chat's title.
func (c *Client) RenameChat(ctx context.Context, chatID, title string) (*domain.Chat, error) {
	var chat domain.Chat
	if err := c.doJSON(ctx, http.MethodPut, chatPath(chatID)+"/title", api.RenameChatRequest{Title: &title}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// DeleteChat removes a chat.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.doJSON(ctx, http.MethodDelete, chatPath(chatID), nil, nil)
}

// ListChats returns all chats, newest first.
func (c *Client) ListChats(ctx context.Context) ([]*domain.Chat, error) {
	var chats []*domain.Chat
	if err := c.doJSON(ctx, http.MethodGet, "/api/stream/chat", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// GetChat returns one chat.
func (c *Client) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	var chat domain.Chat
	if err := c.doJSON(ctx, http.MethodGet, chatPath(chatID), nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func chatPath(chatID string) string {
	return "/api/stream/chat/" + url.PathEscape(chatID)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends the request and returns the response only for status 200.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", domain.ErrUpstream, method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: msg}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		apiErr.kind = domain.ErrNotFound
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		apiErr.kind = domain.ErrValidation
	case msg == "upstream failure":
		apiErr.kind = domain.ErrUpstream
	default:
		apiErr.kind = domain.ErrPersistence
	}
	return apiErr
}

// stream reads an unframed text body, never splitting a UTF-8 sequence
// across two fragments.
type stream struct {
	chatID  string
	resp    *http.Response
	buf     []byte
	pending []byte
	eof     bool
	final   error
}

func newStream(chatID string, resp *http.Response) *stream {
	return &stream{chatID: chatID, resp: resp, buf: make([]byte, 4096)}
}

func (s *stream) ChatID() string { return s.chatID }

func (s *stream) Recv() (string, error) {
	for !s.eof {
		n, err := s.resp.Body.Read(s.buf)
		s.pending = append(s.pending, s.buf[:n]...)
		if errors.Is(err, io.EOF) {
			s.eof = true
		} else if err != nil {
			return "", fmt.Errorf("%w: read reply: %w", domain.ErrUpstream, err)
		}

		cut := len(s.pending)
		if !s.eof {
			cut = completePrefix(s.pending)
		}
		if cut > 0 {
			text := string(s.pending[:cut])
			s.pending = append(s.pending[:0], s.pending[cut:]...)
			return text, nil
		}
	}
	if s.final == nil {
		s.final = trailerError(s.resp.Trailer.Get(api.TrailerStreamError))
	}
	return "", s.final
}

// trailerError maps the X-Stream-Error trailer, read after the body is
// exhausted, onto the reply's terminal error.
func trailerError(code string) error {
	switch code {
	case "":
		return io.EOF
	case api.CodeUpstreamFailure:
		return fmt.Errorf("%w: stream interrupted", domain.ErrUpstream)
	default:
		return fmt.Errorf("%w: reply not saved", domain.ErrPersistence)
	}
}

func (s *stream) Close() error {
	return s.resp.Body.Close()
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
