package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/streamchat/internal/completion/completiontest"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/relay"
	"github.com/ashureev/streamchat/internal/store"
	"github.com/go-chi/chi/v5"
)

// brokenStore fails every write after the chat exists.
type brokenStore struct {
	*store.MemoryStore
}

func (b brokenStore) ReplaceMessages(context.Context, string, []domain.Turn) (*domain.Chat, error) {
	return nil, fmt.Errorf("%w: read-only", domain.ErrPersistence)
}

func newTestServer(t *testing.T, repo store.Repository, provider *completiontest.Provider) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewChatHandler(relay.NewService(repo, provider, nil, nil), 1024).RegisterRoutes(r)
	NewHealthHandler(repo).RegisterHealth(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestStartChatStreamsReplyWithChatID(t *testing.T) {
	repo := store.NewMemory()
	srv := newTestServer(t, repo, completiontest.New("Hi", " ", "there!"))

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/stream/chat",
		`{"messages":[{"role":"user","content":"Hello there friend"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	chatID := resp.Header.Get(HeaderChatID)
	if chatID == "" {
		t.Fatal("expected X-Chat-ID header")
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	if body := readBody(t, resp); body != "Hi there!" {
		t.Fatalf("unexpected body %q", body)
	}
	if trailer := resp.Trailer.Get(TrailerStreamError); trailer != "" {
		t.Fatalf("unexpected stream error trailer %q", trailer)
	}

	chat, err := repo.GetChat(context.Background(), chatID)
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if chat.Title != "Hello there friend" || len(chat.Messages) != 2 {
		t.Fatalf("unexpected persisted chat %+v", chat)
	}
}

func TestStartChatValidation(t *testing.T) {
	srv := newTestServer(t, store.NewMemory(), completiontest.New("x"))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"malformed", `{"messages":`, http.StatusBadRequest},
		{"no messages", `{"messages":[]}`, http.StatusBadRequest},
		{"bad role", `{"messages":[{"role":"system","content":"x"}]}`, http.StatusBadRequest},
		{"too large", `{"messages":[{"role":"user","content":"` + strings.Repeat("a", 2048) + `"}]}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, srv.URL+"/api/stream/chat", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestContinueChat(t *testing.T) {
	repo := store.NewMemory()
	chat, err := repo.CreateChat(context.Background(), "hi", []domain.Turn{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	srv := newTestServer(t, repo, completiontest.New("I'm", " good,", " thanks"))

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/stream/chat/"+chat.ID, `{"message":"how are you"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "I'm good, thanks" {
		t.Fatalf("unexpected body %q", body)
	}

	got, err := repo.GetChat(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got.Messages))
	}
}

func TestContinueChatErrors(t *testing.T) {
	repo := store.NewMemory()
	chat, err := repo.CreateChat(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	provider := completiontest.New("x")
	srv := newTestServer(t, repo, provider)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/stream/chat/missing", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodPost, srv.URL+"/api/stream/chat/"+chat.ID, `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing message, got %d", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodPost, srv.URL+"/api/stream/chat/"+chat.ID, `{"message":42}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-string message, got %d", resp.StatusCode)
	}
	if calls := len(provider.Calls()); calls != 0 {
		t.Fatalf("expected no provider calls, got %d", calls)
	}
}

func TestStreamFailuresReportedInTrailer(t *testing.T) {
	t.Run("upstream", func(t *testing.T) {
		repo := store.NewMemory()
		chat, _ := repo.CreateChat(context.Background(), "hi", nil)
		srv := newTestServer(t, repo, completiontest.Failing("part"))

		resp := doRequest(t, http.MethodPost, srv.URL+"/api/stream/chat/"+chat.ID, `{"message":"go"}`)
		if body := readBody(t, resp); body != "part" {
			t.Fatalf("expected forwarded partial body, got %q", body)
		}
		if got := resp.Trailer.Get(TrailerStreamError); got != CodeUpstreamFailure {
			t.Fatalf("expected upstream trailer, got %q", got)
		}
	})

	t.Run("persistence", func(t *testing.T) {
		repo := brokenStore{store.NewMemory()}
		chat, _ := repo.CreateChat(context.Background(), "hi", nil)
		srv := newTestServer(t, repo, completiontest.New("full reply"))

		resp := doRequest(t, http.MethodPost, srv.URL+"/api/stream/chat/"+chat.ID, `{"message":"go"}`)
		if body := readBody(t, resp); body != "full reply" {
			t.Fatalf("expected full body, got %q", body)
		}
		if got := resp.Trailer.Get(TrailerStreamError); got != CodePersistenceFailure {
			t.Fatalf("expected persistence trailer, got %q", got)
		}
	})
}

func TestListGetRenameDelete(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()
	first, _ := repo.CreateChat(ctx, "first", nil)
	second, _ := repo.CreateChat(ctx, "second", nil)
	srv := newTestServer(t, repo, completiontest.New())

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/stream/chat", "")
	var list []domain.Chat
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/stream/chat/"+first.ID, "")
	var got domain.Chat
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if got.Title != "first" {
		t.Fatalf("unexpected chat %+v", got)
	}

	for _, body := range []string{`{"title":""}`, `{"title":"  "}`, `{}`, `{"title":7}`} {
		resp = doRequest(t, http.MethodPut, srv.URL+"/api/stream/chat/"+first.ID+"/title", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, resp.StatusCode)
		}
	}
	unchanged, _ := repo.GetChat(ctx, first.ID)
	if unchanged.Title != "first" {
		t.Fatalf("title changed after rejected rename: %q", unchanged.Title)
	}

	resp = doRequest(t, http.MethodPut, srv.URL+"/api/stream/chat/"+first.ID+"/title", `{"title":"renamed"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodPut, srv.URL+"/api/stream/chat/missing/title", `{"title":"x"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/stream/chat/"+first.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/stream/chat/"+first.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.StatusCode)
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return fmt.Errorf("down") }

func TestHealth(t *testing.T) {
	r := chi.NewRouter()
	NewHealthHandler(store.NewMemory()).RegisterHealth(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	r = chi.NewRouter()
	NewHealthHandler(downPinger{}).RegisterHealth(r)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", bytes.NewReader(nil)))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
