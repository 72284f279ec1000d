package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/streamchat/internal/api"
	"github.com/ashureev/streamchat/internal/completion/completiontest"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/relay"
	"github.com/ashureev/streamchat/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, repo store.Repository, provider *completiontest.Provider) (*websocket.Conn, context.Context) {
	t.Helper()
	h := NewHandler(relay.NewService(repo, provider, nil, nil), "*", 0)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readUntilTerminal(t *testing.T, ctx context.Context, conn *websocket.Conn) []Response {
	t.Helper()
	var frames []Response
	for {
		var resp Response
		require.NoError(t, wsjson.Read(ctx, conn, &resp))
		frames = append(frames, resp)
		if resp.Type == TypeDone || resp.Type == TypeError {
			return frames
		}
	}
}

func TestStartThenContinue(t *testing.T) {
	repo := store.NewMemory()
	conn, ctx := dial(t, repo, completiontest.New("Hi", " ", "there!"))

	require.NoError(t, wsjson.Write(ctx, conn, Request{
		Type:     TypeStart,
		Messages: []domain.Turn{{Role: domain.RoleUser, Content: "Hello there friend"}},
	}))
	frames := readUntilTerminal(t, ctx, conn)
	require.Equal(t, TypeChat, frames[0].Type)
	chatID := frames[0].ChatID
	require.NotEmpty(t, chatID)

	var text strings.Builder
	for _, f := range frames[1 : len(frames)-1] {
		require.Equal(t, TypeFragment, f.Type)
		text.WriteString(f.Text)
	}
	require.Equal(t, "Hi there!", text.String())
	require.Equal(t, TypeDone, frames[len(frames)-1].Type)

	msg := "again"
	require.NoError(t, wsjson.Write(ctx, conn, Request{Type: TypeContinue, ChatID: chatID, Message: &msg}))
	frames = readUntilTerminal(t, ctx, conn)
	require.Equal(t, TypeFragment, frames[0].Type)
	require.Equal(t, TypeDone, frames[len(frames)-1].Type)

	chat, err := repo.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, chat.Messages, 4)
}

func TestContinueErrors(t *testing.T) {
	conn, ctx := dial(t, store.NewMemory(), completiontest.New("x"))

	msg := "hi"
	require.NoError(t, wsjson.Write(ctx, conn, Request{Type: TypeContinue, ChatID: "missing", Message: &msg}))
	frames := readUntilTerminal(t, ctx, conn)
	require.Equal(t, Response{Type: TypeError, Code: api.CodeNotFound, Error: "chat not found"}, frames[0])

	require.NoError(t, wsjson.Write(ctx, conn, Request{Type: TypeContinue, ChatID: "missing"}))
	frames = readUntilTerminal(t, ctx, conn)
	require.Equal(t, api.CodeValidation, frames[0].Code)

	require.NoError(t, wsjson.Write(ctx, conn, Request{Type: "bogus"}))
	frames = readUntilTerminal(t, ctx, conn)
	require.Equal(t, api.CodeValidation, frames[0].Code)
}

func TestUpstreamFailureFrame(t *testing.T) {
	conn, ctx := dial(t, store.NewMemory(), completiontest.Failing("par"))

	require.NoError(t, wsjson.Write(ctx, conn, Request{
		Type:     TypeStart,
		Messages: []domain.Turn{{Role: domain.RoleUser, Content: "go"}},
	}))
	frames := readUntilTerminal(t, ctx, conn)
	require.Equal(t, TypeChat, frames[0].Type)
	require.Equal(t, Response{Type: TypeFragment, Text: "par"}, frames[1])
	require.Equal(t, api.CodeUpstreamFailure, frames[2].Code)
}

func TestPing(t *testing.T) {
	conn, ctx := dial(t, store.NewMemory(), completiontest.New())
	require.NoError(t, wsjson.Write(ctx, conn, Request{Type: TypePing}))
	var resp Response
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	require.Equal(t, TypePong, resp.Type)
}

func TestOriginRejected(t *testing.T) {
	h := NewHandler(nil, "http://allowed", 0)
	req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	req.Header.Set("Origin", "http://evil")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func startAndReadFirst(t *testing.T, ctx context.Context, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, wsjson.Write(ctx, conn, Request{
		Type:     TypeStart,
		Messages: []domain.Turn{{Role: domain.RoleUser, Content: "tell me a story"}},
	}))
	var chat, fragment Response
	require.NoError(t, wsjson.Read(ctx, conn, &chat))
	require.Equal(t, TypeChat, chat.Type)
	require.NoError(t, wsjson.Read(ctx, conn, &fragment))
	require.Equal(t, Response{Type: TypeFragment, Text: "first"}, fragment)
	return chat.ChatID
}

func TestDisconnectCancelsReply(t *testing.T) {
	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	provider := completiontest.New("first", "never sent")
	provider.Gate = gate

	repo := store.NewMemory()
	conn, ctx := dial(t, repo, provider)
	chatID := startAndReadFirst(t, ctx, conn)

	// The provider now waits on the gate until its context ends.
	require.NoError(t, conn.CloseNow())

	contexts := provider.Contexts()
	require.Len(t, contexts, 1)
	select {
	case <-contexts[0].Done():
	case <-time.After(3 * time.Second):
		t.Fatal("reply context still live after the client went away")
	}

	chat, err := repo.GetChat(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, chat.Messages, 1)
}

func TestPingAnsweredWhileStreaming(t *testing.T) {
	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	provider := completiontest.New("first", "second")
	provider.Gate = gate

	conn, ctx := dial(t, store.NewMemory(), provider)
	startAndReadFirst(t, ctx, conn)

	require.NoError(t, wsjson.Write(ctx, conn, Request{Type: TypePing}))
	var resp Response
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	require.Equal(t, TypePong, resp.Type)

	gate <- struct{}{}
	frames := readUntilTerminal(t, ctx, conn)
	require.Equal(t, []Response{{Type: TypeFragment, Text: "second"}, {Type: TypeDone}}, frames)
}
