package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	chatID    string
	fragments []string
	err       error
	next      int
	closed    bool
}

func (s *fakeStream) ChatID() string { return s.chatID }

func (s *fakeStream) Recv() (string, error) {
	if s.next < len(s.fragments) {
		f := s.fragments[s.next]
		s.next++
		return f, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// fakeBackend keeps chats in memory and replies with scripted fragments.
type fakeBackend struct {
	mu        sync.Mutex
	chats     map[string]*domain.Chat
	order     []string
	fragments []string
	streamErr error
	openErr   error
	opErr     error
	started   [][]domain.Turn
	continued []string
	seq       int
}

func newFakeBackend(fragments ...string) *fakeBackend {
	return &fakeBackend{chats: make(map[string]*domain.Chat), fragments: fragments}
}

func (b *fakeBackend) seed(title string, turns ...domain.Turn) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("chat-%d", b.seq)
	b.chats[id] = &domain.Chat{ID: id, Title: title, Messages: turns, CreatedAt: time.Unix(int64(b.seq), 0)}
	b.order = append([]string{id}, b.order...)
	return id
}

func (b *fakeBackend) StartChat(_ context.Context, turns []domain.Turn) (ReplyStream, error) {
	b.mu.Lock()
	b.started = append(b.started, domain.CloneTurns(turns))
	b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	id := b.seed(domain.DeriveTitle(turns), turns...)
	return &fakeStream{chatID: id, fragments: b.fragments, err: b.streamErr}, nil
}

func (b *fakeBackend) ContinueChat(_ context.Context, chatID, message string) (ReplyStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.continued = append(b.continued, message)
	if b.openErr != nil {
		return nil, b.openErr
	}
	if _, ok := b.chats[chatID]; !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	return &fakeStream{chatID: chatID, fragments: b.fragments, err: b.streamErr}, nil
}

func (b *fakeBackend) RenameChat(_ context.Context, chatID, title string) (*domain.Chat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opErr != nil {
		return nil, b.opErr
	}
	c, ok := b.chats[chatID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c.Title = title
	out := *c
	return &out, nil
}

func (b *fakeBackend) DeleteChat(_ context.Context, chatID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opErr != nil {
		return b.opErr
	}
	if _, ok := b.chats[chatID]; !ok {
		return domain.ErrNotFound
	}
	delete(b.chats, chatID)
	return nil
}

func (b *fakeBackend) ListChats(context.Context) ([]*domain.Chat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Chat
	for _, id := range b.order {
		if c, ok := b.chats[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *fakeBackend) GetChat(_ context.Context, chatID string) (*domain.Chat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.chats[chatID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *c
	out.Messages = domain.CloneTurns(c.Messages)
	return &out, nil
}

func TestSubmitNewChat(t *testing.T) {
	backend := newFakeBackend("Hi", " ", "there!")
	c := New(backend)
	c.SetInput("Hello there friend")

	var phases []Phase
	var live []string
	err := c.Submit(context.Background(), func(s State) {
		if len(phases) == 0 || phases[len(phases)-1] != s.Phase {
			phases = append(phases, s.Phase)
		}
		if s.Phase == PhaseStreaming {
			live = append(live, s.Transcript()[len(s.Transcript())-1].Content)
		}
	})
	require.NoError(t, err)

	require.Equal(t, []Phase{PhaseSending, PhaseStreaming, PhaseReconciling, PhaseIdle}, phases)
	require.Equal(t, []string{"", "Hi", "Hi ", "Hi there!"}, live)

	s := c.Snapshot()
	require.Equal(t, PhaseIdle, s.Phase)
	require.Empty(t, s.Input)
	require.Empty(t, s.StreamingBuffer)
	require.Equal(t, "chat-1", s.ActiveChatID)
	require.Equal(t, []domain.Turn{
		{Role: domain.RoleUser, Content: "Hello there friend"},
		{Role: domain.RoleAssistant, Content: "Hi there!"},
	}, s.ActiveMessages)
	require.Len(t, s.Chats, 1)
	require.Equal(t, ChatSummary{ID: "chat-1", Title: "Hello there friend", CreatedAt: s.Chats[0].CreatedAt}, s.Chats[0])

	require.Equal(t, [][]domain.Turn{{{Role: domain.RoleUser, Content: "Hello there friend"}}}, backend.started)
}

func TestSubmitContinuesActiveChat(t *testing.T) {
	backend := newFakeBackend("I'm", " good,", " thanks")
	id := backend.seed("hi",
		domain.Turn{Role: domain.RoleUser, Content: "hi"},
		domain.Turn{Role: domain.RoleAssistant, Content: "hello"},
	)
	c := New(backend)
	ctx := context.Background()
	require.NoError(t, c.LoadChats(ctx))
	require.NoError(t, c.SelectChat(ctx, id))

	c.SetInput("how are you")
	require.NoError(t, c.Submit(ctx, nil))

	s := c.Snapshot()
	require.Len(t, s.ActiveMessages, 4)
	require.Equal(t, domain.Turn{Role: domain.RoleAssistant, Content: "I'm good, thanks"}, s.ActiveMessages[3])
	require.Len(t, s.Chats, 1, "continuing must not add a chat summary")
	require.Equal(t, []string{"how are you"}, backend.continued)
}

func TestSubmitRejectsBlankAndBusy(t *testing.T) {
	c := New(newFakeBackend())
	c.SetInput("   ")
	require.ErrorIs(t, c.Submit(context.Background(), nil), ErrEmptyInput)
	require.Equal(t, "   ", c.Snapshot().Input)

	c.mu.Lock()
	c.state.Phase = PhaseStreaming
	c.mu.Unlock()
	c.SetInput("hello")
	require.ErrorIs(t, c.Submit(context.Background(), nil), ErrBusy)
	require.ErrorIs(t, c.SelectChat(context.Background(), "x"), ErrBusy)
	require.ErrorIs(t, c.NewChat(), ErrBusy)
}

func TestSubmitRollsBackOnOpenFailure(t *testing.T) {
	backend := newFakeBackend()
	id := backend.seed("hi", domain.Turn{Role: domain.RoleUser, Content: "hi"}, domain.Turn{Role: domain.RoleAssistant, Content: "hello"})
	c := New(backend)
	ctx := context.Background()
	require.NoError(t, c.LoadChats(ctx))
	require.NoError(t, c.SelectChat(ctx, id))
	c.SetInput("next")
	before := c.Snapshot()

	backend.openErr = fmt.Errorf("%w: refused", domain.ErrUpstream)
	var sawFailed bool
	err := c.Submit(ctx, func(s State) {
		if s.Phase == PhaseFailed {
			sawFailed = true
		}
	})
	require.ErrorIs(t, err, domain.ErrUpstream)
	require.True(t, sawFailed)
	require.Equal(t, before, c.Snapshot())
}

func TestSubmitRollsBackMidStream(t *testing.T) {
	backend := newFakeBackend("partial", " text")
	backend.streamErr = errors.New("connection reset")
	c := New(backend)
	c.SetInput("new question")
	before := c.Snapshot()

	err := c.Submit(context.Background(), nil)
	require.Error(t, err)

	after := c.Snapshot()
	require.Equal(t, before, after)
	require.Empty(t, after.ActiveChatID, "failed start must not adopt the chat id")
	require.Empty(t, after.Chats)
}

func TestRenameAndDelete(t *testing.T) {
	backend := newFakeBackend()
	a := backend.seed("a")
	b := backend.seed("b", domain.Turn{Role: domain.RoleUser, Content: "x"})
	c := New(backend)
	ctx := context.Background()
	require.NoError(t, c.LoadChats(ctx))
	require.Equal(t, b, c.Snapshot().Chats[0].ID)

	require.NoError(t, c.Rename(ctx, a, "renamed"))
	require.Equal(t, "renamed", c.Snapshot().Chats[1].Title)

	backend.opErr = errors.New("rejected")
	require.Error(t, c.Rename(ctx, a, ""))
	require.Equal(t, "renamed", c.Snapshot().Chats[1].Title)
	require.Error(t, c.Delete(ctx, a))
	require.Len(t, c.Snapshot().Chats, 2)
	backend.opErr = nil

	require.NoError(t, c.SelectChat(ctx, b))
	require.NoError(t, c.Delete(ctx, b))
	s := c.Snapshot()
	require.Len(t, s.Chats, 1)
	require.Empty(t, s.ActiveChatID)
	require.Empty(t, s.ActiveMessages)

	require.ErrorIs(t, c.Delete(ctx, b), domain.ErrNotFound)
}

func TestNewChatClearsActive(t *testing.T) {
	backend := newFakeBackend("ok")
	id := backend.seed("t", domain.Turn{Role: domain.RoleUser, Content: "x"})
	c := New(backend)
	ctx := context.Background()
	require.NoError(t, c.SelectChat(ctx, id))
	require.NoError(t, c.NewChat())

	c.SetInput("fresh start")
	require.NoError(t, c.Submit(ctx, nil))
	s := c.Snapshot()
	require.NotEqual(t, id, s.ActiveChatID)
	require.Len(t, s.ActiveMessages, 2)
}

func TestSnapshotIsIndependent(t *testing.T) {
	backend := newFakeBackend("ok")
	c := New(backend)
	c.SetInput("hello")
	require.NoError(t, c.Submit(context.Background(), nil))

	s := c.Snapshot()
	s.ActiveMessages[0].Content = "mutated"
	s.Chats[0].Title = "mutated"
	fresh := c.Snapshot()
	require.Equal(t, "hello", fresh.ActiveMessages[0].Content)
	require.Equal(t, "hello", fresh.Chats[0].Title)
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "streaming", PhaseStreaming.String())
	require.Equal(t, "phase(42)", Phase(42).String())
}
