// Package controller keeps a client's view of its chats consistent with the
// relay: optimistic submission, live fragment display, reconciliation on
// success and exact rollback on failure.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
)

var (
	// ErrBusy is returned while a submission is in flight.
	ErrBusy = errors.New("a reply is still streaming")
	// ErrEmptyInput is returned when submitting blank input.
	ErrEmptyInput = errors.New("input is empty")
)

// Phase is the controller's position in a submission.
type Phase int

// Submission phases.
const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
	PhaseReconciling
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseReconciling:
		return "reconciling"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ChatSummary is one entry of the chat list.
type ChatSummary struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// State is the client-visible view. While streaming, the last entry of
// ActiveMessages is an empty assistant placeholder and the live text is in
// StreamingBuffer.
type State struct {
	Chats           []ChatSummary
	ActiveChatID    string
	ActiveMessages  []domain.Turn
	StreamingBuffer string
	Phase           Phase
	Input           string
}

// Transcript returns the messages as they should be displayed, with the
// placeholder showing the live buffer.
func (s State) Transcript() []domain.Turn {
	out := domain.CloneTurns(s.ActiveMessages)
	if s.Phase == PhaseStreaming && len(out) > 0 {
		out[len(out)-1].Content = s.StreamingBuffer
	}
	return out
}

func (s State) clone() State {
	s.Chats = slices.Clone(s.Chats)
	s.ActiveMessages = domain.CloneTurns(s.ActiveMessages)
	return s
}

// Controller owns State. All mutation goes through its methods.
type Controller struct {
	backend Backend
	now     func() time.Time

	mu    sync.Mutex
	state State
}

// New creates an idle controller with no chats loaded.
func New(backend Backend) *Controller {
	return &Controller{
		backend: backend,
		now:     time.Now,
		state:   State{ActiveMessages: []domain.Turn{}},
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// SetInput replaces the pending input text.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Input = text
}

// LoadChats replaces the chat list with the server's.
func (c *Controller) LoadChats(ctx context.Context) error {
	chats, err := c.backend.ListChats(ctx)
	if err != nil {
		return err
	}
	summaries := make([]ChatSummary, 0, len(chats))
	for _, ch := range chats {
		summaries = append(summaries, ChatSummary{ID: ch.ID, Title: ch.Title, CreatedAt: ch.CreatedAt})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Chats = summaries
	return nil
}

// SelectChat makes chatID active and loads its messages.
func (c *Controller) SelectChat(ctx context.Context, chatID string) error {
	if c.busy() {
		return ErrBusy
	}
	chat, err := c.backend.GetChat(ctx, chatID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseIdle {
		return ErrBusy
	}
	c.state.ActiveChatID = chat.ID
	c.state.ActiveMessages = domain.CloneTurns(chat.Messages)
	c.state.StreamingBuffer = ""
	return nil
}

// NewChat clears the active chat so the next Submit starts a new one.
func (c *Controller) NewChat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseIdle {
		return ErrBusy
	}
	c.state.ActiveChatID = ""
	c.state.ActiveMessages = []domain.Turn{}
	c.state.StreamingBuffer = ""
	return nil
}

// Rename sets a chat's title on the server and mirrors it locally.
func (c *Controller) Rename(ctx context.Context, chatID, title string) error {
	chat, err := c.backend.RenameChat(ctx, chatID, title)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.state.Chats {
		if c.state.Chats[i].ID == chatID {
			c.state.Chats[i].Title = chat.Title
		}
	}
	return nil
}

// Delete removes a chat on the server and locally. The active chat cannot be
// deleted while its reply is streaming.
func (c *Controller) Delete(ctx context.Context, chatID string) error {
	c.mu.Lock()
	if c.state.Phase != PhaseIdle && c.state.ActiveChatID == chatID {
		c.mu.Unlock()
		return ErrBusy
	}
	c.mu.Unlock()

	if err := c.backend.DeleteChat(ctx, chatID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Chats = slices.DeleteFunc(c.state.Chats, func(s ChatSummary) bool { return s.ID == chatID })
	if c.state.ActiveChatID == chatID {
		c.state.ActiveChatID = ""
		c.state.ActiveMessages = []domain.Turn{}
		c.state.StreamingBuffer = ""
	}
	return nil
}

// Submit sends the pending input to the active chat, or starts a new chat if
// none is active. onUpdate, if set, receives a snapshot after every state
// change and is called without the controller's lock held. On failure the
// pre-submission view is restored and the error returned.
func (c *Controller) Submit(ctx context.Context, onUpdate func(State)) error {
	notify := func() {
		if onUpdate != nil {
			onUpdate(c.Snapshot())
		}
	}

	c.mu.Lock()
	if c.state.Phase != PhaseIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	input := c.state.Input
	if strings.TrimSpace(input) == "" {
		c.mu.Unlock()
		return ErrEmptyInput
	}
	prev := c.state.clone()
	chatID := c.state.ActiveChatID
	c.state.ActiveMessages = append(c.state.ActiveMessages, domain.Turn{Role: domain.RoleUser, Content: input})
	c.state.Input = ""
	c.state.Phase = PhaseSending
	sent := domain.CloneTurns(c.state.ActiveMessages)
	c.mu.Unlock()
	notify()

	var (
		stream ReplyStream
		err    error
	)
	if chatID == "" {
		stream, err = c.backend.StartChat(ctx, sent)
	} else {
		stream, err = c.backend.ContinueChat(ctx, chatID, input)
	}
	if err != nil {
		return c.fail(prev, err, notify)
	}
	defer func() { _ = stream.Close() }()

	c.mu.Lock()
	c.state.ActiveMessages = append(c.state.ActiveMessages, domain.Turn{Role: domain.RoleAssistant})
	c.state.StreamingBuffer = ""
	c.state.Phase = PhaseStreaming
	c.mu.Unlock()
	notify()

	for {
		fragment, recvErr := stream.Recv()
		if fragment != "" {
			c.mu.Lock()
			c.state.StreamingBuffer += fragment
			c.mu.Unlock()
			notify()
		}
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return c.fail(prev, recvErr, notify)
		}
	}

	c.mu.Lock()
	c.state.Phase = PhaseReconciling
	last := len(c.state.ActiveMessages) - 1
	c.state.ActiveMessages[last].Content = c.state.StreamingBuffer
	c.state.StreamingBuffer = ""
	if chatID == "" {
		c.state.ActiveChatID = stream.ChatID()
		c.state.Chats = append([]ChatSummary{{
			ID:        stream.ChatID(),
			Title:     domain.DeriveTitle(sent),
			CreatedAt: c.now(),
		}}, c.state.Chats...)
	}
	c.mu.Unlock()
	notify()

	c.mu.Lock()
	c.state.Phase = PhaseIdle
	c.mu.Unlock()
	notify()
	return nil
}

// fail restores the interaction fields captured before submission, passing
// through PhaseFailed. The chat list is left alone; it was not touched by the
// failed submission.
func (c *Controller) fail(prev State, err error, notify func()) error {
	c.mu.Lock()
	c.state.ActiveChatID = prev.ActiveChatID
	c.state.ActiveMessages = prev.ActiveMessages
	c.state.StreamingBuffer = prev.StreamingBuffer
	c.state.Input = prev.Input
	c.state.Phase = PhaseFailed
	c.mu.Unlock()
	notify()

	c.mu.Lock()
	c.state.Phase = PhaseIdle
	c.mu.Unlock()
	notify()
	return err
}

func (c *Controller) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase != PhaseIdle
}
