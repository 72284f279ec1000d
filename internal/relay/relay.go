// Package relay streams completion fragments to callers while accumulating
// them into the durable transcript.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/completion"
	"github.com/ashureev/streamchat/internal/convlog"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/store"
	"github.com/go-chi/chi/v5/middleware"
)

// ErrReplyConsumed is returned when a Reply is iterated twice.
var ErrReplyConsumed = errors.New("reply already consumed")

// Service is the stream relay. Each call is independent; no state is shared
// between concurrent chats beyond the store.
type Service struct {
	store    store.Repository
	provider completion.Provider
	convlog  *convlog.Logger
	logger   *slog.Logger
}

// NewService creates a relay. convLogger may be nil.
func NewService(repo store.Repository, provider completion.Provider, convLogger *convlog.Logger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    repo,
		provider: provider,
		convlog:  convLogger,
		logger:   logger,
	}
}

// StartChat creates a chat from the initial turns and opens its first reply.
// The chat id is available on the returned Reply before any fragment is read.
func (s *Service) StartChat(ctx context.Context, turns []domain.Turn) (*Reply, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: messages must not be empty", domain.ErrValidation)
	}
	if err := domain.ValidateTurns(turns); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	chat, err := s.store.CreateChat(ctx, domain.DeriveTitle(turns), turns)
	if err != nil {
		return nil, fmt.Errorf("start chat: %w", err)
	}
	s.logTurns(ctx, chat.ID, turns)

	return s.open(ctx, chat.ID, chat.Messages)
}

// ContinueChat appends message as a user turn to an existing chat and opens
// the reply. A missing chat fails with domain.ErrNotFound before the provider
// is contacted. Empty messages are passed through.
func (s *Service) ContinueChat(ctx context.Context, chatID, message string) (*Reply, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("continue chat: %w", err)
	}

	turn := domain.Turn{Role: domain.RoleUser, Content: message}
	updated := append(domain.CloneTurns(chat.Messages), turn)
	s.logTurns(ctx, chat.ID, []domain.Turn{turn})

	return s.open(ctx, chat.ID, updated)
}

func (s *Service) open(ctx context.Context, chatID string, turns []domain.Turn) (*Reply, error) {
	stream, err := s.provider.StreamCompletion(ctx, turns)
	if err != nil {
		if !errors.Is(err, domain.ErrUpstream) {
			err = fmt.Errorf("%w: %w", domain.ErrUpstream, err)
		}
		s.logger.Error("completion stream failed to open",
			"chat_id", chatID,
			"request_id", middleware.GetReqID(ctx),
			"error", err,
		)
		return nil, err
	}

	s.logger.Info("completion stream opened",
		"chat_id", chatID,
		"request_id", middleware.GetReqID(ctx),
		"turns", len(turns),
	)
	return &Reply{
		ChatID: chatID,
		ctx:    ctx,
		svc:    s,
		turns:  turns,
		stream: stream,
	}, nil
}

// Reply is one in-flight assistant reply.
type Reply struct {
	// ChatID is the chat the reply belongs to.
	ChatID string

	ctx    context.Context
	svc    *Service
	turns  []domain.Turn
	stream completion.Stream

	mu       sync.Mutex
	consumed bool
}

// Fragments yields provider fragments in arrival order. After the last
// fragment the full reply is written to the store before the sequence ends;
// a failed write is yielded as a final error wrapping domain.ErrPersistence.
// An upstream failure ends the sequence with an error wrapping
// domain.ErrUpstream and nothing is written. Stopping iteration early
// abandons the reply without writing it.
func (r *Reply) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		r.mu.Lock()
		if r.consumed {
			r.mu.Unlock()
			yield("", ErrReplyConsumed)
			return
		}
		r.consumed = true
		r.mu.Unlock()

		r.relay(yield)
	}
}

// Close releases the upstream stream if Fragments was never iterated.
func (r *Reply) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return nil
	}
	r.consumed = true
	return r.stream.Close()
}

func (r *Reply) relay(yield func(string, error) bool) {
	log := r.svc.logger.With(
		"chat_id", r.ChatID,
		"request_id", middleware.GetReqID(r.ctx),
	)
	defer func() {
		if err := r.stream.Close(); err != nil {
			log.Warn("failed to close completion stream", "error", err)
		}
	}()

	start := time.Now()
	var acc strings.Builder
	fragments := 0

	for {
		fragment, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !errors.Is(err, domain.ErrUpstream) {
				err = fmt.Errorf("%w: %w", domain.ErrUpstream, err)
			}
			log.Error("completion stream failed",
				"fragments", fragments,
				"bytes", acc.Len(),
				"error", err,
			)
			r.svc.logReply(r.ctx, r.ChatID, acc.String(), fragments, err)
			yield("", err)
			return
		}

		acc.WriteString(fragment)
		fragments++
		if !yield(fragment, nil) {
			log.Warn("caller stopped reading, reply not persisted",
				"fragments", fragments,
				"bytes", acc.Len(),
			)
			r.svc.logReply(r.ctx, r.ChatID, acc.String(), fragments, context.Canceled)
			return
		}
	}

	reply := acc.String()
	final := append(domain.CloneTurns(r.turns), domain.Turn{Role: domain.RoleAssistant, Content: reply})

	// The reply was fully delivered; the write must not be abandoned with the caller.
	writeCtx := context.WithoutCancel(r.ctx)
	if _, err := r.svc.store.ReplaceMessages(writeCtx, r.ChatID, final); err != nil {
		if !errors.Is(err, domain.ErrPersistence) && !errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("%w: %w", domain.ErrPersistence, err)
		}
		log.Error("failed to persist reply",
			"fragments", fragments,
			"bytes", len(reply),
			"error", err,
		)
		r.svc.logReply(r.ctx, r.ChatID, reply, fragments, err)
		yield("", err)
		return
	}

	log.Info("completion stream finished",
		"fragments", fragments,
		"bytes", len(reply),
		"duration", time.Since(start),
	)
	r.svc.logReply(r.ctx, r.ChatID, reply, fragments, nil)
}

// RenameChat replaces a chat's title. Blank titles are rejected and leave the
// record untouched.
func (s *Service) RenameChat(ctx context.Context, chatID, title string) (*domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title must not be empty", domain.ErrValidation)
	}
	chat, err := s.store.ReplaceTitle(ctx, chatID, title)
	if err != nil {
		return nil, fmt.Errorf("rename chat: %w", err)
	}
	return chat, nil
}

// DeleteChat removes a chat. Deleting a missing chat reports domain.ErrNotFound.
func (s *Service) DeleteChat(ctx context.Context, chatID string) error {
	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	s.logger.Info("chat deleted", "chat_id", chatID, "request_id", middleware.GetReqID(ctx))
	return nil
}

// ListChats returns all chats, newest first.
func (s *Service) ListChats(ctx context.Context) ([]*domain.Chat, error) {
	chats, err := s.store.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// GetChat returns one chat.
func (s *Service) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

// Ping reports store reachability.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) logTurns(ctx context.Context, chatID string, turns []domain.Turn) {
	for _, t := range turns {
		if t.Role != domain.RoleUser {
			continue
		}
		s.convlog.Log(convlog.Event{
			ChatID:    chatID,
			RequestID: middleware.GetReqID(ctx),
			Direction: convlog.DirectionInbound,
			EventType: convlog.EventUserMessage,
			Content:   t.Content,
		})
	}
}

func (s *Service) logReply(ctx context.Context, chatID, reply string, fragments int, streamErr error) {
	meta := map[string]any{"fragments": fragments}
	if streamErr != nil {
		meta["partial"] = !errors.Is(streamErr, domain.ErrPersistence)
		meta["stream_error"] = streamErr.Error()
	}
	s.convlog.Log(convlog.Event{
		ChatID:    chatID,
		RequestID: middleware.GetReqID(ctx),
		Direction: convlog.DirectionOutbound,
		EventType: convlog.EventAssistantReply,
		Content:   reply,
		Meta:      meta,
	})
}
