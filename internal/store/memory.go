package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore is a process-local Repository. It is used for development runs
// and as the default fake in handler tests.
type MemoryStore struct {
	mu    sync.RWMutex
	chats map[string]*memoryEntry
	seq   int64
	now   func() time.Time
}

type memoryEntry struct {
	chat *domain.Chat
	seq  int64
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		chats: make(map[string]*memoryEntry),
		now:   time.Now,
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// CreateChat stores a new chat with a generated id.
func (s *MemoryStore) CreateChat(_ context.Context, title string, messages []domain.Turn) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	chat := &domain.Chat{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  domain.CloneTurns(messages),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.seq++
	s.chats[chat.ID] = &memoryEntry{chat: chat, seq: s.seq}
	return cloneChat(chat), nil
}

// GetChat retrieves a chat by id.
func (s *MemoryStore) GetChat(_ context.Context, id string) (*domain.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", id, domain.ErrNotFound)
	}
	return cloneChat(entry.chat), nil
}

// ReplaceMessages overwrites the message sequence of a chat.
func (s *MemoryStore) ReplaceMessages(_ context.Context, id string, messages []domain.Turn) (*domain.Chat, error) {
	return s.update(id, func(c *domain.Chat) {
		c.Messages = domain.CloneTurns(messages)
	})
}

// ReplaceTitle overwrites the title of a chat.
func (s *MemoryStore) ReplaceTitle(_ context.Context, id string, title string) (*domain.Chat, error) {
	return s.update(id, func(c *domain.Chat) {
		c.Title = title
	})
}

func (s *MemoryStore) update(id string, mutate func(*domain.Chat)) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", id, domain.ErrNotFound)
	}
	mutate(entry.chat)
	entry.chat.UpdatedAt = s.now()
	return cloneChat(entry.chat), nil
}

// DeleteChat removes a chat.
func (s *MemoryStore) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[id]; !ok {
		return fmt.Errorf("delete chat %s: %w", id, domain.ErrNotFound)
	}
	delete(s.chats, id)
	return nil
}

// ListChats returns all chats ordered by creation time, newest first.
func (s *MemoryStore) ListChats(_ context.Context) ([]*domain.Chat, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.chats))
	for _, e := range s.chats {
		entries = append(entries, &memoryEntry{chat: cloneChat(e.chat), seq: e.seq})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		ci, cj := entries[i].chat.CreatedAt, entries[j].chat.CreatedAt
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return entries[i].seq > entries[j].seq
	})

	chats := make([]*domain.Chat, 0, len(entries))
	for _, e := range entries {
		chats = append(chats, e.chat)
	}
	return chats, nil
}
