// Package store provides transcript persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/streamchat/internal/domain"
)

// Repository is the durable record of chats. Every operation is atomic for a
// single chat; missing ids yield domain.ErrNotFound and storage failures wrap
// domain.ErrPersistence.
type Repository interface {
	// CreateChat stores a new chat and assigns its id and creation time.
	CreateChat(ctx context.Context, title string, messages []domain.Turn) (*domain.Chat, error)

	// GetChat retrieves a chat by id.
	GetChat(ctx context.Context, id string) (*domain.Chat, error)

	// ReplaceMessages overwrites the message sequence of a chat.
	ReplaceMessages(ctx context.Context, id string, messages []domain.Turn) (*domain.Chat, error)

	// ReplaceTitle overwrites the title of a chat.
	ReplaceTitle(ctx context.Context, id string, title string) (*domain.Chat, error)

	// DeleteChat removes a chat permanently.
	DeleteChat(ctx context.Context, id string) error

	// ListChats returns all chats, newest first.
	ListChats(ctx context.Context) ([]*domain.Chat, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Open returns the repository for driver, rooted at path where the driver needs one.
func Open(driver, path string) (Repository, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(path)
	case DriverBolt:
		return NewBolt(path)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func encodeTurns(turns []domain.Turn) (string, error) {
	if turns == nil {
		turns = []domain.Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("%w: encode messages: %w", domain.ErrPersistence, err)
	}
	return string(data), nil
}

// decodeTurns parses a persisted message blob and rejects anything that is not
// a sequence of well-formed turns.
func decodeTurns(raw string) ([]domain.Turn, error) {
	if raw == "" {
		return []domain.Turn{}, nil
	}
	var turns []domain.Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("%w: malformed messages: %w", domain.ErrPersistence, err)
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	if err := domain.ValidateTurns(turns); err != nil {
		return nil, fmt.Errorf("%w: malformed messages: %w", domain.ErrPersistence, err)
	}
	return turns, nil
}

func cloneChat(c *domain.Chat) *domain.Chat {
	out := *c
	out.Messages = domain.CloneTurns(c.Messages)
	return &out
}
