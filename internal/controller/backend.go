package controller

import (
	"context"

	"github.com/ashureev/streamchat/internal/domain"
)

// Backend is the relay as seen from the client side.
type Backend interface {
	StartChat(ctx context.Context, turns []domain.Turn) (ReplyStream, error)
	ContinueChat(ctx context.Context, chatID, message string) (ReplyStream, error)
	RenameChat(ctx context.Context, chatID, title string) (*domain.Chat, error)
	DeleteChat(ctx context.Context, chatID string) error
	ListChats(ctx context.Context) ([]*domain.Chat, error)
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)
}

// ReplyStream delivers one reply's fragments. ChatID is known before the
// first Recv. Recv returns io.EOF once the server confirmed the reply.
type ReplyStream interface {
	ChatID() string
	Recv() (string, error)
	Close() error
}
