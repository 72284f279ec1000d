// Package completion defines the streaming completion contract and an
// OpenAI-compatible adapter for it.
package completion

import (
	"context"

	"github.com/ashureev/streamchat/internal/domain"
)

// Provider opens a live completion stream for an ordered list of turns.
//
// StreamCompletion returns only after the upstream accepted the request, so
// connection and status failures surface before any fragment is produced.
type Provider interface {
	StreamCompletion(ctx context.Context, turns []domain.Turn) (Stream, error)
}

// Stream is a finite, non-restartable sequence of text fragments.
//
// Recv returns the next non-empty fragment, io.EOF after the provider
// signalled completion, or an error wrapping domain.ErrUpstream.
type Stream interface {
	Recv() (string, error)
	Close() error
}
