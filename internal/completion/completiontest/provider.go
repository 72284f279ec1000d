// Package completiontest provides a scripted completion.Provider for tests.
package completiontest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ashureev/streamchat/internal/completion"
	"github.com/ashureev/streamchat/internal/domain"
)

// Provider replays Fragments for every call. When FailAfter >= 0 the stream
// fails with an upstream error after that many fragments; OpenErr fails the
// call before any stream exists.
type Provider struct {
	Fragments []string
	FailAfter int
	OpenErr   error
	// Gate, when set, is received from before each fragment is delivered.
	Gate chan struct{}

	mu       sync.Mutex
	calls    [][]domain.Turn
	contexts []context.Context
}

// New returns a provider that emits fragments and completes normally.
func New(fragments ...string) *Provider {
	return &Provider{Fragments: fragments, FailAfter: -1}
}

// Failing returns a provider that emits fragments then breaks.
func Failing(fragments ...string) *Provider {
	return &Provider{Fragments: fragments, FailAfter: len(fragments)}
}

// StreamCompletion records the turns and returns a scripted stream.
func (p *Provider) StreamCompletion(ctx context.Context, turns []domain.Turn) (completion.Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, domain.CloneTurns(turns))
	p.contexts = append(p.contexts, ctx)
	p.mu.Unlock()

	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return &stream{ctx: ctx, p: p}, nil
}

// Calls returns the turns of every call made so far.
func (p *Provider) Calls() [][]domain.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]domain.Turn, len(p.calls))
	copy(out, p.calls)
	return out
}

// Contexts returns the context each call was made with.
func (p *Provider) Contexts() []context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]context.Context, len(p.contexts))
	copy(out, p.contexts)
	return out
}

type stream struct {
	ctx    context.Context
	p      *Provider
	next   int
	closed bool
}

func (s *stream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUpstream, err)
	}
	if s.p.FailAfter >= 0 && s.next >= s.p.FailAfter {
		return "", fmt.Errorf("%w: scripted failure", domain.ErrUpstream)
	}
	if s.next >= len(s.p.Fragments) {
		return "", io.EOF
	}
	if s.p.Gate != nil {
		select {
		case <-s.p.Gate:
		case <-s.ctx.Done():
			return "", fmt.Errorf("%w: %w", domain.ErrUpstream, s.ctx.Err())
		}
	}
	f := s.p.Fragments[s.next]
	s.next++
	return f, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}
