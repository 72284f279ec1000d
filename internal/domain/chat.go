// Package domain contains core domain types for the chat relay.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role tags the speaker of a Turn.
type Role string

const (
	// RoleUser marks a turn written by the person chatting.
	RoleUser Role = "user"
	// RoleAssistant marks a turn produced by the completion provider.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Chat is a persisted conversation.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Turn    `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

const (
	// DefaultTitle is used when a chat starts without any user turn.
	DefaultTitle = "New Chat"
	// TitleWords is how many words of the first user turn make up a derived title.
	TitleWords = 4
	// TitleEllipsis is appended when the derived title is shorter than its source.
	TitleEllipsis = "..."
)

// DeriveTitle builds a chat title from the first user turn: its first four
// whitespace-separated words joined by single spaces, with an ellipsis appended
// when the source text is longer than the result.
func DeriveTitle(turns []Turn) string {
	var first string
	found := false
	for _, t := range turns {
		if t.Role == RoleUser {
			first = t.Content
			found = true
			break
		}
	}
	if !found {
		return DefaultTitle
	}

	words := strings.Fields(first)
	if len(words) == 0 {
		return DefaultTitle
	}
	if len(words) > TitleWords {
		words = words[:TitleWords]
	}
	title := strings.Join(words, " ")
	if len(first) > len(title) {
		title += TitleEllipsis
	}
	return title
}

// ValidateTurns checks that every turn carries a known role.
func ValidateTurns(turns []Turn) error {
	for i, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("turn %d: unknown role %q", i, t.Role)
		}
	}
	return nil
}

// CloneTurns returns a copy of turns that shares no backing array with the input.
func CloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
