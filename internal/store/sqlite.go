package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	busyMaxRetries = 3
	busyBaseDelay  = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		messages_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chats_created ON chats(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateChat inserts a new chat with a generated id.
func (s *SQLiteStore) CreateChat(ctx context.Context, title string, messages []domain.Turn) (*domain.Chat, error) {
	messagesJSON, err := encodeTurns(messages)
	if err != nil {
		return nil, err
	}

	now := s.now()
	chat := &domain.Chat{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  domain.CloneTurns(messages),
		CreatedAt: time.UnixMilli(now.UnixMilli()),
		UpdatedAt: time.UnixMilli(now.UnixMilli()),
	}

	query := `INSERT INTO chats (id, title, messages_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	err = s.withBusyRetry(ctx, "create chat", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			chat.ID, chat.Title, messagesJSON,
			chat.CreatedAt.UnixMilli(), chat.UpdatedAt.UnixMilli(),
		)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create chat: %w", domain.ErrPersistence, err)
	}
	return chat, nil
}

// GetChat retrieves a chat by id.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*domain.Chat, error) {
	query := `
		SELECT id, title, messages_json, created_at, updated_at
		FROM chats WHERE id = ?`
	return s.scanChat(s.db.QueryRowContext(ctx, query, id), id)
}

// ReplaceMessages overwrites the message sequence of a chat.
func (s *SQLiteStore) ReplaceMessages(ctx context.Context, id string, messages []domain.Turn) (*domain.Chat, error) {
	messagesJSON, err := encodeTurns(messages)
	if err != nil {
		return nil, err
	}
	query := `
		UPDATE chats SET messages_json = ?, updated_at = ? WHERE id = ?
		RETURNING id, title, messages_json, created_at, updated_at`
	return s.updateReturning(ctx, "replace messages", id, query, messagesJSON, s.now().UnixMilli(), id)
}

// ReplaceTitle overwrites the title of a chat.
func (s *SQLiteStore) ReplaceTitle(ctx context.Context, id string, title string) (*domain.Chat, error) {
	query := `
		UPDATE chats SET title = ?, updated_at = ? WHERE id = ?
		RETURNING id, title, messages_json, created_at, updated_at`
	return s.updateReturning(ctx, "replace title", id, query, title, s.now().UnixMilli(), id)
}

func (s *SQLiteStore) updateReturning(ctx context.Context, op, id, query string, args ...any) (*domain.Chat, error) {
	var chat *domain.Chat
	err := s.withBusyRetry(ctx, op, func() error {
		var scanErr error
		chat, scanErr = s.scanChat(s.db.QueryRowContext(ctx, query, args...), id)
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// DeleteChat removes a chat.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id string) error {
	var rows int64
	err := s.withBusyRetry(ctx, "delete chat", func() error {
		result, execErr := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
		if execErr != nil {
			return execErr
		}
		var rowsErr error
		rows, rowsErr = result.RowsAffected()
		return rowsErr
	})
	if err != nil {
		return fmt.Errorf("%w: delete chat: %w", domain.ErrPersistence, err)
	}
	if rows == 0 {
		return fmt.Errorf("delete chat %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListChats returns all chats ordered by creation time, newest first.
func (s *SQLiteStore) ListChats(ctx context.Context) ([]*domain.Chat, error) {
	query := `
		SELECT id, title, messages_json, created_at, updated_at
		FROM chats ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query chats: %w", domain.ErrPersistence, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat rows", "error", closeErr)
		}
	}()

	chats := []*domain.Chat{}
	for rows.Next() {
		chat, err := s.scanChat(rows, "")
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate chats: %w", domain.ErrPersistence, err)
	}
	return chats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanChat(row rowScanner, id string) (*domain.Chat, error) {
	var chat domain.Chat
	var messagesJSON string
	var createdAt int64
	var updatedAt sql.NullInt64

	err := row.Scan(&chat.ID, &chat.Title, &messagesJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan chat row: %w", domain.ErrPersistence, err)
	}

	chat.Messages, err = decodeTurns(messagesJSON)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", chat.ID, err)
	}
	chat.CreatedAt = time.UnixMilli(createdAt)
	if updatedAt.Valid {
		chat.UpdatedAt = time.UnixMilli(updatedAt.Int64)
	}
	return &chat, nil
}

// withBusyRetry retries fn with exponential backoff while SQLite reports a
// lock conflict. Other errors are returned immediately.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < busyMaxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == busyMaxRetries-1 {
			break
		}
		delay := busyBaseDelay * time.Duration(1<<i) // 100ms, 200ms
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, busyMaxRetries, err)
}
