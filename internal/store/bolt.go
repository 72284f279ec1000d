package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var chatsBucket = []byte("chats")

// BoltStore implements Repository on a single bbolt file. Each chat is one
// JSON value keyed by its id.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// boltRecord is the persisted value layout. Fields added later must tolerate
// absence in older values. Seq comes from the bucket sequence and orders chats
// created within the same instant.
type boltRecord struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Messages  json.RawMessage `json:"messages"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
}

// NewBolt opens (or creates) the bbolt database at path.
func NewBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(chatsBucket)
		return createErr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create chats bucket: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Ping reports whether the database file is still open.
func (s *BoltStore) Ping(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(chatsBucket) == nil {
			return fmt.Errorf("chats bucket missing")
		}
		return nil
	})
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close bolt database: %w", err)
	}
	return nil
}

// CreateChat stores a new chat with a generated id.
func (s *BoltStore) CreateChat(_ context.Context, title string, messages []domain.Turn) (*domain.Chat, error) {
	now := s.now().UTC()
	chat := &domain.Chat{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  domain.CloneTurns(messages),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatsBucket)
		seq, seqErr := b.NextSequence()
		if seqErr != nil {
			return seqErr
		}
		return putChat(b, chat, seq)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create chat: %w", domain.ErrPersistence, err)
	}
	return chat, nil
}

// GetChat retrieves a chat by id.
func (s *BoltStore) GetChat(_ context.Context, id string) (*domain.Chat, error) {
	var chat *domain.Chat
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, getErr := getRecord(tx.Bucket(chatsBucket), id)
		if getErr != nil {
			return getErr
		}
		chat, getErr = rec.chat()
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// ReplaceMessages overwrites the message sequence of a chat.
func (s *BoltStore) ReplaceMessages(_ context.Context, id string, messages []domain.Turn) (*domain.Chat, error) {
	return s.update(id, func(c *domain.Chat) {
		c.Messages = domain.CloneTurns(messages)
	})
}

// ReplaceTitle overwrites the title of a chat.
func (s *BoltStore) ReplaceTitle(_ context.Context, id string, title string) (*domain.Chat, error) {
	return s.update(id, func(c *domain.Chat) {
		c.Title = title
	})
}

func (s *BoltStore) update(id string, mutate func(*domain.Chat)) (*domain.Chat, error) {
	var chat *domain.Chat
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatsBucket)
		rec, getErr := getRecord(b, id)
		if getErr != nil {
			return getErr
		}
		if chat, getErr = rec.chat(); getErr != nil {
			return getErr
		}
		mutate(chat)
		chat.UpdatedAt = s.now().UTC()
		return putChat(b, chat, rec.Seq)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// DeleteChat removes a chat.
func (s *BoltStore) DeleteChat(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatsBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("delete chat %s: %w", id, domain.ErrNotFound)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return fmt.Errorf("%w: delete chat: %w", domain.ErrPersistence, err)
		}
		return nil
	})
}

// ListChats returns all chats ordered by creation time, newest first.
func (s *BoltStore) ListChats(_ context.Context) ([]*domain.Chat, error) {
	var recs []boltRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(k, v []byte) error {
			rec, decodeErr := decodeRecord(v)
			if decodeErr != nil {
				return fmt.Errorf("chat %s: %w", k, decodeErr)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].Seq > recs[j].Seq
	})

	chats := make([]*domain.Chat, 0, len(recs))
	for _, rec := range recs {
		chat, err := rec.chat()
		if err != nil {
			return nil, fmt.Errorf("chat %s: %w", rec.ID, err)
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

func getRecord(b *bolt.Bucket, id string) (boltRecord, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return boltRecord{}, fmt.Errorf("chat %s: %w", id, domain.ErrNotFound)
	}
	rec, err := decodeRecord(v)
	if err != nil {
		return boltRecord{}, fmt.Errorf("chat %s: %w", id, err)
	}
	return rec, nil
}

func putChat(b *bolt.Bucket, chat *domain.Chat, seq uint64) error {
	messages, err := encodeTurns(chat.Messages)
	if err != nil {
		return err
	}
	data, err := json.Marshal(boltRecord{
		ID:        chat.ID,
		Title:     chat.Title,
		Messages:  json.RawMessage(messages),
		CreatedAt: chat.CreatedAt,
		UpdatedAt: chat.UpdatedAt,
		Seq:       seq,
	})
	if err != nil {
		return fmt.Errorf("%w: encode chat: %w", domain.ErrPersistence, err)
	}
	if err := b.Put([]byte(chat.ID), data); err != nil {
		return fmt.Errorf("%w: put chat: %w", domain.ErrPersistence, err)
	}
	return nil
}

func decodeRecord(v []byte) (boltRecord, error) {
	var rec boltRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return boltRecord{}, fmt.Errorf("%w: malformed record: %w", domain.ErrPersistence, err)
	}
	return rec, nil
}

func (rec boltRecord) chat() (*domain.Chat, error) {
	turns, err := decodeTurns(string(rec.Messages))
	if err != nil {
		return nil, err
	}
	return &domain.Chat{
		ID:        rec.ID,
		Title:     rec.Title,
		Messages:  turns,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}
