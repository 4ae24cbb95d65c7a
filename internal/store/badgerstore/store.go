package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

const (
	messagePrefix = "msg:"
	lastKey       = "meta:last"
)

// Options configures the badger log.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// EncryptionKey enables AES encryption at rest; 16, 24 or 32 bytes.
	EncryptionKey []byte
	InMemory      bool
	Logger        *zerolog.Logger
}

// Store is a log-structured store.MessageStore.
//
// Every append writes the message key and the meta:last counter in one
// transaction. Appends are serialized so those transactions never conflict.
type Store struct {
	db *badger.DB
	mu sync.Mutex
}

type record struct {
	Content   string `json:"content"`
	Author    string `json:"author"`
	CreatedAt int64  `json:"created_at"`
}

// New opens (or creates) a badger log.
func New(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithLogger(newLogger(opts.Logger))
	if len(opts.EncryptionKey) > 0 {
		bopts = bopts.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(64 << 20)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Bootstrap seeds the position counter when the log is new.
func (s *Store) Bootstrap(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(lastKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set([]byte(lastKey), encodePosition(0))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: bootstrap: %w", store.ErrStorage, err)
	}
	return nil
}

// Append writes the message under the next position.
func (s *Store) Append(ctx context.Context, content, author string) (*store.Message, error) {
	content, author, err := store.Normalize(content, author)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &store.Message{
		Content:   content,
		Author:    author,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	value, err := json.Marshal(record{Content: content, Author: author, CreatedAt: msg.CreatedAt.Unix()})
	if err != nil {
		return nil, fmt.Errorf("%w: encode message: %w", store.ErrStorage, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		last, err := readLast(txn)
		if err != nil {
			return err
		}
		msg.Position = last + 1
		if err := txn.Set(messageKey(msg.Position), value); err != nil {
			return err
		}
		return txn.Set([]byte(lastKey), encodePosition(msg.Position))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: append: %w", store.ErrStorage, err)
	}
	return msg, nil
}

// ReadAfter iterates message keys inside one read transaction, which badger
// serves from a single snapshot.
func (s *Store) ReadAfter(ctx context.Context, after int64) ([]*store.Message, error) {
	return s.readAfter(ctx, after, 0)
}

// ReadPage stops iterating once limit messages are decoded.
func (s *Store) ReadPage(ctx context.Context, after int64, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", store.ErrValidation)
	}
	return s.readAfter(ctx, after, limit)
}

// readAfter reads every message after after when limit is zero.
func (s *Store) readAfter(ctx context.Context, after int64, limit int) ([]*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrStorage, err)
	}

	var messages []*store.Message
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(messagePrefix)
		for it.Seek(messageKey(max(after, 0) + 1)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			item := it.Item()
			var pos int64
			if _, err := fmt.Sscanf(string(item.Key()), messagePrefix+"%d", &pos); err != nil {
				return fmt.Errorf("parse key %q: %w", item.Key(), err)
			}
			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode message %d: %w", pos, err)
			}
			messages = append(messages, &store.Message{
				Position:  pos,
				Content:   rec.Content,
				Author:    rec.Author,
				CreatedAt: time.Unix(rec.CreatedAt, 0).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read: %w", store.ErrStorage, err)
	}
	return messages, nil
}

// Last reads the position counter.
func (s *Store) Last(context.Context) (int64, error) {
	var last int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		last, err = readLast(txn)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: read last position: %w", store.ErrStorage, err)
	}
	return last, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func readLast(txn *badger.Txn) (int64, error) {
	item, err := txn.Get([]byte(lastKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt position counter (%d bytes)", len(val))
		}
		last = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return last, err
}

// messageKey zero-pads the position so lexicographic key order is position order.
func messageKey(pos int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", messagePrefix, pos))
}

func encodePosition(pos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(pos))
	return buf
}
