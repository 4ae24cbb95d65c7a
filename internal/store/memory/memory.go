// Package memory keeps the message log in process memory.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Store is a store.MessageStore backed by a slice. Position N lives at index N-1.
type Store struct {
	mu       sync.RWMutex
	messages []store.Message
	closed   bool
	now      func() time.Time
}

// New returns an empty in-memory log.
func New() *Store {
	return &Store{now: time.Now}
}

// Bootstrap is a no-op; the log exists as soon as the store does.
func (s *Store) Bootstrap(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", store.ErrStorage)
	}
	return nil
}

// Append adds a message at the next position.
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
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", store.ErrStorage)
	}

	msg := store.Message{
		Position:  int64(len(s.messages)) + 1,
		Content:   content,
		Author:    author,
		CreatedAt: s.now().UTC().Truncate(time.Second),
	}
	s.messages = append(s.messages, msg)

	out := msg
	return &out, nil
}

// ReadAfter copies the tail of the log under a read lock.
func (s *Store) ReadAfter(ctx context.Context, after int64) ([]*store.Message, error) {
	return s.readAfter(ctx, after, 0)
}

// ReadPage copies at most limit messages of the tail.
func (s *Store) ReadPage(ctx context.Context, after int64, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", store.ErrValidation)
	}
	return s.readAfter(ctx, after, limit)
}

func (s *Store) readAfter(ctx context.Context, after int64, limit int) ([]*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrStorage, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", store.ErrStorage)
	}

	start := max(after, 0)
	if start >= int64(len(s.messages)) {
		return nil, nil
	}

	tail := s.messages[start:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]*store.Message, 0, len(tail))
	for _, msg := range tail {
		m := msg
		out = append(out, &m)
	}
	return out, nil
}

// Last returns the number of stored messages.
func (s *Store) Last(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("%w: store closed", store.ErrStorage)
	}
	return int64(len(s.messages)), nil
}

// Close marks the store unavailable. Later calls fail with store.ErrStorage.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
