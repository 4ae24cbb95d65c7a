//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AnonymousAuthor is stored when a message arrives without a bound identity.
const AnonymousAuthor = "Anonymous"

var (
	// ErrStorage reports that the durable medium could not serve a read or write.
	ErrStorage = errors.New("storage error")
	// ErrValidation reports a message that must not be persisted.
	ErrValidation = errors.New("validation error")
)

// Message represents a persisted chat message.
type Message struct {
	Position  int64
	Content   string
	Author    string
	CreatedAt time.Time
}

// MessageStore is the append-only message log.
//
// Positions are assigned by the store, strictly increasing by one per
// successful Append and never reused. A failed Append consumes no position.
type MessageStore interface {
	// Bootstrap creates the underlying structure. It is safe to run against an
	// existing log and never drops data.
	Bootstrap(ctx context.Context) error

	// Append persists a message and returns it with position and timestamp set.
	Append(ctx context.Context, content, author string) (*Message, error)

	// ReadAfter returns every message with a position greater than after in
	// ascending order, read from a single consistent snapshot.
	// A zero or negative position reads from the beginning.
	ReadAfter(ctx context.Context, after int64) ([]*Message, error)

	// ReadPage is ReadAfter bounded to at most limit messages. The backend
	// stops reading once limit messages are collected.
	ReadPage(ctx context.Context, after int64, limit int) ([]*Message, error)

	// Last returns the highest assigned position, or zero for an empty log.
	Last(ctx context.Context) (int64, error)

	// Close closes the underlying medium.
	Close() error
}

// Normalize validates content and resolves the author every backend stores.
func Normalize(content, author string) (string, string, error) {
	if strings.TrimSpace(content) == "" {
		return "", "", fmt.Errorf("%w: content is empty", ErrValidation)
	}
	author = strings.TrimSpace(author)
	if author == "" {
		author = AnonymousAuthor
	}
	return content, author, nil
}
