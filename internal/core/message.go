package core

import (
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Message is the domain model for a persisted chat message.
type Message struct {
	Position  int64
	Content   string
	Author    string
	CreatedAt time.Time
}

func messageFromStore(m *store.Message) Message {
	return Message{
		Position:  m.Position,
		Content:   m.Content,
		Author:    m.Author,
		CreatedAt: m.CreatedAt,
	}
}
