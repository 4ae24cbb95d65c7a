package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Deliverer hands messages to the transport for one session.
// Implementations must not block on slow peers.
type Deliverer interface {
	Deliver(sessionID string, msgs ...Message) error
}

// Broadcaster persists submitted messages, fans them out to live sessions
// and replays missed history to connecting sessions.
//
// Append plus fan-out and register plus replay run under one sequencing
// lock. A connecting session therefore sees every message exactly once:
// either in its backlog or live, never both and never neither.
type Broadcaster struct {
	store    store.MessageStore
	sessions SessionRegistry
	deliver  Deliverer
	log      *zerolog.Logger

	seq sync.Mutex
}

// NewBroadcaster builds a broadcaster over the given collaborators.
func NewBroadcaster(st store.MessageStore, sessions SessionRegistry, deliverer Deliverer, logger *zerolog.Logger) *Broadcaster {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Broadcaster{
		store:    st,
		sessions: sessions,
		deliver:  deliverer,
		log:      logger,
	}
}

// Submit stores content on behalf of sessionID and delivers the stored
// message to every live session. Nothing is delivered if the append fails.
func (b *Broadcaster) Submit(ctx context.Context, sessionID, content string) (Message, error) {
	author := store.AnonymousAuthor
	if s, ok := b.sessions.Lookup(sessionID); ok {
		author = s.Author
	}

	b.seq.Lock()
	defer b.seq.Unlock()

	stored, err := b.store.Append(ctx, content, author)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			b.log.Debug().Err(err).Str("session_id", sessionID).Msg("message rejected")
		} else {
			b.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to store message")
		}
		return Message{}, fmt.Errorf("submit: %w", err)
	}

	msg := messageFromStore(stored)
	live := b.sessions.ListLive()
	delivered := 0
	for _, s := range live {
		if b.deliverTo(s.ID, msg) {
			delivered++
		}
	}

	b.log.Debug().
		Int64("position", msg.Position).
		Str("author", msg.Author).
		Int("live", len(live)).
		Int("delivered", delivered).
		Msg("message broadcast")
	return msg, nil
}

// OnConnect registers the session and, unless the transport recovered it,
// delivers every stored message after lastSeen. A failed history read
// leaves the session connected with an empty backlog.
func (b *Broadcaster) OnConnect(ctx context.Context, sessionID, author string, recovered bool, lastSeen int64) error {
	b.seq.Lock()
	defer b.seq.Unlock()

	session, err := b.sessions.Register(sessionID, author, recovered)
	if err != nil {
		b.log.Warn().Err(err).Str("session_id", sessionID).Msg("connect ignored")
		return err
	}

	logger := b.log.With().Str("session_id", session.ID).Str("author", session.Author).Logger()
	if recovered {
		logger.Debug().Msg("session recovered, replay skipped")
		return nil
	}

	backlog, err := b.store.ReadAfter(ctx, lastSeen)
	if err != nil {
		logger.Error().Err(err).Int64("last_seen", lastSeen).Msg("history unavailable, continuing without backlog")
		return nil
	}
	if len(backlog) == 0 {
		return nil
	}

	msgs := make([]Message, 0, len(backlog))
	for _, m := range backlog {
		msgs = append(msgs, messageFromStore(m))
	}
	b.deliverTo(session.ID, msgs...)

	logger.Debug().
		Int64("last_seen", lastSeen).
		Int("replayed", len(msgs)).
		Msg("backlog replayed")
	return nil
}

// OnDisconnect unregisters the session. Repeated calls are harmless.
func (b *Broadcaster) OnDisconnect(sessionID string) {
	b.sessions.Unregister(sessionID)
}

// LastPosition reports the newest stored position.
func (b *Broadcaster) LastPosition(ctx context.Context) (int64, error) {
	return b.store.Last(ctx)
}

// History reads stored messages after the given position without touching sessions.
func (b *Broadcaster) History(ctx context.Context, after int64) ([]Message, error) {
	stored, err := b.store.ReadAfter(ctx, after)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, messageFromStore(m))
	}
	return msgs, nil
}

// HistoryPage reads at most limit stored messages after the given position.
func (b *Broadcaster) HistoryPage(ctx context.Context, after int64, limit int) ([]Message, error) {
	stored, err := b.store.ReadPage(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, messageFromStore(m))
	}
	return msgs, nil
}

// deliverTo isolates one session's delivery: errors and panics are logged
// and never reach the caller.
func (b *Broadcaster) deliverTo(sessionID string, msgs ...Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("session_id", sessionID).Msg("delivery panicked")
			ok = false
		}
	}()

	if err := b.deliver.Deliver(sessionID, msgs...); err != nil {
		if errors.Is(err, ErrSessionGone) {
			b.log.Debug().Str("session_id", sessionID).Msg("delivery to gone session dropped")
		} else {
			b.log.Warn().Err(err).Str("session_id", sessionID).Msg("delivery failed")
		}
		return false
	}
	return true
}
