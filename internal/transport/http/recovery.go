package http

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/core"
)

const (
	// recorderSessionID is the internal session whose deliveries feed the replay buffer.
	recorderSessionID = "recovery-recorder"
	recorderAuthor    = "recovery-recorder"
	tokenTTL          = 24 * time.Hour
)

// RecoveryConfig controls how long disconnected sessions can be resumed.
type RecoveryConfig struct {
	Window     time.Duration
	BufferSize int
	Secret     []byte
}

// Recovery keeps recently disconnected sessions resumable. A client that
// reconnects within the window with its recovery token gets the messages it
// missed from memory, and the core is told the session was recovered.
type Recovery struct {
	window time.Duration
	jwt    *auth.JWTConfig
	buffer *replayBuffer
	log    *zerolog.Logger

	mu     sync.Mutex
	parked map[string]parkedSession
	now    func() time.Time
}

type parkedSession struct {
	author   string
	lastSent int64
	parkedAt time.Time
}

// NewRecovery builds a recovery manager. A zero window disables recovery.
func NewRecovery(cfg RecoveryConfig, logger *zerolog.Logger) *Recovery {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Recovery{
		window: cfg.Window,
		jwt: &auth.JWTConfig{
			Secret:   cfg.Secret,
			Issuer:   "wirechat-relay",
			Audience: "recovery",
			TTL:      tokenTTL,
		},
		buffer: newReplayBuffer(max(cfg.BufferSize, 1)),
		log:    logger,
		parked: make(map[string]parkedSession),
		now:    time.Now,
	}
}

func (r *Recovery) enabled() bool {
	return r != nil && r.window > 0
}

// Attach registers the recorder session so every broadcast reaches the
// replay buffer. It must run before connections are accepted.
func (r *Recovery) Attach(ctx context.Context, relay Relay, delivery *Delivery) error {
	if !r.enabled() {
		return nil
	}
	last, err := relay.LastPosition(ctx)
	if err != nil {
		return fmt.Errorf("read last position: %w", err)
	}
	r.buffer.reset(last)
	delivery.attach(recorderSessionID, r.buffer)

	// Not recovered: anything appended since Last is replayed into the buffer.
	if err := relay.OnConnect(ctx, recorderSessionID, recorderAuthor, false, last); err != nil {
		delivery.detach(recorderSessionID, r.buffer)
		return fmt.Errorf("register recorder: %w", err)
	}
	return nil
}

// Run expires parked sessions until ctx is done.
func (r *Recovery) Run(ctx context.Context) {
	if !r.enabled() {
		return
	}
	ticker := time.NewTicker(max(r.window/4, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.sweep(); n > 0 {
				r.log.Debug().Int("expired", n).Msg("parked sessions expired")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recovery) issue(sessionID, author string) (string, error) {
	if !r.enabled() {
		return "", nil
	}
	return auth.GenerateToken(r.jwt, sessionID, author)
}

func (r *Recovery) park(sessionID, author string, lastSent int64) {
	if !r.enabled() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parked[sessionID] = parkedSession{author: author, lastSent: lastSent, parkedAt: r.now()}
}

// resume validates token and claims the parked session it names. A claimed
// session cannot be resumed twice.
func (r *Recovery) resume(token string) (*auth.Claims, parkedSession, bool) {
	if !r.enabled() || token == "" {
		return nil, parkedSession{}, false
	}
	claims, err := auth.ValidateToken(r.jwt, token)
	if err != nil {
		r.log.Debug().Err(err).Msg("recovery token rejected")
		return nil, parkedSession{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parked[claims.SessionID]
	if !ok || r.now().Sub(p.parkedAt) > r.window {
		return nil, parkedSession{}, false
	}
	delete(r.parked, claims.SessionID)
	return claims, p, true
}

func (r *Recovery) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for id, p := range r.parked {
		if now.Sub(p.parkedAt) > r.window {
			delete(r.parked, id)
			n++
		}
	}
	return n
}

// replayBuffer holds the most recent broadcasts in position order. It keeps
// between capacity and 2*capacity messages; trimming is amortized.
type replayBuffer struct {
	mu       sync.RWMutex
	msgs     []core.Message
	capacity int
	// floor is the last position not held; every position in (floor, tail] is held.
	floor int64
	tail  int64
}

func newReplayBuffer(capacity int) *replayBuffer {
	return &replayBuffer{capacity: capacity}
}

func (b *replayBuffer) reset(base int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = nil
	b.floor = base
	b.tail = base
}

func (b *replayBuffer) push(msgs ...core.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range msgs {
		if m.Position <= b.tail {
			continue
		}
		b.msgs = append(b.msgs, m)
		b.tail = m.Position
	}
	if len(b.msgs) > 2*b.capacity {
		drop := len(b.msgs) - b.capacity
		b.floor = b.msgs[drop-1].Position
		b.msgs = append([]core.Message(nil), b.msgs[drop:]...)
	}
	return nil
}

// since returns the held messages after pos. ok is false when the buffer
// no longer holds the whole range, or pos is ahead of it.
func (b *replayBuffer) since(pos int64) ([]core.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if pos < b.floor || pos > b.tail {
		return nil, false
	}
	i := sort.Search(len(b.msgs), func(i int) bool { return b.msgs[i].Position > pos })
	return append([]core.Message(nil), b.msgs[i:]...), true
}

func (b *replayBuffer) covers(pos int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return pos >= b.floor && pos <= b.tail
}

func (r *Recovery) parkedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}
