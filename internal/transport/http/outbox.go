package http

import (
	"errors"
	"sync"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

var errSlowConsumer = errors.New("outbox overflow")

// sink receives messages the core delivers to one session id.
type sink interface {
	push(msgs ...core.Message) error
}

// Delivery routes core deliveries to the sink attached for each session.
// It is the core.Deliverer of this transport.
type Delivery struct {
	mu    sync.RWMutex
	sinks map[string]sink
}

// NewDelivery returns an empty router.
func NewDelivery() *Delivery {
	return &Delivery{sinks: make(map[string]sink)}
}

// Deliver hands msgs to the session's sink without blocking.
func (d *Delivery) Deliver(sessionID string, msgs ...core.Message) error {
	d.mu.RLock()
	s, ok := d.sinks[sessionID]
	d.mu.RUnlock()
	if !ok {
		return core.ErrSessionGone
	}
	return s.push(msgs...)
}

func (d *Delivery) attach(sessionID string, s sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[sessionID] = s
}

// detach removes the sink only if it is still the one attached under sessionID.
func (d *Delivery) detach(sessionID string, s sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sinks[sessionID] == s {
		delete(d.sinks, sessionID)
	}
}

func (d *Delivery) count(match func(sink) bool) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, s := range d.sinks {
		if match(s) {
			n++
		}
	}
	return n
}

// outbox queues messages for one connection's writer. Pushing never blocks:
// once limit live messages are waiting the outbox closes itself and the
// connection is dropped, so one slow client cannot hold up a broadcast.
// Replayed backlog does not count toward limit.
type outbox struct {
	mu      sync.Mutex
	pending []core.Message
	limit   int
	closed  bool

	// backlog is how many pending messages are replay; replaying routes pushes there.
	backlog   int
	replaying bool

	notify chan struct{}
	done   chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (o *outbox) push(msgs ...core.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return core.ErrSessionGone
	}
	if o.replaying {
		o.backlog += len(msgs)
	} else if len(o.pending)-o.backlog >= o.limit {
		o.closeLocked()
		return errSlowConsumer
	}
	o.pending = append(o.pending, msgs...)
	o.signal()
	return nil
}

// replay marks pushes as backlog until the returned func is called.
func (o *outbox) replay() (done func()) {
	o.mu.Lock()
	o.replaying = true
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		o.replaying = false
		o.mu.Unlock()
	}
}

// prepend queues msgs ahead of everything already waiting.
func (o *outbox) prepend(msgs []core.Message) {
	if len(msgs) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.pending = append(append(make([]core.Message, 0, len(msgs)+len(o.pending)), msgs...), o.pending...)
	o.backlog += len(msgs)
	o.signal()
}

func (o *outbox) take() []core.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.pending
	o.pending = nil
	o.backlog = 0
	return batch
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
}

func (o *outbox) closeLocked() {
	if o.closed {
		return
	}
	o.closed = true
	o.pending = nil
	o.backlog = 0
	close(o.done)
}

func (o *outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
