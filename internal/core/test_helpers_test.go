package core

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/store"
	"github.com/vovakirdan/wirechat-relay/internal/store/memory"
)

// recordingDeliverer captures deliveries per session.
type recordingDeliverer struct {
	mu     sync.Mutex
	got    map[string][]Message
	fail   map[string]error
	panics map[string]bool
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{
		got:    make(map[string][]Message),
		fail:   make(map[string]error),
		panics: make(map[string]bool),
	}
}

func (d *recordingDeliverer) Deliver(sessionID string, msgs ...Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panics[sessionID] {
		panic("deliver " + sessionID)
	}
	if err := d.fail[sessionID]; err != nil {
		return err
	}
	d.got[sessionID] = append(d.got[sessionID], msgs...)
	return nil
}

func (d *recordingDeliverer) failWith(sessionID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[sessionID] = err
}

func (d *recordingDeliverer) panicOn(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panics[sessionID] = true
}

func (d *recordingDeliverer) messages(sessionID string) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.got[sessionID]...)
}

func (d *recordingDeliverer) positions(sessionID string) []int64 {
	msgs := d.messages(sessionID)
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Position)
	}
	return out
}

func newTestBroadcaster(t *testing.T, st store.MessageStore) (*Broadcaster, *Registry, *recordingDeliverer) {
	t.Helper()

	if st == nil {
		st = memory.New()
	}
	registry := NewRegistry()
	deliverer := newRecordingDeliverer()
	logger := zerolog.New(nil)
	return NewBroadcaster(st, registry, deliverer, &logger), registry, deliverer
}

func seq(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for p := from; p <= to; p++ {
		out = append(out, p)
	}
	return out
}
