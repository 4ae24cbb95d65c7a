package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/store"
	"github.com/vovakirdan/wirechat-relay/internal/utils"
)

// Relay is the broadcast core as the transport uses it.
type Relay interface {
	Submit(ctx context.Context, sessionID, content string) (core.Message, error)
	OnConnect(ctx context.Context, sessionID, author string, recovered bool, lastSeen int64) error
	OnDisconnect(sessionID string)
	LastPosition(ctx context.Context) (int64, error)
	History(ctx context.Context, after int64) ([]core.Message, error)
	HistoryPage(ctx context.Context, after int64, limit int) ([]core.Message, error)
}

// WSOptions tunes per-connection limits.
type WSOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
	OutboxSize       int
	// RateLimit is messages per minute; 0 disables limiting.
	RateLimit int
}

// WSHandler upgrades HTTP connections and bridges them to the relay.
type WSHandler struct {
	relay    Relay
	delivery *Delivery
	recovery *Recovery
	opts     WSOptions
	log      *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(relay Relay, delivery *Delivery, recovery *Recovery, opts WSOptions, logger *zerolog.Logger) *WSHandler {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 256
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &WSHandler{
		relay:    relay,
		delivery: delivery,
		recovery: recovery,
		opts:     opts,
		log:      logger,
	}
}

// wsSession is the connection side of one registered session.
type wsSession struct {
	id        string
	author    string
	recovered bool
	out       *outbox

	// lastWritten is the newest position written to the socket.
	lastWritten atomic.Int64
	closeOnce   sync.Once
}

// closeError ends a connection with a specific websocket status.
type closeError struct {
	status websocket.StatusCode
	reason string
}

func (e *closeError) Error() string { return e.reason }

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	if h.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.opts.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := h.handshake(ctx, conn)
	if err != nil {
		var ce *closeError
		if errors.As(err, &ce) {
			conn.Close(ce.status, ce.reason)
			return
		}
		h.log.Debug().Err(err).Msg("handshake failed")
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	logger := h.log.With().Str("session_id", sess.id).Str("author", sess.author).Logger()
	logger.Info().Bool("recovered", sess.recovered).Msg("session connected")

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, sess, &logger)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, sess)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh
	h.teardown(sess)

	status := websocket.StatusNormalClosure
	reason := "closing"
	switch {
	case errors.Is(err, errSlowConsumer):
		status = websocket.StatusTryAgainLater
		reason = "too slow"
		logger.Warn().Msg("dropping slow consumer")
	case err != nil && !errors.Is(err, context.Canceled):
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = "connection error"
			logger.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	logger.Info().Int64("last_written", sess.lastWritten.Load()).Msg("session disconnected")
	conn.Close(status, reason)
}

// handshake reads hello, registers the session with the relay and sends
// welcome. On success the session's outbox already holds its backlog.
func (h *WSHandler) handshake(ctx context.Context, conn *websocket.Conn) (*wsSession, error) {
	hctx, cancel := context.WithTimeout(ctx, h.opts.HandshakeTimeout)
	defer cancel()

	var inbound proto.Inbound
	if err := wsjson.Read(hctx, conn, &inbound); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	hello, protoErr := inboundToHello(inbound)
	if protoErr != nil {
		_ = wsjson.Write(hctx, conn, outboundProtoError(protoErr))
		return nil, &closeError{status: websocket.StatusPolicyViolation, reason: protoErr.Msg}
	}

	var lastSeen int64
	if hello.LastSeen != nil {
		lastSeen = *hello.LastSeen
	}
	sess := &wsSession{out: newOutbox(h.opts.OutboxSize)}
	if claims, parked, ok := h.recovery.resume(hello.Recovery); ok {
		sess.id, sess.author = claims.SessionID, claims.Author
		if hello.LastSeen == nil {
			lastSeen = parked.lastSent
		}
		// Without the missed range in memory the core replays from the log.
		sess.recovered = h.recovery.buffer.covers(lastSeen)
	} else {
		sess.id, sess.author = utils.NewID(), normalizeAuthor(hello.Author)
	}

	// A client ahead of the log must still receive the next positions.
	floor := lastSeen
	if last, err := h.relay.LastPosition(ctx); err != nil {
		h.log.Warn().Err(err).Msg("last position unavailable")
	} else if last < floor {
		floor = last
	}
	sess.lastWritten.Store(floor)

	h.delivery.attach(sess.id, sess.out)
	// OnConnect holds the core's sequencing lock, so every push it makes is backlog.
	replayed := sess.out.replay()
	err := h.relay.OnConnect(ctx, sess.id, sess.author, sess.recovered, lastSeen)
	replayed()
	if err != nil {
		h.delivery.detach(sess.id, sess.out)
		sess.out.close()
		_ = wsjson.Write(hctx, conn, outboundFromError(err))
		return nil, &closeError{status: websocket.StatusPolicyViolation, reason: "session rejected"}
	}
	if sess.recovered {
		sess.out.prepend(h.missed(ctx, lastSeen))
	}

	token, err := h.recovery.issue(sess.id, sess.author)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sess.id).Msg("failed to issue recovery token")
	}
	welcome := proto.EventWelcomeData{
		SessionID: sess.id,
		Author:    sess.author,
		Recovered: sess.recovered,
		Recovery:  token,
	}
	if err := wsjson.Write(hctx, conn, outboundWelcome(welcome)); err != nil {
		h.teardown(sess)
		return nil, fmt.Errorf("write welcome: %w", err)
	}
	return sess, nil
}

// missed returns what a recovered session did not receive, from the replay
// buffer when it still covers lastSeen and from the log otherwise.
func (h *WSHandler) missed(ctx context.Context, lastSeen int64) []core.Message {
	if msgs, ok := h.recovery.buffer.since(lastSeen); ok {
		return msgs
	}
	msgs, err := h.relay.History(ctx, lastSeen)
	if err != nil {
		h.log.Error().Err(err).Int64("last_seen", lastSeen).Msg("history unavailable for recovered session")
		return nil
	}
	return msgs
}

func (h *WSHandler) teardown(sess *wsSession) {
	sess.closeOnce.Do(func() {
		h.delivery.detach(sess.id, sess.out)
		sess.out.close()
		h.relay.OnDisconnect(sess.id)
		h.recovery.park(sess.id, sess.author, sess.lastWritten.Load())
	})
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *wsSession, logger *zerolog.Logger) error {
	limiter := newRateLimiter(h.opts.RateLimit)
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			logger.Debug().Err(err).Msg("read ws inbound")
			return err
		}

		content, protoErr := inboundToContent(inbound)
		if protoErr == nil && !limiter.allow() {
			protoErr = &proto.Error{Code: proto.ErrCodeRateLimited, Msg: "too many messages"}
		}
		if protoErr != nil {
			if err := h.write(ctx, conn, outboundProtoError(protoErr)); err != nil {
				return err
			}
			continue
		}

		if _, err := h.relay.Submit(ctx, sess.id, content); err != nil {
			if writeErr := h.write(ctx, conn, outboundFromError(err)); writeErr != nil {
				return writeErr
			}
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *wsSession) error {
	for {
		select {
		case <-sess.out.notify:
			for _, msg := range sess.out.take() {
				// backlog, recovery and live deliveries may overlap
				if msg.Position <= sess.lastWritten.Load() {
					continue
				}
				if err := h.write(ctx, conn, outboundFromMessage(msg)); err != nil {
					return err
				}
				sess.lastWritten.Store(msg.Position)
			}
		case <-sess.out.done:
			return errSlowConsumer
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) write(ctx context.Context, conn *websocket.Conn, v any) error {
	if h.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.WriteTimeout)
		defer cancel()
	}
	return wsjson.Write(ctx, conn, v)
}

func normalizeAuthor(author string) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return store.AnonymousAuthor
	}
	return author
}
