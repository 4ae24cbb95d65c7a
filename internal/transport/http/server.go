package http

import (
	"errors"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HistoryQuery binds the /api/messages query string.
type HistoryQuery struct {
	After int64 `form:"after" binding:"gte=0"`
	Limit int   `form:"limit" binding:"gte=0"`
}

// HistoryResponse is a page of stored messages.
type HistoryResponse struct {
	Messages []proto.EventChatMessage `json:"messages"`
	// Next is the position to pass as after for the following page.
	Next int64 `json:"next,string"`
	More bool  `json:"more"`
}

// StatusResponse reports relay state.
type StatusResponse struct {
	LiveSessions int   `json:"live_sessions"`
	LastPosition int64 `json:"last_position,string"`
}

// Handlers serves the read-only REST endpoints.
type Handlers struct {
	relay        Relay
	delivery     *Delivery
	historyLimit int
	log          *zerolog.Logger
}

// NewServer builds the HTTP server: the websocket endpoint plus REST routes.
func NewServer(relay Relay, delivery *Delivery, recovery *Recovery, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	ws := NewWSHandler(relay, delivery, recovery, wsOptions(cfg), logger)
	h := &Handlers{
		relay:        relay,
		delivery:     delivery,
		historyLimit: cfg.HistoryLimit,
		log:          logger,
	}

	router.GET("/health", healthHandler)
	router.GET("/ws", gin.WrapH(ws))

	api := router.Group("/api")
	api.GET("/messages", h.History)
	api.GET("/status", h.Status)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func wsOptions(cfg *config.Config) WSOptions {
	return WSOptions{
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		MaxMessageBytes:  cfg.MaxMessageBytes,
		OutboxSize:       cfg.OutboxSize,
		RateLimit:        cfg.RateLimit,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}

// History returns stored messages after a position.
// GET /api/messages?after=N&limit=M
func (h *Handlers) History(c *gin.Context) {
	var q HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.log.Debug().Err(err).Msg("invalid history query")
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid query"})
		return
	}
	limit := q.Limit
	if limit == 0 || limit > h.historyLimit {
		limit = h.historyLimit
	}

	// one extra row tells whether another page follows
	msgs, err := h.relay.HistoryPage(c.Request.Context(), q.After, limit+1)
	if err != nil {
		h.log.Error().Err(err).Int64("after", q.After).Msg("failed to read history")
		status := stdhttp.StatusInternalServerError
		if errors.Is(err, store.ErrStorage) {
			status = stdhttp.StatusServiceUnavailable
		}
		c.JSON(status, ErrorResponse{Error: "history unavailable"})
		return
	}

	resp := HistoryResponse{Next: q.After, More: len(msgs) > limit}
	if resp.More {
		msgs = msgs[:limit]
	}
	resp.Messages = make([]proto.EventChatMessage, 0, len(msgs))
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, chatMessage(m))
		resp.Next = m.Position
	}
	c.JSON(stdhttp.StatusOK, resp)
}

// Status reports live session count and the newest position.
// GET /api/status
func (h *Handlers) Status(c *gin.Context) {
	last, err := h.relay.LastPosition(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read last position")
		c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable"})
		return
	}
	live := h.delivery.count(func(s sink) bool {
		_, ok := s.(*outbox)
		return ok
	})
	c.JSON(stdhttp.StatusOK, StatusResponse{LiveSessions: live, LastPosition: last})
}
