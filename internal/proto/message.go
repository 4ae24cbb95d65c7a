package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello = "hello"
	InboundTypeMsg   = "msg"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventNameWelcome     = "welcome"
	EventNameChatMessage = "chat-message"
)

// Protocol-level error codes. Core error codes are passed through as-is.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeHandshakeRequired  = "handshake_required"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeInvalidMessage     = "invalid_message"
)

// HelloData is the handshake; it must be the first frame on a connection.
type HelloData struct {
	Author   string `json:"author,omitempty"`
	LastSeen *int64 `json:"last_seen,omitempty"`
	// Recovery is the token from a previous welcome, presented to resume that session.
	Recovery string `json:"recovery,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
}

// MsgData is a chat message from the client.
type MsgData struct {
	Content string `json:"content"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// EventWelcomeData acknowledges the handshake.
type EventWelcomeData struct {
	SessionID string `json:"session_id"`
	Author    string `json:"author"`
	Recovered bool   `json:"recovered"`
	Recovery  string `json:"recovery"`
}

// EventChatMessage is one stored message, live or replayed. Position is a
// decimal string so clients without 64-bit integers keep full precision.
type EventChatMessage struct {
	Content   string `json:"content"`
	Position  string `json:"position"`
	Author    string `json:"author"`
	CreatedAt string `json:"createdAt"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
