package http

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

func inboundToHello(inbound proto.Inbound) (proto.HelloData, *proto.Error) {
	var hello proto.HelloData
	if inbound.Type != proto.InboundTypeHello {
		return hello, &proto.Error{Code: proto.ErrCodeHandshakeRequired, Msg: "hello must be the first message"}
	}
	if len(inbound.Data) > 0 {
		if err := json.Unmarshal(inbound.Data, &hello); err != nil {
			return hello, &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "malformed hello"}
		}
	}
	if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
		return hello, &proto.Error{Code: proto.ErrCodeUnsupportedVersion, Msg: "unsupported protocol version"}
	}
	return hello, nil
}

// inboundToContent extracts chat content from a msg frame. Emptiness is
// left to the core so that it is reported as a validation error.
func inboundToContent(inbound proto.Inbound) (string, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeMsg:
		var msg proto.MsgData
		if err := json.Unmarshal(inbound.Data, &msg); err != nil {
			return "", &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "malformed message"}
		}
		return msg.Content, nil
	case proto.InboundTypeHello:
		return "", &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "already connected"}
	default:
		return "", &proto.Error{Code: proto.ErrCodeInvalidMessage, Msg: "unknown message type"}
	}
}

func chatMessage(msg core.Message) proto.EventChatMessage {
	return proto.EventChatMessage{
		Content:   msg.Content,
		Position:  strconv.FormatInt(msg.Position, 10),
		Author:    msg.Author,
		CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func outboundFromMessage(msg core.Message) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventNameChatMessage,
		Data:  chatMessage(msg),
	}
}

func outboundWelcome(welcome proto.EventWelcomeData) proto.Outbound {
	return proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventNameWelcome,
		Data:  welcome,
	}
}

func outboundFromError(err error) proto.Outbound {
	ce := core.ToCoreError(err)
	if ce == nil {
		return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: core.ErrCodeInternal, Msg: "unknown error"}}
	}
	return outboundProtoError(&proto.Error{Code: ce.Code, Msg: ce.Message})
}

func outboundProtoError(e *proto.Error) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeError, Error: e}
}
