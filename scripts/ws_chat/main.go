package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

type inboundEvent struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

// client remembers what it needs to resume after a dropped connection.
type client struct {
	addr     string
	author   string
	lastSeen *int64
	recovery string
}

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:3000/ws", "WebSocket address")
	author := flag.String("author", "", "display name (empty posts as Anonymous)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	c := &client{addr: *addr, author: *author}
	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")
	for {
		err := c.session(ctx, lines)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		log.Printf("connection lost: %v; reconnecting", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// session runs one connection. A nil error means stdin was closed.
func (c *client) session(ctx context.Context, lines <-chan string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	hello, err := json.Marshal(proto.HelloData{
		Author:   c.author,
		LastSeen: c.lastSeen,
		Recovery: c.recovery,
		Protocol: proto.ProtocolVersion,
	})
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeHello, Data: hello}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readErr <- c.readLoop(ctx, conn)
	}()
	// the reader owns lastSeen until it exits
	defer func() {
		cancel()
		<-readDone
	}()

	for {
		select {
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			payload, err := json.Marshal(proto.MsgData{Content: text})
			if err != nil {
				return fmt.Errorf("marshal msg: %w", err)
			}
			if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeMsg, Data: payload}); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var evt inboundEvent
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if evt.Type == proto.OutboundTypeError && evt.Error != nil {
			fmt.Printf("! %s: %s\n", evt.Error.Code, evt.Error.Msg)
			continue
		}

		switch evt.Event {
		case proto.EventNameWelcome:
			var w proto.EventWelcomeData
			if err := json.Unmarshal(evt.Data, &w); err != nil {
				log.Printf("unmarshal welcome: %v", err)
				continue
			}
			c.recovery = w.Recovery
			if w.Recovered {
				fmt.Printf("* resumed session %s as %s\n", w.SessionID, w.Author)
			} else {
				fmt.Printf("* connected to %s as %s\n", c.addr, w.Author)
			}
		case proto.EventNameChatMessage:
			var m proto.EventChatMessage
			if err := json.Unmarshal(evt.Data, &m); err != nil {
				log.Printf("unmarshal chat-message: %v", err)
				continue
			}
			if pos, err := strconv.ParseInt(m.Position, 10, 64); err == nil {
				c.lastSeen = &pos
			}
			fmt.Printf("[%s] #%s %s: %s\n", m.CreatedAt, m.Position, m.Author, m.Content)
		default:
			fmt.Printf("event=%s data=%s\n", evt.Event, evt.Data)
		}
	}
}
