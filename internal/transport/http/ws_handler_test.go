package http

import (
	"context"
	"encoding/json"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/store/memory"
)

type testRelay struct {
	ts       *httptest.Server
	core     *core.Broadcaster
	recovery *Recovery
}

func startTestServer(t *testing.T, mutate func(*config.Config)) *testRelay {
	t.Helper()

	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	cfg.Recovery.Secret = "test-recovery-secret"
	if mutate != nil {
		mutate(&cfg)
	}
	logger := zerolog.Nop()
	ctx := context.Background()

	st := memory.New()
	require.NoError(t, st.Bootstrap(ctx))
	delivery := NewDelivery()
	relay := core.NewBroadcaster(st, core.NewRegistry(), delivery, &logger)
	recovery := NewRecovery(RecoveryConfig{
		Window:     cfg.Recovery.Window,
		BufferSize: cfg.Recovery.BufferSize,
		Secret:     []byte(cfg.Recovery.Secret),
	}, &logger)
	require.NoError(t, recovery.Attach(ctx, relay, delivery))

	server := NewServer(relay, delivery, recovery, &cfg, &logger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testRelay{ts: ts, core: relay, recovery: recovery}
}

type testOutbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dialRaw(t *testing.T, ctx context.Context, r *testRelay) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(r.ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func sendFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload}))
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) testOutbound {
	t.Helper()
	var out testOutbound
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	return out
}

func connect(t *testing.T, ctx context.Context, r *testRelay, hello proto.HelloData) (*websocket.Conn, proto.EventWelcomeData) {
	t.Helper()
	conn := dialRaw(t, ctx, r)
	sendFrame(t, ctx, conn, proto.InboundTypeHello, hello)

	out := readFrame(t, ctx, conn)
	require.Equal(t, proto.OutboundTypeEvent, out.Type)
	require.Equal(t, proto.EventNameWelcome, out.Event)
	var welcome proto.EventWelcomeData
	require.NoError(t, json.Unmarshal(out.Data, &welcome))
	return conn, welcome
}

func expectMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) proto.EventChatMessage {
	t.Helper()
	out := readFrame(t, ctx, conn)
	require.Equal(t, proto.OutboundTypeEvent, out.Type, "unexpected frame %+v", out)
	require.Equal(t, proto.EventNameChatMessage, out.Event)
	var msg proto.EventChatMessage
	require.NoError(t, json.Unmarshal(out.Data, &msg))
	return msg
}

func expectError(t *testing.T, ctx context.Context, conn *websocket.Conn, code string) {
	t.Helper()
	out := readFrame(t, ctx, conn)
	require.Equal(t, proto.OutboundTypeError, out.Type, "unexpected frame %+v", out)
	require.NotNil(t, out.Error)
	require.Equal(t, code, out.Error.Code)
}

func say(t *testing.T, ctx context.Context, conn *websocket.Conn, content string) {
	t.Helper()
	sendFrame(t, ctx, conn, proto.InboundTypeMsg, proto.MsgData{Content: content})
}

func int64Ptr(v int64) *int64 { return &v }

func TestHealthEndpoint(t *testing.T) {
	r := startTestServer(t, nil)

	resp, err := stdhttp.Get(r.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))
}

func TestBroadcastReachesEverySession(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	alice, welcome := connect(t, ctx, r, proto.HelloData{Author: "alice"})
	require.Equal(t, "alice", welcome.Author)
	require.False(t, welcome.Recovered)
	require.NotEmpty(t, welcome.SessionID)
	require.NotEmpty(t, welcome.Recovery)

	bob, _ := connect(t, ctx, r, proto.HelloData{})

	say(t, ctx, alice, "hello")
	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := expectMessage(t, ctx, conn)
		require.Equal(t, "hello", msg.Content)
		require.Equal(t, "1", msg.Position)
		require.Equal(t, "alice", msg.Author)
		_, err := time.Parse(time.RFC3339, msg.CreatedAt)
		require.NoError(t, err)
	}

	say(t, ctx, bob, "hi")
	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := expectMessage(t, ctx, conn)
		require.Equal(t, "2", msg.Position)
		require.Equal(t, "Anonymous", msg.Author)
	}
}

func TestReplayAfterLastSeen(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	for _, content := range []string{"one", "two", "three"} {
		_, err := r.core.Submit(ctx, "offline", content)
		require.NoError(t, err)
	}

	conn, _ := connect(t, ctx, r, proto.HelloData{Author: "carol", LastSeen: int64Ptr(1)})
	require.Equal(t, "2", expectMessage(t, ctx, conn).Position)
	require.Equal(t, "3", expectMessage(t, ctx, conn).Position)

	// live messages follow the backlog without a gap
	say(t, ctx, conn, "four")
	require.Equal(t, "4", expectMessage(t, ctx, conn).Position)
}

func TestFreshSessionReceivesFullHistory(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	_, err := r.core.Submit(ctx, "offline", "first")
	require.NoError(t, err)

	conn, _ := connect(t, ctx, r, proto.HelloData{})
	msg := expectMessage(t, ctx, conn)
	require.Equal(t, "1", msg.Position)
	require.Equal(t, "first", msg.Content)
}

func TestEmptyContentIsRejected(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	alice, _ := connect(t, ctx, r, proto.HelloData{Author: "alice"})
	bob, _ := connect(t, ctx, r, proto.HelloData{Author: "bob"})

	say(t, ctx, alice, "   ")
	expectError(t, ctx, alice, core.ErrCodeValidation)

	// no position was consumed and bob saw nothing in between
	say(t, ctx, alice, "real")
	require.Equal(t, "1", expectMessage(t, ctx, alice).Position)
	require.Equal(t, "1", expectMessage(t, ctx, bob).Position)
}

func TestProtocolVersionMismatch(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	conn := dialRaw(t, ctx, r)
	sendFrame(t, ctx, conn, proto.InboundTypeHello, proto.HelloData{Author: "alice", Protocol: proto.ProtocolVersion + 1})
	expectError(t, ctx, conn, proto.ErrCodeUnsupportedVersion)

	var out testOutbound
	err := wsjson.Read(ctx, conn, &out)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestHandshakeRequired(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	conn := dialRaw(t, ctx, r)
	say(t, ctx, conn, "too early")
	expectError(t, ctx, conn, proto.ErrCodeHandshakeRequired)
}

func TestUnknownMessageType(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	conn, _ := connect(t, ctx, r, proto.HelloData{})
	sendFrame(t, ctx, conn, "join", map[string]string{"room": "general"})
	expectError(t, ctx, conn, proto.ErrCodeInvalidMessage)
}

func TestRateLimit(t *testing.T) {
	r := startTestServer(t, func(c *config.Config) { c.RateLimit = 1 })
	ctx := testContext(t)

	conn, _ := connect(t, ctx, r, proto.HelloData{})
	say(t, ctx, conn, "first")
	require.Equal(t, "1", expectMessage(t, ctx, conn).Position)

	say(t, ctx, conn, "second")
	expectError(t, ctx, conn, proto.ErrCodeRateLimited)
}

func TestRecoveryResumesSession(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	alice, first := connect(t, ctx, r, proto.HelloData{Author: "alice"})
	bob, _ := connect(t, ctx, r, proto.HelloData{Author: "bob"})

	say(t, ctx, bob, "before")
	require.Equal(t, "1", expectMessage(t, ctx, alice).Position)
	require.Equal(t, "1", expectMessage(t, ctx, bob).Position)

	alice.Close(websocket.StatusGoingAway, "network blip")
	require.Eventually(t, func() bool { return r.recovery.parkedCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	say(t, ctx, bob, "missed one")
	say(t, ctx, bob, "missed two")
	require.Equal(t, "2", expectMessage(t, ctx, bob).Position)
	require.Equal(t, "3", expectMessage(t, ctx, bob).Position)

	again, welcome := connect(t, ctx, r, proto.HelloData{Recovery: first.Recovery})
	require.True(t, welcome.Recovered)
	require.Equal(t, first.SessionID, welcome.SessionID)
	require.Equal(t, "alice", welcome.Author)

	msg := expectMessage(t, ctx, again)
	require.Equal(t, "2", msg.Position)
	require.Equal(t, "missed one", msg.Content)
	require.Equal(t, "3", expectMessage(t, ctx, again).Position)

	// the token was consumed by the resume
	_, other := connect(t, ctx, r, proto.HelloData{Recovery: first.Recovery})
	require.False(t, other.Recovered)
	require.NotEqual(t, first.SessionID, other.SessionID)
}

func TestInvalidRecoveryTokenStartsFreshSession(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	_, welcome := connect(t, ctx, r, proto.HelloData{Author: "dave", Recovery: "not-a-token"})
	require.False(t, welcome.Recovered)
	require.Equal(t, "dave", welcome.Author)
}

func TestRecoveryDisabled(t *testing.T) {
	r := startTestServer(t, func(c *config.Config) { c.Recovery.Window = 0 })
	ctx := testContext(t)

	_, welcome := connect(t, ctx, r, proto.HelloData{Author: "erin"})
	require.Empty(t, welcome.Recovery)
}

func TestWSOptionsKeepTimeoutsApart(t *testing.T) {
	cfg := config.Default()
	cfg.HandshakeTimeout = 7 * time.Second
	cfg.WriteTimeout = 2 * time.Second

	opts := wsOptions(&cfg)
	require.Equal(t, 7*time.Second, opts.HandshakeTimeout)
	require.Equal(t, 2*time.Second, opts.WriteTimeout)
	require.Equal(t, cfg.OutboxSize, opts.OutboxSize)
}

func TestHistoryEndpoint(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	for _, content := range []string{"one", "two", "three"} {
		_, err := r.core.Submit(ctx, "offline", content)
		require.NoError(t, err)
	}

	resp, err := stdhttp.Get(r.ts.URL + "/api/messages?after=1&limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)

	var page HistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Messages, 1)
	require.Equal(t, "two", page.Messages[0].Content)
	require.Equal(t, int64(2), page.Next)
	require.True(t, page.More)

	bad, err := stdhttp.Get(r.ts.URL + "/api/messages?after=abc")
	require.NoError(t, err)
	defer bad.Body.Close()
	require.Equal(t, stdhttp.StatusBadRequest, bad.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	r := startTestServer(t, nil)
	ctx := testContext(t)

	conn, _ := connect(t, ctx, r, proto.HelloData{})
	say(t, ctx, conn, "ping")
	expectMessage(t, ctx, conn)

	resp, err := stdhttp.Get(r.ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, 1, status.LiveSessions)
	require.Equal(t, int64(1), status.LastPosition)
}
