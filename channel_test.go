package chatkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func envelope(t *testing.T, typ string, payload any) Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Envelope{Type: typ, Payload: data}
}

func TestEventDispatcher_FanOutPreservesOrder(t *testing.T) {
	d := newEventDispatcher()

	var first, second []string
	d.onDirect = append(d.onDirect, func(m Message) { first = append(first, m.ID) })
	d.onDirect = append(d.onDirect, func(m Message) { second = append(second, m.ID) })

	for _, id := range []string{"m1", "m2", "m3"} {
		d.dispatch(envelope(t, eventDirectMessage, Message{ID: id}))
	}

	// Both handlers observe the stream in wire order.
	assert.Equal(t, []string{"m1", "m2", "m3"}, first)
	assert.Equal(t, []string{"m1", "m2", "m3"}, second)
}

func TestEventDispatcher_RoutesByType(t *testing.T) {
	d := newEventDispatcher()

	var got []string
	d.onDirect = append(d.onDirect, func(m Message) { got = append(got, "direct:"+m.ID) })
	d.onGroup = append(d.onGroup, func(m Message) { got = append(got, "group:"+m.ID) })
	d.onSeen = append(d.onSeen, func(p MessagesSeenPayload) { got = append(got, "seen") })
	d.onDeleted = append(d.onDeleted, func(p MessageDeletedPayload) { got = append(got, "deleted:"+p.MessageID) })
	d.onError = append(d.onError, func(p ChannelErrorPayload) { got = append(got, "error:"+p.Message) })

	d.dispatch(envelope(t, eventDirectMessage, Message{ID: "d1"}))
	d.dispatch(envelope(t, eventGroupMessage, Message{ID: "g1", GroupID: "grp"}))
	d.dispatch(envelope(t, eventMessagesSeen, MessagesSeenPayload{MessageIDs: []string{"d1"}}))
	d.dispatch(envelope(t, eventMessageDeleted, MessageDeletedPayload{MessageID: "d1"}))
	d.dispatch(envelope(t, eventError, ChannelErrorPayload{Message: "nope"}))
	// Unknown types and garbage payloads are dropped silently.
	d.dispatch(Envelope{Type: "mystery", Payload: []byte(`{}`)})
	d.dispatch(Envelope{Type: eventDirectMessage, Payload: []byte(`not json`)})

	assert.Equal(t, []string{"direct:d1", "group:g1", "seen", "deleted:d1", "error:nope"}, got)
}

func TestReconnector_BackoffBounds(t *testing.T) {
	r := newReconnector(&ChannelConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 4,
	})

	var prev time.Duration
	for i := 0; i < 4; i++ {
		require.True(t, r.shouldReconnect())
		d := r.nextDelay()
		assert.GreaterOrEqual(t, d, prev/2, "delays grow, modulo jitter")
		assert.LessOrEqual(t, d, 10*time.Second, "capped at the max delay")
		assert.GreaterOrEqual(t, d, time.Second)
		prev = d
	}
	assert.False(t, r.shouldReconnect(), "attempt limit reached")

	r.reset()
	assert.True(t, r.shouldReconnect())
}

func TestReconnector_StableConnectionResetsAttempts(t *testing.T) {
	r := newReconnector(&ChannelConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
	})

	for i := 0; i < 5; i++ {
		r.nextDelay()
	}
	require.Equal(t, 5, r.attempt)

	// A connection that held for over a minute starts the backoff over.
	r.connectedAt = time.Now().Add(-2 * time.Minute)
	d := r.nextDelay()
	assert.LessOrEqual(t, d, 1500*time.Millisecond, "first-attempt delay after a stable connection")
	assert.Equal(t, 1, r.attempt)
}

func TestChannelConfig_Defaults(t *testing.T) {
	cfg := &ChannelConfig{}
	cfg.defaults()
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, 25*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.AckTimeout)
}

func TestSessionChannel_DisconnectedCommands(t *testing.T) {
	ch := NewSessionChannel("ws://127.0.0.1:1/ws", &ChannelConfig{})

	err := ch.SendMessage(context.Background(), DirectThread("u1"), "hi", "me")
	assert.ErrorIs(t, err, ErrChannelUnavailable)

	err = ch.MarkSeen(context.Background(), DirectThread("u1"), []string{"m1"})
	assert.ErrorIs(t, err, ErrChannelUnavailable)

	// Empty batches never touch the wire.
	assert.NoError(t, ch.MarkSeen(context.Background(), DirectThread("u1"), nil))

	err = ch.JoinRoom(context.Background(), "g1")
	assert.ErrorIs(t, err, ErrChannelUnavailable)

	// A message needs a thread before it needs a connection.
	err = ch.SendMessage(context.Background(), ThreadRef{}, "hi", "me")
	assert.ErrorIs(t, err, ErrNoActiveThread)
}

func TestCommand_WireShape(t *testing.T) {
	cmd := Command{
		Type: cmdSendMessage,
		Payload: SendCommandPayload{
			Kind:     ThreadDirect,
			PeerID:   "u2",
			Content:  "hello",
			SenderID: "u1",
		},
		RequestID: "req-1",
	}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.JSONEq(t, `"message.send"`, string(wire["type"]))
	assert.JSONEq(t, `"req-1"`, string(wire["requestId"]))
	assert.JSONEq(t, `{"kind":"direct","peerId":"u2","content":"hello","senderId":"u1"}`, string(wire["payload"]))
}

// testChatServer is a minimal realtime endpoint: it performs the connected
// handshake, acks room and ping commands, and echoes sends back as direct
// message events.
func testChatServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		ctx := r.Context()
		defer conn.Close(websocket.StatusNormalClosure, "")

		hello, _ := json.Marshal(map[string]any{
			"type":    "connected",
			"payload": map[string]any{"userId": "u1", "username": "alice"},
		})
		if conn.Write(ctx, websocket.MessageText, hello) != nil {
			return
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd struct {
				Type      string          `json:"type"`
				RequestID string          `json:"requestId"`
				Payload   json.RawMessage `json:"payload"`
			}
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			switch cmd.Type {
			case cmdJoinRoom, cmdLeaveRoom, cmdPing:
				ack, _ := json.Marshal(map[string]any{
					"type":    "ack",
					"payload": map[string]any{"requestId": cmd.RequestID, "ok": true},
				})
				if conn.Write(ctx, websocket.MessageText, ack) != nil {
					return
				}
			case cmdSendMessage:
				var p SendCommandPayload
				if json.Unmarshal(cmd.Payload, &p) != nil {
					continue
				}
				echo, _ := json.Marshal(map[string]any{
					"type": "direct.message",
					"payload": Message{
						ID:         "srv-1",
						SenderID:   p.SenderID,
						ReceiverID: p.PeerID,
						Content:    p.Content,
						SentAt:     time.Now().UTC(),
					},
				})
				if conn.Write(ctx, websocket.MessageText, echo) != nil {
					return
				}
			}
		}
	}))
}

func TestSessionChannel_ConnectAndRoundTrip(t *testing.T) {
	srv := testChatServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ch := NewSessionChannel(wsURL, &ChannelConfig{AckTimeout: 2 * time.Second})

	connected := make(chan ConnectedPayload, 1)
	ch.OnConnectedEvent(func(p ConnectedPayload) { connected <- p })
	echoes := make(chan Message, 1)
	ch.OnDirectMessage(func(m Message) { echoes <- m })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	defer ch.Disconnect()
	assert.Equal(t, StateConnected, ch.State())

	select {
	case p := <-connected:
		assert.Equal(t, "u1", p.UserID)
	case <-time.After(time.Second):
		t.Fatal("connected event not delivered")
	}

	// Acked room lifecycle.
	require.NoError(t, ch.JoinRoom(ctx, "g1"))
	require.NoError(t, ch.LeaveRoom(ctx, "g1"))
	require.NoError(t, ch.Ping(ctx))

	// Sends materialize only through the echo event.
	require.NoError(t, ch.SendMessage(ctx, DirectThread("u2"), "hello", "u1"))
	select {
	case m := <-echoes:
		assert.Equal(t, "hello", m.Content)
		assert.Equal(t, "u1", m.SenderID)
	case <-time.After(time.Second):
		t.Fatal("echo event not delivered")
	}

	require.NoError(t, ch.Disconnect())
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestSessionChannel_ConnectCancelsPreviousLoops(t *testing.T) {
	srv := testChatServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ch := NewSessionChannel(wsURL, &ChannelConfig{})

	// A read-error reconnect leaves the prior connection's cancel installed;
	// the next Connect must fire it so the old loops stop.
	prevCtx, prevCancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	ch.cancelFn = prevCancel
	ch.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	defer ch.Disconnect()

	select {
	case <-prevCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("previous connection context not cancelled on reconnect")
	}
	assert.Equal(t, StateConnected, ch.State())
}

func TestSessionChannel_DialFailure(t *testing.T) {
	ch := NewSessionChannel("ws://127.0.0.1:1/ws", &ChannelConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := ch.Connect(ctx)
	require.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, StateDisconnected, ch.State())
}
