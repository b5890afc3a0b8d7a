package chatkit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the realtime session channel.
type ChannelConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// Handlers run on the read-loop goroutine, not on fresh goroutines: each of
// the four inbound streams must be delivered in wire order, so fan-out may
// not reorder events within a stream.
type eventDispatcher struct {
	mu             sync.RWMutex
	onConnected    []func(ConnectedPayload)
	onDirect       []func(Message)
	onGroup        []func(Message)
	onSeen         []func(MessagesSeenPayload)
	onDeleted      []func(MessageDeletedPayload)
	onError        []func(ChannelErrorPayload)
	onStateChange  []func(ChannelState)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case eventConnected:
		var p ConnectedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onConnected {
				h(p)
			}
		}
	case eventDirectMessage:
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range d.onDirect {
				h(m)
			}
		}
	case eventGroupMessage:
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range d.onGroup {
				h(m)
			}
		}
	case eventMessagesSeen:
		var p MessagesSeenPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onSeen {
				h(p)
			}
		}
	case eventMessageDeleted:
		var p MessageDeletedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onDeleted {
				h(p)
			}
		}
	case eventError:
		var p ChannelErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				h(p)
			}
		}
	}
}

func (d *eventDispatcher) emitState(s ChannelState) {
	d.mu.RLock()
	handlers := append([]func(ChannelState){}, d.onStateChange...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// SessionChannel
// ============================================================================

// SessionChannel owns the live push connection. It exposes the four inbound
// event streams (direct message, group message, seen batch, deletion) plus
// connection-state notifications, and the outbound command surface (send,
// mark-seen, delete, room join/leave).
//
// Sending a message never appends to any store; the authoritative append
// happens when the corresponding inbound event arrives.
type SessionChannel struct {
	wsURL            string
	config           *ChannelConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            ChannelState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pendingAcks      map[string]chan AckPayload
	pendingMu        sync.Mutex
}

// NewSessionChannel creates a channel for the given websocket URL. Pass nil
// config for defaults with auto-reconnect enabled.
func NewSessionChannel(wsURL string, config *ChannelConfig) *SessionChannel {
	if config == nil {
		config = &ChannelConfig{AutoReconnect: true}
	}
	cfg := *config
	cfg.defaults()
	return &SessionChannel{
		wsURL:       wsURL,
		config:      &cfg,
		state:       StateDisconnected,
		dispatcher:  newEventDispatcher(),
		recon:       newReconnector(&cfg),
		pendingAcks: make(map[string]chan AckPayload),
	}
}

// OnConnectedEvent registers a handler for the post-handshake connected event.
func (ch *SessionChannel) OnConnectedEvent(h func(ConnectedPayload)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onConnected = append(ch.dispatcher.onConnected, h)
	ch.dispatcher.mu.Unlock()
}

// OnDirectMessage registers a handler for inbound direct messages.
func (ch *SessionChannel) OnDirectMessage(h func(Message)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onDirect = append(ch.dispatcher.onDirect, h)
	ch.dispatcher.mu.Unlock()
}

// OnGroupMessage registers a handler for inbound group messages.
func (ch *SessionChannel) OnGroupMessage(h func(Message)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onGroup = append(ch.dispatcher.onGroup, h)
	ch.dispatcher.mu.Unlock()
}

// OnMessagesSeen registers a handler for batch seen notifications.
func (ch *SessionChannel) OnMessagesSeen(h func(MessagesSeenPayload)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onSeen = append(ch.dispatcher.onSeen, h)
	ch.dispatcher.mu.Unlock()
}

// OnMessageDeleted registers a handler for deletion notifications.
func (ch *SessionChannel) OnMessageDeleted(h func(MessageDeletedPayload)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onDeleted = append(ch.dispatcher.onDeleted, h)
	ch.dispatcher.mu.Unlock()
}

// OnChannelError registers a handler for server-side errors pushed on the
// channel, e.g. a policy rejection for a delete request.
func (ch *SessionChannel) OnChannelError(h func(ChannelErrorPayload)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onError = append(ch.dispatcher.onError, h)
	ch.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection-state transitions; the UI
// surfaces these as a connection indicator rather than a blocking error.
func (ch *SessionChannel) OnStateChange(h func(ChannelState)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onStateChange = append(ch.dispatcher.onStateChange, h)
	ch.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for reconnect attempts.
func (ch *SessionChannel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onReconnecting = append(ch.dispatcher.onReconnecting, h)
	ch.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ch *SessionChannel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *SessionChannel) setState(s ChannelState) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
	ch.dispatcher.emitState(s)
}

// Connect establishes the channel and waits for the server handshake.
func (ch *SessionChannel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateConnecting
	ch.intentionalClose = false
	ch.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ch.wsURL, nil)
	if err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("%w: dial: %v", ErrChannelUnavailable, err)
	}

	// First frame must be the connected handshake.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ch.setState(StateDisconnected)
		return fmt.Errorf("%w: handshake read: %v", ErrChannelUnavailable, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != eventConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		ch.setState(StateDisconnected)
		return fmt.Errorf("%w: expected %q handshake, got %q", ErrChannelUnavailable, eventConnected, env.Type)
	}

	ch.mu.Lock()
	ch.conn = conn
	ch.state = StateConnected
	ch.mu.Unlock()
	ch.recon.markConnected()

	ch.dispatcher.emitState(StateConnected)
	ch.dispatcher.dispatch(env)

	connCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	if ch.cancelFn != nil {
		// Stop the previous connection's loops; a reconnect would otherwise
		// leave two heartbeats ticking.
		ch.cancelFn()
	}
	ch.cancelFn = cancel
	ch.mu.Unlock()

	go ch.readLoop(connCtx)
	go ch.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the channel. No reconnect follows.
func (ch *SessionChannel) Disconnect() error {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.state = StateDisconnected
	ch.mu.Unlock()

	ch.clearPendingAcks()
	ch.dispatcher.emitState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ============================================================================
// Outbound commands
// ============================================================================

// SendMessage dispatches an outbound message for the given thread. The
// message is not applied locally; it materializes when the self-echo event
// arrives. selfID travels with the command so the server can stamp the
// sender without a second lookup.
func (ch *SessionChannel) SendMessage(ctx context.Context, thread ThreadRef, content, selfID string) error {
	if thread.IsZero() {
		return ErrNoActiveThread
	}
	return ch.send(ctx, &Command{
		Type: cmdSendMessage,
		Payload: SendCommandPayload{
			Kind:     thread.Kind,
			PeerID:   thread.PeerID,
			GroupID:  thread.GroupID,
			Content:  content,
			SenderID: selfID,
		},
		RequestID: uuid.NewString(),
	})
}

// MarkSeen acknowledges the given messages as seen. Fire-and-forget: a
// failure is a log-level concern only.
func (ch *SessionChannel) MarkSeen(ctx context.Context, thread ThreadRef, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	err := ch.send(ctx, &Command{
		Type: cmdMarkSeen,
		Payload: MarkSeenCommandPayload{
			Kind:       thread.Kind,
			PeerID:     thread.PeerID,
			GroupID:    thread.GroupID,
			MessageIDs: messageIDs,
		},
	})
	if err != nil {
		logger.Warn("chatkit: mark seen failed", "thread", thread.Key(), "count", len(messageIDs), "err", err)
	}
	return err
}

// DeleteMessage requests a deletion. The server is authoritative on the
// not-yet-seen policy; a rejection comes back as a channel error event.
func (ch *SessionChannel) DeleteMessage(ctx context.Context, messageID, groupID string) error {
	return ch.send(ctx, &Command{
		Type:      cmdDeleteMessage,
		Payload:   DeleteCommandPayload{MessageID: messageID, GroupID: groupID},
		RequestID: uuid.NewString(),
	})
}

// JoinRoom enters a group's broadcast scope and waits for the server ack.
// Group events for that group are only delivered after a join.
func (ch *SessionChannel) JoinRoom(ctx context.Context, groupID string) error {
	return ch.sendAcked(ctx, cmdJoinRoom, roomCommandPayload{GroupID: groupID})
}

// LeaveRoom exits a group's broadcast scope and waits for the server ack.
func (ch *SessionChannel) LeaveRoom(ctx context.Context, groupID string) error {
	return ch.sendAcked(ctx, cmdLeaveRoom, roomCommandPayload{GroupID: groupID})
}

// Ping round-trips a heartbeat through the ack machinery.
func (ch *SessionChannel) Ping(ctx context.Context) error {
	return ch.sendAcked(ctx, cmdPing, nil)
}

func (ch *SessionChannel) send(ctx context.Context, cmd *Command) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()

	if conn == nil {
		return ErrChannelUnavailable
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

// sendAcked sends a command with a request ID and blocks until the matching
// ack arrives or the timeout elapses.
func (ch *SessionChannel) sendAcked(ctx context.Context, cmdType string, payload interface{}) error {
	requestID := uuid.NewString()

	ackCh := make(chan AckPayload, 1)
	ch.pendingMu.Lock()
	ch.pendingAcks[requestID] = ackCh
	ch.pendingMu.Unlock()

	removePending := func() {
		ch.pendingMu.Lock()
		delete(ch.pendingAcks, requestID)
		ch.pendingMu.Unlock()
	}

	if err := ch.send(ctx, &Command{Type: cmdType, Payload: payload, RequestID: requestID}); err != nil {
		removePending()
		return err
	}

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return ErrChannelUnavailable
		}
		if !ack.OK {
			if ack.Error != "" {
				return fmt.Errorf("%w: %s", ErrPolicyRejected, ack.Error)
			}
			return fmt.Errorf("%w: %s not acknowledged", ErrPolicyRejected, cmdType)
		}
		return nil
	case <-time.After(ch.config.AckTimeout):
		removePending()
		return fmt.Errorf("%w: %s ack timeout", ErrChannelUnavailable, cmdType)
	case <-ctx.Done():
		removePending()
		return ctx.Err()
	}
}

// ============================================================================
// Loops
// ============================================================================

func (ch *SessionChannel) readLoop(ctx context.Context) {
	for {
		ch.mu.Lock()
		conn := ch.conn
		ch.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			ch.mu.Unlock()
			if intentional {
				return
			}

			ch.mu.Lock()
			ch.state = StateDisconnected
			ch.conn = nil
			ch.mu.Unlock()
			ch.clearPendingAcks()
			ch.dispatcher.emitState(StateDisconnected)

			if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
				ch.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == eventAck {
			var ack AckPayload
			if json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID != "" {
				ch.pendingMu.Lock()
				waiting, ok := ch.pendingAcks[ack.RequestID]
				if ok {
					delete(ch.pendingAcks, ack.RequestID)
				}
				ch.pendingMu.Unlock()
				if ok {
					waiting <- ack
				}
			}
			continue
		}

		ch.dispatcher.dispatch(env)
	}
}

func (ch *SessionChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ch.State() != StateConnected {
				return
			}
			if err := ch.Ping(ctx); err != nil {
				ch.mu.Lock()
				conn := ch.conn
				ch.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ch *SessionChannel) scheduleReconnect(ctx context.Context) {
	delay := ch.recon.nextDelay()
	ch.setState(StateReconnecting)
	ch.dispatcher.emitReconnecting(ch.recon.attempt, delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	if err := ch.Connect(context.Background()); err != nil {
		if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
			ch.scheduleReconnect(ctx)
		} else {
			ch.setState(StateDisconnected)
		}
	}
}

func (ch *SessionChannel) clearPendingAcks() {
	ch.pendingMu.Lock()
	for k, waiting := range ch.pendingAcks {
		close(waiting)
		delete(ch.pendingAcks, k)
	}
	ch.pendingMu.Unlock()
}
