package chatkit

import (
	"context"
	"sync"
)

// Channel is the outbound command and inbound event surface the engine
// consumes. *SessionChannel implements it.
type Channel interface {
	SendMessage(ctx context.Context, thread ThreadRef, content, selfID string) error
	MarkSeen(ctx context.Context, thread ThreadRef, messageIDs []string) error
	DeleteMessage(ctx context.Context, messageID, groupID string) error
	JoinRoom(ctx context.Context, groupID string) error
	LeaveRoom(ctx context.Context, groupID string) error

	OnDirectMessage(func(Message))
	OnGroupMessage(func(Message))
	OnMessagesSeen(func(MessagesSeenPayload))
	OnMessageDeleted(func(MessageDeletedPayload))
}

// HistoryFetcher is the paginated REST surface the engine consumes.
// *Client implements it.
type HistoryFetcher interface {
	DirectMessages(ctx context.Context, otherUserID string, page, size int) ([]Message, error)
	GroupMessages(ctx context.Context, groupID string, page, size int) ([]Message, error)
}

type threadState int

const (
	threadClosed threadState = iota
	threadLoading
	threadOpen
)

// threadOps is the capability set that makes direct and group threads one
// code path: a page fetcher plus optional room scope management. Direct
// threads have no scope; group threads must join their room before live
// events are delivered.
type threadOps struct {
	fetchPage  PageFetcher
	joinScope  func(ctx context.Context) error
	leaveScope func(ctx context.Context) error
}

// Engine reconciles the push channel with paginated history for the single
// active thread. Inbound events matching the active thread are applied to its
// MessageStore and acknowledged as seen; events for any other thread only
// trigger a directory refresh. That routing bounds memory to one thread's
// messages and keeps seen state from leaking into threads the user never
// opened.
type Engine struct {
	fetcher HistoryFetcher
	channel Channel
	dir     *Directory
	selfID  string

	pageSize int

	mu            sync.Mutex
	active        ThreadRef
	state         threadState
	store         *MessageStore
	loadSeq       uint64
	joinedRoom    string
	pendingTarget ThreadRef
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPageSize sets the history page size.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// NewEngine wires the engine into the channel's event streams. selfID is the
// authenticated user, resolved once at startup.
func NewEngine(fetcher HistoryFetcher, channel Channel, dir *Directory, selfID string, opts ...EngineOption) *Engine {
	e := &Engine{
		fetcher:  fetcher,
		channel:  channel,
		dir:      dir,
		selfID:   selfID,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}

	channel.OnDirectMessage(e.handleInboundMessage)
	channel.OnGroupMessage(e.handleInboundMessage)
	channel.OnMessagesSeen(e.handleMessagesSeen)
	channel.OnMessageDeleted(e.handleMessageDeleted)

	return e
}

func (e *Engine) opsFor(t ThreadRef) threadOps {
	switch t.Kind {
	case ThreadGroup:
		groupID := t.GroupID
		return threadOps{
			fetchPage: func(ctx context.Context, page, size int) ([]Message, error) {
				return e.fetcher.GroupMessages(ctx, groupID, page, size)
			},
			joinScope: func(ctx context.Context) error {
				return e.channel.JoinRoom(ctx, groupID)
			},
			leaveScope: func(ctx context.Context) error {
				return e.channel.LeaveRoom(ctx, groupID)
			},
		}
	default:
		peerID := t.PeerID
		return threadOps{
			fetchPage: func(ctx context.Context, page, size int) ([]Message, error) {
				return e.fetcher.DirectMessages(ctx, peerID, page, size)
			},
		}
	}
}

// ============================================================================
// Thread lifecycle
// ============================================================================

// Open selects a thread: Closed → Loading → Open. Any previously joined group
// room is left before a new one is joined, so at most one room membership
// exists at a time. A response that resolves after the user has switched
// threads again is discarded (ErrStaleResponse), never applied to the wrong
// store.
func (e *Engine) Open(ctx context.Context, t ThreadRef) error {
	if t.IsZero() {
		return ErrNoActiveThread
	}

	ops := e.opsFor(t)

	e.mu.Lock()
	e.loadSeq++
	mySeq := e.loadSeq
	prevRoom := e.joinedRoom
	e.joinedRoom = ""
	e.active = t
	e.state = threadLoading
	store := NewMessageStore(ops.fetchPage, e.pageSize)
	e.store = store
	e.mu.Unlock()

	// The previous room must be left before joining the new one; a lingering
	// membership would deliver foreign events after the switch.
	if prevRoom != "" && prevRoom != t.GroupID {
		if err := e.channel.LeaveRoom(ctx, prevRoom); err != nil {
			logger.Warn("chatkit: leave room failed", "group", prevRoom, "err", err)
		}
	}

	if ops.joinScope != nil {
		if err := ops.joinScope(ctx); err != nil {
			e.mu.Lock()
			if e.loadSeq == mySeq {
				e.state = threadClosed
			}
			e.mu.Unlock()
			return err
		}
		e.mu.Lock()
		if e.loadSeq == mySeq {
			e.joinedRoom = t.GroupID
			e.mu.Unlock()
		} else {
			// Joined a room the user already navigated away from. A newer open
			// of the same group owns the membership now; leaving would strand
			// the active thread without live events.
			owned := e.joinedRoom == t.GroupID
			e.mu.Unlock()
			if !owned {
				if err := ops.leaveScope(ctx); err != nil {
					logger.Warn("chatkit: leave stale room failed", "group", t.GroupID, "err", err)
				}
			}
			return ErrStaleResponse
		}
	}

	if err := store.LoadFirstPage(ctx); err != nil {
		e.mu.Lock()
		if e.loadSeq == mySeq {
			e.state = threadClosed
		}
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	if e.loadSeq != mySeq {
		e.mu.Unlock()
		return ErrStaleResponse
	}
	e.state = threadOpen
	e.mu.Unlock()

	e.ackUnseen(t, store)
	go e.dir.Refresh(context.Background())
	return nil
}

// Close deselects the active thread and leaves its group room, if any.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	e.loadSeq++
	prevRoom := e.joinedRoom
	e.joinedRoom = ""
	e.active = ThreadRef{}
	e.state = threadClosed
	e.store = nil
	e.mu.Unlock()

	if prevRoom != "" {
		if err := e.channel.LeaveRoom(ctx, prevRoom); err != nil {
			logger.Warn("chatkit: leave room failed", "group", prevRoom, "err", err)
		}
	}
}

// Active returns the selected thread; the zero value means none.
func (e *Engine) Active() ThreadRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Messages returns the open thread's messages in display order.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	store := e.store
	open := e.state == threadOpen
	e.mu.Unlock()
	if !open || store == nil {
		return nil
	}
	return store.Messages()
}

// HasMoreOlder reports whether the open thread has more backward history.
func (e *Engine) HasMoreOlder() bool {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()
	return store != nil && store.HasMoreOlder()
}

// LoadOlder fetches and prepends the next backward page of the open thread.
func (e *Engine) LoadOlder(ctx context.Context) (*PrependResult, error) {
	e.mu.Lock()
	if e.state != threadOpen || e.store == nil {
		e.mu.Unlock()
		return nil, ErrNoActiveThread
	}
	mySeq := e.loadSeq
	store := e.store
	e.mu.Unlock()

	result, err := store.PrependOlderPage(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	stale := e.loadSeq != mySeq
	e.mu.Unlock()
	if stale {
		return nil, ErrStaleResponse
	}
	return result, nil
}

// ============================================================================
// Outbound operations
// ============================================================================

// Send dispatches a message to the active thread. Nothing is appended
// locally; the message materializes when its echo event arrives. On error the
// caller keeps the compose content.
func (e *Engine) Send(ctx context.Context, content string) error {
	e.mu.Lock()
	t := e.active
	open := e.state == threadOpen
	e.mu.Unlock()
	if !open {
		return ErrNoActiveThread
	}

	if err := e.channel.SendMessage(ctx, t, content, e.selfID); err != nil {
		return err
	}
	go e.dir.Refresh(context.Background())
	return nil
}

// Delete requests deletion of a message in the active thread. The server is
// authoritative on the not-yet-seen policy; the engine only refuses locally
// once the seen flag is already set, which is the disabled affordance.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	e.mu.Lock()
	t := e.active
	store := e.store
	open := e.state == threadOpen
	e.mu.Unlock()
	if !open || store == nil {
		return ErrNoActiveThread
	}

	if m, ok := store.Get(messageID); ok && m.Seen {
		return ErrPolicyRejected
	}
	return e.channel.DeleteMessage(ctx, messageID, t.GroupID)
}

// SetPendingTarget stores a deep-link target: a thread to open on the next
// navigation. Consumed once.
func (e *Engine) SetPendingTarget(t ThreadRef) {
	e.mu.Lock()
	e.pendingTarget = t
	e.mu.Unlock()
}

// ConsumePendingTarget returns and clears the deep-link target.
func (e *Engine) ConsumePendingTarget() (ThreadRef, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.pendingTarget
	e.pendingTarget = ThreadRef{}
	return t, !t.IsZero()
}

// ============================================================================
// Inbound routing
// ============================================================================

// handleInboundMessage routes a pushed message: into the open store when the
// thread matches, otherwise only the directory learns about it.
func (e *Engine) handleInboundMessage(m Message) {
	thread := m.Thread(e.selfID)

	e.mu.Lock()
	matches := e.state == threadOpen && e.active == thread
	store := e.store
	e.mu.Unlock()

	if matches && store != nil {
		if store.ApplyInbound(m) && m.SenderID != e.selfID && !m.Seen {
			ids := []string{m.ID}
			store.ApplySeen(ids)
			go func() {
				_ = e.channel.MarkSeen(context.Background(), thread, ids)
			}()
		}
	}

	go e.dir.Refresh(context.Background())
}

func (e *Engine) handleMessagesSeen(p MessagesSeenPayload) {
	e.mu.Lock()
	matches := e.state == threadOpen && e.matchesActiveLocked(p.GroupID)
	store := e.store
	e.mu.Unlock()

	if matches && store != nil {
		store.ApplySeen(p.MessageIDs)
	}
	go e.dir.Refresh(context.Background())
}

func (e *Engine) handleMessageDeleted(p MessageDeletedPayload) {
	e.mu.Lock()
	matches := e.state == threadOpen && e.matchesActiveLocked(p.GroupID)
	store := e.store
	e.mu.Unlock()

	if matches && store != nil {
		store.ApplyDeleted(p.MessageID)
	}
	go e.dir.Refresh(context.Background())
}

// matchesActiveLocked checks whether an event's group scope targets the
// active thread. Seen/deleted events carry a group ID for group threads and
// none for direct threads.
func (e *Engine) matchesActiveLocked(groupID string) bool {
	if groupID != "" {
		return e.active.Kind == ThreadGroup && e.active.GroupID == groupID
	}
	return e.active.Kind == ThreadDirect
}

// ackUnseen acknowledges foreign unseen messages in the store and flips them
// locally. Fire-and-forget: failures are logged by the channel.
func (e *Engine) ackUnseen(t ThreadRef, store *MessageStore) {
	var ids []string
	for _, m := range store.Messages() {
		if !m.Seen && !m.Deleted && m.SenderID != e.selfID {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	store.ApplySeen(ids)
	go func() {
		_ = e.channel.MarkSeen(context.Background(), t, ids)
	}()
}
