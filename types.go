package chatkit

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Threads
// ============================================================================

// ThreadKind distinguishes direct and group conversations.
type ThreadKind string

const (
	ThreadDirect ThreadKind = "direct"
	ThreadGroup  ThreadKind = "group"
)

// ThreadRef identifies one conversation. It is a comparable value: the zero
// value means "no thread selected". Exactly one of PeerID/GroupID is set.
type ThreadRef struct {
	Kind    ThreadKind `json:"kind"`
	PeerID  string     `json:"peerId,omitempty"`
	GroupID string     `json:"groupId,omitempty"`
}

// DirectThread returns a ThreadRef for a 1:1 conversation with the given user.
func DirectThread(peerID string) ThreadRef {
	return ThreadRef{Kind: ThreadDirect, PeerID: peerID}
}

// GroupThread returns a ThreadRef for a group conversation.
func GroupThread(groupID string) ThreadRef {
	return ThreadRef{Kind: ThreadGroup, GroupID: groupID}
}

// IsZero reports whether no thread is selected.
func (t ThreadRef) IsZero() bool {
	return t.Kind == ""
}

// Key returns a stable string identity for logging and map keys.
func (t ThreadRef) Key() string {
	switch t.Kind {
	case ThreadDirect:
		return "direct:" + t.PeerID
	case ThreadGroup:
		return "group:" + t.GroupID
	default:
		return ""
	}
}

// ============================================================================
// Messages
// ============================================================================

// Message is a single chat message, direct or group. GroupID is empty for
// direct messages; ReceiverID is empty for group messages.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId,omitempty"`
	GroupID    string    `json:"groupId,omitempty"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sentAt"`
	Seen       bool      `json:"seen"`
	Deleted    bool      `json:"deleted"`
}

// Thread returns the conversation this message belongs to, from the point of
// view of selfID (a direct message sent by self belongs to the receiver's
// thread).
func (m Message) Thread(selfID string) ThreadRef {
	if m.GroupID != "" {
		return GroupThread(m.GroupID)
	}
	if m.SenderID == selfID {
		return DirectThread(m.ReceiverID)
	}
	return DirectThread(m.SenderID)
}

// ============================================================================
// Directory summaries
// ============================================================================

// ConversationSummary is the directory entry for a direct conversation.
// Unread counts and previews are server-computed; the client never derives
// them locally.
type ConversationSummary struct {
	OtherUserID   string    `json:"otherUserId"`
	OtherUsername string    `json:"otherUsername,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
}

// GroupSummary is the directory entry for a group.
type GroupSummary struct {
	GroupID            string    `json:"groupId"`
	Name               string    `json:"name"`
	MemberCount        int       `json:"memberCount"`
	MyRole             string    `json:"myRole,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount        int       `json:"unreadCount"`
}

// Identity is the authenticated user, resolved once at startup.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ============================================================================
// Realtime wire format
// ============================================================================

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server realtime command.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Realtime event types pushed by the server.
const (
	eventConnected      = "connected"
	eventDirectMessage  = "direct.message"
	eventGroupMessage   = "group.message"
	eventMessagesSeen   = "messages.seen"
	eventMessageDeleted = "message.deleted"
	eventAck            = "ack"
	eventError          = "error"
)

// Realtime command types sent by the client.
const (
	cmdSendMessage   = "message.send"
	cmdMarkSeen      = "messages.seen"
	cmdDeleteMessage = "message.delete"
	cmdJoinRoom      = "room.join"
	cmdLeaveRoom     = "room.leave"
	cmdPing          = "ping"
)

// ConnectedPayload is the first event after a successful handshake.
type ConnectedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MessagesSeenPayload is a batch seen notification. GroupID is empty for
// direct threads.
type MessagesSeenPayload struct {
	MessageIDs []string `json:"messageIds"`
	GroupID    string   `json:"groupId,omitempty"`
	SeenBy     string   `json:"seenBy,omitempty"`
}

// MessageDeletedPayload announces a tombstoned message.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId,omitempty"`
}

// AckPayload answers an acked command (room join/leave, ping) by request ID.
type AckPayload struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// ChannelErrorPayload is a server-side error pushed on the channel.
type ChannelErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SendCommandPayload is the body of a message.send command.
type SendCommandPayload struct {
	Kind     ThreadKind `json:"kind"`
	PeerID   string     `json:"peerId,omitempty"`
	GroupID  string     `json:"groupId,omitempty"`
	Content  string     `json:"content"`
	SenderID string     `json:"senderId"`
}

// MarkSeenCommandPayload is the body of a messages.seen command.
type MarkSeenCommandPayload struct {
	Kind       ThreadKind `json:"kind"`
	PeerID     string     `json:"peerId,omitempty"`
	GroupID    string     `json:"groupId,omitempty"`
	MessageIDs []string   `json:"messageIds"`
}

// DeleteCommandPayload is the body of a message.delete command.
type DeleteCommandPayload struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId,omitempty"`
}

type roomCommandPayload struct {
	GroupID string `json:"groupId"`
}
