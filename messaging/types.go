package messaging

import (
	"encoding/json"
	"time"
)

// ConnState is the lifecycle state of the transport session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}

	return "unknown"
}

// StateChange is emitted on every connection state transition.
type StateChange struct {
	From    ConnState
	To      ConnState
	Attempt int
}

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "TEXT"
	KindImage MessageKind = "IMAGE"
	KindFile  MessageKind = "FILE"
)

// Valid reports whether k is a known kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile:
		return true
	}

	return false
}

// MessageStatus is the delivery status of a message. Statuses are ordered
// so a late or duplicated receipt can never move a message backwards.
type MessageStatus string

const (
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}

	return 0
}

// Advances reports whether moving from s to next is forward progress.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next.rank() > s.rank()
}

// Message is a chat message. ID holds the provisional id while the send is
// in flight and the server id once reconciled, never both.
type Message struct {
	ID             string        `json:"id"`
	ProvisionalID  string        `json:"provisionalId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	SenderID       string        `json:"senderId"`
	RecipientID    string        `json:"recipientId"`
	Content        string        `json:"content"`
	Kind           MessageKind   `json:"kind"`
	Status         MessageStatus `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Provisional reports whether the message is still waiting for the server.
func (m Message) Provisional() bool {
	return m.ProvisionalID != "" && m.ID == m.ProvisionalID
}

// StatusChange is emitted when a known message moves to a later status.
type StatusChange struct {
	MessageID      string
	ConversationID string
	From           MessageStatus
	To             MessageStatus
}

// Reconciled is emitted when a provisional message is replaced by the
// server-confirmed message.
type Reconciled struct {
	ProvisionalID string
	Message       Message
	// Via is "live" or "rest", whichever path delivered the ack first.
	Via string
}

// SendFailure is emitted when both the live and REST paths failed. It
// carries the original content so the caller can restore it as a draft;
// the queue keeps nothing once this is reported.
type SendFailure struct {
	ProvisionalID  string
	ConversationID string
	RecipientID    string
	Content        string
	Kind           MessageKind
	Err            error
	// Transient is set when the last path failed on a network error, a
	// 429 or a 5xx, so a manual retry is likely to succeed.
	Transient      bool
}

// PresenceStatus is a user's connectivity as asserted by the server.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "ONLINE"
	PresenceAway    PresenceStatus = "AWAY"
	PresenceOffline PresenceStatus = "OFFLINE"
)

// Valid reports whether p is a known presence status.
func (p PresenceStatus) Valid() bool {
	switch p {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return true
	}

	return false
}

// PresenceRecord is the last known presence of a remote user.
type PresenceRecord struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
}

// TypingSignal is a typing start/stop for one user in one conversation.
type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
	Timestamp      time.Time `json:"timestamp"`
}

// TypingEvent is emitted when a remote user's typing state flips.
// Synthesized is set when a stop was produced by local expiry rather
// than by a stop frame.
type TypingEvent struct {
	ConversationID string
	UserID         string
	IsTyping       bool
	Synthesized    bool
}

// AttemptState tracks a pending send through the transport.
type AttemptState int

const (
	AwaitingTransport AttemptState = iota
	AwaitingAck
	AttemptReconciled
	AttemptFailed
)

func (a AttemptState) String() string {
	switch a {
	case AwaitingTransport:
		return "awaiting_transport"
	case AwaitingAck:
		return "awaiting_ack"
	case AttemptReconciled:
		return "reconciled"
	case AttemptFailed:
		return "failed"
	}

	return "unknown"
}

// PendingSend links a provisional message to its transport attempt.
type PendingSend struct {
	ProvisionalID string       `json:"provisionalId"`
	AttemptState  AttemptState `json:"attemptState"`
	RetryCount    int          `json:"retryCount"`
}

// WebSocket wire types.

// Envelope is the JSON frame exchanged on the socket in both directions.
type Envelope struct {
	Op          string          `json:"op"`
	Destination string          `json:"destination,omitempty"`
	ID          string          `json:"id,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// ConnectFrame is the first frame written after dialing.
type ConnectFrame struct {
	Op     string `json:"op"`
	Token  string `json:"token"`
	Device string `json:"device,omitempty"`
}

// ConnectResponse is the server reply to a connect frame.
type ConnectResponse struct {
	Res    string `json:"res"`
	Msg    string `json:"msg,omitempty"`
	UserID string `json:"userId"`
}

// Inbound body types, discriminated by "type".
const (
	frameMessage  = "MESSAGE"
	frameReceipt  = "RECEIPT"
	frameTyping   = "TYPING"
	framePresence = "PRESENCE"
)

// ReceiptFrame reports a delivery or read status for a set of messages.
type ReceiptFrame struct {
	Type       string        `json:"type"`
	MessageIDs []string      `json:"messageIds"`
	Status     MessageStatus `json:"status"`
}

// Outbound destinations.
const (
	destSend     = "/app/chat.send"
	destRead     = "/app/chat.read"
	destTyping   = "/app/chat.typing"
	destPresence = "/app/presence"
)

// outboundMessage is the body of a live send.
type outboundMessage struct {
	ProvisionalID  string      `json:"provisionalId"`
	ConversationID string      `json:"conversationId,omitempty"`
	RecipientID    string      `json:"recipientId"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
}

type typingBody struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type presenceBody struct {
	Status PresenceStatus `json:"status"`
}

type readBody struct {
	MessageIDs []string `json:"messageIds"`
}
