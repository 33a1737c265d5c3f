package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

const (
	defaultDedupWindow     = 10 * time.Minute
	defaultDedupMaxEntries = 10000
)

// Config holds everything needed to build a Client.
type Config struct {
	Connection ConnectionConfig
	Typing     TypingConfig

	// DedupWindow is how long a delivered message id is remembered.
	DedupWindow time.Duration
	// DedupMaxEntries caps the remembered ids; the oldest go first.
	DedupMaxEntries int

	// AckTimeout is how long a live send waits for its ack before the
	// REST path is tried. Negative disables the fallback.
	AckTimeout time.Duration
}

// Client composes the connection, subscriptions, presence, typing,
// dispatch and outbound queue into one instance. Each Client is fully
// independent; nothing is shared between instances.
type Client struct {
	conn       *ConnectionManager
	registry   *SubscriptionRegistry
	presence   *PresenceTracker
	typing     *TypingCoordinator
	dispatcher *Dispatcher
	queue      *OutboundQueue
	timeline   *Timeline
	api        API
	logger     *slog.Logger

	mu       sync.Mutex
	identity string
}

// New builds a Client. api may be nil, in which case sends only use the
// live channel and history is unavailable.
func New(cfg Config, api API, logger *slog.Logger) *Client {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}

	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = defaultDedupMaxEntries
	}

	conn := NewConnectionManager(cfg.Connection, logger.With(slog.String("component", "connection")))
	timeline := NewTimeline()
	seen := newSeenSet(cfg.DedupWindow, cfg.DedupMaxEntries)
	statuses := &Emitter[StatusChange]{}

	presence := NewPresenceTracker(logger.With(slog.String("component", "presence")))
	typing := NewTypingCoordinator(cfg.Typing, conn, conn.UserID, logger.With(slog.String("component", "typing")))

	queue := NewOutboundQueue(QueueDeps{
		Conn:       conn,
		API:        api,
		Timeline:   timeline,
		Seen:       seen,
		Self:       conn.UserID,
		Statuses:   statuses,
		AckTimeout: cfg.AckTimeout,
	}, logger.With(slog.String("component", "outbound")))

	dispatcher := NewDispatcher(DispatcherDeps{
		Timeline: timeline,
		Seen:     seen,
		Presence: presence,
		Typing:   typing,
		Pending:  queue,
		Statuses: statuses,
	}, logger.With(slog.String("component", "dispatcher")))

	registry := NewSubscriptionRegistry(conn, logger.With(slog.String("component", "subscriptions")))

	conn.OnConnected(registry.Resubscribe)
	conn.OnTeardown(registry.UnsubscribeAll)
	conn.Frames().Subscribe(dispatcher.HandleFrame)

	return &Client{
		conn:       conn,
		registry:   registry,
		presence:   presence,
		typing:     typing,
		dispatcher: dispatcher,
		queue:      queue,
		timeline:   timeline,
		api:        api,
		logger:     logger,
	}
}

// Connect opens the session for identity, subscribing to the inbox and
// the presence channel. See ConnectionManager.Connect for the error
// contract.
func (c *Client) Connect(ctx context.Context, identity string) (ConnState, error) {
	if identity == "" {
		return StateDisconnected, chaterrors.ErrEmptyIdentity
	}

	// Recorded before the connection exists; replayed by the connected
	// hook.
	if err := c.registry.Subscribe(ctx, SubInbox, ""); err != nil {
		return c.conn.State(), err
	}

	if err := c.registry.Subscribe(ctx, SubPresence, ""); err != nil {
		return c.conn.State(), err
	}

	st, err := c.conn.Connect(ctx, identity)
	if err == nil {
		c.mu.Lock()
		c.identity = identity
		c.mu.Unlock()
	}

	return st, err
}

// Reconnect starts a fresh session with the last identity that connected
// successfully. It is the manual retry after reconnect exhaustion and a
// no-op while a session is running.
func (c *Client) Reconnect(ctx context.Context) (ConnState, error) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	if identity == "" {
		return c.conn.State(), fmt.Errorf("reconnect: %w", chaterrors.ErrEmptyIdentity)
	}

	return c.Connect(ctx, identity)
}

// Disconnect ends the session. Subscriptions end with it.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.conn.Disconnect(ctx); err != nil {
		return err
	}

	c.registry.Clear()

	return nil
}

// Close disconnects, waits for in-flight sends and stops all timers.
func (c *Client) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)

	c.queue.Close()
	c.typing.Close()

	return err
}

// Send queues a message. See OutboundQueue.Send.
func (c *Client) Send(ctx context.Context, conversationID, recipientID, content string, kind MessageKind) (Message, error) {
	return c.queue.Send(ctx, conversationID, recipientID, content, kind)
}

// MarkRead marks messages as read. See OutboundQueue.MarkRead.
func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	return c.queue.MarkRead(ctx, ids)
}

// NotifyTyping records a local keystroke in a conversation.
func (c *Client) NotifyTyping(ctx context.Context, conversationID string) error {
	return c.typing.NotifyTyping(ctx, conversationID)
}

// StopTyping sends a typing stop for a conversation now.
func (c *Client) StopTyping(ctx context.Context, conversationID string) error {
	return c.typing.StopTyping(ctx, conversationID)
}

// SetPresence publishes the local user's own presence. It never touches
// the presence tracker, which only holds remote users.
func (c *Client) SetPresence(ctx context.Context, status PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown presence status %q", status)
	}

	return c.conn.Publish(ctx, destPresence, presenceBody{Status: status})
}

// WatchConversation subscribes to typing signals of a conversation.
func (c *Client) WatchConversation(ctx context.Context, conversationID string) error {
	return c.registry.Subscribe(ctx, SubTyping, conversationID)
}

// UnwatchConversation drops the typing subscription of a conversation.
func (c *Client) UnwatchConversation(ctx context.Context, conversationID string) error {
	return c.registry.Unsubscribe(ctx, SubTyping, conversationID)
}

// WatchUser subscribes to the presence channel of a single user.
func (c *Client) WatchUser(ctx context.Context, userID string) error {
	return c.registry.Subscribe(ctx, SubPresence, userID)
}

// LoadHistory fetches a page of a conversation's history over REST and
// seeds the timeline and dedup set with it. Messages already known are
// not delivered again.
func (c *Client) LoadHistory(ctx context.Context, conversationID string, page, size int) (HistoryPage, error) {
	if c.api == nil {
		return HistoryPage{}, fmt.Errorf("loading history: %w", chaterrors.ErrAPIRequest)
	}

	hp, err := c.api.History(ctx, conversationID, page, size)
	if err != nil {
		return HistoryPage{}, err
	}

	fresh := c.dispatcher.SeedHistory(hp.Content)
	c.logger.Debug("history loaded",
		slog.String("conversation_id", conversationID),
		slog.Int("page", page),
		slog.Int("received", len(hp.Content)),
		slog.Int("new", len(fresh)),
	)

	return hp, nil
}

// Messages returns the ordered messages of a conversation.
func (c *Client) Messages(conversationID string) []Message {
	return c.timeline.Messages(conversationID)
}

// PendingMessages returns messages sent to recipientID before the
// conversation existed on the server.
func (c *Client) PendingMessages(recipientID string) []Message {
	return c.timeline.Pending(recipientID)
}

// PendingSends returns the sends still waiting for an outcome.
func (c *Client) PendingSends() []PendingSend { return c.queue.Pending() }

// StatusOf returns a remote user's presence.
func (c *Client) StatusOf(userID string) PresenceStatus { return c.presence.StatusOf(userID) }

// Presence returns every known presence record.
func (c *Client) Presence() []PresenceRecord { return c.presence.Snapshot() }

// TypingIn returns the users typing in a conversation.
func (c *Client) TypingIn(conversationID string) []string { return c.typing.Typing(conversationID) }

// State returns the connection state.
func (c *Client) State() ConnState { return c.conn.State() }

// UserID returns the server-assigned id of the local user.
func (c *Client) UserID() string { return c.conn.UserID() }

// Attempt returns the current reconnect attempt.
func (c *Client) Attempt() int { return c.conn.Attempt() }

// Subscriptions returns the open subscriptions.
func (c *Client) Subscriptions() []Subscription { return c.registry.Active() }

// StateChanges emits connection state transitions.
func (c *Client) StateChanges() *Emitter[StateChange] { return c.conn.StateChanges() }

// ConnectionFailures emits terminal connection failures.
func (c *Client) ConnectionFailures() *Emitter[error] { return c.conn.Failures() }

// Incoming emits newly delivered inbound messages.
func (c *Client) Incoming() *Emitter[Message] { return c.dispatcher.Messages() }

// StatusChanges emits message status transitions.
func (c *Client) StatusChanges() *Emitter[StatusChange] { return c.dispatcher.StatusChanges() }

// Reconciled emits provisional messages confirmed by the server.
func (c *Client) Reconciled() *Emitter[Reconciled] { return c.queue.Reconciled() }

// SendFailures emits sends that failed on every path.
func (c *Client) SendFailures() *Emitter[SendFailure] { return c.queue.Failures() }

// PresenceChanges emits remote presence transitions.
func (c *Client) PresenceChanges() *Emitter[PresenceRecord] { return c.presence.Changes() }

// TypingEvents emits remote typing transitions.
func (c *Client) TypingEvents() *Emitter[TypingEvent] { return c.typing.Events() }
