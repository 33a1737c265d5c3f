package messaging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

const (
	defaultTypingIdle    = 3 * time.Second
	defaultTypingRefresh = 2 * time.Second
	defaultTypingExpiry  = 3 * time.Second
)

// TypingConfig holds the typing windows. Zero values fall back to
// defaults.
type TypingConfig struct {
	// Idle is how long after the last local keystroke a stop is sent.
	Idle time.Duration
	// Refresh is the minimum gap between two outbound start frames for
	// one conversation.
	Refresh time.Duration
	// Expiry is how long a remote start is trusted without a refresh.
	Expiry time.Duration
}

func (c TypingConfig) withDefaults() TypingConfig {
	if c.Idle <= 0 {
		c.Idle = defaultTypingIdle
	}

	if c.Refresh <= 0 {
		c.Refresh = defaultTypingRefresh
	}

	if c.Expiry <= 0 {
		c.Expiry = defaultTypingExpiry
	}

	return c
}

type typingKey struct {
	conversationID string
	userID         string
}

type outboundTyping struct {
	lastSent time.Time
	idle     *time.Timer
	gen      uint64
}

type remoteTyping struct {
	expiry *time.Timer
	gen    uint64
}

// TypingCoordinator debounces local typing into start/stop frames and
// turns remote typing frames into events, synthesizing a stop when a
// remote start is not refreshed in time.
//
// Timers carry a generation number; a timer that fires after its state
// was replaced finds a different generation and does nothing.
type TypingCoordinator struct {
	cfg    TypingConfig
	conn   frameWriter
	self   func() string
	logger *slog.Logger

	mu       sync.Mutex
	gen      uint64
	outbound map[string]*outboundTyping
	inbound  map[typingKey]*remoteTyping

	events Emitter[TypingEvent]
}

// NewTypingCoordinator creates a coordinator. self returns the local
// user id so our own echoed frames are ignored.
func NewTypingCoordinator(cfg TypingConfig, conn frameWriter, self func() string, logger *slog.Logger) *TypingCoordinator {
	if self == nil {
		self = func() string { return "" }
	}

	return &TypingCoordinator{
		cfg:      cfg.withDefaults(),
		conn:     conn,
		self:     self,
		logger:   logger,
		outbound: make(map[string]*outboundTyping),
		inbound:  make(map[typingKey]*remoteTyping),
	}
}

// Events emits remote typing transitions.
func (t *TypingCoordinator) Events() *Emitter[TypingEvent] { return &t.events }

// NotifyTyping records a local keystroke in conversationID. The first
// call sends a start frame, later calls only send one again once Refresh
// has passed, and a stop frame follows automatically after Idle without
// a call. Frames are dropped while disconnected.
func (t *TypingCoordinator) NotifyTyping(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}

	now := time.Now()

	t.mu.Lock()
	st, ok := t.outbound[conversationID]
	if !ok {
		st = &outboundTyping{}
		t.outbound[conversationID] = st
	}

	send := !ok || now.Sub(st.lastSent) >= t.cfg.Refresh
	if send {
		st.lastSent = now
	}

	if st.idle != nil {
		st.idle.Stop()
	}

	t.gen++
	gen := t.gen
	st.gen = gen
	st.idle = time.AfterFunc(t.cfg.Idle, func() { t.idleExpired(conversationID, gen) })
	t.mu.Unlock()

	if !send {
		return nil
	}

	return t.sendTyping(ctx, conversationID, true)
}

// StopTyping sends a stop frame now if a start is outstanding.
func (t *TypingCoordinator) StopTyping(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	st, ok := t.outbound[conversationID]
	if ok {
		st.idle.Stop()
		delete(t.outbound, conversationID)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}

	return t.sendTyping(ctx, conversationID, false)
}

func (t *TypingCoordinator) idleExpired(conversationID string, gen uint64) {
	t.mu.Lock()
	st, ok := t.outbound[conversationID]
	if !ok || st.gen != gen {
		t.mu.Unlock()
		return
	}

	delete(t.outbound, conversationID)
	t.mu.Unlock()

	if err := t.sendTyping(context.Background(), conversationID, false); err != nil {
		t.logger.Debug("sending typing stop", slog.String("error", err.Error()))
	}
}

func (t *TypingCoordinator) sendTyping(ctx context.Context, conversationID string, typing bool) error {
	err := publish(ctx, t.conn, destTyping, typingBody{ConversationID: conversationID, IsTyping: typing})
	if errors.Is(err, chaterrors.ErrNotConnected) {
		return nil
	}

	return err
}

// Apply records an inbound typing frame. A start replaces any pending
// state for the pair and re-arms its expiry; an explicit stop clears it.
// Events fire only when the pair's typing state flips.
func (t *TypingCoordinator) Apply(sig TypingSignal) {
	if sig.ConversationID == "" || sig.UserID == "" {
		t.logger.Debug("dropping typing signal without ids")
		return
	}

	if sig.UserID == t.self() {
		return
	}

	key := typingKey{conversationID: sig.ConversationID, userID: sig.UserID}

	t.mu.Lock()
	st, wasTyping := t.inbound[key]

	if wasTyping {
		st.expiry.Stop()
	}

	if !sig.IsTyping {
		delete(t.inbound, key)
		t.mu.Unlock()

		if wasTyping {
			t.events.emit(TypingEvent{ConversationID: key.conversationID, UserID: key.userID})
		}

		return
	}

	if !wasTyping {
		st = &remoteTyping{}
		t.inbound[key] = st
	}

	t.gen++
	gen := t.gen
	st.gen = gen
	st.expiry = time.AfterFunc(t.cfg.Expiry, func() { t.remoteExpired(key, gen) })
	t.mu.Unlock()

	if !wasTyping {
		t.events.emit(TypingEvent{ConversationID: key.conversationID, UserID: key.userID, IsTyping: true})
	}
}

func (t *TypingCoordinator) remoteExpired(key typingKey, gen uint64) {
	t.mu.Lock()
	st, ok := t.inbound[key]
	if !ok || st.gen != gen {
		t.mu.Unlock()
		return
	}

	delete(t.inbound, key)
	t.mu.Unlock()

	t.events.emit(TypingEvent{
		ConversationID: key.conversationID,
		UserID:         key.userID,
		Synthesized:    true,
	})
}

// Typing returns the users currently typing in conversationID, sorted.
func (t *TypingCoordinator) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []string

	for key := range t.inbound {
		if key.conversationID == conversationID {
			users = append(users, key.userID)
		}
	}

	slices.Sort(users)

	return users
}

// Close stops every pending timer without emitting or sending anything.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, st := range t.outbound {
		st.idle.Stop()
	}

	for _, st := range t.inbound {
		st.expiry.Stop()
	}

	clear(t.outbound)
	clear(t.inbound)
}
