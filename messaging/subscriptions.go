package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/google/uuid"
)

// SubscriptionKind names a logical channel family.
type SubscriptionKind int

const (
	SubInbox SubscriptionKind = iota
	SubTyping
	SubPresence
)

func (k SubscriptionKind) String() string {
	switch k {
	case SubInbox:
		return "inbox"
	case SubTyping:
		return "typing"
	case SubPresence:
		return "presence"
	}

	return "unknown"
}

// Subscription identifies a logical channel. Key is the conversation id
// for typing channels and an optional user id for presence channels.
type Subscription struct {
	Kind SubscriptionKind
	Key  string
}

// Destination returns the server destination for s.
func (s Subscription) Destination() string {
	switch s.Kind {
	case SubInbox:
		return "/user/queue/messages"
	case SubTyping:
		return "/topic/typing/" + s.Key
	case SubPresence:
		if s.Key == "" {
			return "/topic/presence"
		}

		return "/topic/presence/" + s.Key
	}

	return ""
}

func (s Subscription) validate() error {
	switch s.Kind {
	case SubInbox, SubPresence:
		return nil
	case SubTyping:
		if s.Key == "" {
			return errors.New("typing subscription needs a conversation id")
		}

		return nil
	}

	return fmt.Errorf("unknown subscription kind %d", int(s.Kind))
}

// frameWriter is the part of ConnectionManager the registry and the
// other components write through.
type frameWriter interface {
	WriteFrame(ctx context.Context, env Envelope) error
	Connected() bool
}

type subscriptionEntry struct {
	id     string
	active bool
}

// SubscriptionRegistry keeps the table of wanted subscriptions and
// mirrors it onto whatever connection is live. Entries survive transport
// drops as inactive and are replayed by Resubscribe; they are only
// forgotten by Unsubscribe or Clear.
//
// The lock is held while frames are written so that two concurrent
// Subscribe calls for the same channel cannot both send.
type SubscriptionRegistry struct {
	conn   frameWriter
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Subscription]*subscriptionEntry
	order   []Subscription
}

// NewSubscriptionRegistry creates an empty registry writing through conn.
func NewSubscriptionRegistry(conn frameWriter, logger *slog.Logger) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		conn:    conn,
		logger:  logger,
		entries: make(map[Subscription]*subscriptionEntry),
	}
}

// Subscribe records the subscription and opens it if a connection is
// live. Subscribing to a channel that is already open is a no-op. While
// disconnected the entry is kept and opened on the next Resubscribe.
func (r *SubscriptionRegistry) Subscribe(ctx context.Context, kind SubscriptionKind, key string) error {
	sub := Subscription{Kind: kind, Key: key}
	if err := sub.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sub]
	if !ok {
		e = &subscriptionEntry{}
		r.entries[sub] = e
		r.order = append(r.order, sub)
	}

	if e.active {
		return nil
	}

	if !r.conn.Connected() {
		r.logger.Debug("subscription deferred until connected", slog.String("destination", sub.Destination()))
		return nil
	}

	err := r.openLocked(ctx, sub, e)
	if errors.Is(err, chaterrors.ErrNotConnected) {
		return nil
	}

	return err
}

// Unsubscribe forgets the subscription and closes it if it is open.
func (r *SubscriptionRegistry) Unsubscribe(ctx context.Context, kind SubscriptionKind, key string) error {
	sub := Subscription{Kind: kind, Key: key}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sub]
	if !ok {
		return nil
	}

	delete(r.entries, sub)

	for i, s := range r.order {
		if s == sub {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if !e.active {
		return nil
	}

	err := r.closeLocked(ctx, sub, e)
	if errors.Is(err, chaterrors.ErrNotConnected) {
		return nil
	}

	return err
}

// UnsubscribeAll marks every entry inactive, sending unsubscribe frames
// when a connection is still live. Entries stay in the table. Registered
// as the connection's teardown hook.
func (r *SubscriptionRegistry) UnsubscribeAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.order {
		e := r.entries[sub]
		if !e.active {
			continue
		}

		if err := r.closeLocked(ctx, sub, e); err != nil && !errors.Is(err, chaterrors.ErrNotConnected) {
			r.logger.Debug("unsubscribe failed",
				slog.String("destination", sub.Destination()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Resubscribe opens every inactive entry on the current connection.
// Registered as the connection's connected hook, so every return to
// Connected replays the full table exactly once.
func (r *SubscriptionRegistry) Resubscribe(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error

	for _, sub := range r.order {
		e := r.entries[sub]
		if e.active {
			continue
		}

		if err := r.openLocked(ctx, sub, e); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		r.logger.Debug("subscriptions restored", slog.Int("count", len(r.order)))
	}

	return errors.Join(errs...)
}

// Clear forgets every subscription without sending anything. Used when
// the session ends for good.
func (r *SubscriptionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.entries)
	r.order = nil
}

// Active returns the subscriptions currently open on the connection, in
// the order they were first requested.
func (r *SubscriptionRegistry) Active() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Subscription

	for _, sub := range r.order {
		if r.entries[sub].active {
			out = append(out, sub)
		}
	}

	return out
}

// Registered returns every wanted subscription, open or not.
func (r *SubscriptionRegistry) Registered() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Subscription(nil), r.order...)
}

func (r *SubscriptionRegistry) openLocked(ctx context.Context, sub Subscription, e *subscriptionEntry) error {
	id := uuid.NewString()

	err := r.conn.WriteFrame(ctx, Envelope{Op: "subscribe", Destination: sub.Destination(), ID: id})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", sub.Destination(), err)
	}

	e.id = id
	e.active = true

	r.logger.Debug("subscribed",
		slog.String("kind", sub.Kind.String()),
		slog.String("destination", sub.Destination()),
	)

	return nil
}

// closeLocked marks e inactive even when the unsubscribe frame cannot be
// sent; the server drops subscriptions with the connection anyway.
func (r *SubscriptionRegistry) closeLocked(ctx context.Context, sub Subscription, e *subscriptionEntry) error {
	id := e.id
	e.active = false
	e.id = ""

	if !r.conn.Connected() {
		return chaterrors.ErrNotConnected
	}

	if err := r.conn.WriteFrame(ctx, Envelope{Op: "unsubscribe", Destination: sub.Destination(), ID: id}); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", sub.Destination(), err)
	}

	return nil
}
