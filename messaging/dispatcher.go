package messaging

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
)

// reconciler resolves a confirmed message against a pending send.
type reconciler interface {
	Reconcile(provisionalID string, msg Message, via string) bool
}

// DispatcherDeps wires a Dispatcher to the state it routes into.
type DispatcherDeps struct {
	Timeline *Timeline
	Seen     *seenSet
	Presence *PresenceTracker
	Typing   *TypingCoordinator
	Pending  reconciler
	// Statuses receives status transitions. Shared with the outbound
	// queue so read marks and receipts reach the same subscribers.
	Statuses *Emitter[StatusChange]
}

// Dispatcher routes inbound frame bodies to the timeline, the pending
// send table, the presence tracker and the typing coordinator. Every
// message id passes the recently-seen set before it is delivered, so a
// message learned from both the push channel and a history fetch reaches
// subscribers once.
type Dispatcher struct {
	timeline *Timeline
	seen     *seenSet
	presence *PresenceTracker
	typing   *TypingCoordinator
	pending  reconciler
	logger   *slog.Logger

	messages Emitter[Message]
	statuses *Emitter[StatusChange]
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps DispatcherDeps, logger *slog.Logger) *Dispatcher {
	statuses := deps.Statuses
	if statuses == nil {
		statuses = &Emitter[StatusChange]{}
	}

	return &Dispatcher{
		timeline: deps.Timeline,
		seen:     deps.Seen,
		presence: deps.Presence,
		typing:   deps.Typing,
		pending:  deps.Pending,
		logger:   logger,
		statuses: statuses,
	}
}

// Messages emits every newly delivered inbound message.
func (d *Dispatcher) Messages() *Emitter[Message] { return &d.messages }

// StatusChanges emits receipt-driven status transitions.
func (d *Dispatcher) StatusChanges() *Emitter[StatusChange] { return d.statuses }

// HandleFrame routes the body of an inbound envelope.
func (d *Dispatcher) HandleFrame(env Envelope) {
	if len(env.Body) == 0 {
		d.logger.Debug("dropping frame without body", slog.String("destination", env.Destination))
		return
	}

	d.Dispatch(env.Body)
}

// Dispatch parses one frame body and routes it by its "type". Malformed
// frames are logged and dropped.
func (d *Dispatcher) Dispatch(data []byte) {
	if !gjson.ValidBytes(data) {
		d.logger.Warn("dropping malformed frame", slog.Int("bytes", len(data)))
		return
	}

	switch typ := gjson.GetBytes(data, "type").Str; typ {
	case frameMessage:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
			d.logger.Warn("dropping malformed message frame", slog.Int("bytes", len(data)))
			return
		}

		d.deliver(msg)

	case frameReceipt:
		var rf ReceiptFrame
		if err := json.Unmarshal(data, &rf); err != nil || rf.Status.rank() == 0 {
			d.logger.Warn("dropping malformed receipt frame", slog.Int("bytes", len(data)))
			return
		}

		d.applyReceipt(rf)

	case frameTyping:
		var sig TypingSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			d.logger.Warn("dropping malformed typing frame", slog.String("error", err.Error()))
			return
		}

		if d.typing != nil {
			d.typing.Apply(sig)
		}

	case framePresence:
		var rec PresenceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			d.logger.Warn("dropping malformed presence frame", slog.String("error", err.Error()))
			return
		}

		if d.presence != nil {
			d.presence.Apply(rec)
		}

	default:
		d.logger.Debug("dropping frame of unknown type", slog.String("type", typ))
	}
}

// deliver reconciles an ack for one of our sends, or delivers a new
// message once.
func (d *Dispatcher) deliver(msg Message) {
	msg = withDefaults(msg)

	if msg.ProvisionalID != "" && d.pending != nil && d.pending.Reconcile(msg.ProvisionalID, msg, "live") {
		return
	}

	if !d.seen.Add(msg.ID) {
		d.logger.Debug("duplicate message dropped", slog.String("message_id", msg.ID))
		return
	}

	if !d.timeline.Insert(msg) {
		return
	}

	d.messages.emit(msg)
}

func (d *Dispatcher) applyReceipt(rf ReceiptFrame) {
	for _, id := range rf.MessageIDs {
		if _, ok := d.timeline.Get(id); !ok {
			// Legitimate when the receipt beats the history fetch.
			d.logger.Debug("receipt for unknown message",
				slog.String("message_id", id),
				slog.String("status", string(rf.Status)),
			)

			continue
		}

		advanceStatus(d.timeline, d.statuses, id, rf.Status)
	}
}

// SeedHistory merges a page of history into the timeline and the seen
// set without emitting anything. Known messages only have their status
// advanced. It returns the messages that were new.
func (d *Dispatcher) SeedHistory(msgs []Message) []Message {
	var fresh []Message

	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}

		msg = withDefaults(msg)

		if msg.ProvisionalID != "" && d.pending != nil && d.pending.Reconcile(msg.ProvisionalID, msg, "history") {
			continue
		}

		if !d.seen.Add(msg.ID) {
			advanceStatus(d.timeline, d.statuses, msg.ID, msg.Status)
			continue
		}

		if d.timeline.Insert(msg) {
			fresh = append(fresh, msg)
		}
	}

	return fresh
}

// withDefaults fills fields the server may omit. A message without a
// timestamp is ordered at arrival time.
func withDefaults(msg Message) Message {
	if msg.Status == "" {
		msg.Status = StatusSent
	}

	if msg.Kind == "" {
		msg.Kind = KindText
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	return msg
}

// advanceStatus moves a message forward and emits the transition.
func advanceStatus(tl *Timeline, statuses *Emitter[StatusChange], id string, status MessageStatus) bool {
	prev, changed := tl.UpdateStatus(id, status)
	if !changed {
		return false
	}

	msg, _ := tl.Get(id)
	statuses.emit(StatusChange{
		MessageID:      id,
		ConversationID: msg.ConversationID,
		From:           prev,
		To:             status,
	})

	return true
}
