package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const defaultAckTimeout = 30 * time.Second

// QueueDeps wires an OutboundQueue.
type QueueDeps struct {
	Conn     frameWriter
	API      API
	Timeline *Timeline
	Seen     *seenSet
	// Self returns the local user id, stamped as sender on provisional
	// messages.
	Self     func() string
	Statuses *Emitter[StatusChange]
	// AckTimeout is how long a live hand-off waits for its ack before
	// the same provisional id is posted over REST. Negative disables it.
	AckTimeout time.Duration
}

type pendingEntry struct {
	PendingSend
	msg      Message
	ackTimer *time.Timer
}

// OutboundQueue turns send intents into provisional messages and drives
// each one to exactly one outcome: reconciled with the server message,
// or reported as a SendFailure.
//
// A send goes out on the live connection when there is one and over REST
// otherwise, or when the live write fails. Acks are matched by
// provisional id only; whichever path answers first wins and the other
// finds the pending entry gone.
type OutboundQueue struct {
	conn       frameWriter
	api        API
	timeline   *Timeline
	seen       *seenSet
	self       func() string
	ackTimeout time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
	closed  bool
	wg      sync.WaitGroup

	reconciled Emitter[Reconciled]
	failures   Emitter[SendFailure]
	statuses   *Emitter[StatusChange]
}

// NewOutboundQueue creates a queue.
func NewOutboundQueue(deps QueueDeps, logger *slog.Logger) *OutboundQueue {
	self := deps.Self
	if self == nil {
		self = func() string { return "" }
	}

	ackTimeout := deps.AckTimeout
	if ackTimeout == 0 {
		ackTimeout = defaultAckTimeout
	}

	statuses := deps.Statuses
	if statuses == nil {
		statuses = &Emitter[StatusChange]{}
	}

	return &OutboundQueue{
		conn:       deps.Conn,
		api:        deps.API,
		timeline:   deps.Timeline,
		seen:       deps.Seen,
		self:       self,
		ackTimeout: ackTimeout,
		logger:     logger,
		pending:    make(map[string]*pendingEntry),
		statuses:   statuses,
	}
}

// Reconciled emits every provisional message replaced by its server
// counterpart.
func (q *OutboundQueue) Reconciled() *Emitter[Reconciled] { return &q.reconciled }

// Failures emits sends that failed on every path. The queue keeps
// nothing about them afterwards.
func (q *OutboundQueue) Failures() *Emitter[SendFailure] { return &q.failures }

// Send creates a provisional message, adds it to the timeline and
// returns it at once. Transmission continues in the background and ends
// in a Reconciled or a SendFailure event. conversationID may be empty for
// the first message to a new counterpart.
func (q *OutboundQueue) Send(ctx context.Context, conversationID, recipientID, content string, kind MessageKind) (Message, error) {
	if recipientID == "" {
		return Message{}, chaterrors.ErrNoRecipient
	}

	content = norm.NFC.String(content)
	if strings.TrimSpace(content) == "" {
		return Message{}, chaterrors.ErrEmptyContent
	}

	if kind == "" {
		kind = KindText
	}

	if !kind.Valid() {
		return Message{}, fmt.Errorf("unknown message kind %q", kind)
	}

	pid := uuid.NewString()
	msg := Message{
		ID:             pid,
		ProvisionalID:  pid,
		ConversationID: conversationID,
		SenderID:       q.self(),
		RecipientID:    recipientID,
		Content:        content,
		Kind:           kind,
		Status:         StatusSending,
		Timestamp:      time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Message{}, errors.New("outbound queue closed")
	}

	q.pending[pid] = &pendingEntry{
		PendingSend: PendingSend{ProvisionalID: pid, AttemptState: AwaitingTransport},
		msg:         msg,
	}
	q.wg.Add(1)
	q.mu.Unlock()

	q.timeline.Insert(msg)

	// A send already handed to the transport is not cancelled with ctx.
	go func() {
		defer q.wg.Done()
		q.transmit(context.WithoutCancel(ctx), msg)
	}()

	return msg, nil
}

func (q *OutboundQueue) transmit(ctx context.Context, msg Message) {
	if q.conn.Connected() {
		err := publish(ctx, q.conn, destSend, outboundMessage{
			ProvisionalID:  msg.ProvisionalID,
			ConversationID: msg.ConversationID,
			RecipientID:    msg.RecipientID,
			Content:        msg.Content,
			Kind:           msg.Kind,
		})
		if err == nil {
			q.handedOff(msg.ProvisionalID)
			return
		}

		q.logger.Warn("live send failed, falling back to REST",
			slog.String("provisional_id", msg.ProvisionalID),
			slog.String("error", err.Error()),
		)
	}

	if err := q.sendREST(ctx, msg); err != nil {
		q.fail(msg.ProvisionalID, err)
	}
}

// handedOff records a successful live write and arms the ack timer.
func (q *OutboundQueue) handedOff(pid string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.pending[pid]
	if !ok {
		// The ack beat us here.
		return
	}

	e.AttemptState = AwaitingAck

	if q.ackTimeout > 0 {
		e.ackTimer = time.AfterFunc(q.ackTimeout, func() { q.ackExpired(pid) })
	}
}

func (q *OutboundQueue) ackExpired(pid string) {
	q.mu.Lock()
	e, ok := q.pending[pid]
	if !ok || e.AttemptState != AwaitingAck || q.closed {
		q.mu.Unlock()
		return
	}

	e.AttemptState = AwaitingTransport
	e.ackTimer = nil
	msg := e.msg
	q.wg.Add(1)
	q.mu.Unlock()

	defer q.wg.Done()

	q.logger.Warn("no ack for live send, posting over REST",
		slog.String("provisional_id", pid),
		slog.Duration("waited", q.ackTimeout),
	)

	err := q.sendREST(context.Background(), msg)
	if err == nil {
		return
	}

	// The live frame was handed off and its ack may still arrive, so the
	// send is not failed here.
	q.mu.Lock()
	if e, ok := q.pending[pid]; ok {
		e.AttemptState = AwaitingAck
	}
	q.mu.Unlock()

	q.logger.Warn("REST retry failed, still waiting for live ack",
		slog.String("provisional_id", pid),
		slog.String("error", err.Error()),
	)
}

// sendREST posts msg and reconciles it from the response.
func (q *OutboundQueue) sendREST(ctx context.Context, msg Message) error {
	q.mu.Lock()
	if e, ok := q.pending[msg.ProvisionalID]; ok {
		e.RetryCount++
	}
	q.mu.Unlock()

	if q.api == nil {
		return errors.New("no REST fallback configured")
	}

	server, err := q.api.SendMessage(ctx, SendRequest{
		ConversationID: msg.ConversationID,
		RecipientID:    msg.RecipientID,
		Content:        msg.Content,
		Kind:           msg.Kind,
		ProvisionalID:  msg.ProvisionalID,
	})
	if err != nil {
		return err
	}

	q.Reconcile(msg.ProvisionalID, server, "rest")

	return nil
}

// Reconcile replaces the provisional message pid with its server
// counterpart. It returns false when pid is not pending, which is the
// case for the slower of two racing acks.
func (q *OutboundQueue) Reconcile(pid string, server Message, via string) bool {
	q.mu.Lock()
	e, ok := q.pending[pid]
	if ok {
		delete(q.pending, pid)

		if e.ackTimer != nil {
			e.ackTimer.Stop()
		}
	}
	q.mu.Unlock()

	if !ok {
		return false
	}

	server.ProvisionalID = pid
	if !StatusSending.Advances(server.Status) {
		server.Status = StatusSent
	}

	if server.Kind == "" {
		server.Kind = e.msg.Kind
	}

	if server.RecipientID == "" {
		server.RecipientID = e.msg.RecipientID
	}

	if server.Timestamp.IsZero() {
		server.Timestamp = e.msg.Timestamp
	}

	q.seen.Add(server.ID)

	if !q.timeline.Replace(pid, server) {
		q.timeline.Insert(server)
	}

	q.logger.Debug("send reconciled",
		slog.String("provisional_id", pid),
		slog.String("message_id", server.ID),
		slog.String("via", via),
	)

	q.reconciled.emit(Reconciled{ProvisionalID: pid, Message: server, Via: via})

	return true
}

// fail drops the pending send and its provisional message and reports
// the failure with the original content.
func (q *OutboundQueue) fail(pid string, cause error) {
	q.mu.Lock()
	e, ok := q.pending[pid]
	if ok {
		delete(q.pending, pid)

		if e.ackTimer != nil {
			e.ackTimer.Stop()
		}
	}
	q.mu.Unlock()

	if !ok {
		return
	}

	q.timeline.Remove(pid)

	q.logger.Warn("send failed",
		slog.String("provisional_id", pid),
		slog.String("error", cause.Error()),
	)

	q.failures.emit(SendFailure{
		ProvisionalID:  pid,
		ConversationID: e.msg.ConversationID,
		RecipientID:    e.msg.RecipientID,
		Content:        e.msg.Content,
		Kind:           e.msg.Kind,
		Err:            fmt.Errorf("%w: %w", chaterrors.ErrSendFailed, cause),
		Transient:      IsTransient(cause),
	})
}

// Pending returns a snapshot of the sends still waiting for an outcome.
func (q *OutboundQueue) Pending() []PendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingSend, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.PendingSend)
	}

	slices.SortFunc(out, func(a, b PendingSend) int { return strings.Compare(a.ProvisionalID, b.ProvisionalID) })

	return out
}

// MarkRead marks messages as read on the server. Ids already read are
// skipped, so calling it twice sends nothing the second time. It uses
// the live channel when connected and REST otherwise.
func (q *OutboundQueue) MarkRead(ctx context.Context, ids []string) error {
	var todo []string

	for _, id := range ids {
		if id == "" || slices.Contains(todo, id) {
			continue
		}

		if msg, ok := q.timeline.Get(id); ok && msg.Status == StatusRead {
			continue
		}

		todo = append(todo, id)
	}

	if len(todo) == 0 {
		return nil
	}

	sent := false

	if q.conn.Connected() {
		err := publish(ctx, q.conn, destRead, readBody{MessageIDs: todo})
		if err == nil {
			sent = true
		} else {
			q.logger.Debug("live read mark failed, using REST", slog.String("error", err.Error()))
		}
	}

	if !sent {
		if q.api == nil {
			return chaterrors.ErrNotConnected
		}

		if err := q.api.MarkRead(ctx, todo); err != nil {
			return err
		}
	}

	for _, id := range todo {
		advanceStatus(q.timeline, q.statuses, id, StatusRead)
	}

	return nil
}

// Close waits for in-flight transmissions to finish and stops the ack
// timers. Later sends are rejected.
func (q *OutboundQueue) Close() {
	q.mu.Lock()
	q.closed = true

	for _, e := range q.pending {
		if e.ackTimer != nil {
			e.ackTimer.Stop()
		}
	}
	q.mu.Unlock()

	q.wg.Wait()
}
