package messaging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/coder/websocket"
	"go.uber.org/mock/gomock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWriter stands in for the connection manager on the write side.
type fakeWriter struct {
	mu        sync.Mutex
	connected bool
	err       error
	frames    []Envelope
	onWrite   func(Envelope)
}

func (f *fakeWriter) WriteFrame(_ context.Context, env Envelope) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return chaterrors.ErrNotConnected
	}

	if f.err != nil {
		err := f.err
		f.mu.Unlock()

		return err
	}

	f.frames = append(f.frames, env)
	fn := f.onWrite
	f.mu.Unlock()

	if fn != nil {
		fn(env)
	}

	return nil
}

func (f *fakeWriter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connected
}

func (f *fakeWriter) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeWriter) sent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Envelope(nil), f.frames...)
}

// sentTo returns the frames written to destination.
func (f *fakeWriter) sentTo(destination string) []Envelope {
	var out []Envelope

	for _, env := range f.sent() {
		if env.Destination == destination {
			out = append(out, env)
		}
	}

	return out
}

// fakeAPI is an in-memory REST collaborator.
type fakeAPI struct {
	mu      sync.Mutex
	sendFn  func(SendRequest) (Message, error)
	sends   []SendRequest
	readErr error
	reads   [][]string
	pages   map[string]HistoryPage
}

func (f *fakeAPI) SendMessage(_ context.Context, req SendRequest) (Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	fn := f.sendFn
	f.mu.Unlock()

	if fn == nil {
		return Message{ID: "srv-" + req.ProvisionalID, ConversationID: req.ConversationID, Content: req.Content, Status: StatusSent}, nil
	}

	return fn(req)
}

func (f *fakeAPI) History(_ context.Context, conversationID string, _, _ int) (HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pages[conversationID], nil
}

func (f *fakeAPI) MarkRead(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return f.readErr
	}

	f.reads = append(f.reads, ids)

	return nil
}

func (f *fakeAPI) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.sends)
}

// recorder collects emitted values.
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func record[T any](e *Emitter[T]) *recorder[T] {
	r := &recorder[T]{}
	e.Subscribe(func(v T) {
		r.mu.Lock()
		r.values = append(r.values, v)
		r.mu.Unlock()
	})

	return r
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]T(nil), r.values...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.values)
}

// scriptedConn wires a MockWSConn whose reads come from a channel and
// whose writes are recorded. The handshake ack is queued up front.
type scriptedConn struct {
	mock  *MockWSConn
	reads chan inboundMsg

	mu     sync.Mutex
	writes [][]byte
}

func newScriptedConn(ctrl *gomock.Controller, userID string) *scriptedConn {
	return newScriptedConnAck(ctrl, `{"res":"ok","userId":"`+userID+`"}`)
}

// newScriptedConnAck is newScriptedConn with a custom handshake reply.
func newScriptedConnAck(ctrl *gomock.Controller, ack string) *scriptedConn {
	s := &scriptedConn{
		mock:  NewMockWSConn(ctrl),
		reads: make(chan inboundMsg, 16),
	}

	s.mock.EXPECT().SetReadLimit(gomock.Any()).AnyTimes()
	s.mock.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.mock.EXPECT().Read(gomock.Any()).
		DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
			select {
			case m := <-s.reads:
				return m.typ, m.data, m.err
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}).AnyTimes()
	s.mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, p []byte) error {
			s.mu.Lock()
			s.writes = append(s.writes, append([]byte(nil), p...))
			s.mu.Unlock()

			return nil
		}).AnyTimes()

	s.feed(ack)

	return s
}

func (s *scriptedConn) feed(data string) {
	s.reads <- inboundMsg{typ: websocket.MessageText, data: []byte(data)}
}

// drop makes the next read fail as if the transport closed.
func (s *scriptedConn) drop() {
	s.reads <- inboundMsg{err: io.ErrUnexpectedEOF}
}

// envelopes decodes every written frame.
func (s *scriptedConn) envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0, len(s.writes))

	for _, w := range s.writes {
		var env Envelope
		if json.Unmarshal(w, &env) == nil {
			out = append(out, env)
		}
	}

	return out
}

// withOp returns the written frames with the given op.
func (s *scriptedConn) withOp(op string) []Envelope {
	var out []Envelope

	for _, env := range s.envelopes() {
		if env.Op == op {
			out = append(out, env)
		}
	}

	return out
}

// dialer hands out the given connections in order, then fails.
type dialer struct {
	mu    sync.Mutex
	conns []wsConn
	calls int
	times []time.Time
}

func (d *dialer) dial(_ context.Context, _ string) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	d.times = append(d.times, time.Now())

	if len(d.conns) == 0 {
		return nil, io.ErrClosedPipe
	}

	c := d.conns[0]
	d.conns = d.conns[1:]

	if c == nil {
		return nil, io.ErrClosedPipe
	}

	return c, nil
}

func (d *dialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls
}

// gaps returns the time between consecutive dials.
func (d *dialer) gaps() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []time.Duration
	for i := 1; i < len(d.times); i++ {
		out = append(out, d.times[i].Sub(d.times[i-1]))
	}

	return out
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return data
}
