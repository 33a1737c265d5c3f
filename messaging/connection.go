package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	defaultMaxReconnectAttempts = 10
	defaultReconnectBaseDelay   = time.Second
	defaultReconnectMaxDelay    = 30 * time.Second
	defaultHeartbeatInterval    = 10 * time.Second
	defaultHeartbeatTimeout     = 30 * time.Second

	// handshakeTimeout bounds dial plus the connect/ack exchange of a
	// single attempt.
	handshakeTimeout = 15 * time.Second

	// wsReadLimit caps a single inbound frame.
	wsReadLimit = 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying frames
	// from the reader goroutine to the event loop.
	inboundChanSize = 64
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the WebSocket connection so the manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebSocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// ConnectionConfig holds the transport and retry parameters. Zero values
// fall back to defaults.
type ConnectionConfig struct {
	URL    string
	Device string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = defaultReconnectBaseDelay
	}

	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = defaultReconnectMaxDelay
	}

	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		c.HeartbeatTimeout = max(defaultHeartbeatTimeout, 2*c.HeartbeatInterval)
	}

	return c
}

// ConnectionManager owns the single WebSocket session of a client.
//
// A session goroutine (run) dials, authenticates and then serves the
// connection: a reader goroutine feeds inbound frames to an event loop
// that also drives the heartbeat. When the transport drops, the same
// goroutine moves to Reconnecting and retries with a linear backoff until
// it reconnects or runs out of attempts. Writes may come from any
// goroutine and are serialized by writeMu.
type ConnectionManager struct {
	cfg    ConnectionConfig
	logger *slog.Logger
	dial   dialFunc

	mu        sync.Mutex
	state     ConnState
	identity  string
	userID    string
	attempt   int
	conn      wsConn
	runCancel context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	hooksMu     sync.Mutex
	onConnected []func(ctx context.Context) error
	onTeardown  []func(ctx context.Context)

	stateChanges Emitter[StateChange]
	failures     Emitter[error]
	frames       Emitter[Envelope]
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(cfg ConnectionConfig, logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		cfg:    cfg.withDefaults(),
		logger: logger,
		dial:   dialWebSocket,
	}
}

// OnConnected registers fn to run on every transition into Connected,
// both the first connect and every reconnect. Errors are logged.
func (m *ConnectionManager) OnConnected(fn func(ctx context.Context) error) {
	m.hooksMu.Lock()
	m.onConnected = append(m.onConnected, fn)
	m.hooksMu.Unlock()
}

// OnTeardown registers fn to run before every disconnect or reconnect
// cycle.
func (m *ConnectionManager) OnTeardown(fn func(ctx context.Context)) {
	m.hooksMu.Lock()
	m.onTeardown = append(m.onTeardown, fn)
	m.hooksMu.Unlock()
}

// StateChanges emits every state transition. Handlers run on the session
// goroutine and must not call Disconnect synchronously.
func (m *ConnectionManager) StateChanges() *Emitter[StateChange] { return &m.stateChanges }

// Failures emits terminal connection failures: auth rejection and
// reconnect exhaustion. Both leave the manager Disconnected.
func (m *ConnectionManager) Failures() *Emitter[error] { return &m.failures }

// Frames emits every inbound "message" frame.
func (m *ConnectionManager) Frames() *Emitter[Envelope] { return &m.frames }

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Connected reports whether a live, authenticated transport exists.
func (m *ConnectionManager) Connected() bool {
	return m.State() == StateConnected
}

// UserID returns the user id the server bound to the identity token, or
// "" before the first successful handshake.
func (m *ConnectionManager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.userID
}

// Attempt returns the current reconnect attempt, 0 while connected.
func (m *ConnectionManager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.attempt
}

// Connect starts a session for identity and waits for the outcome of the
// first attempt. A transport failure is not an error: the manager moves
// to Reconnecting and keeps trying in the background. An error is
// returned for an empty identity, for a session already bound to a
// different identity, and when the server rejects the identity.
// Calling Connect again with the same identity is a no-op.
func (m *ConnectionManager) Connect(ctx context.Context, identity string) (ConnState, error) {
	if identity == "" {
		return StateDisconnected, chaterrors.ErrEmptyIdentity
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		st, bound := m.state, m.identity
		m.mu.Unlock()

		if bound != identity {
			return st, chaterrors.ErrAlreadyConnected
		}

		return st, nil
	}

	// The session outlives ctx; only Disconnect ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	first := make(chan error, 1)

	if m.runCancel != nil {
		m.runCancel()
	}

	m.identity = identity
	m.attempt = 0
	m.runCancel = cancel
	m.done = done
	m.mu.Unlock()

	m.setState(StateConnecting)

	go m.run(runCtx, identity, done, first)

	select {
	case err := <-first:
		return m.State(), err
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

// Disconnect ends the session. Teardown hooks run while the transport is
// still open so they can unsubscribe cleanly. Safe to call repeatedly.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.runCancel, m.done
	m.runCancel, m.done = nil, nil

	if cancel == nil && m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.runTeardown(ctx)

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.identity = ""
	m.attempt = 0
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}

	m.setState(StateDisconnected)
	m.logger.Info("disconnected")

	return nil
}

// run drives one session from the first dial until Disconnect, a
// permanent error or reconnect exhaustion. The outcome of the first
// attempt is reported once on first. A terminal failure is emitted only
// after done is closed, so a failure handler may call Disconnect or
// Connect.
func (m *ConnectionManager) run(ctx context.Context, identity string, done chan struct{}, first chan<- error) {
	var terminal error

	defer func() {
		close(done)

		if terminal != nil {
			m.failures.emit(terminal)
		}
	}()

	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}

	conn, err := m.establish(ctx, identity)

	for {
		if ctx.Err() != nil {
			// Disconnect won the race with a successful dial.
			if err == nil {
				conn.Close(websocket.StatusNormalClosure, "bye")
			}

			report(nil)

			return
		}

		if err != nil {
			if isPermanentError(err) {
				terminal = err
				m.fail(err)
				report(err)

				return
			}

			m.logger.Warn("connect attempt failed",
				slog.Int("attempt", m.Attempt()),
				slog.String("error", err.Error()),
			)
		} else {
			m.markConnected(ctx, conn)
			report(nil)

			err = m.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}

			m.markLost(ctx, conn, err)
		}

		attempt := m.nextAttempt()
		if attempt > m.cfg.MaxReconnectAttempts {
			exhausted := fmt.Errorf("%w after %d attempts", chaterrors.ErrReconnectExhausted, m.cfg.MaxReconnectAttempts)
			terminal = exhausted
			m.fail(exhausted)
			report(exhausted)

			return
		}

		m.setState(StateReconnecting)
		report(nil)

		delay := m.backoff(attempt)
		m.logger.Info("reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err = m.establish(ctx, identity)
	}
}

// backoff returns the wait before reconnect attempt n: base*n capped at
// the configured ceiling. It never decreases as n grows.
func (m *ConnectionManager) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	d := m.cfg.ReconnectBaseDelay * time.Duration(n)
	if d <= 0 || d > m.cfg.ReconnectMaxDelay {
		return m.cfg.ReconnectMaxDelay
	}

	return d
}

func (m *ConnectionManager) nextAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempt++

	return m.attempt
}

// establish dials and authenticates one connection.
func (m *ConnectionManager) establish(ctx context.Context, identity string) (wsConn, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	m.logger.Debug("connecting", slog.String("url", m.cfg.URL))

	conn, err := m.dial(ctx, m.cfg.URL)
	if err != nil {
		return nil, err
	}

	userID, err := m.handshake(ctx, conn, identity)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.userID = userID
	m.mu.Unlock()

	return conn, nil
}

// handshake performs the connect/ack exchange on a freshly dialed
// connection. Split from establish so it can be tested with a mock
// wsConn.
func (m *ConnectionManager) handshake(ctx context.Context, conn wsConn, identity string) (string, error) {
	conn.SetReadLimit(wsReadLimit)
	m.touchLastMessage()

	frame := ConnectFrame{Op: "connect", Token: identity, Device: m.cfg.Device}
	if err := m.writeJSON(ctx, conn, frame); err != nil {
		conn.Close(websocket.StatusInternalError, "connect failed")
		return "", fmt.Errorf("sending connect: %w", err)
	}

	var resp ConnectResponse
	if err := m.readJSON(ctx, conn, &resp); err != nil {
		conn.Close(websocket.StatusInternalError, "auth read failed")
		return "", fmt.Errorf("reading connect response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		conn.Close(websocket.StatusNormalClosure, "auth failed")

		return "", fmt.Errorf("%w: %s", chaterrors.ErrAuthRejected, msg)
	}

	m.logger.Info("websocket authenticated", slog.String("user_id", resp.UserID))

	return resp.UserID, nil
}

// markConnected publishes a fresh connection and runs the connected
// hooks. The state is Connected before the hooks run so they can write.
func (m *ConnectionManager) markConnected(ctx context.Context, conn wsConn) {
	m.mu.Lock()
	m.conn = conn
	m.attempt = 0
	m.mu.Unlock()

	m.touchLastMessage()
	m.setState(StateConnected)

	m.hooksMu.Lock()
	hooks := slices.Clone(m.onConnected)
	m.hooksMu.Unlock()

	for _, h := range hooks {
		if err := h(ctx); err != nil {
			m.logger.Warn("connected hook failed", slog.String("error", err.Error()))
		}
	}
}

// markLost retires a dropped connection and runs the teardown hooks.
func (m *ConnectionManager) markLost(ctx context.Context, conn wsConn, cause error) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()

	conn.Close(websocket.StatusGoingAway, "reconnecting")

	m.logger.Warn("connection lost", slog.String("error", cause.Error()))
	m.setState(StateReconnecting)
	m.runTeardown(ctx)
}

// fail ends the session after a terminal error.
func (m *ConnectionManager) fail(err error) {
	m.mu.Lock()
	m.conn = nil
	m.identity = ""
	m.mu.Unlock()

	m.logger.Error("connection failed permanently", slog.String("error", err.Error()))
	m.setState(StateDisconnected)
}

func (m *ConnectionManager) runTeardown(ctx context.Context) {
	m.hooksMu.Lock()
	hooks := slices.Clone(m.onTeardown)
	m.hooksMu.Unlock()

	for _, h := range hooks {
		h(ctx)
	}
}

func (m *ConnectionManager) setState(to ConnState) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}

	m.state = to
	attempt := m.attempt
	m.mu.Unlock()

	m.logger.Debug("connection state",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	m.stateChanges.emit(StateChange{From: from, To: to, Attempt: attempt})
}

// serve runs the reader and event loop for one connection until it
// drops or ctx is cancelled.
func (m *ConnectionManager) serve(ctx context.Context, conn wsConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := startReader(connCtx, conn)

	return m.eventLoop(connCtx, conn, inbound)
}

// startReader launches a goroutine that reads from conn and feeds the
// returned channel. The read error, if any, is the last value sent.
func startReader(ctx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// eventLoop processes inbound frames and heartbeat ticks for one
// connection. Returns on read error, heartbeat timeout or cancellation.
func (m *ConnectionManager) eventLoop(ctx context.Context, conn wsConn, inbound <-chan inboundMsg) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			m.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			m.handleInbound(msg.data)

		case <-ticker.C:
			m.lastMsgMu.Lock()
			elapsed := time.Since(m.lastMessage)
			m.lastMsgMu.Unlock()

			if elapsed > m.cfg.HeartbeatTimeout {
				m.logger.Warn("connection timed out, closing")
				conn.Close(websocket.StatusGoingAway, "timeout")

				return errHeartbeatTimeout
			}

			if elapsed >= m.cfg.HeartbeatInterval {
				if err := m.writeJSON(ctx, conn, Envelope{Op: "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInbound routes one text frame. Only "message" frames leave the
// manager; anything unparseable is logged and dropped.
func (m *ConnectionManager) handleInbound(data []byte) {
	op := gjson.GetBytes(data, "op")
	if !op.Exists() {
		m.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
		return
	}

	switch op.Str {
	case "pong":
		return

	case "message":
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("failed to decode frame", slog.String("error", err.Error()))
			return
		}

		m.frames.emit(env)

	case "error":
		m.logger.Warn("server error frame",
			slog.String("destination", gjson.GetBytes(data, "destination").Str),
			slog.String("message", gjson.GetBytes(data, "body.message").Str),
		)

	default:
		m.logger.Debug("unexpected frame", slog.String("op", op.Str))
	}
}

// WriteFrame writes env on the live connection. It returns
// ErrNotConnected when there is none.
func (m *ConnectionManager) WriteFrame(ctx context.Context, env Envelope) error {
	m.mu.Lock()
	conn, st := m.conn, m.state
	m.mu.Unlock()

	if conn == nil || st != StateConnected {
		return chaterrors.ErrNotConnected
	}

	return m.writeJSON(ctx, conn, env)
}

// Publish sends body to a named destination.
func (m *ConnectionManager) Publish(ctx context.Context, destination string, body any) error {
	return publish(ctx, m, destination, body)
}

func publish(ctx context.Context, w frameWriter, destination string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling body: %w", err)
	}

	return w.WriteFrame(ctx, Envelope{Op: "send", Destination: destination, Body: raw})
}

// isPermanentError reports errors that will not resolve on retry.
func isPermanentError(err error) bool {
	return errors.Is(err, chaterrors.ErrAuthRejected)
}

func (m *ConnectionManager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame.
func (m *ConnectionManager) writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	return conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v. Only used during
// the handshake, before the reader goroutine exists.
func (m *ConnectionManager) readJSON(ctx context.Context, conn wsConn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	m.touchLastMessage()

	return json.Unmarshal(data, v)
}
