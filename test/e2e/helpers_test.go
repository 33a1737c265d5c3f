package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/messaging"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	goodToken = "e2e-good-token"
	selfID    = "u-me"
	peerID    = "u-peer"
)

// inboxBody is a message as the server pushes it.
type inboxBody struct {
	Type string `json:"type"`
	messaging.Message
}

type typingFrame struct {
	Type string `json:"type"`
	messaging.TypingSignal
}

type presenceFrame struct {
	Type string `json:"type"`
	messaging.PresenceRecord
}

// chatServer is an in-process messaging backend: a WebSocket endpoint
// speaking the frame protocol and the REST API behind it.
type chatServer struct {
	mu        sync.Mutex
	seq       int
	conns     []*websocket.Conn
	subs      []string
	sends     []gjson.Result
	restSends []messaging.SendRequest
	reads     [][]string
	typing    []string
	presence  []string
	history   map[string]messaging.HistoryPage
}

func newChatServer() *chatServer {
	return &chatServer{history: make(map[string]messaging.HistoryPage)}
}

func (s *chatServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("POST /api/messages", s.handleSend)
	mux.HandleFunc("POST /api/messages/read", s.handleRead)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleHistory)

	return mux
}

func (s *chatServer) nextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++

	return fmt.Sprintf("m-%d", s.seq)
}

func (s *chatServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil || gjson.GetBytes(data, "op").Str != "connect" {
		return
	}

	if gjson.GetBytes(data, "token").Str != goodToken {
		s.write(ctx, conn, messaging.ConnectResponse{Res: "err", Msg: "bad token"})
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")

		return
	}

	s.write(ctx, conn, messaging.ConnectResponse{Res: "ok", UserID: selfID})

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		frame := gjson.ParseBytes(data)

		switch frame.Get("op").Str {
		case "ping":
			s.write(ctx, conn, map[string]string{"op": "pong"})
		case "subscribe":
			s.mu.Lock()
			s.subs = append(s.subs, frame.Get("destination").Str)
			s.mu.Unlock()
		case "send":
			s.handleFrame(ctx, conn, frame)
		}
	}
}

func (s *chatServer) handleFrame(ctx context.Context, conn *websocket.Conn, frame gjson.Result) {
	body := frame.Get("body")

	switch frame.Get("destination").Str {
	case "/app/chat.send":
		s.mu.Lock()
		s.sends = append(s.sends, body)
		s.mu.Unlock()

		msg := s.confirm(body.Get("provisionalId").Str, body.Get("conversationId").Str, body.Get("recipientId").Str, body.Get("content").Str)
		s.write(ctx, conn, messaging.Envelope{
			Op:          "message",
			Destination: "/user/queue/messages",
			Body:        mustJSON(inboxBody{Type: "MESSAGE", Message: msg}),
		})

	case "/app/chat.read":
		var ids []string
		for _, id := range body.Get("messageIds").Array() {
			ids = append(ids, id.Str)
		}

		s.mu.Lock()
		s.reads = append(s.reads, ids)
		s.mu.Unlock()

	case "/app/chat.typing":
		s.mu.Lock()
		s.typing = append(s.typing, body.Raw)
		s.mu.Unlock()

	case "/app/presence":
		s.mu.Lock()
		s.presence = append(s.presence, body.Get("status").Str)
		s.mu.Unlock()
	}
}

// confirm builds the server copy of a sent message. A send without a
// conversation opens one.
func (s *chatServer) confirm(provisionalID, conversationID, recipientID, content string) messaging.Message {
	if conversationID == "" {
		conversationID = "c-new-" + recipientID
	}

	return messaging.Message{
		ID:             s.nextID(),
		ProvisionalID:  provisionalID,
		ConversationID: conversationID,
		SenderID:       selfID,
		RecipientID:    recipientID,
		Content:        content,
		Kind:           messaging.KindText,
		Status:         messaging.StatusSent,
		Timestamp:      time.Now().UTC(),
	}
}

func (s *chatServer) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+goodToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req messaging.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.restSends = append(s.restSends, req)
	s.mu.Unlock()

	msg := s.confirm(req.ProvisionalID, req.ConversationID, req.RecipientID, req.Content)
	_ = json.NewEncoder(w).Encode(msg)
}

func (s *chatServer) handleRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.reads = append(s.reads, body.MessageIDs)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *chatServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	page, ok := s.history[r.PathValue("id")]
	s.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"conversation not found"}`))

		return
	}

	_ = json.NewEncoder(w).Encode(page)
}

func (s *chatServer) write(ctx context.Context, conn *websocket.Conn, v any) {
	_ = conn.Write(ctx, websocket.MessageText, mustJSON(v))
}

// push sends a frame to every connected client.
func (s *chatServer) push(destination string, body any) {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()

	env := messaging.Envelope{Op: "message", Destination: destination, Body: mustJSON(body)}
	for _, c := range conns {
		s.write(context.Background(), c, env)
	}
}

// dropAll closes every live connection from the server side.
func (s *chatServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.CloseNow()
	}
}

func (s *chatServer) subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.subs...)
}

func (s *chatServer) restSendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.restSends)
}

func (s *chatServer) liveSendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sends)
}

// harness holds the full e2e stack: the chat backend, a real client
// dialing it, and the MCP tool server in front of the client.
type harness struct {
	Server *chatServer
	Client *messaging.Client
	Drafts *state.State
	MCPURL string
}

// newHarness starts the backend and an MCP streamable HTTP endpoint and
// builds a client pointed at them. The client is not connected yet.
func newHarness(t *testing.T) *harness {
	t.Helper()

	backend := newChatServer()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	t.Cleanup(backend.dropAll)

	logger := slog.New(slog.DiscardHandler)

	client := messaging.New(messaging.Config{
		Connection: messaging.ConnectionConfig{
			URL:                  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
			Device:               "e2e",
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   20 * time.Millisecond,
			ReconnectMaxDelay:    100 * time.Millisecond,
		},
		AckTimeout: -1,
	}, messaging.NewAPIClient(srv.URL, goodToken, srv.Client()), logger)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	drafts, err := state.LoadAt(t.TempDir() + "/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { drafts.Close() })

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, client, drafts)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mcpSrv := httptest.NewServer(mcpHandler)
	t.Cleanup(mcpSrv.Close)

	return &harness{
		Server: backend,
		Client: client,
		Drafts: drafts,
		MCPURL: mcpSrv.URL,
	}
}

// connect opens the client session and fails the test on error.
func (h *harness) connect(t *testing.T) {
	t.Helper()

	st, err := h.Client.Connect(t.Context(), goodToken)
	require.NoError(t, err)
	require.Equal(t, messaging.StateConnected, st)
}

// mcpSession creates an MCP client session against the tool server.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint:             h.MCPURL,
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls a tool and decodes its JSON text result into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	if dest != nil && !result.IsError {
		require.NotEmpty(t, result.Content)
		tc, ok := result.Content[0].(*mcp.TextContent)
		require.True(t, ok, "first content is not TextContent")
		require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
	}

	return result
}

// mustJSON marshals fixtures built in this package, which always encode.
func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
