package e2e_test

import (
	"context"
	"testing"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// --- session ---

func TestConnect_SubscribesInboxAndPresence(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	assert.Equal(t, selfID, h.Client.UserID())
	require.Eventually(t, func() bool { return len(h.Server.subscriptions()) == 2 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"/user/queue/messages", "/topic/presence"}, h.Server.subscriptions())
}

func TestConnect_BadTokenIsTerminal(t *testing.T) {
	h := newHarness(t)

	st, err := h.Client.Connect(t.Context(), "wrong")
	require.ErrorIs(t, err, chaterrors.ErrAuthRejected)
	assert.Equal(t, messaging.StateDisconnected, st)
	assert.Zero(t, h.Client.Attempt())
}

func TestServerDrop_ReconnectsAndResubscribes(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, h.Client.WatchConversation(t.Context(), "c1"))
	require.Eventually(t, func() bool { return len(h.Server.subscriptions()) == 3 }, waitFor, tick)

	h.Server.dropAll()

	require.Eventually(t, func() bool {
		return h.Client.State() == messaging.StateConnected && len(h.Server.subscriptions()) == 6
	}, waitFor, tick)

	subs := h.Server.subscriptions()[3:]
	assert.ElementsMatch(t, []string{"/user/queue/messages", "/topic/presence", "/topic/typing/c1"}, subs)
}

// --- messages ---

func TestSend_LiveEchoReconciles(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	session := h.mcpSession(t)

	var sent mcpserver.MessageResult
	res := callTool(t, session, "chat_send", map[string]any{
		"conversation_id": "c1",
		"recipient_id":    peerID,
		"content":         "hello over the wire",
	}, &sent)
	require.False(t, res.IsError)
	assert.Equal(t, messaging.StatusSending, sent.Message.Status)

	require.Eventually(t, func() bool {
		msgs := h.Client.Messages("c1")
		return len(msgs) == 1 && !msgs[0].Provisional()
	}, waitFor, tick)

	var listed mcpserver.MessagesResult
	callTool(t, session, "chat_messages", map[string]any{"conversation_id": "c1"}, &listed)
	require.Equal(t, 1, listed.TotalMessages)
	assert.Equal(t, "m-1", listed.Messages[0].ID)
	assert.Equal(t, sent.Message.ID, listed.Messages[0].ProvisionalID)
	assert.Equal(t, messaging.StatusSent, listed.Messages[0].Status)

	assert.Equal(t, 1, h.Server.liveSendCount())
	assert.Zero(t, h.Server.restSendCount())
}

func TestSend_DisconnectedGoesOverREST(t *testing.T) {
	h := newHarness(t)

	reconciled := make(chan messaging.Reconciled, 1)
	h.Client.Reconciled().Subscribe(func(r messaging.Reconciled) { reconciled <- r })

	_, err := h.Client.Send(t.Context(), "", peerID, "first message", messaging.KindText)
	require.NoError(t, err)

	select {
	case r := <-reconciled:
		assert.Equal(t, "rest", r.Via)
		assert.Equal(t, "c-new-"+peerID, r.Message.ConversationID)
	case <-time.After(waitFor):
		t.Fatal("send was not reconciled")
	}

	assert.Empty(t, h.Client.PendingMessages(peerID))
	assert.Len(t, h.Client.Messages("c-new-"+peerID), 1)
	assert.Equal(t, 1, h.Server.restSendCount())
}

func TestInbound_DeliveredOnce(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	incoming := make(chan messaging.Message, 4)
	h.Client.Incoming().Subscribe(func(m messaging.Message) { incoming <- m })

	msg := messaging.Message{ID: "m-peer-1", ConversationID: "c1", SenderID: peerID, RecipientID: selfID, Content: "hi"}
	h.Server.push("/user/queue/messages", inboxBody{Type: "MESSAGE", Message: msg})
	h.Server.push("/user/queue/messages", inboxBody{Type: "MESSAGE", Message: msg})

	select {
	case m := <-incoming:
		assert.Equal(t, "m-peer-1", m.ID)
	case <-time.After(waitFor):
		t.Fatal("message not delivered")
	}

	// A receipt pushed after the duplicate proves both frames were handled.
	h.Server.push("/user/queue/messages", messaging.ReceiptFrame{Type: "RECEIPT", MessageIDs: []string{"m-peer-1"}, Status: messaging.StatusDelivered})

	require.Eventually(t, func() bool {
		msgs := h.Client.Messages("c1")
		return len(msgs) == 1 && msgs[0].Status == messaging.StatusDelivered
	}, waitFor, tick)

	assert.Empty(t, incoming)
}

func TestHistoryAndMarkRead(t *testing.T) {
	h := newHarness(t)
	h.Server.history["c1"] = messaging.HistoryPage{
		Content: []messaging.Message{
			{ID: "h-1", ConversationID: "c1", SenderID: peerID, Content: "old", Status: messaging.StatusDelivered, Timestamp: time.Now().Add(-time.Hour)},
			{ID: "h-2", ConversationID: "c1", SenderID: peerID, Content: "newer", Status: messaging.StatusDelivered, Timestamp: time.Now().Add(-time.Minute)},
		},
		Last: true,
	}
	h.connect(t)
	session := h.mcpSession(t)

	var page mcpserver.HistoryResult
	res := callTool(t, session, "chat_history", map[string]any{"conversation_id": "c1"}, &page)
	require.False(t, res.IsError)
	assert.True(t, page.Last)
	assert.Len(t, page.Messages, 2)

	res = callTool(t, session, "chat_mark_read", map[string]any{"message_ids": []string{"h-1", "h-2"}}, nil)
	require.False(t, res.IsError)

	for _, m := range h.Client.Messages("c1") {
		assert.Equal(t, messaging.StatusRead, m.Status)
	}

	require.Eventually(t, func() bool {
		h.Server.mu.Lock()
		defer h.Server.mu.Unlock()

		return len(h.Server.reads) == 1
	}, waitFor, tick)

	res = callTool(t, session, "chat_history", map[string]any{"conversation_id": "missing"}, nil)
	assert.True(t, res.IsError)
}

// --- typing and presence ---

func TestTypingAndPresence(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, h.Client.WatchConversation(t.Context(), "c1"))
	session := h.mcpSession(t)

	h.Server.push("/topic/typing/c1", typingFrame{
		Type:         "TYPING",
		TypingSignal: messaging.TypingSignal{ConversationID: "c1", UserID: peerID, IsTyping: true, Timestamp: time.Now()},
	})
	h.Server.push("/topic/presence", presenceFrame{
		Type:           "PRESENCE",
		PresenceRecord: messaging.PresenceRecord{UserID: peerID, Status: messaging.PresenceOnline, LastSeen: time.Now()},
	})

	require.Eventually(t, func() bool {
		return len(h.Client.TypingIn("c1")) == 1 && h.Client.StatusOf(peerID) == messaging.PresenceOnline
	}, waitFor, tick)

	var typing mcpserver.TypingResult
	callTool(t, session, "chat_typing", map[string]any{"conversation_id": "c1"}, &typing)
	assert.Equal(t, []string{peerID}, typing.Typing)

	var presence mcpserver.PresenceResult
	callTool(t, session, "chat_presence", map[string]any{"status": "AWAY"}, &presence)
	require.Len(t, presence.Users, 1)
	assert.Equal(t, peerID, presence.Users[0].UserID)

	require.Eventually(t, func() bool {
		h.Server.mu.Lock()
		defer h.Server.mu.Unlock()

		return len(h.Server.typing) == 1 && len(h.Server.presence) == 1
	}, waitFor, tick)

	assert.Equal(t, "AWAY", h.Server.presence[0])
}

// --- status ---

func TestStatusAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	session := h.mcpSession(t)

	var st mcpserver.StatusResult
	callTool(t, session, "chat_status", nil, &st)
	assert.Equal(t, "connected", st.State)
	assert.Len(t, st.Subscriptions, 2)

	require.NoError(t, h.Client.Disconnect(context.Background()))

	st = mcpserver.StatusResult{}
	callTool(t, session, "chat_status", nil, &st)
	assert.Equal(t, "disconnected", st.State)
	assert.Empty(t, st.Subscriptions)

	st = mcpserver.StatusResult{}
	res := callTool(t, session, "chat_reconnect", nil, &st)
	require.False(t, res.IsError)
	assert.Equal(t, "connected", st.State)
}
