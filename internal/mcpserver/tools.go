// Package mcpserver registers MCP tools that expose the chat session.
// It adapts messaging.Client and the draft store to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/messaging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Chat is the part of *messaging.Client the tools drive.
type Chat interface {
	Send(ctx context.Context, conversationID, recipientID, content string, kind messaging.MessageKind) (messaging.Message, error)
	MarkRead(ctx context.Context, ids []string) error
	NotifyTyping(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
	SetPresence(ctx context.Context, status messaging.PresenceStatus) error
	LoadHistory(ctx context.Context, conversationID string, page, size int) (messaging.HistoryPage, error)
	Reconnect(ctx context.Context) (messaging.ConnState, error)

	Messages(conversationID string) []messaging.Message
	PendingMessages(recipientID string) []messaging.Message
	PendingSends() []messaging.PendingSend
	Presence() []messaging.PresenceRecord
	StatusOf(userID string) messaging.PresenceStatus
	TypingIn(conversationID string) []string
	State() messaging.ConnState
	UserID() string
	Attempt() int
	Subscriptions() []messaging.Subscription
}

// Drafts is the draft store behind chat_drafts. *state.State satisfies it.
type Drafts interface {
	AllDrafts() ([]state.Draft, error)
	DeleteDraft(key string) error
}

// RegisterTools adds all chat tools to the given MCP server. drafts may
// be nil, in which case chat_drafts is not offered.
func RegisterTools(server *mcp.Server, c Chat, drafts Drafts) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a message. Returns the provisional message at once; it is confirmed or reported as a draft in the background. Omit conversation_id for the first message to a new counterpart.",
	}, sendHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "List the locally known messages of a conversation in display order, including unconfirmed ones. With only recipient_id, lists messages sent before the conversation existed.",
	}, messagesHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_history",
		Description: "Fetch a page of conversation history from the server and merge it into the local timeline. Pages are 0-indexed.",
	}, historyHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_mark_read",
		Description: "Mark messages as read. Messages already read are skipped.",
	}, markReadHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_typing",
		Description: "Signal that the local user is typing in a conversation, or stop the signal. Returns who else is typing there.",
	}, typingHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_presence",
		Description: "Publish the local user's presence (ONLINE, AWAY, OFFLINE) and list the presence of remote users.",
	}, presenceHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Connection state, reconnect attempt, open subscriptions and sends waiting for confirmation.",
	}, statusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_reconnect",
		Description: "Start a fresh session after reconnect attempts ran out. Does nothing while a session is running.",
	}, reconnectHandler(c))

	if drafts != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "chat_drafts",
			Description: "List messages that could not be sent. Pass discard to delete one by key after resending or abandoning it.",
		}, draftsHandler(drafts))
	}
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SendInput holds parameters for chat_send.
type SendInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"conversation to post in, omit for a first message"`
	RecipientID    string `json:"recipient_id" jsonschema:"required,user the message is for"`
	Content        string `json:"content" jsonschema:"required,message text"`
	Kind           string `json:"kind,omitempty" jsonschema:"TEXT, IMAGE or FILE, defaults to TEXT"`
}

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"conversation to list"`
	RecipientID    string `json:"recipient_id,omitempty" jsonschema:"counterpart of messages sent before the conversation existed"`
}

// HistoryInput holds parameters for chat_history.
type HistoryInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation to fetch"`
	Page           int    `json:"page,omitempty" jsonschema:"page number, 0 is the first"`
	Size           int    `json:"size,omitempty" jsonschema:"page size, defaults to 50"`
}

// MarkReadInput holds parameters for chat_mark_read.
type MarkReadInput struct {
	MessageIDs []string `json:"message_ids" jsonschema:"required,ids of the messages to mark"`
}

// TypingInput holds parameters for chat_typing.
type TypingInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation being typed in"`
	Stop           bool   `json:"stop,omitempty" jsonschema:"send a stop instead of a keystroke"`
}

// PresenceInput holds parameters for chat_presence.
type PresenceInput struct {
	Status string `json:"status,omitempty" jsonschema:"own presence to publish, omit to only list"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// DraftsInput holds parameters for chat_drafts.
type DraftsInput struct {
	Discard string `json:"discard,omitempty" jsonschema:"key of a draft to delete"`
}

// --- Results ---

// MessageResult wraps a single message.
type MessageResult struct {
	Message messaging.Message `json:"message"`
}

// MessagesResult lists messages.
type MessagesResult struct {
	ConversationID string              `json:"conversation_id,omitempty"`
	RecipientID    string              `json:"recipient_id,omitempty"`
	TotalMessages  int                 `json:"total_messages"`
	Messages       []messaging.Message `json:"messages"`
}

// HistoryResult is one fetched page.
type HistoryResult struct {
	ConversationID string              `json:"conversation_id"`
	Page           int                 `json:"page"`
	Last           bool                `json:"last"`
	Messages       []messaging.Message `json:"messages"`
}

// MarkReadResult reports a read mark.
type MarkReadResult struct {
	Marked []string `json:"marked"`
}

// TypingResult lists who is typing in a conversation.
type TypingResult struct {
	ConversationID string   `json:"conversation_id"`
	Typing         []string `json:"typing"`
}

// PresenceResult lists remote presence.
type PresenceResult struct {
	Published string                     `json:"published,omitempty"`
	Users     []messaging.PresenceRecord `json:"users"`
}

// StatusResult describes the session.
type StatusResult struct {
	State         string                  `json:"state"`
	UserID        string                  `json:"user_id,omitempty"`
	Attempt       int                     `json:"attempt"`
	Subscriptions []string                `json:"subscriptions"`
	PendingSends  []messaging.PendingSend `json:"pending_sends"`
}

// DraftsResult lists stored drafts.
type DraftsResult struct {
	Discarded string        `json:"discarded,omitempty"`
	Drafts    []state.Draft `json:"drafts"`
}

// --- Handlers ---

func sendHandler(c Chat) mcp.ToolHandlerFor[SendInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *MessageResult, error) {
		msg, err := c.Send(ctx, input.ConversationID, input.RecipientID, input.Content, messaging.MessageKind(input.Kind))
		if err != nil {
			return nil, nil, err
		}

		result := &MessageResult{Message: msg}

		return textResult(result), result, nil
	}
}

func messagesHandler(c Chat) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		result := &MessagesResult{ConversationID: input.ConversationID}

		switch {
		case input.ConversationID != "":
			result.Messages = c.Messages(input.ConversationID)
		case input.RecipientID != "":
			result.RecipientID = input.RecipientID
			result.Messages = c.PendingMessages(input.RecipientID)
		default:
			return nil, nil, errors.New("conversation_id or recipient_id is required")
		}

		if result.Messages == nil {
			result.Messages = []messaging.Message{}
		}

		result.TotalMessages = len(result.Messages)

		return textResult(result), result, nil
	}
}

func historyHandler(c Chat) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, *HistoryResult, error) {
		if input.ConversationID == "" {
			return nil, nil, errors.New("conversation_id is required")
		}

		page, err := c.LoadHistory(ctx, input.ConversationID, input.Page, input.Size)
		if err != nil {
			return nil, nil, err
		}

		result := &HistoryResult{
			ConversationID: input.ConversationID,
			Page:           input.Page,
			Last:           page.Last,
			Messages:       page.Content,
		}
		if result.Messages == nil {
			result.Messages = []messaging.Message{}
		}

		return textResult(result), result, nil
	}
}

func markReadHandler(c Chat) mcp.ToolHandlerFor[MarkReadInput, *MarkReadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MarkReadInput) (*mcp.CallToolResult, *MarkReadResult, error) {
		if len(input.MessageIDs) == 0 {
			return nil, nil, errors.New("message_ids is required")
		}

		if err := c.MarkRead(ctx, input.MessageIDs); err != nil {
			return nil, nil, err
		}

		result := &MarkReadResult{Marked: input.MessageIDs}

		return textResult(result), result, nil
	}
}

func typingHandler(c Chat) mcp.ToolHandlerFor[TypingInput, *TypingResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TypingInput) (*mcp.CallToolResult, *TypingResult, error) {
		if input.ConversationID == "" {
			return nil, nil, errors.New("conversation_id is required")
		}

		var err error
		if input.Stop {
			err = c.StopTyping(ctx, input.ConversationID)
		} else {
			err = c.NotifyTyping(ctx, input.ConversationID)
		}

		if err != nil {
			return nil, nil, err
		}

		result := &TypingResult{ConversationID: input.ConversationID, Typing: c.TypingIn(input.ConversationID)}
		if result.Typing == nil {
			result.Typing = []string{}
		}

		return textResult(result), result, nil
	}
}

func presenceHandler(c Chat) mcp.ToolHandlerFor[PresenceInput, *PresenceResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PresenceInput) (*mcp.CallToolResult, *PresenceResult, error) {
		result := &PresenceResult{}

		if input.Status != "" {
			if err := c.SetPresence(ctx, messaging.PresenceStatus(input.Status)); err != nil {
				return nil, nil, err
			}

			result.Published = input.Status
		}

		result.Users = c.Presence()
		if result.Users == nil {
			result.Users = []messaging.PresenceRecord{}
		}

		return textResult(result), result, nil
	}
}

func statusHandler(c Chat) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := status(c)
		return textResult(result), result, nil
	}
}

func reconnectHandler(c Chat) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		if _, err := c.Reconnect(ctx); err != nil {
			return nil, nil, fmt.Errorf("reconnecting: %w", err)
		}

		result := status(c)

		return textResult(result), result, nil
	}
}

func draftsHandler(d Drafts) mcp.ToolHandlerFor[DraftsInput, *DraftsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input DraftsInput) (*mcp.CallToolResult, *DraftsResult, error) {
		result := &DraftsResult{}

		if input.Discard != "" {
			if err := d.DeleteDraft(input.Discard); err != nil {
				return nil, nil, fmt.Errorf("discarding draft: %w", err)
			}

			result.Discarded = input.Discard
		}

		drafts, err := d.AllDrafts()
		if err != nil {
			return nil, nil, fmt.Errorf("listing drafts: %w", err)
		}

		result.Drafts = drafts
		if result.Drafts == nil {
			result.Drafts = []state.Draft{}
		}

		return textResult(result), result, nil
	}
}

func status(c Chat) *StatusResult {
	result := &StatusResult{
		State:        c.State().String(),
		UserID:       c.UserID(),
		Attempt:      c.Attempt(),
		PendingSends: c.PendingSends(),
	}

	for _, sub := range c.Subscriptions() {
		result.Subscriptions = append(result.Subscriptions, sub.Destination())
	}

	if result.Subscriptions == nil {
		result.Subscriptions = []string{}
	}

	if result.PendingSends == nil {
		result.PendingSends = []messaging.PendingSend{}
	}

	return result
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
