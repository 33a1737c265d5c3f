package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/messaging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout belongs to the MCP stdio transport.
	logger := logging.NewLogger(cfg.Environment, os.Stderr)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	token, err := cfg.IdentityToken(appState.Token())
	if err != nil {
		return err
	}

	api := messaging.NewAPIClient(cfg.APIURL, token, nil)
	client := messaging.New(clientConfig(cfg), api, logger)

	wireEvents(client, appState, logger)

	st, err := client.Connect(ctx, token)
	if err != nil {
		return fmt.Errorf("connecting to chat server: %w", err)
	}

	logger.Info("session started", slog.String("state", st.String()), slog.String("user_id", client.UserID()))

	if err := appState.SetToken(token); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	for _, conv := range cfg.ParseWatchConversations() {
		if err := client.WatchConversation(ctx, conv); err != nil {
			logger.Warn("failed to watch conversation",
				slog.String("conversation_id", conv),
				slog.String("error", err.Error()),
			)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableMCP {
		g.Go(func() error {
			// The session ends with the MCP client.
			defer stop()
			return runMCP(gctx, client, appState, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cerr := client.Close(shutdownCtx); cerr != nil {
		logger.Warn("error closing session", slog.String("error", cerr.Error()))
	}

	logger.Info("chat-sync stopped")

	return err
}

func clientConfig(cfg *config.Config) messaging.Config {
	ackTimeout := cfg.AckTimeout
	if ackTimeout == 0 {
		ackTimeout = -1
	}

	return messaging.Config{
		Connection: messaging.ConnectionConfig{
			URL:                  cfg.WSURL,
			Device:               cfg.DeviceName,
			MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
			ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
			ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			HeartbeatTimeout:     cfg.HeartbeatTimeout,
		},
		Typing: messaging.TypingConfig{
			Idle:    cfg.TypingIdle,
			Refresh: cfg.TypingRefresh,
			Expiry:  cfg.TypingExpiry,
		},
		DedupWindow:     cfg.DedupWindow,
		DedupMaxEntries: cfg.DedupMaxEntries,
		AckTimeout:      ackTimeout,
	}
}

// wireEvents logs session events and keeps failed sends as drafts until
// a later send to the same target goes through.
func wireEvents(client *messaging.Client, appState *state.State, logger *slog.Logger) {
	client.StateChanges().Subscribe(func(ch messaging.StateChange) {
		logger.Info("connection state",
			slog.String("from", ch.From.String()),
			slog.String("to", ch.To.String()),
			slog.Int("attempt", ch.Attempt),
		)

		if ch.To == messaging.StateConnected {
			rememberUser(appState, client.UserID(), logger)
		}
	})

	client.ConnectionFailures().Subscribe(func(err error) {
		logger.Error("connection lost for good, use chat_reconnect to retry", slog.String("error", err.Error()))
	})

	client.Incoming().Subscribe(func(m messaging.Message) {
		logger.Info("message received",
			slog.String("message_id", m.ID),
			slog.String("conversation_id", m.ConversationID),
			slog.String("sender_id", m.SenderID),
		)
	})

	client.SendFailures().Subscribe(func(f messaging.SendFailure) {
		d := state.Draft{
			Key:            state.DraftKey(f.ConversationID, f.RecipientID),
			ConversationID: f.ConversationID,
			RecipientID:    f.RecipientID,
			Content:        f.Content,
			Kind:           string(f.Kind),
			FailedAt:       time.Now(),
		}
		if f.Err != nil {
			d.Reason = f.Err.Error()
		}

		d.Retryable = f.Transient

		if err := appState.SaveDraft(d); err != nil {
			logger.Warn("failed to save draft", slog.String("key", d.Key), slog.String("error", err.Error()))
			return
		}

		logger.Warn("send failed, kept as draft", slog.String("key", d.Key))
	})

	client.Reconciled().Subscribe(func(r messaging.Reconciled) {
		keys := []string{state.DraftKey(r.Message.ConversationID, r.Message.RecipientID)}
		if r.Message.RecipientID != "" {
			keys = append(keys, state.DraftKey("", r.Message.RecipientID))
		}

		for _, key := range keys {
			if err := appState.DeleteDraft(key); err != nil {
				logger.Warn("failed to clear draft", slog.String("key", key), slog.String("error", err.Error()))
			}
		}
	})
}

// rememberUser caches the server user id. Drafts left by a different
// user are dropped so they are never resent under this identity.
func rememberUser(appState *state.State, userID string, logger *slog.Logger) {
	if prev := appState.UserID(); prev != "" && prev != userID {
		logger.Info("signed in as a different user, dropping drafts",
			slog.String("previous_user_id", prev),
			slog.String("user_id", userID),
		)

		if err := appState.ClearDrafts(); err != nil {
			logger.Warn("failed to clear drafts", slog.String("error", err.Error()))
		}
	}

	if err := appState.SetUserID(userID); err != nil {
		logger.Warn("failed to save user id", slog.String("error", err.Error()))
	}
}

// runMCP serves the chat tools over stdio until ctx is cancelled or the
// client disconnects.
func runMCP(ctx context.Context, client *messaging.Client, appState *state.State, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, client, appState)

	mcpLogger.Info("serving MCP over stdio")

	if err := mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
