package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Messaging server endpoints.
	WSURL  string `env:"CHAT_WS_URL"`
	APIURL string `env:"CHAT_API_URL"`

	// Opaque identity token issued by the marketplace login flow. The
	// core never refreshes it. When unset, the token cached by the last
	// session is used.
	Token string `env:"CHAT_TOKEN"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Reconnect policy. Delay for attempt n is min(base*n, max).
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`

	// Heartbeat: ping after HeartbeatInterval of silence, drop the
	// connection after HeartbeatTimeout of silence.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`

	// Typing windows.
	TypingIdle    time.Duration `env:"TYPING_IDLE" envDefault:"3s"`
	TypingRefresh time.Duration `env:"TYPING_REFRESH" envDefault:"2s"`
	TypingExpiry  time.Duration `env:"TYPING_EXPIRY" envDefault:"3s"`

	// Recently-seen message id window for deduplication.
	DedupWindow     time.Duration `env:"DEDUP_WINDOW" envDefault:"10m"`
	DedupMaxEntries int           `env:"DEDUP_MAX_ENTRIES" envDefault:"10000"`

	// AckTimeout is how long a live send waits for the server ack before
	// posting the same provisional id over REST. Zero disables it.
	AckTimeout time.Duration `env:"ACK_TIMEOUT" envDefault:"30s"`

	// StatePath is the bbolt file holding drafts and the cached identity.
	// Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// EnableMCP serves the chat tools over stdio.
	EnableMCP bool `env:"ENABLE_MCP" envDefault:"true"`

	// WatchConversations is a comma-separated list of conversation IDs
	// whose typing channels are subscribed at startup.
	WatchConversations string `env:"WATCH_CONVERSATIONS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file carries the identity token.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chat-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.WSURL == "" {
		return fmt.Errorf("CHAT_WS_URL is required")
	}

	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return fmt.Errorf("CHAT_WS_URL must use ws:// or wss://")
	}

	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}

	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be >= RECONNECT_BASE_DELAY > 0")
	}

	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be greater than HEARTBEAT_INTERVAL > 0")
	}

	// Peers drop our typing state after their expiry window, so refreshes
	// must land inside it.
	if c.TypingRefresh <= 0 || c.TypingRefresh >= c.TypingExpiry {
		return fmt.Errorf("TYPING_REFRESH must be positive and shorter than TYPING_EXPIRY")
	}

	if c.TypingIdle <= 0 {
		return fmt.Errorf("TYPING_IDLE must be positive")
	}

	if c.DedupWindow <= 0 || c.DedupMaxEntries < 1 {
		return fmt.Errorf("DEDUP_WINDOW and DEDUP_MAX_ENTRIES must be positive")
	}

	if c.AckTimeout < 0 {
		return fmt.Errorf("ACK_TIMEOUT must not be negative")
	}

	return nil
}

// DefaultStatePath returns ~/.chat-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// IdentityToken returns CHAT_TOKEN, falling back to the token cached by
// a previous session.
func (c *Config) IdentityToken(cached string) (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}

	if cached != "" {
		return cached, nil
	}

	return "", fmt.Errorf("CHAT_TOKEN is required on first run")
}

// ParseWatchConversations splits WATCH_CONVERSATIONS into conversation IDs.
// Format: "conv1,conv2". Blank and duplicate entries are dropped.
func (c *Config) ParseWatchConversations() []string {
	if c.WatchConversations == "" {
		return nil
	}

	seen := make(map[string]struct{})

	var ids []string

	for _, id := range strings.Split(c.WatchConversations, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids
}
