package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket    = []byte("app")
	draftsBucket = []byte("drafts")
	tokenKey     = []byte("token")
	userIDKey    = []byte("user_id")
)

// Draft is a message the server never confirmed. The messaging core
// forgets failed sends once it reports them; keeping the text around so
// the user can edit and resend is the caller's job, and this is where
// the composition root keeps it.
type Draft struct {
	// Key is the conversation ID, or "to:<recipient>" for a first message
	// to a counterpart with no conversation yet.
	Key            string    `json:"key"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RecipientID    string    `json:"recipient_id"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	Reason         string    `json:"reason,omitempty"`
	// Retryable is set when the send failed on a transient error.
	Retryable      bool      `json:"retryable"`
	FailedAt       time.Time `json:"failed_at"`
}

// DraftKey returns the key a draft for the given target is stored under.
func DraftKey(conversationID, recipientID string) string {
	if conversationID != "" {
		return conversationID
	}

	return "to:" + recipientID
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens the state database at path, creating it and its directory
// if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(draftsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) getApp(key []byte) string {
	var value string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(key); v != nil {
			value = string(v)
		}

		return nil
	})

	return value
}

func (s *State) setApp(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(value))
	})
}

// Token returns the identity token of the last session, or empty string.
func (s *State) Token() string {
	return s.getApp(tokenKey)
}

// SetToken persists the identity token.
func (s *State) SetToken(token string) error {
	return s.setApp(tokenKey, token)
}

// UserID returns the server user ID learned at the last handshake.
func (s *State) UserID() string {
	return s.getApp(userIDKey)
}

// SetUserID persists the server user ID.
func (s *State) SetUserID(id string) error {
	return s.setApp(userIDKey, id)
}

// SaveDraft stores or replaces the draft for d.Key.
func (s *State) SaveDraft(d Draft) error {
	if d.Key == "" {
		return fmt.Errorf("draft key is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}

		return tx.Bucket(draftsBucket).Put([]byte(d.Key), data)
	})
}

// GetDraft returns the draft stored under key, or nil if none.
func (s *State) GetDraft(key string) (*Draft, error) {
	var d *Draft

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(draftsBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		d = &Draft{}

		return json.Unmarshal(v, d)
	})

	return d, err
}

// DeleteDraft removes the draft stored under key. Missing keys are not
// an error.
func (s *State) DeleteDraft(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(draftsBucket).Delete([]byte(key))
	})
}

// ClearDrafts deletes every stored draft.
func (s *State) ClearDrafts() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(draftsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(draftsBucket)

		return err
	})
}

// AllDrafts returns every stored draft, newest failure first.
func (s *State) AllDrafts() ([]Draft, error) {
	var drafts []Draft

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(draftsBucket).ForEach(func(k, v []byte) error {
			var d Draft
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decoding draft %q: %w", k, err)
			}

			drafts = append(drafts, d)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(drafts, func(i, j int) bool {
		return drafts[i].FailedAt.After(drafts[j].FailedAt)
	})

	return drafts, nil
}
