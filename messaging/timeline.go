package messaging

import (
	"sort"
	"sync"
)

// pendingKeyPrefix marks the bucket holding messages sent to a
// counterpart before the server has created the conversation.
const pendingKeyPrefix = "pending:"

// Timeline holds the ordered messages of every conversation seen by this
// client. Messages are kept in timestamp order with ties broken by the
// order they were inserted. Replace keeps the replaced message's slot so
// a reconciled send never jumps in the list.
type Timeline struct {
	mu    sync.Mutex
	convs map[string][]timelineEntry
	index map[string]string // message id -> bucket key
}

type timelineEntry struct {
	msg Message
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		convs: make(map[string][]timelineEntry),
		index: make(map[string]string),
	}
}

func bucketKey(m Message) string {
	if m.ConversationID != "" {
		return m.ConversationID
	}

	return pendingKeyPrefix + m.RecipientID
}

// Insert adds m in timestamp order. It returns false if a message with
// the same id is already present.
func (t *Timeline) Insert(m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[m.ID]; ok {
		return false
	}

	t.insertLocked(m)

	return true
}

func (t *Timeline) insertLocked(m Message) {
	key := bucketKey(m)
	entry := timelineEntry{msg: m}

	list := t.convs[key]
	// First slot whose timestamp is strictly later; equal timestamps keep
	// arrival order.
	i := sort.Search(len(list), func(i int) bool {
		return list[i].msg.Timestamp.After(m.Timestamp)
	})

	list = append(list, timelineEntry{})
	copy(list[i+1:], list[i:])
	list[i] = entry

	t.convs[key] = list
	t.index[m.ID] = key
}

// Replace swaps the message stored under oldID for m. When both belong to
// the same conversation the slot is reused; when the conversation was
// only known by its pending key, m moves into its server conversation.
// It returns false when oldID is unknown.
func (t *Timeline) Replace(oldID string, m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.index[oldID]
	if !ok {
		return false
	}

	// The confirmed message may already be present when a history fetch
	// won the race; drop the provisional copy instead of duplicating.
	if oldID != m.ID {
		if _, dup := t.index[m.ID]; dup {
			t.removeLocked(oldID)
			return true
		}
	}

	newKey := bucketKey(m)
	if newKey != key {
		t.removeLocked(oldID)
		t.insertLocked(m)

		return true
	}

	list := t.convs[key]
	for i := range list {
		if list[i].msg.ID == oldID {
			list[i].msg = m
			break
		}
	}

	delete(t.index, oldID)
	t.index[m.ID] = key

	return true
}

// UpdateStatus advances the status of message id. It reports the previous
// status and whether anything changed; a status that does not move
// forward is ignored.
func (t *Timeline) UpdateStatus(id string, status MessageStatus) (MessageStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.index[id]
	if !ok {
		return "", false
	}

	list := t.convs[key]
	for i := range list {
		if list[i].msg.ID != id {
			continue
		}

		prev := list[i].msg.Status
		if !prev.Advances(status) {
			return prev, false
		}

		list[i].msg.Status = status

		return prev, true
	}

	return "", false
}

// Remove deletes message id. It returns the removed message.
func (t *Timeline) Remove(id string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeLocked(id)
}

func (t *Timeline) removeLocked(id string) (Message, bool) {
	key, ok := t.index[id]
	if !ok {
		return Message{}, false
	}

	delete(t.index, id)

	list := t.convs[key]
	for i := range list {
		if list[i].msg.ID != id {
			continue
		}

		m := list[i].msg
		list = append(list[:i], list[i+1:]...)

		if len(list) == 0 {
			delete(t.convs, key)
		} else {
			t.convs[key] = list
		}

		return m, true
	}

	return Message{}, false
}

// Get returns message id.
func (t *Timeline) Get(id string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.index[id]
	if !ok {
		return Message{}, false
	}

	for _, e := range t.convs[key] {
		if e.msg.ID == id {
			return e.msg, true
		}
	}

	return Message{}, false
}

// Messages returns a copy of the ordered messages of a conversation.
func (t *Timeline) Messages(conversationID string) []Message {
	return t.bucket(conversationID)
}

// Pending returns the messages sent to recipientID before a conversation
// with them existed on the server.
func (t *Timeline) Pending(recipientID string) []Message {
	return t.bucket(pendingKeyPrefix + recipientID)
}

func (t *Timeline) bucket(key string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.convs[key]
	out := make([]Message, len(list))

	for i, e := range list {
		out[i] = e.msg
	}

	return out
}

// Len returns the total number of messages held.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.index)
}
