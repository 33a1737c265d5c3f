package messaging

import (
	"log/slog"
	"sync"
)

// PresenceTracker holds the last server-asserted presence of remote
// users. It is only written by inbound presence frames; local connection
// loss never changes it.
type PresenceTracker struct {
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]PresenceRecord

	changes Emitter[PresenceRecord]
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker(logger *slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		logger:  logger,
		records: make(map[string]PresenceRecord),
	}
}

// Changes emits a record whenever a user's status changes.
func (p *PresenceTracker) Changes() *Emitter[PresenceRecord] { return &p.changes }

// Apply records an inbound presence frame. A frame older than the record
// already held is ignored. It reports whether the status changed.
func (p *PresenceTracker) Apply(rec PresenceRecord) bool {
	if rec.UserID == "" || !rec.Status.Valid() {
		p.logger.Debug("dropping invalid presence",
			slog.String("user_id", rec.UserID),
			slog.String("status", string(rec.Status)),
		)

		return false
	}

	p.mu.Lock()
	prev, known := p.records[rec.UserID]

	if known && !rec.LastSeen.IsZero() && rec.LastSeen.Before(prev.LastSeen) {
		p.mu.Unlock()
		p.logger.Debug("dropping stale presence", slog.String("user_id", rec.UserID))

		return false
	}

	p.records[rec.UserID] = rec
	p.mu.Unlock()

	if known && prev.Status == rec.Status {
		return false
	}

	p.changes.emit(rec)

	return true
}

// StatusOf returns the user's last known status. Unknown users are
// Offline.
func (p *PresenceTracker) StatusOf(userID string) PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[userID]; ok {
		return rec.Status
	}

	return PresenceOffline
}

// Record returns the full record for userID.
func (p *PresenceTracker) Record(userID string) (PresenceRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[userID]

	return rec, ok
}

// Snapshot returns every known record.
func (p *PresenceTracker) Snapshot() []PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PresenceRecord, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec)
	}

	return out
}
