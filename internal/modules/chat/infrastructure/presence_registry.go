package infrastructure

import (
	"log/slog"
	"sync"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/shared/metrics"
)

// PresenceRegistry keeps the single live connection of every online user. All access
// goes through one mutex, so Register and Remove on the same user never interleave.
type PresenceRegistry struct {
	mu        sync.Mutex
	entries   map[string]port.Connection
	observers []port.PresenceObserver
}

func NewPresenceRegistry(observers ...port.PresenceObserver) *PresenceRegistry {
	return &PresenceRegistry{entries: make(map[string]port.Connection), observers: observers}
}

// Register installs conn and returns the connection it displaced. The caller supersedes
// the returned connection; the registry never closes anything itself.
func (r *PresenceRegistry) Register(userID string, conn port.Connection) port.Connection {
	r.mu.Lock()
	prev, ok := r.entries[userID]
	r.entries[userID] = conn
	r.mu.Unlock()

	if ok && prev != nil && prev.ID() != conn.ID() {
		metrics.Evictions.Inc()
		slog.Info("presence superseded", slog.String("userId", userID), slog.String("previous", prev.ID()), slog.String("current", conn.ID()))
		r.notifyOnline(userID, conn.ID())
		return prev
	}
	r.notifyOnline(userID, conn.ID())
	return nil
}

func (r *PresenceRegistry) Lookup(userID string) (port.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.entries[userID]
	return conn, ok
}

// Remove deletes the entry only while it still belongs to conn. A late Remove from a
// superseded connection leaves its successor in place.
func (r *PresenceRegistry) Remove(userID string, conn port.Connection) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	current, ok := r.entries[userID]
	if !ok || current.ID() != conn.ID() {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, userID)
	r.mu.Unlock()

	for _, o := range r.observers {
		o.Offline(userID, conn.ID())
	}
	return true
}

func (r *PresenceRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *PresenceRegistry) notifyOnline(userID, connID string) {
	for _, o := range r.observers {
		o.Online(userID, connID)
	}
}

var _ port.PresenceRegistry = (*PresenceRegistry)(nil)
