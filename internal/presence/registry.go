// ABOUTME: In-memory registry mapping users to their live connection IDs.
// ABOUTME: Tracks multi-device presence and fires online/offline transition hooks.

package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StatusWriter persists online/offline transitions. Failures are logged and
// never block a registry mutation.
type StatusWriter interface {
	SetUserStatus(ctx context.Context, userID, status string) error
}

// Status values passed to the StatusWriter.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

const statusWriteTimeout = 5 * time.Second

// Registry tracks which users are online on which connections. A user is
// online iff their connection set is non-empty; a single disconnect never
// marks a user offline while other devices remain connected.
//
// The registry is process-local and non-authoritative: it is rebuilt from
// scratch as clients reconnect after a restart.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]map[string]struct{} // userID -> set of connection IDs
	status StatusWriter
	logger *slog.Logger
}

// NewRegistry creates a presence registry. status may be nil in tests.
func NewRegistry(status StatusWriter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		users:  make(map[string]map[string]struct{}),
		status: status,
		logger: logger.With("component", "presence"),
	}
}

// Register adds a connection to the user's set. The online transition fires
// only when the set was previously empty.
func (r *Registry) Register(userID, connID string) {
	r.mu.Lock()
	conns, known := r.users[userID]
	if !known {
		conns = make(map[string]struct{})
		r.users[userID] = conns
	}
	wasOffline := len(conns) == 0
	conns[connID] = struct{}{}
	total := len(conns)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"user_id", userID,
		"conn_id", connID,
		"connections", total,
	)

	if wasOffline {
		r.onUserOnline(userID)
	}
}

// Unregister removes a connection, resolving its owner by scanning current
// entries. The offline transition fires only when the last connection for
// the user is removed. Unknown connection IDs are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	var owner string
	var remaining int
	found := false
	for userID, conns := range r.users {
		if _, ok := conns[connID]; ok {
			delete(conns, connID)
			owner = userID
			remaining = len(conns)
			found = true
			if remaining == 0 {
				delete(r.users, userID)
			}
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return
	}

	r.logger.Info("connection unregistered",
		"user_id", owner,
		"conn_id", connID,
		"connections", remaining,
	)

	if remaining == 0 {
		r.onUserOffline(owner)
	}
}

// ConnectionsOf returns a copy of the user's live connection IDs, or an
// empty slice for unknown users. Safe to call concurrently with
// Register/Unregister from other connections.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// UserCount returns the number of distinct users with live connections.
// Admission control compares this against the configured ceiling.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// onUserOnline persists the online flag. Runs outside the registry lock;
// persistence failure never rolls back the registration.
func (r *Registry) onUserOnline(userID string) {
	r.setStatus(userID, StatusOnline)
}

func (r *Registry) onUserOffline(userID string) {
	r.setStatus(userID, StatusOffline)
}

func (r *Registry) setStatus(userID, status string) {
	if r.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := r.status.SetUserStatus(ctx, userID, status); err != nil {
		r.logger.Error("unable to persist user status",
			"user_id", userID,
			"status", status,
			"error", err,
		)
	}
}
