// Package presence tracks which users are online and the connection that
// currently represents each of them.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/pliu/sniffguard/internal/protocol"
)

// Entry binds a user to their current connection.
type Entry struct {
	UserID      string
	Username    string
	Conn        protocol.Conn
	ConnectedAt time.Time
}

// Registry holds one entry per online user. The most recent connection
// wins; an older connection unregistering later does not take the user
// offline.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register makes conn the user's current connection and returns the
// connection it replaced, if any.
func (r *Registry) Register(userID, username string, conn protocol.Conn, at time.Time) (previous protocol.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[userID]; ok && old.Conn != conn {
		previous = old.Conn
	}
	r.entries[userID] = Entry{UserID: userID, Username: username, Conn: conn, ConnectedAt: at}
	return previous
}

// Unregister removes conn. wasCurrent is true only if conn was the user's
// current connection, in which case the user is now offline. Unregistering
// twice is a no-op.
func (r *Registry) Unregister(conn protocol.Conn) (entry Entry, wasCurrent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[conn.UserID()]
	if !ok || e.Conn != conn {
		return Entry{}, false
	}
	delete(r.entries, conn.UserID())
	return e, true
}

func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	return e, ok
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// ListOnline returns a snapshot of online users ordered by user id.
func (r *Registry) ListOnline() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
