// Package registry tracks which clients are connected to this process right now.
package registry

import (
	"context"
	"sync"
	"time"
)

// Handle is the non-owning view of a live client channel. The realtime
// gateway owns the underlying resource; the registry only hands it out.
type Handle interface {
	// Send writes one payload to the client. Implementations must honour
	// the context deadline so a dead peer cannot block the caller.
	Send(ctx context.Context, payload []byte) error
	// Close tears the channel down. It must be safe to call more than once.
	Close() error
}

// Connection is one accepted client. Fields are set at accept time and are
// never mutated afterwards.
type Connection struct {
	ID            string
	UserID        string // empty for anonymous connections
	EstablishedAt time.Time
	Handle        Handle
}

// Anonymous reports whether the connection can never be targeted by a push.
func (c *Connection) Anonymous() bool {
	return c.UserID == ""
}

// Stats is a point-in-time count of the registry contents.
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Anonymous   int `json:"anonymous"`
}

// Registry holds two coupled maps guarded by a single lock:
//   - byConnectionID: every live connection, named or anonymous.
//   - byUserID: the connection id currently routable for a user.
//
// Every value in byUserID is a key in byConnectionID.
type Registry struct {
	mu             sync.RWMutex
	byConnectionID map[string]*Connection
	byUserID       map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byConnectionID: make(map[string]*Connection),
		byUserID:       make(map[string]string),
	}
}

// Register adds conn. A named connection becomes the routable one for its
// user (last connect wins). The previously routable connection for that user,
// if any, is returned so the caller can decide whether to close it; it stays
// registered under its own id.
func (r *Registry) Register(conn *Connection) (superseded *Connection) {
	if conn == nil || conn.ID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byConnectionID[conn.ID] = conn
	if conn.Anonymous() {
		return nil
	}

	if prevID, ok := r.byUserID[conn.UserID]; ok && prevID != conn.ID {
		superseded = r.byConnectionID[prevID]
	}
	r.byUserID[conn.UserID] = conn.ID
	return superseded
}

// Unregister removes the connection with the given id. The user mapping is
// only dropped when it still points at this connection, so a stale close never
// removes a newer registration. releasedUser reports whether that happened.
// Unknown ids are a no-op.
func (r *Registry) Unregister(connectionID string) (removed *Connection, releasedUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byConnectionID[connectionID]
	if !ok {
		return nil, false
	}
	delete(r.byConnectionID, connectionID)

	if !conn.Anonymous() && r.byUserID[conn.UserID] == connectionID {
		delete(r.byUserID, conn.UserID)
		releasedUser = true
	}
	return conn, releasedUser
}

// Lookup returns the routable connection for a user.
func (r *Registry) Lookup(userID string) (*Connection, bool) {
	if userID == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUserID[userID]
	if !ok {
		return nil, false
	}
	conn, ok := r.byConnectionID[id]
	return conn, ok
}

// Get returns a connection by its id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byConnectionID[connectionID]
	return conn, ok
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byConnectionID))
	for _, c := range r.byConnectionID {
		conns = append(conns, c)
	}
	return conns
}

// Stats counts the registry contents.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.byConnectionID)
	var anon int
	for _, c := range r.byConnectionID {
		if c.Anonymous() {
			anon++
		}
	}
	return Stats{
		Connections: total,
		Users:       len(r.byUserID),
		Anonymous:   anon,
	}
}
