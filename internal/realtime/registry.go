package realtime

import (
	"errors"
	"sync"
)

var (
	ErrUnknownConn  = errors.New("unknown connection")
	ErrAlreadyBound = errors.New("connection already authenticated")
)

// PresenceListener is told when a user gains their first live connection
// or loses their last one.
type PresenceListener interface {
	UserOnline(userID int64)
	UserOffline(userID int64)
}

// Registry tracks live connections and which user each is bound to.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[int64]map[string]*Conn

	listener PresenceListener
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		byUser: make(map[int64]map[string]*Conn),
	}
}

// SetPresenceListener installs l. It must be called before serving.
func (r *Registry) SetPresenceListener(l PresenceListener) {
	r.listener = l
}

// Add registers an unauthenticated connection.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Authenticate binds a registered connection to a user and session.
func (r *Registry) Authenticate(connID string, userID, sessionID int64) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConn
	}
	if !c.bind(userID, sessionID) {
		r.mu.Unlock()
		return ErrAlreadyBound
	}
	first := len(r.byUser[userID]) == 0
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Conn)
	}
	r.byUser[userID][connID] = c
	r.mu.Unlock()

	if first && r.listener != nil {
		r.listener.UserOnline(userID)
	}
	return nil
}

// Remove deregisters and closes a connection. Removing an unknown id is a
// no-op.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	userID, _, authed := c.Identity()
	last := false
	if authed {
		if set := r.byUser[userID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.byUser, userID)
				last = true
			}
		}
	}
	r.mu.Unlock()

	c.Close()
	if last && r.listener != nil {
		r.listener.UserOffline(userID)
	}
}

func (r *Registry) Get(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// UserConns returns the live connections of a user.
func (r *Registry) UserConns(userID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// SendToUser queues frame on every connection of userID except those
// bound to excludeSession (0 excludes nothing). It returns how many
// connections accepted the frame.
func (r *Registry) SendToUser(userID int64, frame []byte, excludeSession int64) int {
	n := 0
	for _, c := range r.UserConns(userID) {
		if _, sid, _ := c.Identity(); excludeSession != 0 && sid == excludeSession {
			continue
		}
		if c.TrySend(frame) {
			n++
		}
	}
	return n
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and deregisters every connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Remove(id)
	}
}
