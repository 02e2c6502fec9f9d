package realtime

import (
	"strconv"
	"sync"
)

// RoomKey and UserKey build the two kinds of channel keys.
func RoomKey(conversationID int64) string { return "room:" + strconv.FormatInt(conversationID, 10) }

func UserKey(userID int64) string { return "user:" + strconv.FormatInt(userID, 10) }

// Registry maps channel keys to their live connections. A principal may hold
// any number of connections on the same channel.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	channels map[string][]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]*Conn),
		channels: make(map[string][]*Conn),
	}
}

// Register adds an authenticated connection under its channel key.
func (r *Registry) Register(c *Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; ok {
		return c.ID
	}
	r.conns[c.ID] = c
	r.channels[c.ChannelKey] = append(r.channels[c.ChannelKey], c)
	return c.ID
}

// Unregister removes a connection. It reports false if it was not present.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	delete(r.conns, connID)

	list := r.channels[c.ChannelKey]
	for i, other := range list {
		if other.ID == connID {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.channels, c.ChannelKey)
	} else {
		r.channels[c.ChannelKey] = list
	}
	return true
}

func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// ConnectionsFor returns a snapshot in registration order.
func (r *Registry) ConnectionsFor(channelKey string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.channels[channelKey]
	out := make([]*Conn, len(list))
	copy(out, list)
	return out
}

func (r *Registry) PrincipalConnections(channelKey string, principalID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.channels[channelKey] {
		if c.PrincipalID == principalID {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Count(channelKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channelKey])
}
