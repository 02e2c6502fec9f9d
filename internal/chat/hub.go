package chat

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-marketchat/internal/call"
	"go-marketchat/internal/realtime"
)

// Hub owns the room workers of this instance. A room starts when its first
// connection joins and stops when the last one leaves; a restarted room waits
// for its predecessor to finish persisting before taking over the sequence.
type Hub struct {
	mu       sync.Mutex
	rooms    map[int64]*Room
	draining map[int64]*Room

	registry *realtime.Registry
	store    HistoryStore
	cfg      RoomConfig
}

func NewHub(registry *realtime.Registry, store HistoryStore, cfg RoomConfig) *Hub {
	cfg.withDefaults()
	return &Hub{
		rooms:    make(map[int64]*Room),
		draining: make(map[int64]*Room),
		registry: registry,
		store:    store,
		cfg:      cfg,
	}
}

func (h *Hub) acquire(conv Conversation) (*Room, error) {
	h.mu.Lock()
	r := h.rooms[conv.ID]
	if r == nil {
		r = newRoom(conv, h.registry, h.store, h.cfg)
		h.rooms[conv.ID] = r
		go r.start(h.draining[conv.ID], h.forget)
	}
	r.refs++
	h.mu.Unlock()

	<-r.ready
	if r.err != nil {
		return nil, r.err
	}
	return r, nil
}

func (h *Hub) release(r *Room) {
	id := r.conv.ID
	h.mu.Lock()
	r.refs--
	last := r.refs == 0
	if last {
		if h.rooms[id] == r {
			delete(h.rooms, id)
		}
		h.draining[id] = r
	}
	h.mu.Unlock()

	if !last {
		return
	}
	r.post(event{kind: evStop})
	go func() {
		<-r.done
		h.mu.Lock()
		if h.draining[id] == r {
			delete(h.draining, id)
		}
		h.mu.Unlock()
	}()
}

func (h *Hub) forget(r *Room) {
	h.mu.Lock()
	if h.rooms[r.conv.ID] == r {
		delete(h.rooms, r.conv.ID)
	}
	h.mu.Unlock()
}

// Join registers conn in the conversation's room, starting the room if
// needed. A non-negative afterSeq asks for catch-up history.
func (h *Hub) Join(conv Conversation, conn *realtime.Conn, afterSeq int64) (*Room, error) {
	r, err := h.acquire(conv)
	if err != nil {
		return nil, err
	}
	r.post(event{kind: evJoin, conn: conn, afterSeq: afterSeq})
	return r, nil
}

// Leave unregisters conn. Any call it was part of ends with peer_disconnected.
func (h *Hub) Leave(r *Room, conn *realtime.Conn) {
	r.post(event{kind: evLeave, conn: conn})
	h.release(r)
}

// Dispatch queues a decoded envelope from conn. It blocks while the room's
// inbox is full.
func (h *Hub) Dispatch(r *Room, conn *realtime.Conn, env *Envelope) {
	r.post(event{kind: evEnvelope, conn: conn, env: env})
}

// Inject publishes a message that did not arrive over a room socket, such as
// a REST upload. It returns once the message is persisted, or with
// ErrPersistenceTimeout if persistence fails after live delivery. A nil
// message with ErrPersistenceTimeout means it was never delivered.
func (h *Hub) Inject(ctx context.Context, conv Conversation, m *Message) (*Message, error) {
	r, err := h.acquire(conv)
	if err != nil {
		return nil, err
	}
	defer h.release(r)

	reply := make(chan injectResult, 1)
	if !r.post(event{kind: evInject, msg: m, reply: reply}) {
		return nil, ErrRoomClosed
	}

	var res injectResult
	select {
	case res = <-reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}
	if res.persisted == nil {
		return &res.msg, nil
	}

	select {
	case out := <-res.persisted:
		if out.Err != nil {
			return &res.msg, out.Err
		}
		res.msg.ID = out.ID
		return &res.msg, nil
	case <-ctx.Done():
		return &res.msg, ErrPersistenceTimeout
	}
}

// CallStatus reports the in-progress call of a conversation, if its room is
// running on this instance.
func (h *Hub) CallStatus(ctx context.Context, conversationID int64) (call.Session, bool) {
	h.mu.Lock()
	r := h.rooms[conversationID]
	h.mu.Unlock()
	if r == nil {
		return call.Session{}, false
	}
	select {
	case <-r.ready:
	case <-ctx.Done():
		return call.Session{}, false
	}

	reply := make(chan callStatus, 1)
	if !r.post(event{kind: evInspect, inspect: reply}) {
		return call.Session{}, false
	}
	select {
	case st := <-reply:
		return st.session, st.active
	case <-ctx.Done():
		return call.Session{}, false
	}
}

func (h *Hub) ActiveRooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown closes every room connection and waits for the rooms to drain.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	keys := make([]string, 0, len(h.rooms))
	for _, r := range h.rooms {
		keys = append(keys, r.key)
	}
	h.mu.Unlock()

	for _, key := range keys {
		for _, c := range h.registry.ConnectionsFor(key) {
			c.Close(websocket.CloseGoingAway, "server shutdown")
		}
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		h.mu.Lock()
		n := len(h.rooms) + len(h.draining)
		h.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
