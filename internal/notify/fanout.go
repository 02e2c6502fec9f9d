package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-marketchat/internal/logger"
	"go-marketchat/internal/metrics"
	"go-marketchat/internal/realtime"
)

const storeTimeout = 5 * time.Second

// Fanout persists notifications and pushes the resulting events to the
// user's live update connections. Each user with at least one connection on
// this instance gets one worker that serialises what that user sees.
type Fanout struct {
	store     Store
	broker    Broker
	registry  *realtime.Registry
	queueSize int

	mu      sync.Mutex
	workers map[int64]*userWorker
}

func NewFanout(store Store, broker Broker, registry *realtime.Registry, queueSize int) *Fanout {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Fanout{
		store:     store,
		broker:    broker,
		registry:  registry,
		queueSize: queueSize,
		workers:   make(map[int64]*userWorker),
	}
}

// Start subscribes to the broker. Deliveries flow until ctx is done.
func (f *Fanout) Start(ctx context.Context) error {
	return f.broker.Subscribe(ctx, f.dispatch)
}

// Notify stores a notification for userID and pushes it to every live
// connection of the user. The notification is kept even when nobody is
// connected or the push fails.
func (f *Fanout) Notify(ctx context.Context, userID int64, typ string, p Payload) (int64, error) {
	if userID <= 0 || strings.TrimSpace(typ) == "" {
		return 0, fmt.Errorf("%w: user_id and type are required", ErrBadRequest)
	}
	if len(p.Metadata) > 0 && !json.Valid(p.Metadata) {
		return 0, fmt.Errorf("%w: metadata is not valid JSON", ErrBadRequest)
	}

	n := &Notification{
		UserID:   userID,
		Type:     typ,
		Title:    p.Title,
		Message:  p.Message,
		Metadata: metadataOrEmpty(p.Metadata),
	}
	if err := f.store.Create(ctx, n); err != nil {
		return 0, err
	}
	metrics.Notifications.Inc()

	count, err := f.store.UnreadCount(ctx, userID)
	if err != nil {
		logger.Warn("notify_unread_count_failed", "user", userID, "err", err)
	}
	data, _ := json.Marshal(pushedNotification{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
		Metadata:  n.Metadata,
	})
	f.publish(ctx, Delivery{UserID: userID, Event: Event{Event: EventNewNotification, Data: data, UnreadCount: count}})
	logger.Debug("notification_created", "user", userID, "id", n.ID, "type", typ)
	return n.ID, nil
}

func (f *Fanout) MarkRead(ctx context.Context, userID, id int64) error {
	if err := f.store.MarkRead(ctx, userID, id); err != nil {
		return err
	}
	count, err := f.store.UnreadCount(ctx, userID)
	if err != nil {
		logger.Warn("notify_unread_count_failed", "user", userID, "err", err)
	}
	data, _ := json.Marshal(map[string]int64{"id": id})
	f.publish(ctx, Delivery{UserID: userID, Event: Event{Event: EventNotificationRead, Data: data, UnreadCount: count}})
	return nil
}

// MarkAllRead marks every unread notification of userID and always
// broadcasts, so other tabs converge even when nothing changed.
func (f *Fanout) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	n, err := f.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	f.publish(ctx, Delivery{UserID: userID, Event: Event{Event: EventMarkAllRead, UnreadCount: 0}})
	return n, nil
}

func (f *Fanout) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return f.store.UnreadCount(ctx, userID)
}

func (f *Fanout) List(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	return f.store.List(ctx, userID, limit)
}

func (f *Fanout) publish(ctx context.Context, d Delivery) {
	if err := f.broker.Publish(ctx, d); err != nil {
		logger.Warn("notify_publish_failed", "user", d.UserID, "event", d.Event.Event, "err", err)
	}
}

// Connect registers conn on its user's channel and greets it with the
// current unread count.
func (f *Fanout) Connect(conn *realtime.Conn) {
	f.registry.Register(conn)

	f.mu.Lock()
	w := f.workers[conn.PrincipalID]
	if w == nil {
		w = newUserWorker(f, conn.PrincipalID)
		f.workers[conn.PrincipalID] = w
		go w.run()
	}
	w.refs++
	f.mu.Unlock()

	w.enqueue(workItem{greet: conn})
}

// Disconnect unregisters conn and stops the user's worker with its last
// connection.
func (f *Fanout) Disconnect(conn *realtime.Conn) {
	if !f.registry.Unregister(conn.ID) {
		return
	}
	f.mu.Lock()
	w := f.workers[conn.PrincipalID]
	if w == nil {
		f.mu.Unlock()
		return
	}
	w.refs--
	if w.refs == 0 {
		delete(f.workers, conn.PrincipalID)
		close(w.stop)
	}
	f.mu.Unlock()
}

// ActiveUsers is the number of users with a worker on this instance.
func (f *Fanout) ActiveUsers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

// Shutdown closes every update connection held by this instance.
func (f *Fanout) Shutdown() {
	f.mu.Lock()
	keys := make([]string, 0, len(f.workers))
	for _, w := range f.workers {
		keys = append(keys, w.key)
	}
	f.mu.Unlock()

	for _, key := range keys {
		for _, c := range f.registry.ConnectionsFor(key) {
			c.Close(websocket.CloseGoingAway, "server shutdown")
		}
	}
}

// dispatch hands a broker delivery to the local worker of its user, if any.
func (f *Fanout) dispatch(d Delivery) {
	f.mu.Lock()
	w := f.workers[d.UserID]
	f.mu.Unlock()
	if w == nil {
		return
	}
	ev := d.Event
	w.enqueue(workItem{event: &ev})
}

type workItem struct {
	event *Event
	greet *realtime.Conn
}

type userWorker struct {
	f      *Fanout
	userID int64
	key    string
	inbox  chan workItem
	stop   chan struct{}
	refs   int // guarded by Fanout.mu
}

func newUserWorker(f *Fanout, userID int64) *userWorker {
	return &userWorker{
		f:      f,
		userID: userID,
		key:    realtime.UserKey(userID),
		inbox:  make(chan workItem, f.queueSize),
		stop:   make(chan struct{}),
	}
}

// enqueue never blocks the broker subscription. The store stays
// authoritative, so a dropped push is recovered by the next unread count.
func (w *userWorker) enqueue(it workItem) {
	select {
	case w.inbox <- it:
	case <-w.stop:
	default:
		logger.Warn("notify_queue_full", "user", w.userID)
	}
}

func (w *userWorker) run() {
	metrics.UserChannelsActive.Inc()
	defer metrics.UserChannelsActive.Dec()

	for {
		select {
		case <-w.stop:
			return
		case it := <-w.inbox:
			if it.greet != nil {
				w.greet(it.greet)
				continue
			}
			w.push(it.event)
		}
	}
}

// push sends ev to every connection of the user. The unread count is read
// here, after the store write that produced ev, so whichever event a tab
// receives last carries the current count even when events were published
// out of order. The published count is kept if the store cannot answer.
func (w *userWorker) push(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	count, err := w.f.store.UnreadCount(ctx, w.userID)
	cancel()
	if err != nil {
		logger.Warn("notify_unread_count_failed", "user", w.userID, "err", err)
	} else {
		ev.UnreadCount = count
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("notify_encode_failed", "user", w.userID, "err", err)
		return
	}
	for _, c := range w.f.registry.ConnectionsFor(w.key) {
		c.Send(payload)
	}
}

func (w *userWorker) greet(conn *realtime.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	count, err := w.f.store.UnreadCount(ctx, w.userID)
	if err != nil {
		logger.Warn("notify_unread_count_failed", "user", w.userID, "err", err)
		return
	}
	b, _ := json.Marshal(Event{Event: EventUnreadCount, UnreadCount: count})
	conn.Send(b)
}
