package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"go-marketchat/internal/call"
	"go-marketchat/internal/logger"
	"go-marketchat/internal/metrics"
	"go-marketchat/internal/realtime"
)

type RoomConfig struct {
	InboxSize     int
	RingTimeout   time.Duration
	AppendTimeout time.Duration
	HistoryLimit  int
	DedupeWindow  int
	// SeqBlock is how many seqs a room reserves in the store at a time.
	SeqBlock int
	Now      func() time.Time
}

func (c *RoomConfig) withDefaults() {
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 2 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 512
	}
	if c.SeqBlock <= 0 {
		c.SeqBlock = 32
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type eventKind int

const (
	evJoin eventKind = iota
	evLeave
	evEnvelope
	evInject
	evRingTimeout
	evInspect
	evStop
)

type event struct {
	kind     eventKind
	conn     *realtime.Conn
	env      *Envelope
	afterSeq int64
	msg      *Message
	callID   string
	reply    chan injectResult
	inspect  chan callStatus
}

type persistOutcome struct {
	ID  int64
	Err error
}

type injectResult struct {
	msg Message
	err error
	// persisted is nil when the message was a duplicate.
	persisted <-chan persistOutcome
}

type callStatus struct {
	session call.Session
	active  bool
}

type persistJob struct {
	msg    Message
	origin *realtime.Conn
	done   chan persistOutcome
}

type nonceKey struct {
	sender int64
	nonce  string
}

// Room is the single sequencer of one conversation. Every join, leave, chat
// message and call signal for the conversation goes through its inbox and is
// handled on the run goroutine, in arrival order.
type Room struct {
	conv     Conversation
	key      string
	registry *realtime.Registry
	store    HistoryStore
	cfg      RoomConfig

	inbox   chan event
	persist chan persistJob
	ready   chan struct{}
	stopped chan struct{}
	done    chan struct{}
	err     error

	refs int // guarded by Hub.mu

	// Owned by run.
	seq      int64
	reserved int64
	nonces   *lru.Cache[nonceKey, int64]
	recent   *recentBuffer
	calls    *call.Machine
}

func newRoom(conv Conversation, registry *realtime.Registry, store HistoryStore, cfg RoomConfig) *Room {
	cfg.withDefaults()
	nonces, _ := lru.New[nonceKey, int64](cfg.DedupeWindow)
	r := &Room{
		conv:     conv,
		key:      realtime.RoomKey(conv.ID),
		registry: registry,
		store:    store,
		cfg:      cfg,
		inbox:    make(chan event, cfg.InboxSize),
		persist:  make(chan persistJob, cfg.InboxSize),
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		nonces:   nonces,
		recent:   newRecentBuffer(cfg.HistoryLimit),
	}
	r.calls = call.NewMachine(conv.ID, conv.ParticipantAID, conv.ParticipantBID, roomDirectory{r}, call.Options{
		RingTimeout: cfg.RingTimeout,
		Now:         cfg.Now,
		OnRingTimeout: func(callID string) {
			r.post(event{kind: evRingTimeout, callID: callID})
		},
		OnFinish: func(s call.Session) {
			metrics.Calls.WithLabelValues(string(s.State)).Inc()
			logger.Info("call_finished", "room", conv.ID, "call", s.ID, "state", s.State, "reason", s.EndReason)
		},
	})
	return r
}

type roomDirectory struct{ r *Room }

func (d roomDirectory) ConnectionsOf(principalID int64) []string {
	conns := d.r.registry.PrincipalConnections(d.r.key, principalID)
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = c.ID
	}
	return ids
}

// start waits for a previous room of the same conversation to drain, seeds
// the sequencer and the nonce window from it and the store, then runs the
// loop. A seq is never handed out twice, persisted or not.
func (r *Room) start(prev *Room, onFail func(*Room)) {
	if prev != nil {
		<-prev.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seq, err := r.store.LastSeq(ctx, r.conv.ID)
	if err != nil {
		r.err = fmt.Errorf("seed room %d: %w", r.conv.ID, err)
		logger.Error("room_seed_failed", "room", r.conv.ID, "err", err)
		onFail(r)
		close(r.ready)
		close(r.stopped)
		close(r.done)
		return
	}
	if prev != nil && prev.seq > seq {
		seq = prev.seq
	}
	r.seq = seq
	r.reserved = seq
	r.seedNonces(ctx, prev)
	cancel()
	close(r.ready)

	go r.persistLoop()
	r.run()
}

// seedNonces restores the dedupe window so a client retrying after a
// reconnect is recognised by the new room.
func (r *Room) seedNonces(ctx context.Context, prev *Room) {
	latest, err := r.store.List(ctx, r.conv.ID, -1, r.cfg.DedupeWindow)
	if err != nil {
		logger.Warn("nonce_seed_failed", "room", r.conv.ID, "err", err)
	}
	for _, m := range latest {
		if m.ClientNonce != "" {
			r.nonces.Add(nonceKey{sender: m.SenderID, nonce: m.ClientNonce}, m.Seq)
		}
	}
	if prev == nil {
		return
	}
	for _, k := range prev.nonces.Keys() {
		if seq, ok := prev.nonces.Peek(k); ok {
			r.nonces.Add(k, seq)
		}
	}
}

// post hands an event to the loop. It reports false once the loop is gone.
func (r *Room) post(ev event) bool {
	select {
	case r.inbox <- ev:
		return true
	case <-r.stopped:
		return false
	}
}

func (r *Room) run() {
	metrics.RoomsActive.Inc()
	logger.Info("room_started", "room", r.conv.ID, "seq", r.seq)
	defer func() {
		r.calls.Close()
		close(r.stopped)
		r.releaseSeq()
		close(r.persist)
		metrics.RoomsActive.Dec()
		logger.Info("room_stopped", "room", r.conv.ID, "seq", r.seq)
	}()

	for {
		ev := <-r.inbox
		if ev.kind == evStop {
			return
		}
		r.handle(ev)
	}
}

func (r *Room) handle(ev event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("room_event_panic", "room", r.conv.ID, "kind", ev.kind, "panic", rec)
		}
	}()

	switch ev.kind {
	case evJoin:
		r.join(ev.conn, ev.afterSeq)
	case evLeave:
		r.leave(ev.conn)
	case evEnvelope:
		r.route(ev.conn, ev.env)
	case evInject:
		m, dup, done, err := r.publish(nil, ev.msg)
		res := injectResult{msg: m, err: err}
		if !dup && err == nil {
			res.persisted = done
		}
		ev.reply <- res
	case evRingTimeout:
		r.deliver(r.calls.Timeout(ev.callID))
	case evInspect:
		s, ok := r.calls.Current()
		ev.inspect <- callStatus{session: s, active: ok}
	}
}

func (r *Room) join(conn *realtime.Conn, afterSeq int64) {
	r.registry.Register(conn)
	logger.Debug("room_joined", "room", r.conv.ID, "conn", conn.ID, "user", conn.PrincipalID)
	if afterSeq >= 0 {
		r.catchUp(conn, afterSeq)
	}
}

func (r *Room) leave(conn *realtime.Conn) {
	if !r.registry.Unregister(conn.ID) {
		return
	}
	logger.Debug("room_left", "room", r.conv.ID, "conn", conn.ID, "user", conn.PrincipalID)
	r.deliver(r.calls.Disconnect(conn.ID, conn.PrincipalID))
}

// route dispatches a decoded envelope. Chat messages go to the broadcast
// path, everything else to the call machine.
func (r *Room) route(conn *realtime.Conn, env *Envelope) {
	metrics.Envelopes.WithLabelValues(env.Type).Inc()

	var (
		out []call.Outbound
		err error
	)
	switch env.Type {
	case TypeMessage:
		r.publish(conn, &Message{
			SenderID:      conn.PrincipalID,
			Content:       env.Message,
			AttachmentRef: env.AttachmentRef,
			ClientNonce:   env.ClientNonce,
		})
		return
	case TypeCallOffer:
		out, err = r.calls.Offer(conn.ID, conn.PrincipalID, env.Offer)
	case TypeCallAnswer:
		out, err = r.calls.Answer(conn.ID, conn.PrincipalID, env.Answer)
	case TypeICECandidate:
		out, err = r.calls.Candidate(conn.ID, conn.PrincipalID, env.Candidate)
	case TypeCallEnd:
		out, err = r.calls.End(conn.ID, conn.PrincipalID, env.Reason)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownEnvelopeType, env.Type)
	}
	if err != nil {
		r.reject(conn, err)
		return
	}
	r.deliver(out)
}

// publish sequences a chat message and fans it out before persisting it.
// Every connection in the room except origin receives the message, so the
// sender's other devices see it too; origin gets an ack instead.
func (r *Room) publish(origin *realtime.Conn, in *Message) (Message, bool, chan persistOutcome, error) {
	key := nonceKey{sender: in.SenderID, nonce: in.ClientNonce}
	if in.ClientNonce != "" {
		if seq, ok := r.nonces.Get(key); ok {
			if origin != nil {
				r.sendJSON(origin, AckFrame{Type: "ack", Seq: seq, ClientNonce: in.ClientNonce, Duplicate: true})
			}
			dup := *in
			dup.ConversationID = r.conv.ID
			dup.Seq = seq
			return dup, true, nil, nil
		}
	}

	seq, err := r.nextSeq()
	if err != nil {
		err = fmt.Errorf("%w: reserve seq: %v", ErrPersistenceTimeout, err)
		metrics.PersistFailures.Inc()
		logger.Warn("seq_reserve_failed", "room", r.conv.ID, "err", err)
		if origin != nil {
			r.reject(origin, err)
		}
		return Message{}, false, nil, err
	}
	m := Message{
		ConversationID: r.conv.ID,
		Seq:            seq,
		SenderID:       in.SenderID,
		Content:        in.Content,
		AttachmentRef:  in.AttachmentRef,
		ClientNonce:    in.ClientNonce,
		CreatedAt:      r.cfg.Now().UTC(),
	}

	payload, _ := json.Marshal(frameFor(&m))
	for _, c := range r.registry.ConnectionsFor(r.key) {
		if origin != nil && c.ID == origin.ID {
			continue
		}
		c.Send(payload)
	}
	if origin != nil {
		r.sendJSON(origin, AckFrame{Type: "ack", Seq: m.Seq, ClientNonce: m.ClientNonce})
	}

	r.recent.Push(m)
	if m.ClientNonce != "" {
		r.nonces.Add(key, m.Seq)
	}

	job := persistJob{msg: m, origin: origin, done: make(chan persistOutcome, 1)}
	select {
	case r.persist <- job:
	default:
		r.persistFailed(job, fmt.Errorf("%w: persist queue full", ErrPersistenceTimeout))
	}
	return m, false, job.done, nil
}

// nextSeq hands out the next seq, reserving a new block in the store first
// when the current one is used up.
func (r *Room) nextSeq() (int64, error) {
	if r.seq >= r.reserved {
		mark := r.seq + int64(r.cfg.SeqBlock)
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AppendTimeout)
		err := r.store.ReserveSeq(ctx, r.conv.ID, mark)
		cancel()
		if err != nil {
			return 0, err
		}
		r.reserved = mark
	}
	r.seq++
	return r.seq, nil
}

// releaseSeq gives back the unused part of the reserved block on a clean
// stop. If it fails the next room starts after the block instead.
func (r *Room) releaseSeq() {
	if r.reserved <= r.seq {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AppendTimeout)
	defer cancel()
	if err := r.store.ReserveSeq(ctx, r.conv.ID, r.seq); err != nil {
		logger.Warn("seq_release_failed", "room", r.conv.ID, "seq", r.seq, "err", err)
	}
}

func (r *Room) persistLoop() {
	defer close(r.done)
	for job := range r.persist {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AppendTimeout)
		msg := job.msg
		err := r.store.Append(ctx, &msg)
		cancel()
		if errors.Is(err, ErrDuplicateMessage) {
			logger.Info("message_already_stored", "room", r.conv.ID, "seq", msg.Seq, "id", msg.ID)
			job.done <- persistOutcome{ID: msg.ID}
			continue
		}
		if err != nil {
			r.persistFailed(job, fmt.Errorf("%w: %v", ErrPersistenceTimeout, err))
			continue
		}
		job.done <- persistOutcome{ID: msg.ID}
	}
}

// persistFailed may run on either the loop or the persister goroutine.
func (r *Room) persistFailed(job persistJob, err error) {
	metrics.PersistFailures.Inc()
	logger.Warn("persistence_failed", "room", r.conv.ID, "seq", job.msg.Seq, "err", err)
	if job.origin != nil {
		b, _ := json.Marshal(WarningFrame{
			Type:        "warning",
			Code:        CodePersistenceTimeout,
			Seq:         job.msg.Seq,
			ClientNonce: job.msg.ClientNonce,
		})
		job.origin.Send(b)
	}
	job.done <- persistOutcome{Err: err}
}

// catchUp sends history after afterSeq. It is served from the recent buffer
// when that covers the gap, otherwise from the store off the loop. Live
// messages may overtake a store-backed catch-up; clients merge by seq.
func (r *Room) catchUp(conn *realtime.Conn, afterSeq int64) {
	buffered, complete := r.recent.After(afterSeq, r.seq)
	limit := r.cfg.HistoryLimit
	if complete {
		msgs, more := mergeHistory(nil, buffered, r.seq, limit)
		r.sendHistory(conn, msgs, more)
		return
	}

	upTo := r.seq
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AppendTimeout)
		defer cancel()
		stored, err := r.store.List(ctx, r.conv.ID, afterSeq, limit)
		if err != nil {
			logger.Warn("catch_up_failed", "room", r.conv.ID, "conn", conn.ID, "err", err)
		}
		msgs, more := mergeHistory(stored, buffered, upTo, limit)
		r.sendHistory(conn, msgs, more || len(stored) == limit)
	}()
}

func (r *Room) sendHistory(conn *realtime.Conn, msgs []Message, more bool) {
	frames := make([]MessageFrame, len(msgs))
	for i := range msgs {
		frames[i] = frameFor(&msgs[i])
	}
	r.sendJSON(conn, HistoryFrame{Type: "history", Messages: frames, HasMore: more})
}

func (r *Room) deliver(out []call.Outbound) {
	for _, o := range out {
		c, ok := r.registry.Get(o.ConnID)
		if !ok || c.ChannelKey != r.key {
			continue
		}
		r.sendJSON(c, o.Envelope)
	}
}

func (r *Room) reject(conn *realtime.Conn, err error) {
	metrics.EnvelopeErrors.WithLabelValues(Code(err)).Inc()
	logger.Debug("envelope_rejected", "room", r.conv.ID, "conn", conn.ID, "code", Code(err), "err", err)
	conn.Send(errorFrame(err))
}

func (r *Room) sendJSON(conn *realtime.Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error("frame_encode_failed", "room", r.conv.ID, "err", err)
		return
	}
	conn.Send(b)
}
