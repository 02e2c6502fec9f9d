package call

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Options struct {
	RingTimeout time.Duration
	Now         func() time.Time
	AfterFunc   func(time.Duration, func()) Timer
	// OnRingTimeout is invoked from the timer goroutine. The owner must hand
	// the call id back to Timeout on its own goroutine.
	OnRingTimeout func(callID string)
	// OnFinish observes every session that reaches a terminal state.
	OnFinish func(Session)
}

// Machine holds at most one non-terminal session for a conversation. It is not
// safe for concurrent use; the room worker owning it serialises every call.
type Machine struct {
	conversationID int64
	participants   [2]int64
	dir            Directory
	opts           Options

	current *Session
	last    *Session
	timer   Timer
}

func NewMachine(conversationID, participantA, participantB int64, dir Directory, opts Options) *Machine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Machine{
		conversationID: conversationID,
		participants:   [2]int64{participantA, participantB},
		dir:            dir,
		opts:           opts,
	}
}

func (m *Machine) isParticipant(id int64) bool {
	return id == m.participants[0] || id == m.participants[1]
}

func (m *Machine) other(id int64) int64 {
	if id == m.participants[0] {
		return m.participants[1]
	}
	return m.participants[0]
}

// State is StateIdle when no session is in progress.
func (m *Machine) State() State {
	if m.current == nil {
		return StateIdle
	}
	return m.current.State
}

// Current returns a copy of the in-progress session.
func (m *Machine) Current() (Session, bool) {
	if m.current == nil {
		return Session{}, false
	}
	return m.current.snapshot(), true
}

// Last returns the most recently finished session.
func (m *Machine) Last() (Session, bool) {
	if m.last == nil {
		return Session{}, false
	}
	return m.last.snapshot(), true
}

func (s *Session) snapshot() Session {
	cp := *s
	cp.ICECandidates = append([]Candidate(nil), s.ICECandidates...)
	return cp
}

func (m *Machine) Offer(connID string, from int64, offer json.RawMessage) ([]Outbound, error) {
	if !m.isParticipant(from) {
		return nil, ErrNotParticipant
	}
	if m.current != nil {
		return nil, ErrCallAlreadyActive
	}

	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: m.conversationID,
		CallerID:       from,
		CalleeID:       m.other(from),
		State:          StateIdle,
		OfferSDP:       offer,
		StartedAt:      m.opts.Now(),
		callerConn:     connID,
	}
	if err := s.moveTo(StateOffered); err != nil {
		return nil, err
	}
	m.current = s

	callID := s.ID
	m.timer = m.opts.AfterFunc(m.opts.RingTimeout, func() {
		if m.opts.OnRingTimeout != nil {
			m.opts.OnRingTimeout(callID)
		}
	})

	env := Envelope{Type: TypeOffer, CallID: s.ID, From: from, Offer: offer}
	return m.toPrincipal(s.CalleeID, env, ""), nil
}

func (m *Machine) Answer(connID string, from int64, answer json.RawMessage) ([]Outbound, error) {
	s := m.current
	if s == nil {
		return nil, ErrNoActiveSession
	}
	if from != s.CalleeID {
		return nil, ErrUnauthorizedResponder
	}
	if s.State != StateOffered {
		return nil, ErrCallAlreadyActive
	}
	if err := s.moveTo(StateAnswered); err != nil {
		return nil, err
	}
	m.stopTimer()
	s.AnswerSDP = answer
	s.calleeConn = connID

	out := []Outbound{{
		ConnID:   s.callerConn,
		Envelope: Envelope{Type: TypeAnswer, CallID: s.ID, From: from, Answer: answer},
	}}
	// The callee's other devices stop ringing.
	out = append(out, m.toPrincipal(s.CalleeID, Envelope{Type: TypeEnd, CallID: s.ID, Reason: ReasonAnsweredElsewhere}, connID)...)
	return out, nil
}

func (m *Machine) Candidate(connID string, from int64, candidate json.RawMessage) ([]Outbound, error) {
	s := m.current
	if s == nil || (s.State != StateAnswered && s.State != StateConnected) {
		return nil, ErrNoActiveSession
	}

	var target string
	switch connID {
	case s.callerConn:
		target = s.calleeConn
		s.callerRelays = true
	case s.calleeConn:
		target = s.callerConn
		s.calleeRelays = true
	default:
		if !m.isParticipant(from) {
			return nil, ErrNotParticipant
		}
		// A participant's device that is not part of the call.
		return nil, ErrNoActiveSession
	}

	s.ICECandidates = append(s.ICECandidates, Candidate{OwnerID: from, Candidate: candidate})
	if s.State == StateAnswered && s.callerRelays && s.calleeRelays {
		if err := s.moveTo(StateConnected); err != nil {
			return nil, err
		}
	}

	return []Outbound{{
		ConnID:   target,
		Envelope: Envelope{Type: TypeCandidate, CallID: s.ID, From: from, Candidate: candidate},
	}}, nil
}

// End handles an explicit call_end. While ringing the callee's call_end is a
// rejection and the caller's is a cancellation.
func (m *Machine) End(connID string, from int64, reason string) ([]Outbound, error) {
	s := m.current
	if s == nil {
		return nil, ErrNoActiveSession
	}
	if !m.isParticipant(from) {
		return nil, ErrNotParticipant
	}

	if s.State == StateOffered {
		if from == s.CalleeID {
			env := Envelope{Type: TypeEnd, CallID: s.ID, From: from, Reason: ReasonRejected}
			out := []Outbound{{ConnID: s.callerConn, Envelope: env}}
			out = append(out, m.toPrincipal(s.CalleeID, env, connID)...)
			return out, m.finish(StateRejected, ReasonRejected)
		}
		if reason == "" {
			reason = ReasonCancelled
		}
		env := Envelope{Type: TypeEnd, CallID: s.ID, From: from, Reason: reason}
		out := m.toPrincipal(s.CalleeID, env, "")
		out = append(out, m.toPrincipal(s.CallerID, env, connID)...)
		return out, m.finish(StateEnded, reason)
	}

	if reason == "" {
		reason = ReasonHangup
	}
	env := Envelope{Type: TypeEnd, CallID: s.ID, From: from, Reason: reason}
	var out []Outbound
	for _, c := range []string{s.callerConn, s.calleeConn} {
		if c != "" && c != connID {
			out = append(out, Outbound{ConnID: c, Envelope: env})
		}
	}
	return out, m.finish(StateEnded, reason)
}

// Timeout ends a call still ringing when its timer fires. Stale ids are ignored.
func (m *Machine) Timeout(callID string) []Outbound {
	s := m.current
	if s == nil || s.ID != callID || s.State != StateOffered {
		return nil
	}
	env := Envelope{Type: TypeEnd, CallID: s.ID, Reason: ReasonTimeout}
	out := m.toPrincipal(s.CallerID, env, "")
	out = append(out, m.toPrincipal(s.CalleeID, env, "")...)
	if err := m.finish(StateTimedOut, ReasonTimeout); err != nil {
		return nil
	}
	return out
}

// Disconnect must be called after the connection has left the directory.
func (m *Machine) Disconnect(connID string, principalID int64) []Outbound {
	s := m.current
	if s == nil {
		return nil
	}

	env := Envelope{Type: TypeEnd, CallID: s.ID, From: principalID, Reason: ReasonPeerDisconnected}
	var out []Outbound

	switch {
	case s.State == StateOffered && connID == s.callerConn:
		out = m.toPrincipal(s.CalleeID, env, "")
	case s.State == StateOffered && principalID == s.CalleeID:
		// Ringing continues while any callee device remains.
		if len(m.dir.ConnectionsOf(s.CalleeID)) > 0 {
			return nil
		}
		out = []Outbound{{ConnID: s.callerConn, Envelope: env}}
	case connID == s.callerConn:
		out = []Outbound{{ConnID: s.calleeConn, Envelope: env}}
	case connID == s.calleeConn:
		out = []Outbound{{ConnID: s.callerConn, Envelope: env}}
	default:
		return nil
	}

	if err := m.finish(StateEnded, ReasonPeerDisconnected); err != nil {
		return nil
	}
	return out
}

// Close discards any in-progress session, for example when the room empties.
func (m *Machine) Close() {
	if m.current != nil {
		_ = m.finish(StateEnded, ReasonRoomClosed)
	}
	m.stopTimer()
}

func (m *Machine) finish(to State, reason string) error {
	s := m.current
	if err := s.moveTo(to); err != nil {
		return err
	}
	m.stopTimer()
	now := m.opts.Now()
	s.EndedAt = &now
	s.EndReason = reason
	m.last = s
	m.current = nil
	if m.opts.OnFinish != nil {
		m.opts.OnFinish(s.snapshot())
	}
	return nil
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) toPrincipal(principalID int64, env Envelope, skipConn string) []Outbound {
	var out []Outbound
	for _, c := range m.dir.ConnectionsOf(principalID) {
		if c == skipConn {
			continue
		}
		out = append(out, Outbound{ConnID: c, Envelope: env})
	}
	return out
}

func (s *Session) moveTo(to State) error {
	if !canTransition(s.State, to) {
		return fmt.Errorf("call %s: invalid transition %s -> %s", s.ID, s.State, to)
	}
	s.State = to
	return nil
}
