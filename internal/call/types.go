// Package call guards the two-party call negotiation of one conversation.
// It relays offers, answers and ICE candidates between the participants
// without looking inside them, and tracks the session lifecycle.
package call

import (
	"encoding/json"
	"errors"
	"time"
)

type State string

const (
	StateIdle      State = "idle"
	StateOffered   State = "offered"
	StateAnswered  State = "answered"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateRejected  State = "rejected"
	StateTimedOut  State = "timed_out"
)

var allowedTransitions = map[State][]State{
	StateIdle:      {StateOffered},
	StateOffered:   {StateAnswered, StateEnded, StateRejected, StateTimedOut},
	StateAnswered:  {StateConnected, StateEnded},
	StateConnected: {StateEnded},
}

func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateTimedOut
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrCallAlreadyActive     = errors.New("a call is already active in this conversation")
	ErrUnauthorizedResponder = errors.New("only the callee may answer this call")
	ErrNoActiveSession       = errors.New("no active call session")
	ErrNotParticipant        = errors.New("sender is not a participant of this conversation")
)

// Envelope types relayed to clients.
const (
	TypeOffer     = "call_offer"
	TypeAnswer    = "call_answer"
	TypeCandidate = "ice_candidate"
	TypeEnd       = "call_end"
)

// End reasons.
const (
	ReasonHangup            = "hangup"
	ReasonCancelled         = "cancelled"
	ReasonRejected          = "rejected"
	ReasonTimeout           = "timeout"
	ReasonPeerDisconnected  = "peer_disconnected"
	ReasonAnsweredElsewhere = "answered_elsewhere"
	ReasonRoomClosed        = "room_closed"
)

type Envelope struct {
	Type      string          `json:"type"`
	CallID    string          `json:"call_id"`
	From      int64           `json:"from,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Outbound is one envelope addressed to one connection.
type Outbound struct {
	ConnID   string
	Envelope Envelope
}

type Candidate struct {
	OwnerID   int64           `json:"owner_id"`
	Candidate json.RawMessage `json:"candidate"`
}

// Session is the record of one call attempt.
type Session struct {
	ID             string          `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	CallerID       int64           `json:"caller_id"`
	CalleeID       int64           `json:"callee_id"`
	State          State           `json:"state"`
	OfferSDP       json.RawMessage `json:"offer_sdp,omitempty"`
	AnswerSDP      json.RawMessage `json:"answer_sdp,omitempty"`
	ICECandidates  []Candidate     `json:"ice_candidates"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	EndReason      string          `json:"end_reason,omitempty"`

	callerConn   string
	calleeConn   string
	callerRelays bool
	calleeRelays bool
}

// Directory resolves a participant to its live connections in the room.
type Directory interface {
	ConnectionsOf(principalID int64) []string
}

// Timer is the part of *time.Timer the machine needs.
type Timer interface {
	Stop() bool
}
