package chat

import (
	"encoding/json"
	"errors"

	"go-marketchat/internal/call"
	"go-marketchat/internal/realtime"
)

var (
	ErrMalformedEnvelope    = errors.New("malformed envelope")
	ErrUnknownEnvelopeType  = errors.New("unknown envelope type")
	ErrRateLimited          = errors.New("too many envelopes")
	ErrPersistenceTimeout   = errors.New("message delivered but not yet persisted")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrRoomClosed           = errors.New("room closed")
	ErrDuplicateMessage     = errors.New("message already stored")
	ErrUnsupportedFile      = errors.New("unsupported attachment type")
)

// Wire codes for errors reported to a single connection.
const (
	CodeAuthError          = "auth_error"
	CodeMalformedEnvelope  = "malformed_envelope"
	CodeUnknownType        = "unknown_envelope_type"
	CodeCallAlreadyActive  = "call_already_active"
	CodeUnauthorized       = "unauthorized_responder"
	CodeNoActiveSession    = "no_active_session"
	CodeNotParticipant     = "not_participant"
	CodeSlowConsumer       = "slow_consumer_evicted"
	CodePersistenceTimeout = "persistence_timeout"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal_error"
)

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrMalformedEnvelope):
		return CodeMalformedEnvelope
	case errors.Is(err, ErrUnknownEnvelopeType):
		return CodeUnknownType
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrPersistenceTimeout):
		return CodePersistenceTimeout
	case errors.Is(err, call.ErrCallAlreadyActive):
		return CodeCallAlreadyActive
	case errors.Is(err, call.ErrUnauthorizedResponder):
		return CodeUnauthorized
	case errors.Is(err, call.ErrNoActiveSession):
		return CodeNoActiveSession
	case errors.Is(err, call.ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, realtime.ErrSlowConsumer):
		return CodeSlowConsumer
	}
	return CodeInternal
}

func errorFrame(err error) []byte {
	b, _ := json.Marshal(ErrorFrame{Type: "error", Code: Code(err), Error: err.Error()})
	return b
}
