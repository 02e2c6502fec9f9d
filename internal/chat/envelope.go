package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound envelope types.
const (
	TypeMessage      = "message"
	TypeCallOffer    = "call_offer"
	TypeCallAnswer   = "call_answer"
	TypeICECandidate = "ice_candidate"
	TypeCallEnd      = "call_end"
)

// Envelope is what a client sends over the room socket. The REST-style
// field names content, offer_sdp and answer_sdp are accepted as aliases.
// Any sender field is ignored: the sender is always the authenticated
// principal of the connection.
type Envelope struct {
	Type          string          `json:"type"`
	Message       string          `json:"message"`
	Content       string          `json:"content"`
	AttachmentRef string          `json:"attachment_ref"`
	ClientNonce   string          `json:"client_nonce"`
	Offer         json.RawMessage `json:"offer"`
	OfferSDP      json.RawMessage `json:"offer_sdp"`
	Answer        json.RawMessage `json:"answer"`
	AnswerSDP     json.RawMessage `json:"answer_sdp"`
	Candidate     json.RawMessage `json:"candidate"`
	Reason        string          `json:"reason"`
}

const maxNonceLen = 128

// Decode parses and validates one inbound frame. Errors wrap
// ErrMalformedEnvelope or ErrUnknownEnvelopeType.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	if env.Message == "" {
		env.Message = env.Content
	}
	env.Content = ""
	if !present(env.Offer) {
		env.Offer = env.OfferSDP
	}
	if !present(env.Answer) {
		env.Answer = env.AnswerSDP
	}
	env.OfferSDP, env.AnswerSDP = nil, nil

	switch env.Type {
	case TypeMessage:
		if strings.TrimSpace(env.Message) == "" && env.AttachmentRef == "" {
			return nil, fmt.Errorf("%w: message needs content or attachment_ref", ErrMalformedEnvelope)
		}
		if len(env.ClientNonce) > maxNonceLen {
			return nil, fmt.Errorf("%w: client_nonce too long", ErrMalformedEnvelope)
		}
	case TypeCallOffer:
		if !present(env.Offer) {
			return nil, fmt.Errorf("%w: call_offer needs offer", ErrMalformedEnvelope)
		}
	case TypeCallAnswer:
		if !present(env.Answer) {
			return nil, fmt.Errorf("%w: call_answer needs answer", ErrMalformedEnvelope)
		}
	case TypeICECandidate:
		if !present(env.Candidate) {
			return nil, fmt.Errorf("%w: ice_candidate needs candidate", ErrMalformedEnvelope)
		}
	case TypeCallEnd:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelopeType, env.Type)
	}
	return &env, nil
}

func present(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && !bytes.Equal(v, []byte("null")) && !bytes.Equal(v, []byte(`""`))
}
