package chat

import "time"

// Conversation is a two-party room. Participants are stored with the smaller
// id first.
type Conversation struct {
	ID             int64     `json:"id"`
	ParticipantAID int64     `json:"participant_a_id"`
	ParticipantBID int64     `json:"participant_b_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func (c *Conversation) HasParticipant(userID int64) bool {
	return userID == c.ParticipantAID || userID == c.ParticipantBID
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID int64) int64 {
	if userID == c.ParticipantAID {
		return c.ParticipantBID
	}
	return c.ParticipantAID
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	Conversation
	PeerID       int64  `json:"peer_id"`
	PeerUsername string `json:"peer_username"`
	LastSeq      int64  `json:"last_seq"`
	LastMessage  string `json:"last_message"`
}

// Message is append-only. Seq is assigned by the room and orders messages
// within a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	AttachmentRef  string    `json:"attachment_ref,omitempty"`
	ClientNonce    string    `json:"client_nonce,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ---------------------------------------------
// Frames sent to websocket clients
// ---------------------------------------------

type MessageFrame struct {
	Type           string    `json:"type"`
	Seq            int64     `json:"seq"`
	ConversationID int64     `json:"conversation_id"`
	Sender         int64     `json:"sender"`
	Message        string    `json:"message"`
	AttachmentRef  string    `json:"attachment_ref,omitempty"`
	ClientNonce    string    `json:"client_nonce,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func frameFor(m *Message) MessageFrame {
	return MessageFrame{
		Type:           TypeMessage,
		Seq:            m.Seq,
		ConversationID: m.ConversationID,
		Sender:         m.SenderID,
		Message:        m.Content,
		AttachmentRef:  m.AttachmentRef,
		ClientNonce:    m.ClientNonce,
		Timestamp:      m.CreatedAt,
	}
}

type AckFrame struct {
	Type        string `json:"type"`
	Seq         int64  `json:"seq"`
	ClientNonce string `json:"client_nonce,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

type HistoryFrame struct {
	Type     string         `json:"type"`
	Messages []MessageFrame `json:"messages"`
	HasMore  bool           `json:"has_more"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type WarningFrame struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Seq         int64  `json:"seq"`
	ClientNonce string `json:"client_nonce,omitempty"`
}
