package chat

import "context"

// HistoryStore persists chat messages. The room assigns Seq before Append;
// the store only keeps what it is given.
type HistoryStore interface {
	// Append returns ErrDuplicateMessage, with m.ID set to the stored row,
	// when the sender already stored a message with the same client nonce.
	Append(ctx context.Context, m *Message) error
	// List returns messages with seq > afterSeq in ascending order. A
	// negative afterSeq returns the latest limit messages.
	List(ctx context.Context, conversationID, afterSeq int64, limit int) ([]Message, error)
	// LastSeq is the highest seq that may have been handed out: the larger of
	// the last stored message and the reservation mark.
	LastSeq(ctx context.Context, conversationID int64) (int64, error)
	// ReserveSeq sets the reservation mark. Only the running room of the
	// conversation calls it.
	ReserveSeq(ctx context.Context, conversationID, mark int64) error
}

// ConversationStore looks up and creates two-party conversations.
type ConversationStore interface {
	Conversation(ctx context.Context, id int64) (*Conversation, error)
	ConversationsFor(ctx context.Context, userID int64) ([]ConversationSummary, error)
	CreateConversation(ctx context.Context, userA, userB int64) (*Conversation, error)
}
