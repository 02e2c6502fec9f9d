package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go-marketchat/internal/db"
)

// Repository is the SQL HistoryStore and ConversationStore.
type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

var (
	_ HistoryStore      = (*Repository)(nil)
	_ ConversationStore = (*Repository)(nil)
)

func (r *Repository) Append(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	nonce := sql.NullString{String: m.ClientNonce, Valid: m.ClientNonce != ""}

	query := r.db.Rebind(`
		INSERT INTO messages (conversation_id, seq, sender_id, content, attachment_ref, client_nonce, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`)
	err := r.db.Conn.QueryRowContext(ctx, query,
		m.ConversationID, m.Seq, m.SenderID, m.Content, m.AttachmentRef, nonce, m.CreatedAt.UTC(),
	).Scan(&m.ID)
	if err != nil {
		if id, ok := r.findNonce(ctx, m); ok {
			m.ID = id
			return fmt.Errorf("append message %d/%d: %w", m.ConversationID, m.Seq, ErrDuplicateMessage)
		}
		return fmt.Errorf("append message %d/%d: %w", m.ConversationID, m.Seq, err)
	}
	return nil
}

// findNonce looks up an earlier message of the sender with the same nonce.
func (r *Repository) findNonce(ctx context.Context, m *Message) (int64, bool) {
	if m.ClientNonce == "" {
		return 0, false
	}
	query := r.db.Rebind(`
		SELECT id FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND client_nonce = $3`)
	var id int64
	if err := r.db.Conn.QueryRowContext(ctx, query, m.ConversationID, m.SenderID, m.ClientNonce).Scan(&id); err != nil {
		return 0, false
	}
	return id, true
}

func (r *Repository) List(ctx context.Context, conversationID, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var query string
	var args []any
	if afterSeq < 0 {
		query = `
			SELECT id, conversation_id, seq, sender_id, content, attachment_ref, client_nonce, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, seq, sender_id, content, attachment_ref, client_nonce, created_at
			FROM messages
			WHERE conversation_id = $1 AND seq > $2
			ORDER BY seq ASC
			LIMIT $3`
		args = []any{conversationID, afterSeq, limit}
	}

	rows, err := r.db.Conn.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m       Message
			nonce   sql.NullString
			created db.Time
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Content, &m.AttachmentRef, &nonce, &created); err != nil {
			return nil, err
		}
		m.ClientNonce = nonce.String
		m.CreatedAt = created.Time
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if afterSeq < 0 {
		sortBySeq(messages)
	}
	return messages, nil
}

func (r *Repository) LastSeq(ctx context.Context, conversationID int64) (int64, error) {
	var stored, mark int64
	query := r.db.Rebind(`
		SELECT COALESCE(MAX(seq), 0),
		       COALESCE((SELECT last_seq FROM conversations WHERE id = $1), 0)
		FROM messages
		WHERE conversation_id = $1`)
	if err := r.db.Conn.QueryRowContext(ctx, query, conversationID).Scan(&stored, &mark); err != nil {
		return 0, err
	}
	return max(stored, mark), nil
}

func (r *Repository) ReserveSeq(ctx context.Context, conversationID, mark int64) error {
	query := r.db.Rebind("UPDATE conversations SET last_seq = $2 WHERE id = $1")
	if _, err := r.db.Conn.ExecContext(ctx, query, conversationID, mark); err != nil {
		return fmt.Errorf("reserve seq %d/%d: %w", conversationID, mark, err)
	}
	return nil
}

func (r *Repository) Conversation(ctx context.Context, id int64) (*Conversation, error) {
	query := r.db.Rebind(`SELECT id, participant_a_id, participant_b_id, created_at FROM conversations WHERE id = $1`)
	return r.scanConversation(r.db.Conn.QueryRowContext(ctx, query, id))
}

func (r *Repository) scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c       Conversation
		created db.Time
	)
	if err := row.Scan(&c.ID, &c.ParticipantAID, &c.ParticipantBID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	c.CreatedAt = created.Time
	return &c, nil
}

// CreateConversation finds or creates the conversation between two users.
func (r *Repository) CreateConversation(ctx context.Context, userA, userB int64) (*Conversation, error) {
	if userA == userB {
		return nil, ErrSelfConversation
	}
	lo, hi := userA, userB
	if lo > hi {
		lo, hi = hi, lo
	}

	insert := r.db.Rebind(`
		INSERT INTO conversations (participant_a_id, participant_b_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_a_id, participant_b_id) DO NOTHING`)
	if _, err := r.db.Conn.ExecContext(ctx, insert, lo, hi, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	query := r.db.Rebind(`
		SELECT id, participant_a_id, participant_b_id, created_at
		FROM conversations
		WHERE participant_a_id = $1 AND participant_b_id = $2`)
	return r.scanConversation(r.db.Conn.QueryRowContext(ctx, query, lo, hi))
}

func (r *Repository) ConversationsFor(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	query := r.db.Rebind(`
		SELECT c.id, c.participant_a_id, c.participant_b_id, c.created_at,
		       u.id, u.username,
		       COALESCE((SELECT MAX(m.seq) FROM messages m WHERE m.conversation_id = c.id), 0),
		       COALESCE((SELECT m.content FROM messages m WHERE m.conversation_id = c.id ORDER BY m.seq DESC LIMIT 1), '')
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.participant_a_id = $1 THEN c.participant_b_id ELSE c.participant_a_id END
		WHERE c.participant_a_id = $1 OR c.participant_b_id = $1
		ORDER BY c.id DESC`)
	rows, err := r.db.Conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			s       ConversationSummary
			created db.Time
		)
		if err := rows.Scan(&s.ID, &s.ParticipantAID, &s.ParticipantBID, &created,
			&s.PeerID, &s.PeerUsername, &s.LastSeq, &s.LastMessage); err != nil {
			return nil, err
		}
		s.CreatedAt = created.Time
		out = append(out, s)
	}
	return out, rows.Err()
}
