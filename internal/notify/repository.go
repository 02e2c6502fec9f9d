package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-marketchat/internal/db"
)

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Create(ctx context.Context, n *Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.Metadata = metadataOrEmpty(n.Metadata)

	query := r.db.Rebind(`
		INSERT INTO notifications (user_id, type, title, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`)
	err := r.db.Conn.QueryRowContext(ctx, query,
		n.UserID, n.Type, n.Title, n.Message, string(n.Metadata), n.CreatedAt.UTC(),
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("create notification for user %d: %w", n.UserID, err)
	}
	return nil
}

func (r *Repository) MarkRead(ctx context.Context, userID, id int64) error {
	query := r.db.Rebind(`
		UPDATE notifications SET read_at = $1
		WHERE id = $2 AND user_id = $3 AND read_at IS NULL`)
	res, err := r.db.Conn.ExecContext(ctx, query, time.Now().UTC(), id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var readAt db.Time
	query = r.db.Rebind(`SELECT read_at FROM notifications WHERE id = $1 AND user_id = $2`)
	if err := r.db.Conn.QueryRowContext(ctx, query, id, userID).Scan(&readAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrAlreadyRead
}

func (r *Repository) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	query := r.db.Rebind(`UPDATE notifications SET read_at = $1 WHERE user_id = $2 AND read_at IS NULL`)
	res, err := r.db.Conn.ExecContext(ctx, query, time.Now().UTC(), userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *Repository) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	query := r.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`)
	err := r.db.Conn.QueryRowContext(ctx, query, userID).Scan(&n)
	return n, err
}

func (r *Repository) List(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.Rebind(`
		SELECT id, user_id, type, title, message, metadata, created_at, read_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`)
	rows, err := r.db.Conn.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n        Notification
			metadata string
			created  db.Time
			readAt   db.Time
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &metadata, &created, &readAt); err != nil {
			return nil, err
		}
		n.Metadata = json.RawMessage(metadata)
		n.CreatedAt = created.Time
		n.ReadAt = readAt.Ptr()
		out = append(out, n)
	}
	return out, rows.Err()
}
