package notify

import "context"

// Store is the source of truth for notifications and unread counts.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	// MarkRead returns ErrNotFound when the notification does not belong to
	// userID and ErrAlreadyRead when it was read before.
	MarkRead(ctx context.Context, userID, id int64) error
	MarkAllRead(ctx context.Context, userID int64) (int, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
	// List returns the newest notifications first.
	List(ctx context.Context, userID int64, limit int) ([]Notification, error)
}
