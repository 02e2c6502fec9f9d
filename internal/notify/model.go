// Package notify keeps per-user notifications and pushes them to every live
// update connection of the user, on any instance.
package notify

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("notification not found")
	ErrAlreadyRead = errors.New("notification already read")
	ErrBadRequest  = errors.New("invalid notification")
)

type Notification struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	ReadAt    *time.Time      `json:"read_at"`
}

// Payload is what a workflow supplies when notifying a user.
type Payload struct {
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Push event names.
const (
	EventNewNotification  = "new_notification"
	EventNotificationRead = "notification_read"
	EventMarkAllRead      = "mark_all_read"
	EventUnreadCount      = "unread_count"
)

// Event is one frame on a user update channel.
type Event struct {
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data,omitempty"`
	UnreadCount int             `json:"unread_count"`
}

// Delivery addresses an Event to a user. It is what travels through the Broker.
type Delivery struct {
	UserID int64 `json:"user_id"`
	Event  Event `json:"payload"`
}

type pushedNotification struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata"`
}

func metadataOrEmpty(m json.RawMessage) json.RawMessage {
	if len(m) == 0 || string(m) == "null" {
		return json.RawMessage(`{}`)
	}
	return m
}
