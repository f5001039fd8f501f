package realtime

import (
	"context"

	"familychat-service/internal/models"
)

// Event is one change-feed notification for a chat.
type Event struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
}

// EventTypeInsert is the only event the feed carries: a new message row.
const EventTypeInsert = "insert"

// Channel is one open push channel scoped to a chat id. Events is closed
// when the channel drops; Close is idempotent.
type Channel interface {
	Events() <-chan Event
	Close() error
}

// Feed is the push/change-feed provider boundary. Delivery and per-chat
// ordering are the provider's responsibility.
type Feed interface {
	Open(ctx context.Context, chatID int) (Channel, error)
	Publish(ctx context.Context, chatID int, ev Event) error
}
