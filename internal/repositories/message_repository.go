package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"familychat-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, chatID int, senderID int, content string) (models.Message, error)
	ListMessages(ctx context.Context, chatID int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	LatestMessages(ctx context.Context, chatIDs []int) (map[int]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a message; the timestamp is assigned by the database.
func (r *MessageRepo) CreateMessage(ctx context.Context, chatID int, senderID int, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (chat_id, sender_id, content) VALUES ($1, $2, $3) RETURNING id, chat_id, sender_id, content, created_at`, chatID, senderID, content).
		Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.CreatedAt)
	return msg, err
}

// ListMessages returns the chat's messages ascending by timestamp.
func (r *MessageRepo) ListMessages(ctx context.Context, chatID int) ([]models.Message, error) {
	query := `SELECT id, chat_id, sender_id, content, created_at
        FROM messages
        WHERE chat_id=$1
        ORDER BY created_at ASC, id ASC`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, chatID)
	return msgs, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT id, chat_id, sender_id, content, created_at FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// LatestMessages returns the most recent message per chat for the whole id
// set in a single query.
func (r *MessageRepo) LatestMessages(ctx context.Context, chatIDs []int) (map[int]models.Message, error) {
	if len(chatIDs) == 0 {
		return map[int]models.Message{}, nil
	}
	query := `SELECT DISTINCT ON (chat_id) id, chat_id, sender_id, content, created_at
        FROM messages
        WHERE chat_id = ANY($1)
        ORDER BY chat_id, created_at DESC, id DESC`
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, pq.Array(chatIDs)); err != nil {
		return nil, err
	}
	result := make(map[int]models.Message, len(msgs))
	for _, m := range msgs {
		result[m.ChatID] = m
	}
	return result, nil
}
