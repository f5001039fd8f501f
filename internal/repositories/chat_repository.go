package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"familychat-service/internal/models"
)

var ErrChatNotFound = errors.New("chat not found")

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	CreateOrGetPrivateChat(ctx context.Context, familyID int, userID int, peerID int) (models.Chat, error)
	CreateGroupChat(ctx context.Context, familyID int, memberIDs []int) (models.Chat, error)
	GetChat(ctx context.Context, chatID int) (models.Chat, error)
	IsMember(ctx context.Context, chatID int, userID int) (bool, error)
	ListChats(ctx context.Context, userID int) ([]models.Chat, error)
	AddMember(ctx context.Context, chatID int, userID int) error
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

type chatRow struct {
	ID        int             `db:"id"`
	Kind      models.ChatKind `db:"kind"`
	FamilyID  int             `db:"family_id"`
	CreatedAt sql.NullTime    `db:"created_at"`
}

func (row chatRow) toChat(members []int) models.Chat {
	chat := models.Chat{ID: row.ID, Kind: row.Kind, FamilyID: row.FamilyID, Members: members}
	if row.CreatedAt.Valid {
		chat.CreatedAt = row.CreatedAt.Time
	}
	return chat
}

// CreateOrGetPrivateChat returns the existing private chat between the two
// users within the family, creating it only when none exists.
func (r *ChatRepo) CreateOrGetPrivateChat(ctx context.Context, familyID int, userID int, peerID int) (models.Chat, error) {
	if userID == peerID {
		return models.Chat{}, errors.New("cannot create chat with self")
	}

	var row chatRow
	query := `SELECT c.id, c.kind, c.family_id, c.created_at FROM chats c
        INNER JOIN chat_members m1 ON m1.chat_id = c.id AND m1.user_id = $2
        INNER JOIN chat_members m2 ON m2.chat_id = c.id AND m2.user_id = $3
        WHERE c.kind = 'private' AND c.family_id = $1`
	err := r.db.GetContext(ctx, &row, query, familyID, userID, peerID)
	if err == nil {
		return row.toChat([]int{userID, peerID}), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, err
	}

	return r.createChat(ctx, models.ChatKindPrivate, familyID, []int{userID, peerID})
}

// CreateGroupChat creates a group chat with the given members atomically.
func (r *ChatRepo) CreateGroupChat(ctx context.Context, familyID int, memberIDs []int) (models.Chat, error) {
	return r.createChat(ctx, models.ChatKindGroup, familyID, memberIDs)
}

func (r *ChatRepo) createChat(ctx context.Context, kind models.ChatKind, familyID int, memberIDs []int) (models.Chat, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var row chatRow
	if err = tx.QueryRowxContext(ctx, `INSERT INTO chats (kind, family_id) VALUES ($1, $2) RETURNING id, kind, family_id, created_at`, kind, familyID).
		Scan(&row.ID, &row.Kind, &row.FamilyID, &row.CreatedAt); err != nil {
		return models.Chat{}, err
	}

	// dedupe members
	memberSet := map[int]struct{}{}
	for _, id := range memberIDs {
		memberSet[id] = struct{}{}
	}
	ids := make([]int, 0, len(memberSet))
	for id := range memberSet {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)`, row.ID, id); err != nil {
			return models.Chat{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	return row.toChat(ids), nil
}

// GetChat fetches a chat and its member set by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	var row chatRow
	err := r.db.GetContext(ctx, &row, `SELECT id, kind, family_id, created_at FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}

	var members []int
	if err := r.db.SelectContext(ctx, &members, `SELECT user_id FROM chat_members WHERE chat_id=$1 ORDER BY user_id`, chatID); err != nil {
		return models.Chat{}, err
	}
	return row.toChat(members), nil
}

// IsMember checks whether a user belongs to the chat.
func (r *ChatRepo) IsMember(ctx context.Context, chatID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id=$1 AND user_id=$2)`, chatID, userID)
	return exists, err
}

// ListChats returns the chats the user belongs to, members included,
// using one membership query for the whole id set.
func (r *ChatRepo) ListChats(ctx context.Context, userID int) ([]models.Chat, error) {
	var rows []chatRow
	query := `SELECT c.id, c.kind, c.family_id, c.created_at FROM chats c
        INNER JOIN chat_members cm ON cm.chat_id = c.id
        WHERE cm.user_id=$1
        ORDER BY c.created_at DESC`
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	type memberRow struct {
		ChatID int `db:"chat_id"`
		UserID int `db:"user_id"`
	}
	var memberRows []memberRow
	if err := r.db.SelectContext(ctx, &memberRows, `SELECT chat_id, user_id FROM chat_members WHERE chat_id = ANY($1) ORDER BY user_id`, pq.Array(ids)); err != nil {
		return nil, err
	}
	membersByChat := map[int][]int{}
	for _, m := range memberRows {
		membersByChat[m.ChatID] = append(membersByChat[m.ChatID], m.UserID)
	}

	chats := make([]models.Chat, 0, len(rows))
	for _, row := range rows {
		chats = append(chats, row.toChat(membersByChat[row.ID]))
	}
	return chats, nil
}

// AddMember adds a user to a chat. Adding an existing member is a no-op.
func (r *ChatRepo) AddMember(ctx context.Context, chatID int, userID int) error {
	res, err := r.db.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id)
        SELECT $1, $2 WHERE EXISTS(SELECT 1 FROM chats WHERE id=$1)
        ON CONFLICT (chat_id, user_id) DO NOTHING`, chatID, userID)
	if err != nil {
		return err
	}
	if count, err := res.RowsAffected(); err == nil && count == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chats WHERE id=$1)`, chatID); err != nil {
			return err
		}
		if !exists {
			return ErrChatNotFound
		}
	}
	return nil
}
