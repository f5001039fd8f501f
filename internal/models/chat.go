package models

import "time"

// ChatKind distinguishes family group chats from one-to-one chats.
type ChatKind string

const (
	ChatKindGroup   ChatKind = "group"
	ChatKindPrivate ChatKind = "private"
)

// Chat is a conversation container scoped to one family.
type Chat struct {
	ID        int       `db:"id" json:"id"`
	Kind      ChatKind  `db:"kind" json:"kind"`
	FamilyID  int       `db:"family_id" json:"family_id"`
	Members   []int     `json:"members"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Peer returns the other member of a private chat relative to userID.
func (c Chat) Peer(userID int) (int, bool) {
	if c.Kind != ChatKindPrivate || len(c.Members) != 2 {
		return 0, false
	}
	for _, id := range c.Members {
		if id != userID {
			return id, true
		}
	}
	return 0, false
}

// HasMember reports whether userID belongs to the chat.
func (c Chat) HasMember(userID int) bool {
	for _, id := range c.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatSummary provides the API-friendly view of one chat-list entry.
type ChatSummary struct {
	ChatID      int       `json:"chat_id"`
	Kind        ChatKind  `json:"kind"`
	FamilyID    int       `json:"family_id"`
	PeerID      int       `json:"peer_id,omitempty"`
	PeerName    string    `json:"peer_name,omitempty"`
	PeerAvatar  string    `json:"peer_avatar,omitempty"`
	LastMessage *Message  `json:"last_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
