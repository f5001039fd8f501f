package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"familychat-service/internal/models"
	"familychat-service/internal/realtime"
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrStaleLoad    = errors.New("load result discarded: chat no longer active")
	ErrNoActiveChat = errors.New("no active chat")
)

// LoadState is the lifecycle of the active chat's log.
type LoadState int

const (
	StateEmpty LoadState = iota
	StateLoading
	StateLoaded
	StateLoadFailed
)

// History is the bulk message source.
type History interface {
	ListMessages(ctx context.Context, chatID int) ([]models.Message, error)
}

// Sender persists new messages.
type Sender interface {
	CreateMessage(ctx context.Context, chatID int, senderID int, content string) (models.Message, error)
}

// Store maintains the ordered message log for the single active chat and a
// last-message preview per chat. Sent messages are not echoed locally; they
// come back through the change feed.
type Store struct {
	history History
	sender  Sender
	feed    realtime.Feed
	timeout time.Duration

	mu         sync.Mutex
	activeChat int
	state      LoadState
	loadGen    uint64
	log        []models.Message
	previews   map[int]models.Message
}

// New constructs a Store.
func New(history History, sender Sender, feed realtime.Feed, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{
		history:  history,
		sender:   sender,
		feed:     feed,
		timeout:  timeout,
		previews: make(map[int]models.Message),
	}
}

// Load fetches the full log for chatID and makes it the active chat. A load
// that resolves after the active chat moved on is discarded (ErrStaleLoad).
// A load that resolves after appends for the same chat merges by id instead
// of overwriting, so a message that raced the fetch is never dropped.
func (s *Store) Load(ctx context.Context, chatID int) ([]models.Message, error) {
	s.mu.Lock()
	s.activeChat = chatID
	s.state = StateLoading
	s.log = nil
	s.loadGen++
	gen := s.loadGen
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	msgs, err := s.history.ListMessages(ctx, chatID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.loadGen || s.activeChat != chatID {
		return nil, ErrStaleLoad
	}
	if err != nil {
		s.state = StateLoadFailed
		s.log = nil
		return nil, fmt.Errorf("load chat %d: %w", chatID, err)
	}

	s.log = merge(s.log, msgs)
	s.state = StateLoaded
	if len(s.log) > 0 {
		s.updatePreview(s.log[len(s.log)-1])
	}
	return snapshot(s.log), nil
}

// Append inserts an inbound message. Messages for the active chat extend the
// log in timestamp order; messages for any other chat only update that
// chat's preview.
func (s *Store) Append(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updatePreview(msg)
	if msg.ChatID != s.activeChat || s.state == StateEmpty || s.state == StateLoadFailed {
		return
	}
	s.log = merge(s.log, []models.Message{msg})
}

// Send validates and persists a message. The store deliberately does not
// append locally: the message reaches the log via the feed echo.
func (s *Store) Send(ctx context.Context, chatID int, senderID int, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.sender.CreateMessage(ctx, chatID, senderID, content)
	if err != nil {
		return fmt.Errorf("send to chat %d: %w", chatID, err)
	}
	if err := s.feed.Publish(ctx, chatID, realtime.Event{Type: realtime.EventTypeInsert, Message: msg}); err != nil {
		return fmt.Errorf("publish to chat %d: %w", chatID, err)
	}
	return nil
}

// Deselect discards the active chat's log. Reselecting the chat later
// triggers a fresh load; logs are never cached across selections.
func (s *Store) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeChat = 0
	s.state = StateEmpty
	s.log = nil
	s.loadGen++
}

// Log returns a copy of the active chat's log.
func (s *Store) Log() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.log)
}

// State reports the load state of the active chat.
func (s *Store) State() LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveChat returns the currently selected chat id, zero when none.
func (s *Store) ActiveChat() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

// Preview returns the last known message for a chat.
func (s *Store) Preview(chatID int) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.previews[chatID]
	return msg, ok
}

func (s *Store) updatePreview(msg models.Message) {
	if current, ok := s.previews[msg.ChatID]; ok && !current.Before(msg) && current.ID != msg.ID {
		return
	}
	s.previews[msg.ChatID] = msg
}

// merge unions two ordered-by-construction message sets by id and re-sorts.
func merge(existing []models.Message, incoming []models.Message) []models.Message {
	seen := make(map[int]struct{}, len(existing))
	out := make([]models.Message, 0, len(existing)+len(incoming))
	for _, m := range existing {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range incoming {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func snapshot(log []models.Message) []models.Message {
	out := make([]models.Message, len(log))
	copy(out, log)
	return out
}
