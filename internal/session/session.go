package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"familychat-service/internal/models"
	"familychat-service/internal/realtime"
	"familychat-service/internal/store"
)

// Session is the single source of truth for which chat one client has open.
// Selecting a chat couples the store hydration and the subscription
// lifecycle into one transition.
type Session struct {
	userID  int
	store   *store.Store
	manager *realtime.Manager

	// view keys are scoped per session so concurrent sessions for the same
	// chat never collide in the manager
	paneView string
	listView string

	onMessage func(realtime.Event)
	onPreview func(realtime.Event)

	mu       sync.Mutex
	active   *models.Chat
	pane     *realtime.Handle
	previews map[int]*realtime.Handle
}

// Option configures a Session.
type Option func(*Session)

// WithMessageListener observes events appended to the active chat's log.
func WithMessageListener(fn func(realtime.Event)) Option {
	return func(s *Session) { s.onMessage = fn }
}

// WithPreviewListener observes preview updates for watched chats.
func WithPreviewListener(fn func(realtime.Event)) Option {
	return func(s *Session) { s.onPreview = fn }
}

// New constructs a Session for one authenticated client.
func New(userID int, st *store.Store, manager *realtime.Manager, opts ...Option) *Session {
	id := uuid.NewString()
	s := &Session{
		userID:   userID,
		store:    st,
		manager:  manager,
		paneView: "pane:" + id,
		listView: "list:" + id,
		previews: make(map[int]*realtime.Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UserID returns the owning user.
func (s *Session) UserID() int { return s.userID }

// ActiveChat returns the selected chat, if any.
func (s *Session) ActiveChat() (models.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return models.Chat{}, false
	}
	return *s.active, true
}

// SelectChat makes chat the active selection: the previous chat's handle is
// closed, the log is loaded fresh, and a new subscription feeds the store.
// A load failure leaves the chat selected with an empty log; reselecting
// retries.
func (s *Session) SelectChat(ctx context.Context, chat models.Chat) ([]models.Message, error) {
	if !chat.HasMember(s.userID) {
		return nil, fmt.Errorf("select chat %d: user %d is not a member", chat.ID, s.userID)
	}

	s.mu.Lock()
	if s.pane != nil {
		s.pane.Close()
		s.pane = nil
	}
	c := chat
	s.active = &c
	s.mu.Unlock()

	log, err := s.store.Load(ctx, chat.ID)
	if err != nil {
		return nil, err
	}

	handle, err := s.manager.Subscribe(ctx, s.paneView, chat.ID, func(ev realtime.Event) {
		s.store.Append(ev.Message)
		if s.onMessage != nil {
			s.onMessage(ev)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe chat %d: %w", chat.ID, err)
	}

	s.mu.Lock()
	// selection may have moved on while subscribing
	if s.active == nil || s.active.ID != chat.ID {
		s.mu.Unlock()
		handle.Close()
		return nil, store.ErrStaleLoad
	}
	s.pane = handle
	s.mu.Unlock()

	return log, nil
}

// DeselectChat closes the active chat's subscription and discards its log.
func (s *Session) DeselectChat() {
	s.mu.Lock()
	pane := s.pane
	s.pane = nil
	s.active = nil
	s.mu.Unlock()

	if pane != nil {
		pane.Close()
	}
	s.store.Deselect()
}

// Send validates and persists a message for the active chat. The message
// reaches the log via the feed echo, not a local append.
func (s *Session) Send(ctx context.Context, content string) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return store.ErrNoActiveChat
	}
	return s.store.Send(ctx, active.ID, s.userID, content)
}

// WatchPreviews opens one independent preview subscription per chat so the
// chat list stays live while a pane subscription may exist for the same
// chat.
func (s *Session) WatchPreviews(ctx context.Context, chatIDs []int) error {
	for _, chatID := range chatIDs {
		id := chatID
		handle, err := s.manager.Subscribe(ctx, s.listView, id, func(ev realtime.Event) {
			s.store.Append(ev.Message)
			if s.onPreview != nil {
				s.onPreview(ev)
			}
		})
		if err != nil {
			return fmt.Errorf("watch chat %d: %w", id, err)
		}

		s.mu.Lock()
		if old, ok := s.previews[id]; ok {
			old.Close()
		}
		s.previews[id] = handle
		s.mu.Unlock()
	}
	return nil
}

// Close releases every subscription owned by the session.
func (s *Session) Close() {
	s.mu.Lock()
	pane := s.pane
	s.pane = nil
	s.active = nil
	handles := make([]*realtime.Handle, 0, len(s.previews))
	for id, h := range s.previews {
		handles = append(handles, h)
		delete(s.previews, id)
	}
	s.mu.Unlock()

	if pane != nil {
		pane.Close()
	}
	for _, h := range handles {
		h.Close()
	}
	s.store.Deselect()
}

// Store exposes the session's message store.
func (s *Session) Store() *store.Store { return s.store }
