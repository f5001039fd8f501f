package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"familychat-service/internal/logger"
	"familychat-service/internal/observability"
)

// ConnState describes the state of one subscription's channel.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

type subKey struct {
	view   string
	chatID int
}

// Manager owns push-channel lifecycle. It guarantees at most one live
// handle per (view, chatID) key and resubscribes dropped channels with
// bounded backoff.
type Manager struct {
	feed       Feed
	backoff    time.Duration
	maxRetries int
	onState    func(view string, chatID int, state ConnState)

	mu      sync.Mutex
	handles map[subKey]*Handle
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetry overrides the resubscribe backoff and retry budget.
func WithRetry(backoff time.Duration, maxRetries int) ManagerOption {
	return func(m *Manager) {
		m.backoff = backoff
		m.maxRetries = maxRetries
	}
}

// WithStateListener registers a connection-state observer.
func WithStateListener(fn func(view string, chatID int, state ConnState)) ManagerOption {
	return func(m *Manager) {
		m.onState = fn
	}
}

// NewManager constructs a Manager over the given feed.
func NewManager(feed Feed, opts ...ManagerOption) *Manager {
	m := &Manager{
		feed:       feed,
		backoff:    500 * time.Millisecond,
		maxRetries: 5,
		handles:    make(map[subKey]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle represents one open subscription. Close is idempotent and safe to
// call on a handle whose channel already dropped.
type Handle struct {
	key     subKey
	manager *Manager
	cancel  context.CancelFunc
	once    sync.Once
	done    chan struct{}
}

// Close tears the subscription down.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.manager.remove(h)
		h.cancel()
	})
}

// Done is closed once the subscription's supervisor has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Subscribe opens a channel for the (view, chatID) key and invokes onEvent
// for every inbound event. An existing handle for the same key is closed
// first, so two views of the same chat never share a channel.
func (m *Manager) Subscribe(ctx context.Context, view string, chatID int, onEvent func(Event)) (*Handle, error) {
	key := subKey{view: view, chatID: chatID}

	m.mu.Lock()
	if old, ok := m.handles[key]; ok {
		m.mu.Unlock()
		old.Close()
		m.mu.Lock()
	}

	subCtx, cancel := context.WithCancel(ctx)
	h := &Handle{key: key, manager: m, cancel: cancel, done: make(chan struct{})}
	m.handles[key] = h
	m.mu.Unlock()

	ch, err := m.feed.Open(subCtx, chatID)
	if err != nil {
		h.Close()
		close(h.done)
		return nil, err
	}
	m.setState(key, StateConnected)
	observability.IncFeedActive(view)

	go m.supervise(subCtx, h, ch, onEvent)
	return h, nil
}

// supervise pumps events to the callback and resubscribes on channel drop.
func (m *Manager) supervise(ctx context.Context, h *Handle, ch Channel, onEvent func(Event)) {
	defer close(h.done)
	defer observability.DecFeedActive(h.key.view)
	defer m.setState(h.key, StateClosed)
	defer h.Close()

	for {
		dropped := m.pump(ctx, ch, onEvent)
		_ = ch.Close()
		if !dropped {
			return
		}

		// channel dropped on the provider side, try to resubscribe
		m.setState(h.key, StateReconnecting)
		var err error
		ch, err = m.reopen(ctx, h.key)
		if err != nil {
			logger.L().Warn("feed resubscribe exhausted",
				zap.String("view", h.key.view),
				zap.Int("chat_id", h.key.chatID),
				zap.Error(err))
			return
		}
		m.setState(h.key, StateConnected)
	}
}

// pump forwards events until the context ends (returns false) or the
// channel closes unexpectedly (returns true).
func (m *Manager) pump(ctx context.Context, ch Channel, onEvent func(Event)) bool {
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return ctx.Err() == nil
			}
			observability.IncFeedEvent(ev.Type)
			onEvent(ev)
		case <-ctx.Done():
			return false
		}
	}
}

func (m *Manager) reopen(ctx context.Context, key subKey) (Channel, error) {
	backoff := m.backoff
	var lastErr error = context.Canceled
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		observability.IncFeedReconnect(key.view)
		ch, err := m.feed.Open(ctx, key.chatID)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		backoff *= 2
	}
	return nil, lastErr
}

func (m *Manager) remove(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.handles[h.key]; ok && current == h {
		delete(m.handles, h.key)
	}
}

func (m *Manager) setState(key subKey, state ConnState) {
	if m.onState != nil {
		m.onState(key.view, key.chatID, state)
	}
}

// ActiveHandles reports the number of live handles, for tests and debug.
func (m *Manager) ActiveHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}
