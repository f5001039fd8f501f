package realtime

import (
	"context"
	"sync"
)

// MemoryFeed is an in-process Feed used when no Redis address is configured
// (single-instance deployments) and in tests.
type MemoryFeed struct {
	mu     sync.Mutex
	subs   map[int]map[*memoryChannel]struct{}
	closed bool
}

// NewMemoryFeed constructs an empty MemoryFeed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[int]map[*memoryChannel]struct{})}
}

// Publish delivers the event to every open channel for the chat.
func (f *MemoryFeed) Publish(ctx context.Context, chatID int, ev Event) error {
	f.mu.Lock()
	channels := make([]*memoryChannel, 0, len(f.subs[chatID]))
	for ch := range f.subs[chatID] {
		channels = append(channels, ch)
	}
	f.mu.Unlock()

	for _, ch := range channels {
		ch.deliver(ev)
	}
	return nil
}

// Open registers a channel for the chat id.
func (f *MemoryFeed) Open(ctx context.Context, chatID int) (Channel, error) {
	ch := &memoryChannel{feed: f, chatID: chatID, events: make(chan Event, 16)}

	f.mu.Lock()
	if f.subs[chatID] == nil {
		f.subs[chatID] = make(map[*memoryChannel]struct{})
	}
	f.subs[chatID][ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ch.Close()
	}()
	return ch, nil
}

// DropChannels force-closes every open channel for a chat, simulating a
// provider-side disconnect.
func (f *MemoryFeed) DropChannels(chatID int) {
	f.mu.Lock()
	channels := make([]*memoryChannel, 0, len(f.subs[chatID]))
	for ch := range f.subs[chatID] {
		channels = append(channels, ch)
	}
	f.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}

func (f *MemoryFeed) remove(ch *memoryChannel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if set, ok := f.subs[ch.chatID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(f.subs, ch.chatID)
		}
	}
}

type memoryChannel struct {
	feed   *MemoryFeed
	chatID int
	events chan Event

	mu     sync.Mutex
	closed bool
}

func (c *memoryChannel) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// slow consumer, drop rather than block the publisher
	}
}

func (c *memoryChannel) Events() <-chan Event { return c.events }

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	c.feed.remove(c)
	return nil
}
