package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"familychat-service/internal/logger"
)

// RedisFeed implements Feed over Redis pub/sub, one channel per chat id.
type RedisFeed struct {
	client *redis.Client
}

// NewRedisFeed constructs a RedisFeed and verifies connectivity.
func NewRedisFeed(addr string, db int) (*RedisFeed, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisFeed{client: client}, nil
}

func feedChannel(chatID int) string {
	return fmt.Sprintf("chat:%d", chatID)
}

// Publish serializes the event onto the chat's channel.
func (f *RedisFeed) Publish(ctx context.Context, chatID int, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, feedChannel(chatID), data).Err()
}

// Open subscribes to the chat's channel and decodes inbound payloads.
func (f *RedisFeed) Open(ctx context.Context, chatID int) (Channel, error) {
	sub := f.client.Subscribe(ctx, feedChannel(chatID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe chat %d: %w", chatID, err)
	}

	ch := &redisChannel{sub: sub, events: make(chan Event)}
	go func() {
		defer close(ch.events)
		for {
			select {
			case m, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					logger.L().Warn("feed payload discarded",
						zap.Int("chat_id", chatID), zap.Error(err))
					continue
				}
				select {
				case ch.events <- ev:
				case <-ctx.Done():
					_ = ch.Close()
					return
				}
			case <-ctx.Done():
				_ = ch.Close()
				return
			}
		}
	}()
	return ch, nil
}

// Close releases the underlying Redis client.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}

type redisChannel struct {
	sub    *redis.PubSub
	events chan Event
	once   sync.Once
}

func (c *redisChannel) Events() <-chan Event { return c.events }

func (c *redisChannel) Close() error {
	var err error
	c.once.Do(func() {
		err = c.sub.Close()
	})
	return err
}
