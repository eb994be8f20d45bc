package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	_ EventBus = (*RedisBus)(nil)
	_ Notifier = (*RedisBus)(nil)
)

// routeGrace keeps a route around briefly after the session expires so late
// readers still resolve it.
const routeGrace = 5 * time.Minute

type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger.With("component", "eventbus")}
}

func (b *RedisBus) Publish(ctx context.Context, sessionID string, event Event) error {
	channelKey := SessionChannelKey(sessionID)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return b.client.Publish(ctx, channelKey, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	pubSub := b.client.Subscribe(ctx, SessionChannelKey(sessionID))
	// 确认订阅成功再返回
	if _, err := pubSub.Receive(ctx); err != nil {
		_ = pubSub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	ch := make(chan Event)

	go func() {
		defer close(ch)
		defer func() {
			if err := pubSub.Close(); err != nil {
				b.logger.Error("failed to close pubsub", "error", err)
			}
		}()

		msgs := pubSub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Error("failed to unmarshal event", "error", err)
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// Register 保存会话路由并发布 ready 事件
func (b *RedisBus) Register(ctx context.Context, reg Registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	ttl := time.Until(reg.ExpiresAt) + routeGrace
	if ttl <= routeGrace {
		ttl = routeGrace
	}
	if err := b.client.Set(ctx, SessionRouteKey(reg.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store route: %w", err)
	}

	return b.Publish(ctx, reg.SessionID, Event{
		Type:      EventSessionReady,
		SessionID: reg.SessionID,
		Payload:   reg,
		Timestamp: time.Now(),
	})
}

func (b *RedisBus) Unregister(ctx context.Context, sessionID string) error {
	if err := b.client.Del(ctx, SessionRouteKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete route: %w", err)
	}

	return b.Publish(ctx, sessionID, Event{
		Type:      EventSessionClosed,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
}

// Route 返回会话的注册信息
func (b *RedisBus) Route(ctx context.Context, sessionID string) (*Registration, error) {
	val, err := b.client.Get(ctx, SessionRouteKey(sessionID)).Bytes()
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal(val, &reg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registration: %w", err)
	}
	return &reg, nil
}
