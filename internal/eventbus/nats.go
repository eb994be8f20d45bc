package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	_ EventBus = (*NATSBus)(nil)
	_ Notifier = (*NATSBus)(nil)
)

// NATSBus 在 NATS subject 上发布会话事件，不保存路由，消费方从 ready 事件获取路由
type NATSBus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewNATSBus(conn *nats.Conn, logger *slog.Logger) *NATSBus {
	return &NATSBus{conn: conn, logger: logger.With("component", "eventbus", "backend", "nats")}
}

func (b *NATSBus) Publish(ctx context.Context, sessionID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(SessionSubject(sessionID), data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := b.conn.ChanSubscribe(SessionSubject(sessionID), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				b.logger.Error("failed to unsubscribe", "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var event Event
				if err := json.Unmarshal(msg.Data, &event); err != nil {
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

func (b *NATSBus) Register(ctx context.Context, reg Registration) error {
	return b.Publish(ctx, reg.SessionID, Event{
		Type:      EventSessionReady,
		SessionID: reg.SessionID,
		Payload:   reg,
		Timestamp: time.Now(),
	})
}

func (b *NATSBus) Unregister(ctx context.Context, sessionID string) error {
	return b.Publish(ctx, sessionID, Event{
		Type:      EventSessionClosed,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
}
