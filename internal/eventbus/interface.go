package eventbus

import "context"

type EventBus interface {
	Publish(ctx context.Context, sessionID string, event Event) error
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, error)
}

// Notifier 向实时服务注册存活会话，调用方忽略失败
type Notifier interface {
	Register(ctx context.Context, reg Registration) error
	Unregister(ctx context.Context, sessionID string) error
}

// Nop 未配置实时后端时使用
type Nop struct{}

var _ Notifier = Nop{}

func (Nop) Register(context.Context, Registration) error { return nil }
func (Nop) Unregister(context.Context, string) error     { return nil }
