// Package audit 持久化 critical 事件和告警，内存缓冲淘汰后仍可查询
package audit

import (
	"context"
	"time"
)

type Kind string

const (
	KindEvent Kind = "event"
	KindAlert Kind = "alert"
)

type Record struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Store interface {
	Save(ctx context.Context, rec Record) error
	// Recent 按时间倒序返回最多 limit 条记录
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Nop 丢弃所有记录，未配置审计后端时使用
type Nop struct{}

var _ Store = Nop{}

func (Nop) Save(context.Context, Record) error            { return nil }
func (Nop) Recent(context.Context, int) ([]Record, error) { return nil, nil }
func (Nop) Close() error                                  { return nil }
