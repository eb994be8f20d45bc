package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"previewd/internal/eventbus"

	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 30 * time.Second

type EventHandler struct {
	sessions Sessions
	bus      eventbus.EventBus
}

func NewEventHandler(sessions Sessions, bus eventbus.EventBus) *EventHandler {
	return &EventHandler{sessions: sessions, bus: bus}
}

// StreamEvents GET /api/sessions/:id/events
// 通过 SSE 向客户端推送会话生命周期事件
func (h *EventHandler) StreamEvents(c *gin.Context) {
	if h.bus == nil {
		respondError(c, ErrUnavailable)
		return
	}
	id := c.Param("id")
	if _, ok := ownedSession(c, h.sessions, id); !ok {
		return
	}

	eventCh, err := h.bus.Subscribe(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// 长连接不受 http.Server.WriteTimeout 限制
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Warn("Failed to disable write deadline for SSE", "error", err)
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			data, err := json.Marshal(SSEEvent{
				Type:      string(event.Type),
				SessionID: event.SessionID,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			})
			if err != nil {
				return false
			}
			c.SSEvent("message", string(data))

			// 会话结束后关闭连接
			return event.Type != eventbus.EventSessionClosed

		case <-c.Request.Context().Done():
			return false

		case <-heartbeat.C:
			c.SSEvent("ping", "")
			return true
		}
	})
}
