package eventbus

import "time"

type EventType string

const (
	EventSessionReady  EventType = "session.ready"
	EventSessionClosed EventType = "session.closed"
	EventSessionError  EventType = "session.error"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Registration 告诉实时服务会话预览的地址
type Registration struct {
	SessionID string    `json:"session_id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	MachineID string    `json:"machine_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func SessionChannelKey(sessionID string) string {
	return "preview:session:" + sessionID + ":events"
}

func SessionRouteKey(sessionID string) string {
	return "preview:session:" + sessionID + ":route"
}

// SessionSubject 会话事件所在的 NATS subject
func SessionSubject(sessionID string) string {
	return "previewd.session." + sessionID
}
