package gateway

import (
	"time"

	"github.com/haasonsaas/sessionlens/internal/transcript"
	"github.com/haasonsaas/sessionlens/internal/watcher"
)

// Client to server frames. "subscribe" carries the target sessionId (v4
// UUID); "unsubscribe" carries no sessionId since a client holds at most one
// subscription.
type clientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// Error codes carried in error frames, alongside the watcher's own
// READ_ERROR and WATCH_ERROR codes which are relayed unchanged.
const (
	codeInvalidMessage  = "INVALID_MESSAGE"
	codeUnknownSession  = "UNKNOWN_SESSION"
	codeSubscribeFailed = "SUBSCRIBE_FAILED"
)

// serverFrame is the envelope for "messages" and "error" frames. Type
// selects which optional fields are present:
//
//	"messages"  sessionId, messages, byteRange
//	"error"     code, message, and sessionId when the error is
//	            session-scoped (relayed watcher faults)
type serverFrame struct {
	Type      string               `json:"type"`
	SessionID string               `json:"sessionId,omitempty"`
	Messages  []transcript.Message `json:"messages,omitempty"`
	ByteRange *watcher.ByteRange   `json:"byteRange,omitempty"`
	Code      string               `json:"code,omitempty"`
	Message   string               `json:"message,omitempty"`
}

// Lifecycle event types broadcast to every connected client.
const (
	LifecycleStarted  = "session:started"
	LifecycleStopped  = "session:stopped"
	LifecycleError    = "session:error"
	LifecycleActivity = "session:activity"
)

// LifecycleEvent is a session lifecycle broadcast frame. Type selects the
// populated fields: started carries projectId/cwd/startedAt, stopped carries
// reason/stoppedAt, error carries error/occurredAt, activity carries
// updatedAt.
type LifecycleEvent struct {
	Type       string     `json:"type"`
	SessionID  string     `json:"sessionId"`
	ProjectID  string     `json:"projectId,omitempty"`
	Cwd        string     `json:"cwd,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
	OccurredAt *time.Time `json:"occurredAt,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

func messagesFrame(b watcher.Batch) serverFrame {
	msgs := b.Messages
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	br := b.ByteRange
	return serverFrame{
		Type:      "messages",
		SessionID: b.SessionID,
		Messages:  msgs,
		ByteRange: &br,
	}
}

func watchErrorFrame(e watcher.WatchError) serverFrame {
	return serverFrame{
		Type:      "error",
		SessionID: e.SessionID,
		Code:      e.Code,
		Message:   e.Message,
	}
}

func errorFrame(code, message string) serverFrame {
	return serverFrame{Type: "error", Code: code, Message: message}
}

func sessionErrorFrame(sessionID, code, message string) serverFrame {
	return serverFrame{Type: "error", SessionID: sessionID, Code: code, Message: message}
}
