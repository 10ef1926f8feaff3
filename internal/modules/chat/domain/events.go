package domain

import (
	"encoding/json"
	"time"
)

// Event names exchanged over the websocket.
const (
	EventMessage         = "message"
	EventNotice          = "notice"
	EventError           = "error"
	EventAuthorizedError = "authorized.error"
	EventSendText        = "send.message.text"
	EventMessageRead     = "message.read"
	EventPing            = "ping"
	EventSystemConnected = "system.connected"
	EventSystemPong      = "system.pong"
)

// Error types carried by EventError and EventAuthorizedError.
const (
	ErrorTypeNoLogin       = "user.no_login"
	ErrorTypeNewLogin      = "user.new_login"
	ErrorTypeNotAuthorized = "user.not_authorized"
	ErrorTypeUnavailable   = "server.unavailable"
	ErrorTypeBadRequest    = "request.invalid"
)

// Read statuses returned for message.read.
const (
	ReadStatusOK        = "ok"
	ReadStatusInvalidID = "invalid message id"
)

// Envelope is the outbound websocket frame.
type Envelope struct {
	Event     string    `json:"event"`
	RequestID string    `json:"requestId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is the inbound websocket frame.
type Command struct {
	Action    string          `json:"action"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SendTextCommand is the payload of send.message.text.
type SendTextCommand struct {
	TargetType RecipientKind `json:"targetType"`
	TargetID   string        `json:"targetId"`
	Content    string        `json:"content"`
}

// ReadCommand is the payload of message.read.
type ReadCommand struct {
	ID string `json:"id"`
}

// MessageEvent wraps a delivered chat message. Redelivered is set when an earlier
// connection received the message without reading it, so clients can drop duplicates.
type MessageEvent struct {
	Data        *Message `json:"data"`
	Redelivered bool     `json:"redelivered,omitempty"`
}

// NoticeEvent is the client view of a notice.
type NoticeEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrorEvent is sent with EventError and EventAuthorizedError.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Time    int64  `json:"time,omitempty"`
}

// SendResult answers send.message.text.
type SendResult struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

// ReadResult answers message.read.
type ReadResult struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

// NoticeEventFrom converts a notice message into its client view.
func NoticeEventFrom(m *Message) (NoticeEvent, bool) {
	p, ok := m.Notice()
	if !ok {
		return NoticeEvent{}, false
	}
	return NoticeEvent{Type: p.Key, Data: p.Value}, true
}
