package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the message types understood by the wire format.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVoice    Kind = "voice"
	KindVideo    Kind = "video"
	KindFile     Kind = "file"
	KindEmotion  Kind = "emotion"
	KindUserCard Kind = "userCard"
	KindRevoke   Kind = "revoke"
	KindNotice   Kind = "notice"
)

// Constructible reports whether messages of this kind can be built and delivered.
func (k Kind) Constructible() bool {
	return k == KindText || k == KindNotice
}

func (k Kind) reserved() bool {
	switch k {
	case KindImage, KindVoice, KindVideo, KindFile, KindEmotion, KindUserCard, KindRevoke:
		return true
	}
	return false
}

// RecipientKind tells whether a chat message targets a user or a group.
type RecipientKind int

const (
	RecipientNone   RecipientKind = 0
	RecipientDirect RecipientKind = 1
	RecipientGroup  RecipientKind = 2
)

// Valid reports whether the recipient kind is direct or group.
func (r RecipientKind) Valid() bool {
	return r == RecipientDirect || r == RecipientGroup
}

func (r RecipientKind) String() string {
	switch r {
	case RecipientDirect:
		return "direct"
	case RecipientGroup:
		return "group"
	default:
		return "none"
	}
}

// Payload is the kind-specific body of a message. The set of implementations is closed.
type Payload interface {
	payloadKind() Kind
}

// TextPayload carries the body of a text message.
type TextPayload struct {
	Content string `json:"content"`
}

func (TextPayload) payloadKind() Kind { return KindText }

// NoticePayload carries a notice key and an arbitrary JSON value.
type NoticePayload struct {
	Key   string
	Value json.RawMessage
}

func (NoticePayload) payloadKind() Kind { return KindNotice }

// Fields groups the inputs accepted by New. Only the fields relevant to the kind are read.
type Fields struct {
	ID            string
	Sender        string
	RecipientKind RecipientKind
	Recipient     string
	Content       string
	NoticeKey     string
	NoticeValue   any
	Time          time.Time
}

// Message is an immutable chat message or notice. Build it with New or one of the helpers.
type Message struct {
	id            string
	kind          Kind
	sender        string
	recipientKind RecipientKind
	recipient     string
	payload       Payload
	time          time.Time
}

// New validates the fields required by kind and builds the message.
func New(kind Kind, f Fields) (*Message, error) {
	at := f.Time
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC().Truncate(time.Millisecond)

	switch kind {
	case KindText:
		return newText(f, at)
	case KindNotice:
		return newNotice(f, at)
	default:
		if kind.reserved() {
			return nil, fmt.Errorf("%w: %w %q", ErrValidation, ErrUnsupportedKind, kind)
		}
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
	}
}

func newText(f Fields, at time.Time) (*Message, error) {
	id := strings.TrimSpace(f.ID)
	sender := strings.TrimSpace(f.Sender)
	recipient := strings.TrimSpace(f.Recipient)
	switch {
	case id == "":
		return nil, fmt.Errorf("%w: text message requires id", ErrValidation)
	case sender == "":
		return nil, fmt.Errorf("%w: text message requires sender", ErrValidation)
	case !f.RecipientKind.Valid():
		return nil, fmt.Errorf("%w: invalid recipient type %d", ErrValidation, f.RecipientKind)
	case recipient == "":
		return nil, fmt.Errorf("%w: text message requires recipient", ErrValidation)
	case strings.TrimSpace(f.Content) == "":
		return nil, fmt.Errorf("%w: text message requires content", ErrValidation)
	}
	return &Message{
		id:            id,
		kind:          KindText,
		sender:        sender,
		recipientKind: f.RecipientKind,
		recipient:     recipient,
		payload:       TextPayload{Content: f.Content},
		time:          at,
	}, nil
}

func newNotice(f Fields, at time.Time) (*Message, error) {
	recipient := strings.TrimSpace(f.Recipient)
	key := strings.TrimSpace(f.NoticeKey)
	if recipient == "" {
		return nil, fmt.Errorf("%w: notice requires recipient", ErrValidation)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: notice requires key", ErrValidation)
	}
	value, err := encodeNoticeValue(f.NoticeValue)
	if err != nil {
		return nil, fmt.Errorf("%w: notice value: %v", ErrValidation, err)
	}
	return &Message{
		id:            strings.TrimSpace(f.ID),
		kind:          KindNotice,
		recipientKind: RecipientDirect,
		recipient:     recipient,
		payload:       NoticePayload{Key: key, Value: value},
		time:          at,
	}, nil
}

func encodeNoticeValue(v any) (json.RawMessage, error) {
	var raw []byte
	switch typed := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(bytes.TrimSpace(typed)) == 0 {
			return json.RawMessage("null"), nil
		}
		raw = typed
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

// NewTextMessage builds a text message addressed to a user or a group.
func NewTextMessage(id, sender string, recipientKind RecipientKind, recipient, content string, at time.Time) (*Message, error) {
	return New(KindText, Fields{
		ID:            id,
		Sender:        sender,
		RecipientKind: recipientKind,
		Recipient:     recipient,
		Content:       content,
		Time:          at,
	})
}

// NewNoticeMessage builds a notice for a single user.
func NewNoticeMessage(recipient, key string, value any, at time.Time) (*Message, error) {
	return New(KindNotice, Fields{Recipient: recipient, NoticeKey: key, NoticeValue: value, Time: at})
}

func (m *Message) ID() string                   { return m.id }
func (m *Message) Kind() Kind                   { return m.kind }
func (m *Message) Sender() string               { return m.sender }
func (m *Message) RecipientKind() RecipientKind { return m.recipientKind }
func (m *Message) Recipient() string            { return m.recipient }
func (m *Message) Payload() Payload             { return m.payload }
func (m *Message) Time() time.Time              { return m.time }

// Text returns the text body, or false when the message is not a text message.
func (m *Message) Text() (TextPayload, bool) {
	p, ok := m.payload.(TextPayload)
	return p, ok
}

// Notice returns the notice body, or false when the message is not a notice.
func (m *Message) Notice() (NoticePayload, bool) {
	p, ok := m.payload.(NoticePayload)
	return p, ok
}

// IsNotice reports whether the message bypasses client acknowledgement.
func (m *Message) IsNotice() bool {
	return m.kind == KindNotice
}

// Equal compares every field of two messages.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.id != other.id || m.kind != other.kind || m.sender != other.sender ||
		m.recipientKind != other.recipientKind || m.recipient != other.recipient ||
		!m.time.Equal(other.time) {
		return false
	}
	switch p := m.payload.(type) {
	case TextPayload:
		o, ok := other.payload.(TextPayload)
		return ok && p == o
	case NoticePayload:
		o, ok := other.payload.(NoticePayload)
		return ok && p.Key == o.Key && bytes.Equal(p.Value, o.Value)
	}
	return false
}

type wireMessage struct {
	ID            string          `json:"id,omitempty"`
	Type          Kind            `json:"type"`
	Sender        string          `json:"sender,omitempty"`
	RecipientType RecipientKind   `json:"recipientType,omitempty"`
	Recipient     string          `json:"recipient,omitempty"`
	Text          *TextPayload    `json:"text,omitempty"`
	Key           string          `json:"key,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
	Time          int64           `json:"time"`
}

func (m *Message) toWire() wireMessage {
	w := wireMessage{
		ID:        m.id,
		Type:      m.kind,
		Recipient: m.recipient,
		Time:      m.time.UnixMilli(),
	}
	switch p := m.payload.(type) {
	case TextPayload:
		w.Sender = m.sender
		w.RecipientType = m.recipientKind
		w.Text = &TextPayload{Content: p.Content}
	case NoticePayload:
		w.Key = p.Key
		w.Value = p.Value
	}
	return w
}

// MarshalJSON renders the canonical wire form.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.toWire())
}

// Marshal renders the canonical wire form published to the broker.
func (m *Message) Marshal() ([]byte, error) {
	return m.MarshalJSON()
}

// Unmarshal parses a wire message and validates it like New does.
func Unmarshal(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrValidation, err)
	}
	f := Fields{
		ID:            w.ID,
		Sender:        w.Sender,
		RecipientKind: w.RecipientType,
		Recipient:     w.Recipient,
		NoticeKey:     w.Key,
		Time:          time.UnixMilli(w.Time),
	}
	if w.Text != nil {
		f.Content = w.Text.Content
	}
	if len(w.Value) > 0 {
		f.NoticeValue = w.Value
	}
	return New(w.Type, f)
}
