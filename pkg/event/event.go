package event

import (
	"strings"
	"time"
)

// Kind is the inbound event category.
type Kind string

const (
	KindMessage  Kind = "message"
	KindPostback Kind = "postback"
	KindFollow   Kind = "follow"
	KindUnfollow Kind = "unfollow"
)

// SourceType describes where an event originated.
type SourceType string

const (
	SourceUser  SourceType = "user"
	SourceGroup SourceType = "group"
	SourceRoom  SourceType = "room"
)

// ChatType is the derived chat category used by dispatch policy.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
	ChatRoom   ChatType = "room"
)

// MessageType distinguishes text from binary payloads.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

// Source is the channel's description of who sent an event and where.
type Source struct {
	Type    SourceType
	UserID  string
	GroupID string
	RoomID  string
}

// ChatContext is derived once per event and not retained.
type ChatContext struct {
	ChatID  string
	Type    ChatType
	IsGroup bool
}

// Message is a text or image message. Payload holds downloaded image bytes.
type Message struct {
	ID      string
	Type    MessageType
	Text    string
	Payload []byte
}

// Postback carries the raw query-string data of a button tap.
type Postback struct {
	Data string
}

// Event is one normalized inbound event.
type Event struct {
	Channel    string
	Kind       Kind
	Source     Source
	ReplyToken string
	Message    *Message
	Postback   *Postback
	ReceivedAt time.Time
}

// Context derives the chat context from the source descriptor.
func (s Source) Context() ChatContext {
	switch s.Type {
	case SourceGroup:
		return ChatContext{ChatID: s.GroupID, Type: ChatGroup, IsGroup: true}
	case SourceRoom:
		return ChatContext{ChatID: s.RoomID, Type: ChatRoom, IsGroup: true}
	default:
		return ChatContext{ChatID: s.UserID, Type: ChatDirect}
	}
}

// Context derives the chat context of the event.
func (e Event) Context() ChatContext {
	return e.Source.Context()
}

// Text returns the trimmed message text, or "" for non-text events.
func (e Event) Text() string {
	if e.Kind != KindMessage || e.Message == nil || e.Message.Type != MessageText {
		return ""
	}
	return strings.TrimSpace(e.Message.Text)
}

// IsText reports whether e is a text message.
func (e Event) IsText() bool {
	return e.Kind == KindMessage && e.Message != nil && e.Message.Type == MessageText
}

// IsImage reports whether e is an image message.
func (e Event) IsImage() bool {
	return e.Kind == KindMessage && e.Message != nil && e.Message.Type == MessageImage
}
