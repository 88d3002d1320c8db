package spareplate

import (
	"encoding/json"
	"strconv"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the Spare Plate API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "api error: HTTP " + strconv.Itoa(e.Status)
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ID is an opaque identifier. The backend emits JSON numbers for some ids
// and strings for others depending on the endpoint, so it unmarshals from
// either and always compares as a string.
type ID string

func (id ID) String() string { return string(id) }

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// ============================================================================
// Conversation / Message Types
// ============================================================================

// ConversationStatus is the request/accept lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusPending  ConversationStatus = "PENDING"
	StatusAccepted ConversationStatus = "ACCEPTED"
	StatusRejected ConversationStatus = "REJECTED"
)

// MessageType identifies the content kind of a message.
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageAudio MessageType = "AUDIO"
	MessageImage MessageType = "IMAGE"
)

// Participant is the public profile of one side of a conversation.
type Participant struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Item is the marketplace listing a conversation was started about.
type Item struct {
	Title string `json:"title"`
}

// Message is a single chat message.
//
// CreatedAt is an ISO-8601 timestamp kept as a string; ISO-8601 sorts
// lexicographically, so timestamps are compared and ordered as strings.
type Message struct {
	ID        ID          `json:"id,omitempty"`
	Content   string      `json:"content"`
	SenderID  string      `json:"senderId"`
	CreatedAt string      `json:"createdAt"`
	Type      MessageType `json:"type"`
	MediaURL  string      `json:"mediaUrl,omitempty"`
}

// Key returns the identity key used for de-duplication. The server id wins
// when present; optimistic entries that have not been confirmed yet fall
// back to a composite of timestamp and sender.
func (m *Message) Key() string {
	if m.ID != "" {
		return string(m.ID)
	}
	return m.CreatedAt + "|" + m.SenderID
}

// Conversation is a two-party messaging thread. Messages holds the
// most-recent-known subset, newest first.
type Conversation struct {
	ID             ID                 `json:"id"`
	Participant1ID string             `json:"participant1Id,omitempty"`
	Participant2ID string             `json:"participant2Id,omitempty"`
	Participant1   *Participant       `json:"participant1,omitempty"`
	Participant2   *Participant       `json:"participant2,omitempty"`
	Status         ConversationStatus `json:"status,omitempty"`
	Messages       []Message          `json:"messages,omitempty"`
	Item           *Item              `json:"item,omitempty"`
}

// Other returns the participant that is not selfID.
func (c *Conversation) Other(selfID string) *Participant {
	if c.Participant1ID == selfID {
		return c.Participant2
	}
	return c.Participant1
}

// IsReceiver reports whether selfID is the receiving side of the
// conversation request (participant2 did not initiate it).
func (c *Conversation) IsReceiver(selfID string) bool {
	return c.Participant2ID == selfID
}

// LastMessage returns the newest known message, or nil.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[0]
}

// ============================================================================
// REST Payloads
// ============================================================================

/// conversationList accepts both response shapes the backend has shipped:
// a bare array and an object wrapping the array.
type conversationList []Conversation

func (l *conversationList) UnmarshalJSON(data []byte) error {
	var arr []Conversation
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var wrapped struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	*l = wrapped.Conversations
	return nil
}

// ConversationPage is one page of a conversation transcript. Messages are
// newest first and at most the requested limit.
type ConversationPage struct {
	Conversation *Conversation `json:"conversation"`
	Messages     []Message     `json:"messages"`
}

// SendMessageOptions is the body of a message create call.
type SendMessageOptions struct {
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
	MediaBase64 string      `json:"mediaBase64,omitempty"`
}

// ============================================================================
// Realtime Event Payloads
// ============================================================================

// NewMessageEvent is delivered when a message arrives in a joined room.
// Sender and Conversation are optional; the server does not always attach
// them, and locally synthesized events may omit them too.
type NewMessageEvent struct {
	ConversationID ID            `json:"conversationId,omitempty"`
	Message        *Message      `json:"message"`
	Sender         *Participant  `json:"sender,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
}

// ConvID resolves the conversation id from either the explicit field or
// the attached conversation object.
func (ev *NewMessageEvent) ConvID() ID {
	if ev.ConversationID != "" {
		return ev.ConversationID
	}
	if ev.Conversation != nil {
		return ev.Conversation.ID
	}
	return ""
}

// SenderID resolves the sender id from either the attached sender profile
// or the message itself.
func (ev *NewMessageEvent) SenderID() string {
	if ev.Sender != nil && ev.Sender.ID != "" {
		return ev.Sender.ID
	}
	if ev.Message != nil {
		return ev.Message.SenderID
	}
	return ""
}

// ConversationStartedEvent is delivered when the other party opens a new
// conversation with this user.
type ConversationStartedEvent struct {
	Conversation *Conversation `json:"conversation"`
}

/// UnmarshalJSON tolerates both `{conversation: {...}}` and a bare
// conversation object as the payload.
func (ev *ConversationStartedEvent) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Conversation *Conversation `json:"conversation"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Conversation != nil && wrapped.Conversation.ID != "" {
		ev.Conversation = wrapped.Conversation
		return nil
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return err
	}
	if conv.ID != "" {
		ev.Conversation = &conv
	}
	return nil
}
