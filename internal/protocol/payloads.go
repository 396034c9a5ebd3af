package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is an identifier that accepts either a JSON string or a JSON number.
// Session and course identifiers arrive as numbers from some producers.
type ID string

// UnmarshalJSON accepts "42" and 42 alike.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*id = ID(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("protocol: id must be string or number: %w", err)
	}
	if _, err := strconv.ParseInt(number.String(), 10, 64); err != nil {
		return fmt.Errorf("protocol: id must be an integer: %w", err)
	}
	*id = ID(number.String())
	return nil
}

// String returns the identifier text.
func (id ID) String() string {
	return string(id)
}

// MessageNew carries a message delivered to a joined channel.
type MessageNew struct {
	ID           ID        `json:"id"`
	SenderID     ID        `json:"senderId"`
	ReceiverID   ID        `json:"receiverId,omitempty"`
	SessionID    ID        `json:"sessionId,omitempty"`
	Content      string    `json:"content"`
	Kind         string    `json:"kind"`
	SentAt       time.Time `json:"sentAt"`
	ClientTempID string    `json:"clientTempId,omitempty"`
}

// MessageAck confirms a message.send by its temporary id.
type MessageAck struct {
	TempID string    `json:"tempId"`
	ID     ID        `json:"id"`
	SentAt time.Time `json:"sentAt"`
}

// TypingUpdate reports a peer's typing state on a channel.
type TypingUpdate struct {
	ChannelID   string `json:"channelId"`
	UserID      ID     `json:"userId"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

// PresenceCount is the server's authoritative participant tally for a session.
type PresenceCount struct {
	SessionID ID  `json:"sessionId"`
	Count     int `json:"count"`
}

// Notification is an account-wide notification record.
type Notification struct {
	ID        ID        `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// NotificationPush delivers a notification together with the unread count after applying it.
type NotificationPush struct {
	Notification Notification `json:"notification"`
	UnreadCount  int          `json:"unreadCount"`
}

// SessionInteraction is a live-session signal (video, audio, hand-raise, reaction).
type SessionInteraction struct {
	SessionID ID              `json:"sessionId"`
	UserID    ID              `json:"userId,omitempty"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Nonce string `json:"nonce,omitempty"`
}

// ChannelMembership is the payload of channel.join and channel.leave.
type ChannelMembership struct {
	ChannelID string `json:"channelId"`
}

// MessageSend submits a message; exactly one of ReceiverID and SessionID is set.
type MessageSend struct {
	TempID     string `json:"tempId"`
	ReceiverID string `json:"receiverId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Content    string `json:"content"`
	Kind       string `json:"kind"`
}

// TypingSet announces the local user's typing state.
type TypingSet struct {
	ChannelID string `json:"channelId"`
	IsTyping  bool   `json:"isTyping"`
}

// SessionJoin registers the local user as a live-session participant.
type SessionJoin struct {
	SessionID string `json:"sessionId"`
	CourseID  string `json:"courseId,omitempty"`
}

// SessionLeave deregisters the local user from a live session.
type SessionLeave struct {
	SessionID string `json:"sessionId"`
}

// NotificationMarkRead acknowledges notifications as read.
type NotificationMarkRead struct {
	IDs []string `json:"ids"`
}

// Ping is the application-level liveness check.
type Ping struct {
	Nonce string `json:"nonce,omitempty"`
}
