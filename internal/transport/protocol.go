package transport

import (
	"encoding/json"
	"time"
)

// Wire event names for the live channel, shared by both directions.
const (
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventMessageSend       = "message:send"
	EventMessageNew        = "message:new"
	EventMessageRead       = "message:read"
	EventMessageDelivered  = "message:delivered"
	EventMessageDeleted    = "message:deleted"
	EventUserOnline        = "user:online"
	EventUserOffline       = "user:offline"
)

// Envelope is the wire format for all live-channel frames.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomPayload scopes live delivery to one conversation.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendPayload is the outbound message:send payload. ClientID is echoed
// back by the server inside the resulting message:new broadcast.
type SendPayload struct {
	ConversationID string `json:"conversationId"`
	ClientID       string `json:"clientId"`
	Content        string `json:"content"`
}

// TypingPayload carries typing:start / typing:stop.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// ReadPayload carries message:read receipts.
type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// DeliveredPayload carries message:delivered receipts.
type DeliveredPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// DeletedPayload carries message:deleted broadcasts.
type DeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// PresencePayload carries user:online / user:offline.
type PresencePayload struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ReconnectInfo is the payload of conn.reconnecting bus events.
type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}
