package model

import "time"

// Participant is the other party of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Online      bool   `json:"online"`
}

// Attachment describes a file attached to a message.
type Attachment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
	URL  string `json:"url,omitempty"`
}

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the forward progression pending -> sent -> delivered -> read.
// failed sits outside the progression and is only reachable from pending.
var rank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvance reports whether a transition from s to next is allowed.
// Forward moves along the progression are allowed; the only non-forward
// move is pending -> failed.
func (s Status) CanAdvance(next Status) bool {
	if next == StatusFailed {
		return s == StatusPending
	}
	if s == StatusFailed {
		return next == StatusPending
	}
	return rank[next] > rank[s]
}

// Message is a single chat message. Server-assigned ID is authoritative;
// ClientID is set on locally composed messages and echoed back by the
// server so optimistic entries can be reconciled.
type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"clientId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Conversation is one entry in the conversation list.
type Conversation struct {
	ID           string      `json:"id"`
	Participant  Participant `json:"participant"`
	LastMessage  *Message    `json:"lastMessage,omitempty"`
	LastActivity time.Time   `json:"lastActivity"`
	UnreadCount  int         `json:"unreadCount"`
}

// PresenceState is a user's current online state. LastSeen is only
// meaningful while the user is offline.
type PresenceState struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}
