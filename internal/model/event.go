package model

import (
	"time"
)

// Wire event names. Inbound names are the contract delivered by the
// messaging backend; outbound names are what the client emits.
const (
	// Connection meta events
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	// Inbound domain events
	EventReceiveMessage      = "receiveMessage"
	EventMessageReaction     = "message_reaction"
	EventUserTyping          = "user_typing"
	EventUserStoppedTyping   = "user_stopped_typing"
	EventUserStatus          = "user_status"
	EventNotification        = "notification"
	EventConversationDeleted = "conversationDeleted"

	// Outbound events
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventMarkRead     = "mark_read"
	EventSendReaction = "send_reaction"
)

// MessageEvent is the authoritative message payload delivered over the
// connection. CorrelationID echoes the id the client attached to its
// optimistic send; it is empty for messages originated by other users.
type MessageEvent struct {
	ID             string    `json:"id"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	MediaURL       string    `json:"media_url,omitempty"`
	MediaType      string    `json:"media_type,omitempty"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	ReplySnippet   string    `json:"reply_snippet,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message converts the event into a confirmed message record.
func (e MessageEvent) Message() Message {
	return Message{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Content:        e.Content,
		MediaURL:       e.MediaURL,
		MediaType:      e.MediaType,
		ReplyToID:      e.ReplyToID,
		ReplySnippet:   e.ReplySnippet,
		CreatedAt:      e.CreatedAt,
		Status:         StatusConfirmed,
	}
}

// ReactionEvent is delivered when any participant reacts to a message.
type ReactionEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
}

// TypingEvent is delivered for both user_typing and user_stopped_typing;
// Started distinguishes the two.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Started        bool   `json:"-"`
}

// StatusEvent reports a user's presence. LastSeenAt is only meaningful
// when the user is going offline.
type StatusEvent struct {
	UserID     string     `json:"user_id"`
	IsOnline   bool       `json:"is_online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// NotificationEvent carries out-of-band notifications (mentions, follows)
// destined for the notification badge. The core routes it untouched.
type NotificationEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ActorID   string    `json:"actor_id"`
	TargetID  string    `json:"target_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationDeletedEvent removes a conversation from the local view.
type ConversationDeletedEvent struct {
	ConversationID string `json:"conversation_id"`
}

// ErrorEvent is the payload of connect_error: a human-readable reason
// string used for credential-vs-transient classification.
type ErrorEvent struct {
	Reason string `json:"reason"`
}
