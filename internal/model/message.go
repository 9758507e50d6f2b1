package model

import (
	"time"
)

// MessageStatus tracks whether a message has been confirmed by the backend.
type MessageStatus string

const (
	// StatusPending marks an optimistic record that has not yet been
	// matched with an authoritative event. Records may stay pending
	// indefinitely; the core never expires or rolls them back.
	StatusPending MessageStatus = "pending"
	// StatusConfirmed marks a record backed by an authoritative event.
	StatusConfirmed MessageStatus = "confirmed"
)

// Message represents one chat message in a conversation.
type Message struct {
	// Identity. ID is empty until the authoritative event arrives;
	// CorrelationID is set only while the record is unresolved.
	ID            string `json:"id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`

	// Media attachment (nullable for text-only messages)
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// Reply threading with a denormalized snippet of the quoted message
	ReplyToID    string `json:"reply_to_id,omitempty"`
	ReplySnippet string `json:"reply_snippet,omitempty"`

	CreatedAt time.Time     `json:"created_at"`
	Status    MessageStatus `json:"status"`

	// One slot per reacting user; the emoji of a slot is mutable.
	Reactions []Reaction `json:"reactions,omitempty"`
}

// Confirmed reports whether the message carries an authoritative identity.
func (m *Message) Confirmed() bool {
	return m.ID != "" && m.Status == StatusConfirmed
}

// Reaction is one user's reaction slot on a message. At most one
// reaction per (message, user) pair is kept; later events overwrite
// the emoji in place.
type Reaction struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// SendMessageRequest is the payload for the send-message REST operation.
// CorrelationID is generated by the caller and echoed back in the
// authoritative receiveMessage event.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	CorrelationID  string `json:"correlation_id"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	MediaType      string `json:"media_type,omitempty"`
}

// SendMessageResponse is the provisional acknowledgment returned by the
// REST layer before the authoritative event arrives over the connection.
type SendMessageResponse struct {
	Accepted      bool   `json:"accepted"`
	CorrelationID string `json:"correlation_id"`
}

// ListMessagesResponse is one page of conversation history.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
