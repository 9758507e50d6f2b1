// Package model defines data structures for the realtime session core.
package model

import (
	"time"
)

// Conversation is the lightweight preview kept per conversation for the
// inbox view: last message, participants, last activity. The full message
// list lives in the reconciliation store, keyed by conversation id.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	Unread       int       `json:"unread,omitempty"`
}

// ListConversationsResponse is the REST payload for the inbox preview list,
// ordered newest activity first.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"has_more"`
}
