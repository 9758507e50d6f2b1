// Package presence maintains ephemeral per-conversation typing sets and
// per-user online status. State is driven purely by inbound events; the
// tracker holds no timers. Senders are responsible for emitting stop
// signals, and for locally originated typing the chat input debounces
// (the conventional inactivity window is 2 seconds) before StopTyping.
package presence

import (
	"sync"
	"time"

	"github.com/feedline/realtime-core/internal/model"
)

// Emitter sends fire-and-forget outbound signals. The connection manager
// satisfies this.
type Emitter interface {
	Emit(event string, payload any) error
}

// Entry is a user's last reported presence.
type Entry struct {
	IsOnline   bool
	LastSeenAt *time.Time
}

// Tracker is the presence and typing tracker.
type Tracker struct {
	emitter Emitter

	mu       sync.Mutex
	typing   map[string]map[string]struct{} // conversationID -> userIDs typing
	presence map[string]Entry               // userID -> last status
}

// NewTracker creates an empty Tracker. emitter may be nil for inbound-only use.
func NewTracker(emitter Emitter) *Tracker {
	return &Tracker{
		emitter:  emitter,
		typing:   make(map[string]map[string]struct{}),
		presence: make(map[string]Entry),
	}
}

// OnTyping applies an inbound typing start/stop event. Both directions
// are idempotent; stopping an absent user is a no-op.
func (t *Tracker) OnTyping(ev model.TypingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Started {
		set := t.typing[ev.ConversationID]
		if set == nil {
			set = make(map[string]struct{})
			t.typing[ev.ConversationID] = set
		}
		set[ev.UserID] = struct{}{}
		return
	}

	if set := t.typing[ev.ConversationID]; set != nil {
		delete(set, ev.UserID)
		if len(set) == 0 {
			delete(t.typing, ev.ConversationID)
		}
	}
}

// OnStatus applies an inbound presence event. Last write wins; no
// history is retained.
func (t *Tracker) OnStatus(ev model.StatusEvent) {
	t.mu.Lock()
	t.presence[ev.UserID] = Entry{IsOnline: ev.IsOnline, LastSeenAt: ev.LastSeenAt}
	t.mu.Unlock()
}

// TypingUsers returns the users currently typing in a conversation.
func (t *Tracker) TypingUsers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.typing[conversationID]
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	return out
}

// Status returns a user's last reported presence.
func (t *Tracker) Status(userID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.presence[userID]
	return entry, ok
}

// ClearConversation drops the typing set of a conversation. Called when
// the user navigates away from its view.
func (t *Tracker) ClearConversation(conversationID string) {
	t.mu.Lock()
	delete(t.typing, conversationID)
	t.mu.Unlock()
}

// Reset discards all typing and presence state. Registered as a
// connection teardown hook: this state is session-scoped, not persisted.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.typing = make(map[string]map[string]struct{})
	t.presence = make(map[string]Entry)
	t.mu.Unlock()
}

// typingSignal is the outbound payload for typing_start/typing_stop.
type typingSignal struct {
	ConversationID string `json:"conversation_id"`
}

// StartTyping emits the outbound typing_start signal. Fire and forget;
// a send failure is not an error the caller can act on.
func (t *Tracker) StartTyping(conversationID string) {
	if t.emitter == nil {
		return
	}
	_ = t.emitter.Emit(model.EventTypingStart, typingSignal{ConversationID: conversationID})
}

// StopTyping emits the outbound typing_stop signal.
func (t *Tracker) StopTyping(conversationID string) {
	if t.emitter == nil {
		return
	}
	_ = t.emitter.Emit(model.EventTypingStop, typingSignal{ConversationID: conversationID})
}
