// Package store reconciles REST-originated optimistic message records with
// authoritative events arriving over the realtime connection. Per open
// conversation it keeps one ordered message list with no visible
// duplicates: an optimistic record keeps its position when confirmed,
// redelivered events are absorbed, reactions are one last-write-wins slot
// per user. Exactly two flows write here: the local send path and the
// inbound event path.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feedline/realtime-core/internal/model"
	"github.com/feedline/realtime-core/pkg/logger"
	"github.com/feedline/realtime-core/pkg/metrics"
)

// MarkReadFunc is the side effect emitted when an event lands in the
// conversation the user is currently viewing. It reports read state to
// the backend; nothing is stored locally.
type MarkReadFunc func(conversationID string)

// Store is the message reconciliation store.
type Store struct {
	logger   *logger.Logger
	markRead MarkReadFunc

	mu       sync.Mutex
	threads  map[string][]model.Message
	previews map[string]*model.Conversation
	order    []string // conversation ids, newest activity first
	active   string
	pending  int
}

// New creates an empty Store. markRead may be nil.
func New(log *logger.Logger, markRead MarkReadFunc) *Store {
	return &Store{
		logger:   log.Named("store"),
		markRead: markRead,
		threads:  make(map[string][]model.Message),
		previews: make(map[string]*model.Conversation),
	}
}

// SetActive records which conversation the user is viewing. Events for
// the active conversation trigger the mark-read side effect.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
}

// NewCorrelationID generates an id for one pending optimistic action.
// Ids are unique per action and never reused after resolution.
func NewCorrelationID() string {
	return uuid.NewString()
}

// AppendOptimistic inserts a provisional record for a locally sent
// message at the end of the conversation's list. The record has no id
// yet; it is confirmed in place when the authoritative event echoing the
// same correlation id arrives. There is no rollback: a record whose echo
// never arrives simply stays pending and callers surface that from its
// Status.
func (s *Store) AppendOptimistic(msg model.Message) {
	msg.Status = model.StatusPending
	msg.ID = ""
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.threads[msg.ConversationID] = append(s.threads[msg.ConversationID], msg)
	s.pending++
	s.touchLocked(msg.ConversationID, msg)
	s.mu.Unlock()

	metrics.OptimisticPending.Inc()
}

// ApplyMessage reconciles one authoritative message event:
//  1. a record with the same correlation id is replaced in place,
//     keeping its position even if other messages arrived in between;
//  2. a record with the same id means a redelivery and is dropped;
//  3. otherwise the event is appended.
func (s *Store) ApplyMessage(ev model.MessageEvent) {
	confirmed := ev.Message()

	s.mu.Lock()
	thread := s.threads[ev.ConversationID]

	applied := false
	if ev.CorrelationID != "" {
		for i := range thread {
			if thread[i].CorrelationID == ev.CorrelationID {
				// Keep the reactions that may already have merged onto
				// the optimistic record.
				confirmed.Reactions = thread[i].Reactions
				thread[i] = confirmed
				s.pending--
				metrics.OptimisticPending.Dec()
				applied = true
				break
			}
		}
	}
	if !applied {
		for i := range thread {
			if thread[i].ID != "" && thread[i].ID == ev.ID {
				s.mu.Unlock()
				s.logger.Debug("duplicate delivery absorbed",
					zap.String("message_id", ev.ID))
				metrics.RecordDrop(model.EventReceiveMessage, "duplicate")
				return
			}
		}
		thread = append(thread, confirmed)
	}
	s.threads[ev.ConversationID] = thread

	s.touchLocked(ev.ConversationID, confirmed)
	activeHit := s.active != "" && s.active == ev.ConversationID
	s.mu.Unlock()

	if activeHit && s.markRead != nil {
		s.markRead(ev.ConversationID)
	}
}

// ApplyReaction merges one reaction event: the user's existing slot on
// the message is overwritten, otherwise a new slot is appended with a
// locally generated id. Unknown message ids are ignored (the reaction may
// target history not loaded locally).
func (s *Store) ApplyReaction(ev model.ReactionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := s.threads[ev.ConversationID]
	for i := range thread {
		if thread[i].ID != ev.MessageID {
			continue
		}
		for j := range thread[i].Reactions {
			if thread[i].Reactions[j].UserID == ev.UserID {
				thread[i].Reactions[j].Emoji = ev.Emoji
				return
			}
		}
		thread[i].Reactions = append(thread[i].Reactions, model.Reaction{
			ID:     uuid.NewString(),
			UserID: ev.UserID,
			Emoji:  ev.Emoji,
		})
		return
	}
}

// ApplyConversationDeleted removes a conversation and its messages.
func (s *Store) ApplyConversationDeleted(ev model.ConversationDeletedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.threads, ev.ConversationID)
	delete(s.previews, ev.ConversationID)
	for i, id := range s.order {
		if id == ev.ConversationID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.active == ev.ConversationID {
		s.active = ""
	}
}

// LoadHistory merges a fetched history page in front of the local list,
// skipping messages already present by id. Pending optimistic records are
// untouched.
func (s *Store) LoadHistory(conversationID string, page []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.threads[conversationID]
	known := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		if m.ID != "" {
			known[m.ID] = struct{}{}
		}
	}

	merged := make([]model.Message, 0, len(page)+len(existing))
	for _, m := range page {
		if _, ok := known[m.ID]; ok {
			continue
		}
		m.Status = model.StatusConfirmed
		merged = append(merged, m)
	}
	merged = append(merged, existing...)
	s.threads[conversationID] = merged
}

// Messages returns a copy of the conversation's ordered message list.
// Reaction slices are copied too: reaction events mutate slots in place,
// so a snapshot must not share backing arrays with the live thread.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := s.threads[conversationID]
	out := make([]model.Message, len(thread))
	for i := range thread {
		out[i] = copyMessageLocked(thread[i])
	}
	return out
}

// Conversations returns a copy of the preview list, newest activity first.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Conversation, 0, len(s.order))
	for _, id := range s.order {
		p := s.previews[id]
		if p == nil {
			continue
		}
		c := *p
		if c.LastMessage != nil {
			last := copyMessageLocked(*c.LastMessage)
			c.LastMessage = &last
		}
		out = append(out, c)
	}
	return out
}

func copyMessageLocked(m model.Message) model.Message {
	if len(m.Reactions) > 0 {
		m.Reactions = append([]model.Reaction(nil), m.Reactions...)
	}
	return m
}

// PendingCount returns the number of unconfirmed optimistic records.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Reset discards all local state. Called on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.threads = make(map[string][]model.Message)
	s.previews = make(map[string]*model.Conversation)
	s.order = nil
	s.active = ""
	s.pending = 0
	s.mu.Unlock()

	metrics.OptimisticPending.Set(0)
}

// touchLocked updates the conversation preview with its latest message
// and moves it to the front of the activity order.
func (s *Store) touchLocked(conversationID string, last model.Message) {
	p := s.previews[conversationID]
	if p == nil {
		p = &model.Conversation{ID: conversationID}
		s.previews[conversationID] = p
	}
	msg := last
	p.LastMessage = &msg
	p.UpdatedAt = last.CreatedAt

	for i, id := range s.order {
		if id == conversationID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append([]string{conversationID}, s.order...)
}
