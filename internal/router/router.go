// Package router demultiplexes raw connection events into typed streams.
// Every subscriber of an event type observes every event of that type, in
// arrival order, fully dispatched before the next event of the same type;
// no ordering holds across different event types. Subscriptions return a
// handle whose Unsubscribe leaves no residue, since the same connection
// outlives any single conversation view.
package router

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/feedline/realtime-core/internal/model"
	"github.com/feedline/realtime-core/internal/transport"
	"github.com/feedline/realtime-core/pkg/logger"
	"github.com/feedline/realtime-core/pkg/metrics"
)

// Subscription is the handle returned by every subscribe call.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// topic is one typed event stream. dispatchMu serializes delivery so each
// event is processed by all current subscribers before the next one of the
// same type; subMu guards the handler list independently so subscribing
// never blocks behind a dispatch in progress.
type topic[T any] struct {
	dispatchMu sync.Mutex

	subMu    sync.Mutex
	next     uint64
	ordered  []uint64
	handlers map[uint64]func(T)
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{handlers: make(map[uint64]func(T))}
}

func (t *topic[T]) subscribe(h func(T)) *Subscription {
	t.subMu.Lock()
	id := t.next
	t.next++
	t.ordered = append(t.ordered, id)
	t.handlers[id] = h
	t.subMu.Unlock()

	return &Subscription{cancel: func() {
		t.subMu.Lock()
		delete(t.handlers, id)
		for i, v := range t.ordered {
			if v == id {
				t.ordered = append(t.ordered[:i], t.ordered[i+1:]...)
				break
			}
		}
		t.subMu.Unlock()
	}}
}

func (t *topic[T]) publish(v T) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	t.subMu.Lock()
	snapshot := make([]func(T), 0, len(t.ordered))
	for _, id := range t.ordered {
		if h, ok := t.handlers[id]; ok {
			snapshot = append(snapshot, h)
		}
	}
	t.subMu.Unlock()

	for _, h := range snapshot {
		h(v)
	}
}

// Router is the typed event router.
type Router struct {
	logger *logger.Logger

	messages      *topic[model.MessageEvent]
	reactions     *topic[model.ReactionEvent]
	typing        *topic[model.TypingEvent]
	presence      *topic[model.StatusEvent]
	notifications *topic[model.NotificationEvent]
	deletions     *topic[model.ConversationDeletedEvent]
}

// New creates a Router with no subscribers.
func New(log *logger.Logger) *Router {
	return &Router{
		logger:        log.Named("router"),
		messages:      newTopic[model.MessageEvent](),
		reactions:     newTopic[model.ReactionEvent](),
		typing:        newTopic[model.TypingEvent](),
		presence:      newTopic[model.StatusEvent](),
		notifications: newTopic[model.NotificationEvent](),
		deletions:     newTopic[model.ConversationDeletedEvent](),
	}
}

// OnMessage subscribes to authoritative message events.
func (r *Router) OnMessage(h func(model.MessageEvent)) *Subscription {
	return r.messages.subscribe(h)
}

// OnReaction subscribes to reaction events.
func (r *Router) OnReaction(h func(model.ReactionEvent)) *Subscription {
	return r.reactions.subscribe(h)
}

// OnTyping subscribes to typing start/stop events.
func (r *Router) OnTyping(h func(model.TypingEvent)) *Subscription {
	return r.typing.subscribe(h)
}

// OnPresence subscribes to user status events.
func (r *Router) OnPresence(h func(model.StatusEvent)) *Subscription {
	return r.presence.subscribe(h)
}

// OnNotification subscribes to out-of-band notification events.
func (r *Router) OnNotification(h func(model.NotificationEvent)) *Subscription {
	return r.notifications.subscribe(h)
}

// OnConversationDeleted subscribes to conversation deletion events.
func (r *Router) OnConversationDeleted(h func(model.ConversationDeletedEvent)) *Subscription {
	return r.deletions.subscribe(h)
}

// Bind subscribes the router to every inbound domain event on the
// transport and returns a func that detaches all of them.
func (r *Router) Bind(tr transport.Transport) func() {
	unbinds := []func(){
		tr.On(model.EventReceiveMessage, decode(r, r.messages, model.EventReceiveMessage,
			func(ev model.MessageEvent) model.MessageEvent { return ev })),
		tr.On(model.EventMessageReaction, decode(r, r.reactions, model.EventMessageReaction,
			func(ev model.ReactionEvent) model.ReactionEvent { return ev })),
		tr.On(model.EventUserTyping, decode(r, r.typing, model.EventUserTyping,
			func(ev model.TypingEvent) model.TypingEvent { ev.Started = true; return ev })),
		tr.On(model.EventUserStoppedTyping, decode(r, r.typing, model.EventUserStoppedTyping,
			func(ev model.TypingEvent) model.TypingEvent { ev.Started = false; return ev })),
		tr.On(model.EventUserStatus, decode(r, r.presence, model.EventUserStatus,
			func(ev model.StatusEvent) model.StatusEvent { return ev })),
		tr.On(model.EventNotification, decode(r, r.notifications, model.EventNotification,
			func(ev model.NotificationEvent) model.NotificationEvent { return ev })),
		tr.On(model.EventConversationDeleted, decode(r, r.deletions, model.EventConversationDeleted,
			func(ev model.ConversationDeletedEvent) model.ConversationDeletedEvent { return ev })),
	}

	return func() {
		for _, u := range unbinds {
			u()
		}
	}
}

// decode builds a raw handler that unmarshals the payload, applies fixup
// and publishes to the topic.
func decode[T any](r *Router, t *topic[T], event string, fixup func(T) T) transport.Handler {
	return func(payload json.RawMessage) {
		var ev T
		if err := json.Unmarshal(payload, &ev); err != nil {
			r.logger.Warn("dropping undecodable event",
				zap.String("event", event), zap.Error(err))
			metrics.RecordDrop(event, "decode")
			return
		}
		metrics.RecordEvent(event)
		t.publish(fixup(ev))
	}
}
