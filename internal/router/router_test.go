package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/realtime-core/internal/model"
	"github.com/feedline/realtime-core/internal/transport"
	"github.com/feedline/realtime-core/pkg/logger"
)

// fakeTransport lets tests fire raw inbound events at the router.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string][]transport.Handler
	removed  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeTransport) Connect(ctx context.Context) error    { return nil }
func (f *fakeTransport) Disconnect() error                    { return nil }
func (f *fakeTransport) Connected() bool                      { return true }
func (f *fakeTransport) Emit(event string, payload any) error { return nil }
func (f *fakeTransport) SetToken(token string)                {}

func (f *fakeTransport) On(event string, h transport.Handler) func() {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	idx := len(f.handlers[event]) - 1
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handlers[event][idx] = nil
		f.removed++
		f.mu.Unlock()
	}
}

func (f *fakeTransport) fire(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	snapshot := append([]transport.Handler{}, f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range snapshot {
		if h != nil {
			h(data)
		}
	}
}

func (f *fakeTransport) liveHandlers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		for _, h := range hs {
			if h != nil {
				n++
			}
		}
	}
	return n
}

func TestTypedDispatch(t *testing.T) {
	r := New(logger.NewNop())
	ft := newFakeTransport()
	unbind := r.Bind(ft)
	defer unbind()

	var messages []model.MessageEvent
	var reactions []model.ReactionEvent
	r.OnMessage(func(ev model.MessageEvent) { messages = append(messages, ev) })
	r.OnReaction(func(ev model.ReactionEvent) { reactions = append(reactions, ev) })

	ft.fire(t, model.EventReceiveMessage, model.MessageEvent{
		ID: "m1", ConversationID: "conv-1", SenderID: "u1", Content: "hi",
	})
	ft.fire(t, model.EventMessageReaction, model.ReactionEvent{
		ConversationID: "conv-1", MessageID: "m1", UserID: "u2", Emoji: "👍",
	})

	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].ID)
	require.Len(t, reactions, 1)
	assert.Equal(t, "👍", reactions[0].Emoji)
}

func TestTypingStartStopFoldedIntoOneStream(t *testing.T) {
	r := New(logger.NewNop())
	ft := newFakeTransport()
	defer r.Bind(ft)()

	var seen []model.TypingEvent
	r.OnTyping(func(ev model.TypingEvent) { seen = append(seen, ev) })

	ft.fire(t, model.EventUserTyping, model.TypingEvent{ConversationID: "conv-1", UserID: "u1"})
	ft.fire(t, model.EventUserStoppedTyping, model.TypingEvent{ConversationID: "conv-1", UserID: "u1"})

	require.Len(t, seen, 2)
	assert.True(t, seen[0].Started)
	assert.False(t, seen[1].Started)
}

func TestAllSubscribersSeeEachEventInOrder(t *testing.T) {
	r := New(logger.NewNop())
	ft := newFakeTransport()
	defer r.Bind(ft)()

	// Each subscriber's view must list every event in arrival order, and
	// the interleaved trace must complete each event's fan-out before the
	// next event of the same type starts.
	var trace []string
	r.OnMessage(func(ev model.MessageEvent) { trace = append(trace, "a:"+ev.ID) })
	r.OnMessage(func(ev model.MessageEvent) { trace = append(trace, "b:"+ev.ID) })

	ft.fire(t, model.EventReceiveMessage, model.MessageEvent{ID: "m1"})
	ft.fire(t, model.EventReceiveMessage, model.MessageEvent{ID: "m2"})

	assert.Equal(t, []string{"a:m1", "b:m1", "a:m2", "b:m2"}, trace)
}

func TestUnsubscribeIsTotalAndIdempotent(t *testing.T) {
	r := New(logger.NewNop())
	ft := newFakeTransport()
	defer r.Bind(ft)()

	var got int
	sub := r.OnMessage(func(model.MessageEvent) { got++ })

	ft.fire(t, model.EventReceiveMessage, model.MessageEvent{ID: "m1"})
	sub.Unsubscribe()
	sub.Unsubscribe()
	ft.fire(t, model.EventReceiveMessage, model.MessageEvent{ID: "m2"})

	assert.Equal(t, 1, got)
}

func TestUnbindDetachesEveryHandler(t *testing.T) {
	r := New(logger.NewNop())
	ft := newFakeTransport()

	unbind := r.Bind(ft)
	require.Equal(t, 7, ft.liveHandlers(), "one handler per inbound domain event")

	unbind()
	assert.Zero(t, ft.liveHandlers(), "no leaked handlers after unbind")
}

func TestUndecodablePayloadDropped(t *testing.T) {
	r := New(logger.NewNop())
	ft := newFakeTransport()
	defer r.Bind(ft)()

	var got int
	r.OnMessage(func(model.MessageEvent) { got++ })

	ft.mu.Lock()
	handlers := append([]transport.Handler{}, ft.handlers[model.EventReceiveMessage]...)
	ft.mu.Unlock()
	for _, h := range handlers {
		h(json.RawMessage(`{"id": 42`)) // truncated
	}

	assert.Zero(t, got)
}
