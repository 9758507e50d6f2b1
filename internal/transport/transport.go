// Package transport abstracts the persistent bidirectional connection to
// the messaging backend. Implementations deliver named inbound events and
// accept named outbound emits; transient failures are retried by the
// transport itself, while connect_error events surface failure reasons to
// the lifecycle manager for credential classification.
package transport

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Handler receives the raw payload of one inbound event.
type Handler func(payload json.RawMessage)

// Transport is a single persistent connection. Implementations synthesize
// the connect, disconnect and connect_error meta events alongside the
// domain events delivered by the backend.
type Transport interface {
	// Connect opens the connection. It is a no-op when already connected.
	Connect(ctx context.Context) error
	// Disconnect closes the connection and stops any internal retrying.
	Disconnect() error
	// Connected reports whether the connection is currently open.
	Connected() bool
	// Emit sends an outbound event. Payload is JSON-marshaled.
	Emit(event string, payload any) error
	// On subscribes to an inbound event and returns an unsubscribe func.
	On(event string, h Handler) func()
	// SetToken updates the credentials used for subsequent (re)connects.
	SetToken(token string)
}

// handlerSet is the shared raw-event registry used by both transports.
// Dispatch preserves registration order per event.
type handlerSet struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string]map[uint64]Handler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string]map[uint64]Handler)}
}

func (s *handlerSet) on(event string, h Handler) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	m := s.handlers[event]
	if m == nil {
		m = make(map[uint64]Handler)
		s.handlers[event] = m
	}
	m[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if m := s.handlers[event]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(s.handlers, event)
			}
		}
		s.mu.Unlock()
	}
}

func (s *handlerSet) dispatch(event string, payload json.RawMessage) {
	s.mu.RLock()
	m := s.handlers[event]
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]Handler, len(ids))
	for i, id := range ids {
		snapshot[i] = m[id]
	}
	s.mu.RUnlock()

	for _, h := range snapshot {
		h(payload)
	}
}
