package spareplate

import (
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Event Fan-out Registry
// ============================================================================

// NewMessageHandler observes new-message events.
type NewMessageHandler func(NewMessageEvent)

// ConversationStartedHandler observes conversation-started events.
type ConversationStartedHandler func(ConversationStartedEvent)

// Registry decouples raw connection events from application listeners.
// Locally synthesized events (for example a message the user just sent)
// are published through the same path as transport events, so subscribers
// cannot tell origin apart.
//
// Handlers run synchronously in registration order. A panicking handler is
// recovered and logged; the remaining handlers still run.
type Registry struct {
	mu          sync.Mutex
	nextID      uint64
	newMessage  []newMessageEntry
	convStarted []convStartedEntry
	log         *zap.Logger
}

type newMessageEntry struct {
	id uint64
	fn NewMessageHandler
}

type convStartedEntry struct {
	id uint64
	fn ConversationStartedHandler
}

// NewRegistry creates a registry. log may be nil.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log}
}

// SubscribeNewMessage registers a handler and returns a function that
// removes exactly that registration. Registering the same handler twice
// yields two distinct registrations.
func (r *Registry) SubscribeNewMessage(h NewMessageHandler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.newMessage = append(r.newMessage, newMessageEntry{id: id, fn: h})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.newMessage {
			if e.id == id {
				r.newMessage = append(r.newMessage[:i:i], r.newMessage[i+1:]...)
				return
			}
		}
	}
}

// SubscribeConversationStarted registers a handler and returns its
// unsubscribe function.
func (r *Registry) SubscribeConversationStarted(h ConversationStartedHandler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.convStarted = append(r.convStarted, convStartedEntry{id: id, fn: h})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.convStarted {
			if e.id == id {
				r.convStarted = append(r.convStarted[:i:i], r.convStarted[i+1:]...)
				return
			}
		}
	}
}

// PublishNewMessage invokes every registered new-message handler.
func (r *Registry) PublishNewMessage(ev NewMessageEvent) {
	r.mu.Lock()
	entries := append([]newMessageEntry(nil), r.newMessage...)
	r.mu.Unlock()

	for _, e := range entries {
		r.invoke(func() { e.fn(ev) })
	}
}

// PublishConversationStarted invokes every registered
// conversation-started handler.
func (r *Registry) PublishConversationStarted(ev ConversationStartedEvent) {
	r.mu.Lock()
	entries := append([]convStartedEntry(nil), r.convStarted...)
	r.mu.Unlock()

	for _, e := range entries {
		r.invoke(func() { e.fn(ev) })
	}
}

// invoke isolates one handler call so a panic cannot starve the rest.
func (r *Registry) invoke(f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("event handler panicked", zap.Any("panic", rec))
		}
	}()
	f()
}
