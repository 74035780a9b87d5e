// Package eventbus provides a small synchronous pub/sub bus used to fan out
// internal lifecycle events (state changes, command transitions, GcdState
// changes) to whichever local subscribers care about them — the Privet
// notifications channel, tests, and anything else observing the agent.
package eventbus

import (
	"log/slog"
	"sync"
)

// Event is a single notification carried on the bus.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handler is a callback invoked for a matching Event.
type Handler func(Event)

// Bus is a typed-and-untyped pub/sub multiplexer. The zero value is not
// usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type. The returned func
// unsubscribes it.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler invoked for every event regardless of type.
func (b *Bus) OnAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit delivers event to every matching handler synchronously. A panicking
// handler is recovered and logged so one bad subscriber cannot take down the
// emitting goroutine (typically the controller's single actor loop).
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

func (b *Bus) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
