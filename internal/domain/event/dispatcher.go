package event

import (
	"sync"
)

// EventHandler handles domain events
type EventHandler interface {
	// Handle processes the event
	Handle(event DomainEvent) error
	// HandledEvents returns the event names this handler handles; "*" means all
	HandledEvents() []string
}

// EventDispatcher dispatches domain events to registered handlers
type EventDispatcher interface {
	Dispatch(event DomainEvent)
	Subscribe(handler EventHandler)
	Unsubscribe(handler EventHandler)
}

// InMemoryDispatcher is an in-memory implementation of EventDispatcher.
// Handlers run on the dispatching goroutine, so per-key event order holds.
type InMemoryDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	onError  func(DomainEvent, error)
}

// NewInMemoryDispatcher creates a new InMemoryDispatcher
func NewInMemoryDispatcher() *InMemoryDispatcher {
	return &InMemoryDispatcher{
		handlers: make(map[string][]EventHandler),
	}
}

// OnError sets a callback for handler errors, which are otherwise dropped
func (d *InMemoryDispatcher) OnError(fn func(DomainEvent, error)) {
	d.mu.Lock()
	d.onError = fn
	d.mu.Unlock()
}

// Dispatch sends an event to all registered handlers
func (d *InMemoryDispatcher) Dispatch(event DomainEvent) {
	d.mu.RLock()
	named := d.handlers[event.EventName()]
	wildcard := d.handlers["*"]
	combined := make([]EventHandler, 0, len(named)+len(wildcard))
	combined = append(combined, named...)
	combined = append(combined, wildcard...)
	onError := d.onError
	d.mu.RUnlock()

	for _, handler := range combined {
		if err := handler.Handle(event); err != nil && onError != nil {
			onError(event, err)
		}
	}
}

// Subscribe registers a handler for events
func (d *InMemoryDispatcher) Subscribe(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, eventName := range handler.HandledEvents() {
		d.handlers[eventName] = append(d.handlers[eventName], handler)
	}
}

// Unsubscribe removes a handler
func (d *InMemoryDispatcher) Unsubscribe(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, eventName := range handler.HandledEvents() {
		handlers := d.handlers[eventName]
		for i, h := range handlers {
			if h == handler {
				d.handlers[eventName] = append(handlers[:i:i], handlers[i+1:]...)
				break
			}
		}
	}
}

// NullDispatcher is a no-op dispatcher for when events are not needed
type NullDispatcher struct{}

// Dispatch does nothing
func (NullDispatcher) Dispatch(event DomainEvent) {}

// Subscribe does nothing
func (NullDispatcher) Subscribe(handler EventHandler) {}

// Unsubscribe does nothing
func (NullDispatcher) Unsubscribe(handler EventHandler) {}
