package graph

import "sync"

// EventHandler receives an event name and an arbitrary payload. Delivery is
// synchronous; handlers registered for the same event run in registration
// order.
type EventHandler func(event string, payload any)

type subscription struct {
	id      uint64
	handler EventHandler
	once    bool
}

// EventEmitter is a minimal synchronous pub/sub hub used by tasks, edges and
// the runner to surface lifecycle notifications (graph_progress, per-task
// status transitions, stream chunks). It intentionally does not buffer or
// order events across listeners: handlers run inline, on the goroutine that
// calls Emit, in registration order for a given event name.
type EventEmitter struct {
	mu       sync.Mutex
	handlers map[string][]subscription
	nextID   uint64
}

// NewEventEmitter constructs an empty EventEmitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{handlers: make(map[string][]subscription)}
}

// On registers handler for event and returns an id usable with Off.
func (e *EventEmitter) On(event string, handler EventHandler) uint64 {
	return e.subscribe(event, handler, false)
}

// Once registers handler for event; it is automatically removed after its
// first invocation.
func (e *EventEmitter) Once(event string, handler EventHandler) uint64 {
	return e.subscribe(event, handler, true)
}

func (e *EventEmitter) subscribe(event string, handler EventHandler, once bool) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers[event] = append(e.handlers[event], subscription{id: id, handler: handler, once: once})
	return id
}

// Off removes a previously registered handler by id. event must match the
// event name it was registered under.
func (e *EventEmitter) Off(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.handlers[event]
	for i, s := range subs {
		if s.id == id {
			e.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit synchronously invokes every handler registered for event, passing
// payload. Handlers registered via Once are removed after firing.
func (e *EventEmitter) Emit(event string, payload any) {
	e.mu.Lock()
	subs := append([]subscription(nil), e.handlers[event]...)
	if remaining := filterOnce(e.handlers[event]); len(remaining) != len(subs) {
		e.handlers[event] = remaining
	}
	e.mu.Unlock()

	for _, s := range subs {
		s.handler(event, payload)
	}
}

func filterOnce(subs []subscription) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if !s.once {
			out = append(out, s)
		}
	}
	return out
}

// WaitOn blocks until event fires once, returning its payload. It is a thin
// convenience wrapper over Once for callers that want to await a single
// lifecycle transition (e.g. a task reaching StatusCompleted).
func (e *EventEmitter) WaitOn(event string) any {
	ch := make(chan any, 1)
	e.Once(event, func(_ string, payload any) { ch <- payload })
	return <-ch
}
