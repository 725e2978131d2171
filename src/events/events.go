// Package events provides a thread-safe event emitter used as the
// UI-facing progress channel threaded through provisioning and launch.
package events

import "sync"

// Event is a single emitted occurrence. Kind identifies the event type
// (e.g. "library_download_start", "asset_done", "processor_output");
// Data carries whatever payload that kind defines and may be nil.
type Event struct {
	Kind string
	Data any
}

// Emitter provides a mechanism for event handling: registering listeners
// and emitting events. It is thread-safe using a sync.RWMutex.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]func(Event)
	wildcard  []func(Event)
}

// New creates and returns a new initialized Emitter.
func New() *Emitter {
	return &Emitter{
		listeners: make(map[string][]func(Event)),
	}
}

// On registers a handler function to be called whenever the specified
// kind is emitted. Multiple handlers can be registered for the same kind.
func (e *Emitter) On(kind string, handler func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[kind] = append(e.listeners[kind], handler)
}

// OnAny registers a handler called for every emitted event regardless of kind.
func (e *Emitter) OnAny(handler func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wildcard = append(e.wildcard, handler)
}

// Emit executes all registered handlers for the specified kind, passing
// the provided data. Handlers are called synchronously, outside any lock.
func (e *Emitter) Emit(kind string, data any) {
	e.mu.RLock()
	handlers := e.listeners[kind]
	wildcard := e.wildcard
	e.mu.RUnlock()

	ev := Event{Kind: kind, Data: data}
	for _, handler := range handlers {
		handler(ev)
	}
	for _, handler := range wildcard {
		handler(ev)
	}
}

// Nop returns an Emitter with no listeners; callers that accept an
// optional emitter can default to this instead of nil-checking everywhere.
func Nop() *Emitter {
	return New()
}
