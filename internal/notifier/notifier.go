// Package notifier implements the in-process publish/subscribe bus used by
// both boards and conductors to announce lifecycle events (spec.md §4.3).
package notifier

import (
	"reflect"
	"sync"
)

// Handler receives an event name and its accompanying details. A handler
// that panics is recovered by Notify and reported to the onError hook; it must not
// stop other handlers or the publisher from proceeding (spec.md §4.3).
type Handler func(event string, details map[string]any)

// Wildcard subscribes to every event.
const Wildcard = "*"

// Notifier is a small synchronous pub/sub bus. Handler lists are
// copy-on-write: Register/Deregister build a new slice rather than
// mutating one in place, so Notify can range over a stable snapshot while
// a concurrent subscriber registers or deregisters (spec.md §5).
type Notifier struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	onError  func(event string, r any)
}

// New returns an empty Notifier. onError, if non-nil, is invoked when a
// handler panics; otherwise panics are silently swallowed (callers
// typically pass a logger hook here).
func New(onError func(event string, r any)) *Notifier {
	return &Notifier{
		handlers: make(map[string][]Handler),
		onError:  onError,
	}
}

// Register adds handler for event (or for every event, via Wildcard).
func (n *Notifier) Register(event string, handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	existing := n.handlers[event]
	next := make([]Handler, len(existing), len(existing)+1)
	copy(next, existing)
	n.handlers[event] = append(next, handler)
}

// Deregister removes all registrations of handler for event. Handler
// values are compared by pointer identity (reflect.ValueOf(...).Pointer()),
// matching typical Go closure-comparison semantics.
func (n *Notifier) Deregister(event string, handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	existing := n.handlers[event]
	if len(existing) == 0 {
		return
	}
	target := handlerIdentity(handler)
	next := make([]Handler, 0, len(existing))
	for _, h := range existing {
		if handlerIdentity(h) != target {
			next = append(next, h)
		}
	}
	n.handlers[event] = next
}

// Notify invokes every handler registered for event, then every handler
// registered for Wildcard, in registration order, synchronously on the
// calling goroutine. A handler panic is recovered and reported via
// onError; it does not interrupt remaining handlers.
func (n *Notifier) Notify(event string, details map[string]any) {
	n.mu.Lock()
	specific := n.handlers[event]
	wild := n.handlers[Wildcard]
	n.mu.Unlock()

	for _, h := range specific {
		n.invoke(h, event, details)
	}
	if event != Wildcard {
		for _, h := range wild {
			n.invoke(h, event, details)
		}
	}
}

func handlerIdentity(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

func (n *Notifier) invoke(h Handler, event string, details map[string]any) {
	defer func() {
		if r := recover(); r != nil && n.onError != nil {
			n.onError(event, r)
		}
	}()
	h(event, details)
}
