// Package events provides the in-process publish/subscribe hub that fans
// server-pushed and client-local events out to application subscribers.
//
// Design goals:
//   - Best-effort delivery: a subscriber that panics never affects other
//     subscribers or the transport read loop.
//   - Registration-order dispatch per event name.
//   - No persistence or replay semantics (ephemeral stream).
package events

import (
	"sync"
	"unsafe"

	"github.com/taskhive/taskhive-go/pkg/log"
)

// Handler receives the unwrapped payload of one event occurrence.
type Handler func(payload any)

// handlerKey returns the address of fn's underlying function object, the
// identity On and Off match registrations by. Closures carrying captured
// state get their own function object per evaluation, so two closures built
// from the same source literal register independently; only the same value
// registered again counts as a duplicate. Registrations retain fn, which
// keeps the address live and unshared for as long as the key is held.
func handlerKey(fn Handler) uintptr {
	return *(*uintptr)(unsafe.Pointer(&fn))
}

type registration struct {
	key uintptr
	fn  Handler
}

// Hub is a concurrency-safe event registry. The transport read loop emits
// while application goroutines subscribe and unsubscribe.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	logger   *log.Logger
}

func NewHub() *Hub {
	return &Hub{
		handlers: make(map[string][]registration),
		logger:   log.ForComponent("events"),
	}
}

// On registers fn under event. Registering the same handler value again for
// the same event has no additional effect. Event names are not validated;
// unknown names are legal.
func (h *Hub) On(event string, fn Handler) {
	if fn == nil {
		return
	}
	key := handlerKey(fn)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, reg := range h.handlers[event] {
		if reg.key == key {
			return
		}
	}
	h.handlers[event] = append(h.handlers[event], registration{key: key, fn: fn})
}

// Off removes fn from event's subscribers; no-op when absent. Removal matches
// the exact value passed to On, so callers keep the handler they registered.
func (h *Hub) Off(event string, fn Handler) {
	if fn == nil {
		return
	}
	key := handlerKey(fn)
	h.mu.Lock()
	defer h.mu.Unlock()
	regs := h.handlers[event]
	for i, reg := range regs {
		if reg.key == key {
			h.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			if len(h.handlers[event]) == 0 {
				delete(h.handlers, event)
			}
			return
		}
	}
}

// Emit invokes every handler currently registered for event, in registration
// order. Handlers registered while an emission is in flight may miss that
// emission. A panicking handler is logged and the remaining handlers still
// run.
func (h *Hub) Emit(event string, payload any) {
	h.mu.RLock()
	regs := h.handlers[event]
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)
	h.mu.RUnlock()

	for _, reg := range snapshot {
		h.dispatch(event, reg.fn, payload)
	}
}

func (h *Hub) dispatch(event string, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("handler for %q panicked: %v", event, r)
		}
	}()
	fn(payload)
}

// Clear removes every registration for every event. The connection manager
// never calls this: registrations survive reconnects and token rotations.
// It exists for the hub owner's own teardown, a logout for instance.
func (h *Hub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = make(map[string][]registration)
}

// SubscriberCount returns the number of handlers registered for event.
func (h *Hub) SubscriberCount(event string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[event])
}
