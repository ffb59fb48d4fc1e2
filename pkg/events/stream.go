package events

import (
	"sync"
	"sync/atomic"
)

// Event pairs an event name with its unwrapped payload, ready for NDJSON
// output or channel consumption.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Stream bridges hub subscriptions into a buffered channel for consumers
// that want to range over events instead of registering callbacks (the tail
// command). Delivery is best-effort: when the buffer is full, events are
// dropped for this stream only, never backpressuring the transport.
type Stream struct {
	hub      *Hub
	ch       chan Event
	handlers map[string]Handler
	dropped  atomic.Uint64
	once     sync.Once
}

// NewStream subscribes to the given event names on hub. If bufSize <= 0, a
// default of 32 is used. Callers must Close the stream to unsubscribe.
func NewStream(hub *Hub, bufSize int, names ...string) *Stream {
	if bufSize <= 0 {
		bufSize = 32
	}
	s := &Stream{
		hub:      hub,
		ch:       make(chan Event, bufSize),
		handlers: make(map[string]Handler, len(names)),
	}
	for _, name := range names {
		if _, ok := s.handlers[name]; ok {
			continue
		}
		fn := s.handlerFor(name)
		s.handlers[name] = fn
		hub.On(name, fn)
	}
	return s
}

func (s *Stream) handlerFor(name string) Handler {
	return func(payload any) {
		select {
		case s.ch <- Event{Name: name, Payload: payload}:
		default:
			s.dropped.Add(1)
		}
	}
}

// Events returns the receive channel. It is never closed: an emission can
// still be in flight when Close unsubscribes, so consumers select against
// their own cancellation instead of waiting for channel closure.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes the stream from the hub. Safe to call multiple times.
func (s *Stream) Close() {
	s.once.Do(func() {
		for name, fn := range s.handlers {
			s.hub.Off(name, fn)
		}
	})
}
