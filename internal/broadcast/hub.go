// Package broadcast is a small in-process pub/sub hub. Subscribers get a
// buffered channel per topic; a slow subscriber loses events instead of
// blocking the publisher. Messages marked as priority evict the oldest
// buffered message rather than being dropped.
package broadcast

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 32

// Message is an event published on a channel.
type Message[T any] struct {
	Channel string
	Payload T
}

type subscriber[T any] struct {
	channel string // empty receives every channel
	ch      chan Message[T]
}

// Hub fans out messages to the subscribers of a channel.
type Hub[T any] struct {
	mu      sync.RWMutex
	subs    map[*subscriber[T]]struct{}
	buffer  int
	dropped atomic.Int64
	closed  bool

	priority func(T) bool
}

// Option configures a Hub.
type Option[T any] func(*Hub[T])

// WithPriority marks the payloads a full subscriber must still receive, such as
// the terminal event of a transfer. A priority message may be moved behind
// newer messages to make room, so it should be the last one of its stream.
func WithPriority[T any](fn func(T) bool) Option[T] {
	return func(h *Hub[T]) {
		h.priority = fn
	}
}

// NewHub creates a Hub whose subscriber channels hold buffer messages.
func NewHub[T any](buffer int, opts ...Option[T]) *Hub[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	h := &Hub[T]{
		subs:   make(map[*subscriber[T]]struct{}),
		buffer: buffer,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Subscribe returns a stream of the messages published on channel and a func
// that ends the subscription and closes the stream.
func (h *Hub[T]) Subscribe(channel string) (<-chan Message[T], func()) {
	return h.subscribe(channel)
}

// SubscribeAll receives the messages of every channel.
func (h *Hub[T]) SubscribeAll() (<-chan Message[T], func()) {
	return h.subscribe("")
}

func (h *Hub[T]) subscribe(channel string) (<-chan Message[T], func()) {
	s := &subscriber[T]{channel: channel, ch: make(chan Message[T], h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(s.ch)

		return s.ch, func() {}
	}

	h.subs[s] = struct{}{}

	var once sync.Once

	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.ch)
			}
		})
	}
}

// Publish delivers payload to the subscribers of channel without blocking.
func (h *Hub[T]) Publish(channel string, payload T) {
	msg := Message[T]{Channel: channel, Payload: payload}
	priority := h.priority != nil && h.priority(payload)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		if s.channel != "" && s.channel != channel {
			continue
		}

		if !h.deliver(s, msg, priority) {
			h.dropped.Add(1)
		}
	}
}

// deliver never blocks. A priority message that finds the buffer full makes
// room by discarding the oldest ordinary message; older priority messages are
// requeued behind it.
func (h *Hub[T]) deliver(s *subscriber[T], msg Message[T], priority bool) bool {
	if trySend(s.ch, msg) {
		return true
	}

	if !priority {
		return false
	}

	for range h.buffer {
		var old Message[T]

		select {
		case old = <-s.ch:
		default:
			// drained by the reader meanwhile
			return trySend(s.ch, msg)
		}

		if !h.priority(old.Payload) {
			h.dropped.Add(1)

			return trySend(s.ch, msg)
		}

		if !trySend(s.ch, old) {
			h.dropped.Add(1)
		}
	}

	return false
}

func trySend[T any](ch chan Message[T], msg Message[T]) bool {
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub[T]) Dropped() int64 {
	return h.dropped.Load()
}

// Close ends every subscription. Publish after Close is a no-op.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}
