// Package notify fans values out to synchronous subscribers in order.
package notify

import (
	"sync"
	"sync/atomic"
)

// Hub delivers published values to subscribers in subscription order.
// Values are delivered one at a time in publish order; a value published from
// inside a subscriber is queued and delivered after the current round.
type Hub[T any] struct {
	onPanic func(recovered any)

	lock        sync.Mutex
	subscribers []*subscriber[T]
	nextID      uint64
	queue       []T
	dispatching bool
}

type subscriber[T any] struct {
	id     uint64
	fn     func(T)
	active atomic.Bool
}

// NewHub creates a hub. onPanic, when set, receives values recovered from
// panicking subscribers; other subscribers still run.
func NewHub[T any](onPanic func(recovered any)) *Hub[T] {
	return &Hub[T]{onPanic: onPanic}
}

// Subscribe adds fn. The returned function removes it; it is idempotent and
// safe to call from inside fn. A removed subscriber receives nothing more.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	sub := &subscriber[T]{fn: fn}
	sub.active.Store(true)

	h.lock.Lock()
	h.nextID++
	sub.id = h.nextID
	h.subscribers = append(h.subscribers, sub)
	h.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			h.lock.Lock()
			defer h.lock.Unlock()
			for i, s := range h.subscribers {
				if s.id == sub.id {
					h.subscribers = append(h.subscribers[:i:i], h.subscribers[i+1:]...)
					break
				}
			}
		})
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.subscribers)
}

// Enqueue queues v without delivering it. Callers that must order values
// with their own state enqueue under their lock and Drain after releasing it.
func (h *Hub[T]) Enqueue(v T) {
	h.lock.Lock()
	h.queue = append(h.queue, v)
	h.lock.Unlock()
}

// Drain delivers queued values unless another goroutine already is, in which
// case that goroutine delivers them.
func (h *Hub[T]) Drain() {
	h.lock.Lock()
	if h.dispatching {
		h.lock.Unlock()
		return
	}
	h.dispatching = true
	for len(h.queue) > 0 {
		v := h.queue[0]
		h.queue = h.queue[1:]
		subs := append([]*subscriber[T](nil), h.subscribers...)
		h.lock.Unlock()

		for _, s := range subs {
			if s.active.Load() {
				h.deliver(s, v)
			}
		}

		h.lock.Lock()
	}
	h.dispatching = false
	h.lock.Unlock()
}

// Publish enqueues v and drains.
func (h *Hub[T]) Publish(v T) {
	h.Enqueue(v)
	h.Drain()
}

func (h *Hub[T]) deliver(s *subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil && h.onPanic != nil {
			h.onPanic(r)
		}
	}()
	s.fn(v)
}
