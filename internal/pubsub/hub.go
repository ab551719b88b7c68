// Package pubsub is an in-process fan-out with ordered, asynchronous delivery.
package pubsub

import (
	"sync"
	"sync/atomic"
)

type subscriber[T any] struct {
	fn     func(T)
	active atomic.Bool
}

// Hub delivers published values to subscribers on a single dispatcher
// goroutine, in publish order. A callback may publish, subscribe or
// unsubscribe without deadlocking. Once unsubscribe returns, that callback
// is not invoked again unless it is the one currently running.
type Hub[T any] struct {
	mu     sync.Mutex
	queue  []T
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool

	wake chan struct{}
	done chan struct{}
	idle *sync.Cond
	busy bool
}

func NewHub[T any]() *Hub[T] {
	h := &Hub[T]{
		subs: make(map[uint64]*subscriber[T]),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.idle = sync.NewCond(&h.mu)
	go h.run()
	return h
}

func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	sub := &subscriber[T]{fn: fn}
	sub.active.Store(true)
	h.subs[id] = sub

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.queue = append(h.queue, v)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every value published before the call was delivered.
// It must not be called from a subscriber callback.
func (h *Hub[T]) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for (len(h.queue) > 0 || h.busy) && !h.closed {
		h.idle.Wait()
	}
}

// Close stops the dispatcher. Values still queued are dropped.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.queue = nil
	h.idle.Broadcast()
	h.mu.Unlock()
	close(h.done)
}

func (h *Hub[T]) run() {
	for {
		select {
		case <-h.done:
			return
		case <-h.wake:
		}

		for {
			h.mu.Lock()
			if h.closed || len(h.queue) == 0 {
				h.busy = false
				h.idle.Broadcast()
				h.mu.Unlock()
				break
			}
			batch := h.queue
			h.queue = nil
			h.busy = true
			subs := make([]*subscriber[T], 0, len(h.subs))
			for _, s := range h.subs {
				subs = append(subs, s)
			}
			h.mu.Unlock()

			for _, v := range batch {
				for _, s := range subs {
					if s.active.Load() {
						s.fn(v)
					}
				}
			}
		}
	}
}
