// Package pubsub provides a typed publish/subscribe topic scoped to the
// component that owns it.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Topic fans values out to listeners and channel subscribers.
//
// Listeners run synchronously on the publishing goroutine, in registration
// order, and must not block. Channel subscribers are buffered; a value that
// does not fit is dropped for that subscriber and counted.
type Topic[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []listener[T]
	subs      map[uint64]chan T
	dropped   atomic.Uint64
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// NewTopic creates an empty topic
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[uint64]chan T)}
}

// Listen registers fn and returns a function that removes it
func (t *Topic[T]) Listen(fn func(T)) (cancel func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listener[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, l := range t.listeners {
				if l.id == id {
					t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribe returns a buffered channel receiving every published value and a
// function that closes it
func (t *Topic[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to all listeners, then to all subscribers
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	listeners := make([]listener[T], len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()

	for _, l := range listeners {
		l.fn(v)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- v:
		default:
			t.dropped.Add(1)
		}
	}
}

// Dropped is the number of values subscribers missed because their buffer was full
func (t *Topic[T]) Dropped() uint64 {
	return t.dropped.Load()
}

// Close closes every subscriber channel and removes all listeners
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.listeners = nil
}
