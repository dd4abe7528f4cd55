// Package events provides an in-process, ordered pub/sub registry keyed by topic.
package events

import (
	"errors"
	"fmt"
	"sync"
)

// Handler reacts to a published value.
type Handler[T any] func(value T) error

// HandlerError reports a single failed delivery.
type HandlerError struct {
	Topic string
	Index int
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("events: handler %d on %q: %v", e.Index, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ErrHandlerPanic is wrapped into the HandlerError of a handler that panicked.
var ErrHandlerPanic = errors.New("handler panicked")

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Bus fans values out to subscribers in registration order.
// A failing or panicking handler never prevents delivery to the others.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription[T]
	nextID      uint64
}

// NewBus constructs an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subscribers: make(map[string][]subscription[T])}
}

// Subscribe registers a handler for topic and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *Bus[T]) Subscribe(topic string, handler Handler[T]) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[topic] = append(b.subscribers[topic], subscription[T]{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus[T]) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	kept := make([]subscription[T], 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subscribers, topic)
		return
	}
	b.subscribers[topic] = kept
}

// Publish delivers value to every handler of topic synchronously, in order.
// It returns the joined handler failures, or nil when all succeeded.
func (b *Bus[T]) Publish(topic string, value T) error {
	b.mu.RLock()
	subs := append([]subscription[T](nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	var errs []error
	for i, s := range subs {
		if err := deliver(s.handler, value); err != nil {
			errs = append(errs, &HandlerError{Topic: topic, Index: i, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of handlers registered for topic.
func (b *Bus[T]) Len(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func deliver[T any](handler Handler[T], value T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(value)
}
