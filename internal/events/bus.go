// Package events is the in-process publish/subscribe used to rebroadcast
// accepted updates to decoupled consumers.
package events

import (
	"sync"

	"github.com/Chukowski/pictureme-business-sub001/internal/metrics"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

// Topic names, used for metrics and logs.
const (
	TopicTokensUpdated = "tokens-updated"
	TopicJobUpdated    = "job-updated"
)

// Topic delivers values of one type to any number of listeners. Delivery is
// synchronous on the publishing goroutine, in registration order.
type Topic[T any] struct {
	name string

	mu        sync.RWMutex
	nextID    uint64
	order     []uint64
	listeners map[uint64]func(T)
}

// NewTopic creates an empty topic.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{
		name:      name,
		listeners: make(map[uint64]func(T)),
	}
}

// Subscribe registers fn and returns the function that removes it. The
// returned function is safe to call more than once.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.order = append(t.order, id)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.listeners, id)
	out := t.order[:0]
	for _, v := range t.order {
		if v != id {
			out = append(out, v)
		}
	}
	t.order = out
}

// Publish calls every listener registered at the time of the call.
// Listeners may subscribe or unsubscribe from inside the callback.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	fns := make([]func(T), 0, len(t.order))
	for _, id := range t.order {
		fns = append(fns, t.listeners[id])
	}
	t.mu.RUnlock()

	metrics.BusPublishedTotal.WithLabelValues(t.name).Inc()
	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners)
}

// Bus groups the application's topics.
type Bus struct {
	Tokens *Topic[model.TokensUpdated]
	Jobs   *Topic[model.JobUpdate]
}

// NewBus creates a bus with all topics ready.
func NewBus() *Bus {
	return &Bus{
		Tokens: NewTopic[model.TokensUpdated](TopicTokensUpdated),
		Jobs:   NewTopic[model.JobUpdate](TopicJobUpdated),
	}
}
