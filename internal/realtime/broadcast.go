package realtime

import (
	"sync"

	"github.com/pairup-app/realtime-core/pkg/metrics"
)

const defaultStreamBuffer = 64

// broadcaster fans values out to listeners over buffered channels. A lagging
// listener never blocks the publisher: in drop mode the new value is dropped
// for that listener, in keepLatest mode the oldest pending value is evicted so
// the listener always ends up with the most recent state.
type broadcaster[T any] struct {
	mu         sync.Mutex
	listeners  map[uint64]chan T
	nextID     uint64
	bufSize    int
	name       string
	keepLatest bool
	closed     bool
}

func newBroadcaster[T any](name string, bufSize int, keepLatest bool) *broadcaster[T] {
	if bufSize <= 0 {
		bufSize = defaultStreamBuffer
	}
	return &broadcaster[T]{
		listeners:  make(map[uint64]chan T),
		bufSize:    bufSize,
		name:       name,
		keepLatest: keepLatest,
	}
}

// Subscribe registers a listener. The returned cancel func is idempotent and
// closes the channel.
func (b *broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.listeners[id] = ch

	return ch, func() { b.unsubscribe(id) }
}

func (b *broadcaster[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.listeners[id]; ok {
		delete(b.listeners, id)
		close(ch)
	}
}

// Publish delivers v to every listener without blocking.
func (b *broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.listeners {
		select {
		case ch <- v:
			continue
		default:
		}

		if !b.keepLatest {
			metrics.StreamDropsTotal.WithLabelValues(b.name).Inc()
			continue
		}

		// Evict the oldest pending value; the listener may have drained
		// concurrently, in which case the first select already had room.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
			metrics.StreamDropsTotal.WithLabelValues(b.name).Inc()
		}
	}
}

// Size returns the number of registered listeners.
func (b *broadcaster[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Close closes every listener channel. Later subscribers get a closed channel.
func (b *broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.listeners {
		delete(b.listeners, id)
		close(ch)
	}
}
