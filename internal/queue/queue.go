// Package queue provides the bounded, overflow-tolerant FIFOs that sit
// between plugin processes and their consumers. When a queue is full the
// oldest item is evicted to admit the new one.
package queue

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/metrics"
)

// ErrClosed is returned by any operation on a queue after Close.
var ErrClosed = errors.New("queue closed")

// DefaultCapacity is used when a queue is created with a non-positive capacity.
const DefaultCapacity = 100

// Item is an opaque entry held by a queue.
type Item struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bounded is a fixed-capacity ring that never blocks producers.
type Bounded struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	ring    []Item
	start   int
	size    int
	closed  bool
	evicted uint64
}

// New creates a queue. name labels log lines and metrics.
func New(name string, capacity int) *Bounded {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bounded{
		name:   name,
		logger: log.WithComponent("queue").With("queue", name),
		ring:   make([]Item, capacity),
	}
}

// Enqueue appends item, evicting exactly the oldest item first when the
// queue is at capacity. It never blocks and fails only after Close.
func (q *Bounded) Enqueue(item Item) error {
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now().UTC()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Error("enqueue on closed queue", "type", item.Type)
		return ErrClosed
	}

	capacity := len(q.ring)
	evicted := false
	if q.size < capacity {
		q.ring[(q.start+q.size)%capacity] = item
		q.size++
	} else {
		// Overwrite oldest.
		q.ring[q.start] = item
		q.start = (q.start + 1) % capacity
		q.evicted++
		evicted = true
	}
	size := q.size
	q.mu.Unlock()

	if evicted {
		metrics.QueueEvicted(q.name)
		q.logger.Debug("queue full, evicted oldest item")
	}
	metrics.QueueDepth(q.name, size)
	return nil
}

// DequeueBatch removes and returns up to max items, oldest first. It never
// waits; an empty queue yields an empty slice.
func (q *Bounded) DequeueBatch(max int) ([]Item, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Error("dequeue on closed queue")
		return nil, ErrClosed
	}

	n := q.size
	if max >= 0 && max < n {
		n = max
	}
	out := make([]Item, n)
	capacity := len(q.ring)
	for i := 0; i < n; i++ {
		idx := (q.start + i) % capacity
		out[i] = q.ring[idx]
		q.ring[idx] = Item{}
	}
	q.start = (q.start + n) % capacity
	q.size -= n
	size := q.size
	q.mu.Unlock()

	metrics.QueueDepth(q.name, size)
	return out, nil
}

// Len returns the number of items currently held.
func (q *Bounded) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the configured capacity.
func (q *Bounded) Cap() int {
	return len(q.ring)
}

// Evicted returns how many items have been dropped at capacity.
func (q *Bounded) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

func (q *Bounded) Name() string {
	return q.name
}

// Close marks the queue closed and drops any remaining items. It is safe
// to call more than once.
func (q *Bounded) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ring = make([]Item, len(q.ring))
	q.start, q.size = 0, 0
}
