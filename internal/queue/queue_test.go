package queue

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func numbered(i int) Item {
	return Item{Type: "n", Payload: json.RawMessage(strconv.Itoa(i))}
}

func payloadInt(t interface{ Fatalf(string, ...any) }, it Item) int {
	n, err := strconv.Atoi(string(it.Payload))
	if err != nil {
		t.Fatalf("bad payload %q: %v", it.Payload, err)
	}
	return n
}

func TestOverflowKeepsNewest(t *testing.T) {
	q := New("events", 100)
	for i := 1; i <= 150; i++ {
		require.NoError(t, q.Enqueue(numbered(i)))
	}

	assert.Equal(t, 100, q.Len())
	assert.Equal(t, uint64(50), q.Evicted())

	items, err := q.DequeueBatch(1000)
	require.NoError(t, err)
	require.Len(t, items, 100)
	for i, it := range items {
		assert.Equal(t, 51+i, payloadInt(t, it), "position %d", i)
	}
	assert.Equal(t, 0, q.Len())
}

func TestDequeueBatchEmptyDoesNotBlock(t *testing.T) {
	q := New("messages", 4)
	items, err := q.DequeueBatch(10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDequeueBatchPartial(t *testing.T) {
	q := New("messages", 10)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(numbered(i)))
	}

	first, err := q.DequeueBatch(2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 0, payloadInt(t, first[0]))

	rest, err := q.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, 2, payloadInt(t, rest[0]))
}

func TestEnqueueStampsTimestamp(t *testing.T) {
	q := New("events", 1)
	require.NoError(t, q.Enqueue(Item{Type: "x"}))
	items, _ := q.DequeueBatch(1)
	require.Len(t, items, 1)
	assert.False(t, items[0].Timestamp.IsZero())
}

func TestClosedQueue(t *testing.T) {
	q := New("events", 2)
	require.NoError(t, q.Enqueue(numbered(1)))
	q.Close()
	q.Close()

	assert.True(t, errors.Is(q.Enqueue(numbered(2)), ErrClosed))
	_, err := q.DequeueBatch(1)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, 0, q.Len())
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New("x", 0).Cap())
}

func TestConcurrentProducersNeverExceedCapacity(t *testing.T) {
	q := New("events", 16)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = q.Enqueue(numbered(p*1000 + i))
				if q.Len() > q.Cap() {
					t.Errorf("size %d exceeds capacity", q.Len())
				}
			}
		}(p)
	}
	wg.Wait()
	assert.Equal(t, 16, q.Len())
	assert.Equal(t, uint64(8*200-16), q.Evicted())
}

// The queue always holds the most recent min(n, capacity) items in order.
func TestEvictionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 50).Draw(t, "capacity")
		n := rapid.IntRange(0, 200).Draw(t, "n")

		q := New("prop", capacity)
		for i := 0; i < n; i++ {
			if err := q.Enqueue(numbered(i)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if q.Len() > capacity {
				t.Fatalf("size %d exceeds capacity %d", q.Len(), capacity)
			}
		}

		items, err := q.DequeueBatch(n + 1)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		want := n
		if want > capacity {
			want = capacity
		}
		if len(items) != want {
			t.Fatalf("got %d items, want %d", len(items), want)
		}
		for i, it := range items {
			if got := payloadInt(t, it); got != n-want+i {
				t.Fatalf("item %d = %d, want %d", i, got, n-want+i)
			}
		}
	})
}
