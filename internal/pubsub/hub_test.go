package pubsub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversInOrder(t *testing.T) {
	h := NewHub[int]()
	defer h.Close()

	var mu sync.Mutex
	var got []int
	h.Subscribe(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		h.Publish(i)
	}
	h.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub[string]()
	defer h.Close()

	var count int
	unsub := h.Subscribe(func(string) { count++ })

	h.Publish("a")
	h.Flush()
	unsub()
	unsub()
	h.Publish("b")
	h.Flush()

	assert.Equal(t, 1, count)
}

func TestHub_UnsubscribeFromCallback(t *testing.T) {
	h := NewHub[int]()
	defer h.Close()

	var seen []int
	var unsub func()
	unsub = h.Subscribe(func(v int) {
		seen = append(seen, v)
		if v == 2 {
			unsub()
		}
	})

	for i := 1; i <= 5; i++ {
		h.Publish(i)
	}
	h.Flush()

	assert.Equal(t, []int{1, 2}, seen)
}

func TestHub_PublishFromCallback(t *testing.T) {
	h := NewHub[int]()
	defer h.Close()

	var seen []int
	h.Subscribe(func(v int) {
		seen = append(seen, v)
		if v == 1 {
			h.Publish(2)
		}
	})

	h.Publish(1)
	h.Flush()

	assert.Equal(t, []int{1, 2}, seen)
}

func TestHub_ClosedDropsPublishes(t *testing.T) {
	h := NewHub[int]()
	var count int
	h.Subscribe(func(int) { count++ })
	h.Close()
	h.Publish(1)
	h.Flush()
	assert.Zero(t, count)
}
