package ttlstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msTTL(ms time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return ms }
}

func TestAddThenRemoveBeforeExpirySuppressesCallback(t *testing.T) {
	store := New(msTTL(40 * time.Millisecond))
	var called bool
	var mu sync.Mutex
	store.Add(1, func(int) {
		mu.Lock()
		called = true
		mu.Unlock()
	})
	store.Remove(1)
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, called)
	assert.False(t, store.Contains(1))
}

func TestNaturalExpirationInvokesCallbackOnce(t *testing.T) {
	store := New(msTTL(20 * time.Millisecond))
	done := make(chan int, 4)
	store.Add(7, func(v int) { done <- v })

	select {
	case v := <-done:
		assert.Equal(t, 7, v)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for expiration callback")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, done, 0)
	assert.False(t, store.Contains(7))
}

func TestReplaceCancelsPreviousTimerWithoutCallback(t *testing.T) {
	store := New(msTTL(30 * time.Millisecond))
	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	store.Add(1, func(int) { first <- struct{}{} })
	store.Add(1, func(int) { second <- struct{}{} }) // equal item replaces, old timer cancelled
	require.Equal(t, 1, store.Len())
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, first, 0)  // the replaced entry's callback never fires
	assert.Len(t, second, 1) // the *second* add's own timer still fires
}

func TestItemsSnapshot(t *testing.T) {
	store := New(msTTL(time.Minute))
	store.Add(1, nil)
	store.Add(2, nil)
	items := store.Items()
	assert.ElementsMatch(t, []int{1, 2}, items)
}
