// ABOUTME: Tests for the delivery-dedupe cache.
// ABOUTME: Validates duplicate detection, TTL expiry, eviction, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndMark_NewKey(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("msg-1"), "first sighting is not a duplicate")
	assert.True(t, cache.CheckAndMark("msg-1"), "second sighting is a duplicate")
}

func TestCheckAndMark_DistinctKeys(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("msg-1"))
	assert.False(t, cache.CheckAndMark("msg-2"))
	assert.Equal(t, 2, cache.Len())
}

func TestCheckAndMark_ExpiredKeyIsNew(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("msg-1"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.CheckAndMark("msg-1"), "expired entry counts as unseen")
}

func TestEviction_AtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.CheckAndMark("msg-1")
	cache.CheckAndMark("msg-2")
	cache.CheckAndMark("msg-3")
	cache.CheckAndMark("msg-4") // evicts msg-1

	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.CheckAndMark("msg-1"), "evicted key is unseen again")
	assert.True(t, cache.CheckAndMark("msg-4"))
}

func TestClose_Idempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestCheckAndMark_ConcurrentSingleWinner(t *testing.T) {
	cache := New(time.Minute, 1000)
	defer cache.Close()

	const racers = 32
	var wg sync.WaitGroup
	winners := make(chan struct{}, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested") {
				winners <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one caller may deliver")
}

func TestRemoveExpired(t *testing.T) {
	cache := New(5*time.Millisecond, 100)
	defer cache.Close()

	for i := 0; i < 10; i++ {
		cache.CheckAndMark(fmt.Sprintf("msg-%d", i))
	}
	time.Sleep(10 * time.Millisecond)

	cache.removeExpired()
	assert.Zero(t, cache.Len())
}
