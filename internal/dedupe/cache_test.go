// ABOUTME: Tests for the message-ID dedup cache.
// ABOUTME: Validates duplicate detection, TTL expiry, and size-bounded eviction.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndMark(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("msg-1"), "first sighting is not a duplicate")
	assert.True(t, c.CheckAndMark("msg-1"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndMark("msg-2"))
}

func TestTTLExpiry(t *testing.T) {
	c := New(50*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("msg-1"))
	time.Sleep(80 * time.Millisecond)
	assert.False(t, c.CheckAndMark("msg-1"), "expired ID is fresh again")
}

func TestEvictionAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.CheckAndMark(fmt.Sprintf("msg-%d", i))
	}

	// Inserting a fourth evicts the oldest.
	assert.False(t, c.CheckAndMark("msg-3"))
	assert.False(t, c.CheckAndMark("msg-0"), "oldest ID was evicted")
	assert.True(t, c.CheckAndMark("msg-2"), "recent ID is still tracked")
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Minute, 10_000)
	defer c.Close()

	var wg sync.WaitGroup
	duplicates := make([]int, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if c.CheckAndMark(fmt.Sprintf("msg-%d", i)) {
					duplicates[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	// Each of the 1000 IDs is fresh exactly once across all goroutines.
	total := 0
	for _, d := range duplicates {
		total += d
	}
	assert.Equal(t, 8*1000-1000, total)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
