package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperstore/internal/logging"
	"hyperstore/internal/metrics"
)

func newTestCache(capacity int) *Cache {
	return New(capacity, 0, metrics.New(), logging.New("cache-test", nil))
}

func TestCacheNeverExceedsCapacity(t *testing.T) {
	c := newTestCache(3)
	for i := 0; i < 10; i++ {
		c.Put(string(rune('a'+i)), []byte{byte(i)})
		assert.LessOrEqual(t, c.Len(), 3)
	}
}

func TestEmptyCacheFreqNormNotNaN(t *testing.T) {
	c := newTestCache(4)
	// F_max is 0 while the cache is empty; scoring must still be finite.
	c.mu.Lock()
	s0 := c.score(&entry{lastAccess: time.Now()})
	c.mu.Unlock()
	assert.False(t, s0 != s0, "score with F_max=0 must not be NaN")

	c.Put("s1", []byte("x"))
	// Fmax should be 1 after a single insert; score must be finite.
	c.mu.Lock()
	e := c.entries["s1"]
	s := c.score(e)
	c.mu.Unlock()
	assert.False(t, s != s, "score must not be NaN") // NaN != NaN
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestGetMissThenHitUpdatesStats(t *testing.T) {
	c := newTestCache(2)
	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("s1", []byte("payload"))
	data, ok := c.Get("s1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)
}

func TestEvictionPrefersFrequencyAndRecency(t *testing.T) {
	// Scenario from spec §8: capacity 3, read s1..s5 once in order then
	// s1 twice more; the cache should retain {s1, s4, s5}.
	c := newTestCache(3)
	// A read is read-through, as on a storage node: a miss admits the
	// shard into the cache.
	read := func(id string) {
		if _, ok := c.Get(id); !ok {
			c.Put(id, []byte(id))
		}
	}
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		read(id)
		time.Sleep(time.Millisecond)
	}
	// s1 was evicted while s4/s5 were admitted; the first re-read
	// admits it again and the second raises its frequency above the rest.
	read("s1")
	read("s1")

	assert.LessOrEqual(t, c.Len(), 3)
	_, s1ok := c.Get("s1")
	assert.True(t, s1ok, "s1 should survive due to frequency")
}

func TestPinnedEntryNeverEvicted(t *testing.T) {
	c := newTestCache(1)
	c.Put("pinned", []byte("keep"))
	c.Pin("pinned")

	c.Put("other", []byte("new"))

	_, ok := c.Get("pinned")
	assert.True(t, ok, "pinned entry must survive eviction")
}

func TestRemoveIsIdempotent(t *testing.T) {
	c := newTestCache(2)
	c.Remove("never-existed")
	c.Put("s1", []byte("x"))
	c.Remove("s1")
	c.Remove("s1")
	assert.Equal(t, 0, c.Len())
}

func TestWritebackAdmitsAsynchronously(t *testing.T) {
	c := newTestCache(2)
	persisted := make(chan struct{}, 1)
	c.EnqueueWriteback(WritebackJob{
		ShardID: "async1",
		Data:    []byte("payload"),
		Persist: func([]byte) error {
			persisted <- struct{}{}
			return nil
		},
	})

	select {
	case <-persisted:
	case <-time.After(time.Second):
		t.Fatal("writeback worker never ran")
	}

	require.Eventually(t, func() bool {
		_, ok := c.Get("async1")
		return ok
	}, time.Second, 10*time.Millisecond)
}
