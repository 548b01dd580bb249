// Package cache implements the hybrid LRU+LFU per-node chunk cache
// (spec §4.2): bounded capacity, score-based eviction via a lazily
// invalidated heap, piecewise recency decay, logarithmic frequency
// normalization, and a non-blocking writeback queue for read-miss
// refill and speculative prefetch.
//
// Grounded on original_source/service/HybridLRUCache.py's
// heap+_score_cache+_heap_dirty structure, adapted to spec §4.2's
// standardized piecewise-decay scoring (the Python source mixed a hard
// cutoff and exponential decay; spec §9 picks the piecewise form).
package cache

import (
	"container/heap"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hyperstore/internal/metrics"
)

const (
	recentWindow   = 5 * time.Minute
	mediumWindow   = 30 * time.Minute
	decayConstant  = 60 * time.Minute
	scoreEpsilon   = 1e-4
	freqWeight     = 0.6
	recencyWeight  = 0.4
)

// entry is the cache's bookkeeping for one resident shard.
type entry struct {
	data       []byte
	freq       int64
	lastAccess time.Time
	insertedAt time.Time
	pinCount   int
	version    int64 // bumped on every mutation; invalidates stale heap items
}

// heapItem is what lives in the eviction heap: a snapshot of an entry's
// score at the time it was pushed, plus the version it was computed
// from. A popped item whose version no longer matches the live entry's
// version (or whose score has drifted beyond scoreEpsilon purely from
// time decay) is recomputed and re-pushed instead of evicted.
type heapItem struct {
	shardID string
	score   float64
	version int64
}

type itemHeap []*heapItem

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)         { *h = append(*h, x.(*heapItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// WritebackJob is one queued (shard_id, bytes) pair waiting to be
// persisted by the background writer and then admitted into the cache.
// Persist performs the actual disk fsync+rename; it is supplied by the
// caller (internal/node) so this package stays storage-agnostic.
type WritebackJob struct {
	ShardID string
	Data    []byte
	Persist func([]byte) error
}

// Cache is the hybrid LRU+LFU cache. All of its operations are
// protected by a single mutex; critical sections are O(log C) per spec
// §5.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*entry
	heap     itemHeap
	fmax     int64

	reg *metrics.Registry
	log zerolog.Logger

	// writeback queue: unbounded producer/consumer, single worker,
	// FIFO. Modeled as a slice behind a mutex+cond rather than a
	// buffered channel so it is genuinely unbounded (spec §5: "the
	// writeback queue drops nothing").
	qmu      sync.Mutex
	qcond    *sync.Cond
	queue    []WritebackJob
	closed   bool
	highWater int
}

// New constructs a cache of the given capacity and starts its
// background writeback worker. highWater is the writeback-queue depth
// past which read-miss admissions should bypass the cache entirely
// (spec §5 backpressure policy); callers consult HighWaterExceeded() to
// decide.
func New(capacity, highWater int, reg *metrics.Registry, log zerolog.Logger) *Cache {
	c := &Cache{
		capacity:  capacity,
		entries:   make(map[string]*entry, capacity),
		reg:       reg,
		log:       log,
		highWater: highWater,
	}
	c.qcond = sync.NewCond(&c.qmu)
	reg.CacheCap.Store(int64(capacity))
	go c.writebackLoop()
	return c
}

// Get returns the cached bytes for shardID and records an access (bumps
// frequency and recency). The second return is false on a miss.
func (c *Cache) Get(shardID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[shardID]
	if !ok {
		c.reg.CacheMisses.Add(1)
		return nil, false
	}
	c.touch(e)
	c.reg.CacheHits.Add(1)
	return e.data, true
}

// Put admits shardID into the cache, evicting the lowest-scoring
// non-pinned entry if the cache is already at capacity. Put is used
// both for clean admission after a synchronous disk write and for
// direct (synchronous) admission by callers that already hold the
// bytes; the async path is Cache.EnqueueWriteback.
func (c *Cache) Put(shardID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(shardID, data)
}

func (c *Cache) put(shardID string, data []byte) {
	now := time.Now()
	if e, ok := c.entries[shardID]; ok {
		e.data = data
		c.touch(e)
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictLocked()
	}

	e := &entry{
		data:       data,
		freq:       1,
		lastAccess: now,
		insertedAt: now,
		version:    1,
	}
	c.entries[shardID] = e
	if e.freq > c.fmax {
		c.fmax = e.freq
	}
	c.pushHeap(shardID, e)
	c.reg.CacheSize.Store(int64(len(c.entries)))
}

// touch bumps an existing entry's frequency/recency and invalidates its
// heap entry lazily: nothing is pushed here; the bumped version makes
// the existing heap item stale, and evictLocked recomputes and re-pushes
// it when it is popped.
func (c *Cache) touch(e *entry) {
	e.freq++
	e.lastAccess = time.Now()
	e.version++
	if e.freq > c.fmax {
		c.fmax = e.freq
	}
}

// Pin keeps shardID alive across eviction for the duration of an
// in-flight read; Unpin releases it. Pins nest (ref-counted).
func (c *Cache) Pin(shardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[shardID]; ok {
		e.pinCount++
	}
}

func (c *Cache) Unpin(shardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[shardID]; ok && e.pinCount > 0 {
		e.pinCount--
	}
}

// Remove drops shardID from the cache if present; a no-op otherwise
// (used by DeleteChunk, which must be idempotent per spec §4.1).
func (c *Cache) Remove(shardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[shardID]; ok {
		delete(c.entries, shardID)
		c.reg.CacheSize.Store(int64(len(c.entries)))
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ResetEpoch halves every frequency counter and resets F_max from the
// halved values. Spec §9 leaves this optional; exposed here for an
// operator or long-running process to call periodically if frequency
// inflation becomes a concern, but nothing calls it automatically.
func (c *Cache) ResetEpoch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var newMax int64
	for _, e := range c.entries {
		e.freq = e.freq / 2
		if e.freq < 1 {
			e.freq = 1
		}
		e.version++
		if e.freq > newMax {
			newMax = e.freq
		}
	}
	c.fmax = newMax
}

// score implements spec §4.2's composite formula exactly.
func (c *Cache) score(e *entry) float64 {
	var freqNorm float64
	if c.fmax > 0 {
		freqNorm = math.Log(1+float64(e.freq)) / math.Log(1+float64(c.fmax))
	}

	age := time.Since(e.lastAccess)
	var recencyNorm float64
	switch {
	case age <= recentWindow:
		recencyNorm = 1.0
	case age <= mediumWindow:
		frac := float64(age-recentWindow) / float64(mediumWindow-recentWindow)
		recencyNorm = 1.0 - frac*0.3
	default:
		over := age - mediumWindow
		recencyNorm = 0.7 * math.Exp(-float64(over)/float64(decayConstant))
	}

	return freqWeight*freqNorm + recencyWeight*recencyNorm
}

func (c *Cache) pushHeap(shardID string, e *entry) {
	heap.Push(&c.heap, &heapItem{shardID: shardID, score: c.score(e), version: e.version})
}

// evictLocked removes the lowest-scoring non-pinned entry. Called with
// c.mu held. Mirrors the Python original's lazy-heap-with-fallback
// approach (spec §9 "Score-based eviction with continuous
// recomputation"): pop candidates, recompute their current score, and
// either evict (score still close to what was recorded) or re-push with
// the fresh score and keep going. A bounded number of iterations
// guards against the heap being entirely stale; beyond that we fall
// back to one O(n) scan, same as the original.
func (c *Cache) evictLocked() {
	if len(c.entries) == 0 {
		return
	}

	var pinned []*heapItem
	defer func() {
		for _, it := range pinned {
			heap.Push(&c.heap, it)
		}
	}()

	maxIterations := len(c.entries)*2 + 4
	for i := 0; i < maxIterations && c.heap.Len() > 0; i++ {
		it := heap.Pop(&c.heap).(*heapItem)
		e, ok := c.entries[it.shardID]
		if !ok {
			continue // stale: already evicted/removed
		}
		if e.pinCount > 0 {
			// Pinned entries are never eviction candidates; set this
			// heap item aside and push it back once this eviction is
			// done, so the entry stays a candidate after it is unpinned.
			pinned = append(pinned, it)
			continue
		}

		current := c.score(e)
		if it.version == e.version && math.Abs(current-it.score) < scoreEpsilon {
			c.removeLocked(it.shardID)
			return
		}
		heap.Push(&c.heap, &heapItem{shardID: it.shardID, score: current, version: e.version})
	}

	// Fallback: heap exhausted or thrashing. O(n) scan for correctness.
	var worstKey string
	worstScore := math.Inf(1)
	found := false
	for shardID, e := range c.entries {
		if e.pinCount > 0 {
			continue
		}
		s := c.score(e)
		if s < worstScore {
			worstScore = s
			worstKey = shardID
			found = true
		}
	}
	if found {
		c.removeLocked(worstKey)
	}
}

func (c *Cache) removeLocked(shardID string) {
	delete(c.entries, shardID)
	c.reg.CacheSize.Store(int64(len(c.entries)))
}

// Stats mirrors HybridLRUCache.get_stats from the Python original: a
// point-in-time snapshot of this cache. The coordinator's Status
// operation does not call it; Status reports hit/miss counts from the
// metrics registry instead.
type Stats struct {
	Size            int
	Capacity        int
	AvgFrequency    float64
	AvgRecencyScore float64
	AvgScore        float64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Size: len(c.entries), Capacity: c.capacity}
	if len(c.entries) == 0 {
		return s
	}

	var freqSum, recSum, scoreSum float64
	for _, e := range c.entries {
		freqSum += float64(e.freq)
		age := time.Since(e.lastAccess)
		var rec float64
		switch {
		case age <= recentWindow:
			rec = 1.0
		case age <= mediumWindow:
			frac := float64(age-recentWindow) / float64(mediumWindow-recentWindow)
			rec = 1.0 - frac*0.3
		default:
			over := age - mediumWindow
			rec = 0.7 * math.Exp(-float64(over)/float64(decayConstant))
		}
		recSum += rec
		scoreSum += c.score(e)
	}
	n := float64(len(c.entries))
	s.AvgFrequency = freqSum / n
	s.AvgRecencyScore = recSum / n
	s.AvgScore = scoreSum / n
	return s
}

// EnqueueWriteback appends job to the unbounded writeback queue and
// returns immediately; the background worker persists it and admits it
// into the cache in FIFO order. Used for read-miss cache refill and
// speculative prefetch — never for acknowledged writes (spec §4.2).
func (c *Cache) EnqueueWriteback(job WritebackJob) {
	c.qmu.Lock()
	c.queue = append(c.queue, job)
	c.qmu.Unlock()
	c.qcond.Signal()
}

// QueueDepth reports the current writeback backlog so callers can apply
// the spec §5 backpressure policy (bypass the cache on read-miss once
// the backlog crosses highWater).
func (c *Cache) QueueDepth() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return len(c.queue)
}

// HighWaterExceeded reports whether new read-miss admissions should
// currently bypass the cache.
func (c *Cache) HighWaterExceeded() bool {
	if c.highWater <= 0 {
		return false
	}
	return c.QueueDepth() >= c.highWater
}

func (c *Cache) writebackLoop() {
	for {
		c.qmu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.qcond.Wait()
		}
		if c.closed && len(c.queue) == 0 {
			c.qmu.Unlock()
			return
		}
		job := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		if job.Persist != nil {
			if err := job.Persist(job.Data); err != nil {
				c.log.Warn().Err(err).Str("shard", job.ShardID).Msg("writeback persist failed")
				continue
			}
		}
		c.Put(job.ShardID, job.Data)
	}
}

// Close stops the background writeback worker after draining whatever
// is already queued.
func (c *Cache) Close() {
	c.qmu.Lock()
	c.closed = true
	c.qmu.Unlock()
	c.qcond.Broadcast()
}
