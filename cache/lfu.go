// Package cache implements a small least-frequently-used address cache
// that remembers where a key's most recent VALID entry lives in flash.
// The engine resolves keys through its in-memory index and checks a
// cached address against it before use. It is purely an accelerator: a Get
// with the cache disabled or fully evicted must return the same answer,
// just slower. Modeled after NanoKV.c's fixed nkv_cache_t array and its
// cache_find / cache_find_lfu / cache_update eviction policy.
package cache

// Entry is one cached key -> flash address mapping, together with the
// access-frequency counter LFU eviction ranks entries by.
type Entry struct {
	Key  string
	Addr uint32
	Freq uint32
}

// Stats mirrors nkv_cache_stats_t: running hit/miss counters and the
// derived hit rate.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// HitRate returns Hits / (Hits + Misses), or 0 if the cache has never
// been queried.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// LFU is a fixed-capacity least-frequently-used cache. It is not safe
// for concurrent use, matching the engine's single-writer model (§5).
type LFU struct {
	entries []Entry
	cap     int
	stats   Stats
}

// New creates an LFU cache holding up to capacity entries. A capacity of
// 0 produces a cache that is always empty, i.e. every lookup misses —
// the degenerate case of running the engine with caching disabled.
func New(capacity int) *LFU {
	return &LFU{entries: make([]Entry, 0, capacity), cap: capacity}
}

// Lookup returns the cached address for key, counting a hit or a miss.
// On a hit, the entry's frequency counter is bumped.
func (c *LFU) Lookup(key string) (uint32, bool) {
	for i := range c.entries {
		if c.entries[i].Key == key {
			c.entries[i].Freq++
			c.stats.Hits++
			return c.entries[i].Addr, true
		}
	}
	c.stats.Misses++
	return 0, false
}

// Update records that key now lives at addr, inserting a new entry if
// key isn't cached, refreshing its address if it is, or evicting the
// least-frequently-used entry to make room when the cache is full.
func (c *LFU) Update(key string, addr uint32) {
	if c.cap == 0 {
		return
	}
	for i := range c.entries {
		if c.entries[i].Key == key {
			c.entries[i].Addr = addr
			c.entries[i].Freq++
			return
		}
	}
	if len(c.entries) < c.cap {
		c.entries = append(c.entries, Entry{Key: key, Addr: addr, Freq: 1})
		return
	}
	victim := 0
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].Freq < c.entries[victim].Freq {
			victim = i
		}
	}
	c.entries[victim] = Entry{Key: key, Addr: addr, Freq: 1}
}

// Invalidate removes key from the cache, if present. The engine calls
// this on Delete; a migration reports a key's new address through Update
// instead.
func (c *LFU) Invalidate(key string) {
	for i := range c.entries {
		if c.entries[i].Key == key {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Clear empties the cache and resets its statistics.
func (c *LFU) Clear() {
	c.entries = c.entries[:0]
	c.stats = Stats{}
}

// Stats returns a snapshot of the running hit/miss counters.
func (c *LFU) Stats() Stats { return c.stats }

// Len returns the number of entries currently cached.
func (c *LFU) Len() int { return len(c.entries) }
