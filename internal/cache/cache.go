// Package cache holds rendered HTML keyed by a fingerprint of the markdown
// source and the render options that produced it.
//
// The cache is bounded three ways: entry count, estimated memory footprint and
// entry age. When either limit would be exceeded the least recently accessed
// entry is evicted first. Expired entries are dropped lazily on access and by
// a periodic sweep.
package cache

import (
	"container/list"
	"log"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxEntries is the default entry-count ceiling.
	DefaultMaxEntries = 100
	// DefaultTTL is the default entry lifetime.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxMemory is the default memory ceiling in bytes.
	DefaultMaxMemory int64 = 50 * 1024 * 1024

	// bytesPerChar approximates the encoded size of one character.
	bytesPerChar = 2
	// entryOverhead approximates per-entry bookkeeping (timestamps, list and
	// map slots).
	entryOverhead = 256
	// maxEntryShare is the largest fraction of the memory ceiling that a
	// single entry may occupy.
	maxEntryShare = 0.2
)

// Entry is a snapshot of one cached render.
type Entry struct {
	HTML           string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
}

// Stats is a read-only snapshot of the cache counters.
type Stats struct {
	Size               int
	MaxSize            int
	TTL                time.Duration
	MemorySize         int64
	MaxMemorySize      int64
	MemoryUsagePercent float64
}

type item struct {
	key   string
	entry Entry
	size  int64
}

// RenderCache is a bounded LRU store of rendered HTML.
//
// All methods are safe for concurrent use.
type RenderCache struct {
	mu sync.Mutex

	maxEntries int
	ttl        time.Duration
	maxMemory  int64
	now        func() time.Time

	items  map[string]*list.Element
	order  *list.List // front is least recently accessed
	memory int64

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// Option configures a RenderCache.
type Option func(*RenderCache)

// WithMaxEntries sets the entry-count ceiling.
func WithMaxEntries(n int) Option {
	return func(c *RenderCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithTTL sets how long an entry stays valid after it was created.
func WithTTL(ttl time.Duration) Option {
	return func(c *RenderCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxMemory sets the memory ceiling in bytes.
func WithMaxMemory(bytes int64) Option {
	return func(c *RenderCache) {
		if bytes > 0 {
			c.maxMemory = bytes
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *RenderCache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache with the default limits, adjusted by opts.
func New(opts ...Option) *RenderCache {
	c := &RenderCache{
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		maxMemory:  DefaultMaxMemory,
		now:        time.Now,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached HTML for key. Expired entries are removed and
// reported as absent. A hit refreshes the entry's access metadata.
func (c *RenderCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return "", false
	}

	it := el.Value.(*item)
	now := c.now()
	if c.expired(it, now) {
		c.removeLocked(el)
		return "", false
	}

	it.entry.LastAccessedAt = now
	it.entry.AccessCount++
	c.order.MoveToBack(el)
	return it.entry.HTML, true
}

// Has reports whether key holds a live entry without touching its access
// metadata. Expired entries are removed.
func (c *RenderCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	if c.expired(el.Value.(*item), c.now()) {
		c.removeLocked(el)
		return false
	}
	return true
}

// Peek returns a copy of the entry stored under key without refreshing it.
func (c *RenderCache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	it := el.Value.(*item)
	if c.expired(it, c.now()) {
		return Entry{}, false
	}
	return it.entry, true
}

// Set stores html under key.
//
// Entries larger than a fifth of the memory ceiling are never stored. Least
// recently accessed entries are evicted until both the entry-count and the
// memory ceiling leave room for the new entry.
func (c *RenderCache) Set(key, html string) {
	size := estimateSize(key, html)

	c.mu.Lock()
	defer c.mu.Unlock()

	if float64(size) > float64(c.maxMemory)*maxEntryShare {
		log.Printf("[go-live-preview] cache: entry of %d bytes exceeds %.0f%% of the %d byte ceiling, not cached",
			size, maxEntryShare*100, c.maxMemory)
		return
	}

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}

	for len(c.items) >= c.maxEntries || c.memory+size > c.maxMemory {
		if !c.evictLocked() {
			log.Printf("[go-live-preview] cache: cannot make room for %d bytes (entries=%d max=%d memory=%d max=%d), check cache configuration",
				size, len(c.items), c.maxEntries, c.memory, c.maxMemory)
			return
		}
	}

	now := c.now()
	it := &item{
		key:  key,
		size: size,
		entry: Entry{
			HTML:           html,
			CreatedAt:      now,
			LastAccessedAt: now,
		},
	}
	c.items[key] = c.order.PushBack(it)
	c.memory += size
}

// Delete removes key from the cache.
func (c *RenderCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Clear removes every entry.
func (c *RenderCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.memory = 0
}

// CleanExpired removes all entries older than the TTL and returns how many
// were removed.
func (c *RenderCache) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if c.expired(el.Value.(*item), now) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *RenderCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Size:               len(c.items),
		MaxSize:            c.maxEntries,
		TTL:                c.ttl,
		MemorySize:         c.memory,
		MaxMemorySize:      c.maxMemory,
		MemoryUsagePercent: float64(c.memory) / float64(c.maxMemory) * 100,
	}
}

// StartJanitor runs CleanExpired every interval until Close is called.
// Calling it again replaces the previous janitor.
func (c *RenderCache) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.stopJanitor()

	stop := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.janitorStop, c.janitorDone = stop, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.CleanExpired(); n > 0 {
					log.Printf("[go-live-preview] cache: swept %d expired entries", n)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Close stops the janitor. The cache stays usable.
func (c *RenderCache) Close() {
	c.stopJanitor()
}

func (c *RenderCache) stopJanitor() {
	c.mu.Lock()
	stop, done := c.janitorStop, c.janitorDone
	c.janitorStop, c.janitorDone = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// evictLocked removes the entry with the oldest LastAccessedAt. Ties go to
// the entry closest to the front of the order list. It reports false when
// the cache is empty.
func (c *RenderCache) evictLocked() bool {
	var victim *list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		if victim == nil || el.Value.(*item).entry.LastAccessedAt.Before(victim.Value.(*item).entry.LastAccessedAt) {
			victim = el
		}
	}
	if victim == nil {
		return false
	}
	c.removeLocked(victim)
	return true
}

func (c *RenderCache) removeLocked(el *list.Element) {
	it := c.order.Remove(el).(*item)
	delete(c.items, it.key)
	c.memory -= it.size
}

func (c *RenderCache) expired(it *item, now time.Time) bool {
	return now.Sub(it.entry.CreatedAt) > c.ttl
}

// estimateSize approximates the memory held by one entry.
func estimateSize(key, html string) int64 {
	chars := utf8.RuneCountInString(html) + utf8.RuneCountInString(key)
	return int64(chars*bytesPerChar) + entryOverhead
}
