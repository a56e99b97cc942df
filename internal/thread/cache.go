// Package thread keeps short-lived per-conversation history for the
// agent loop. Threads are bounded in length, expire after a period of
// inactivity, and the number of live threads is bounded with
// least-recently-used eviction.
package thread

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxLength  = 20
	DefaultTimeout    = 30 * time.Minute
	DefaultMaxThreads = 1000
)

// Entry is one message in a thread.
type Entry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config configures a Cache.
type Config struct {
	MaxLength  int
	Timeout    time.Duration
	MaxThreads int
	Now        func() time.Time
}

type thread struct {
	entries    []Entry
	lastAccess time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	now       func() time.Time
	maxLength int
	timeout   time.Duration
	threads   map[string]*thread
	recency   *lru.Cache
	evicted   int
	expired   int
}

// Stats describes the cache contents.
type Stats struct {
	Threads   int `json:"threads"`
	Entries   int `json:"entries"`
	MaxLength int `json:"max_length"`
	Evicted   int `json:"evicted"`
	Expired   int `json:"expired"`
}

// New creates a Cache.
func New(cfg Config) *Cache {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = DefaultMaxThreads
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{
		now:       cfg.Now,
		maxLength: cfg.MaxLength,
		timeout:   cfg.Timeout,
		threads:   make(map[string]*thread),
	}
	c.recency = &lru.Cache{
		MaxEntries: cfg.MaxThreads,
		OnEvicted: func(key lru.Key, _ any) {
			id := key.(string)
			if _, ok := c.threads[id]; ok {
				delete(c.threads, id)
				c.evicted++
			}
		},
	}
	return c
}

// lookup returns the live thread for id, discarding it first if it has
// expired. Must be called with c.mu held.
func (c *Cache) lookup(id string, now time.Time) *thread {
	th, ok := c.threads[id]
	if !ok {
		return nil
	}
	if now.Sub(th.lastAccess) >= c.timeout {
		c.drop(id)
		c.expired++
		return nil
	}
	return th
}

// drop removes id without counting it as an LRU eviction.
func (c *Cache) drop(id string) {
	delete(c.threads, id)
	c.recency.Remove(id)
}

// Get returns a copy of the thread's entries, oldest first, and refreshes
// its inactivity timer. Unknown or expired threads return nil.
func (c *Cache) Get(id string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	th := c.lookup(id, now)
	if th == nil {
		return nil
	}
	th.lastAccess = now
	c.recency.Get(id)

	out := make([]Entry, len(th.entries))
	copy(out, th.entries)
	return out
}

// Append adds entries to the end of a thread, creating it if needed.
// Once the thread exceeds the length cap the oldest entries are dropped.
func (c *Cache) Append(id string, entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	th := c.lookup(id, now)
	if th == nil {
		th = &thread{}
		c.threads[id] = th
	}
	th.lastAccess = now
	c.recency.Add(id, nil)

	th.entries = append(th.entries, entries...)
	if over := len(th.entries) - c.maxLength; over > 0 {
		th.entries = append([]Entry(nil), th.entries[over:]...)
	}
}

// Clear discards a thread.
func (c *Cache) Clear(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop(id)
}

// Len returns the number of entries in a live thread.
func (c *Cache) Len(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	th, ok := c.threads[id]
	if !ok || c.now().Sub(th.lastAccess) >= c.timeout {
		return 0
	}
	return len(th.entries)
}

// Sweep discards every expired thread and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for id, th := range c.threads {
		if now.Sub(th.lastAccess) >= c.timeout {
			c.drop(id)
			n++
		}
	}
	c.expired += n
	return n
}

// Run sweeps at the given interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Threads:   len(c.threads),
		MaxLength: c.maxLength,
		Evicted:   c.evicted,
		Expired:   c.expired,
	}
	for _, th := range c.threads {
		s.Entries += len(th.entries)
	}
	return s
}
