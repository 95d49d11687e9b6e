package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/brandon/outlook-mcp/internal/config"
)

// Entry-count ceiling for the LRU; the byte budget is the real bound.
const maxEntries = 8192

// Key namespace prefixes. All three logical caches share one LRU and one
// byte budget.
const (
	nsFolders = "folders"
	nsSummary = "summary"
	nsSearch  = "search"
	nsEmail   = "email"
)

// FolderListKey keys the single folder-list entry.
func FolderListKey() string { return nsFolders }

// SummaryKey keys a folder listing.
func SummaryKey(folderID string, unreadOnly bool, limit int) string {
	return fmt.Sprintf("%s|%s|%t|%d", nsSummary, folderID, unreadOnly, limit)
}

// SearchKey keys a search result listing.
func SearchKey(query, folderID string, limit int) string {
	return fmt.Sprintf("%s|%s|%s|%d", nsSearch, query, folderID, limit)
}

// EmailKey keys a full email.
func EmailKey(emailID string) string {
	return nsEmail + "|" + emailID
}

type entry struct {
	value      interface{}
	size       int64
	insertedAt time.Time
	expiresAt  time.Time
}

// Stats is a point-in-time cache snapshot.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache is a TTL-aware LRU with a shared byte budget and single-flight miss
// coalescing. Only successful loads populate; failures propagate to every
// waiter without poisoning the cache.
type Cache struct {
	cfg    config.CacheConfig
	logger *logrus.Logger

	mu        sync.Mutex
	store     *lru.Cache[string, *entry]
	bytes     int64
	hits      int64
	misses    int64
	evictions int64

	flight singleflight.Group

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New constructs the cache and starts its maintenance loop.
func New(cfg config.CacheConfig, logger *logrus.Logger) *Cache {
	c := &Cache{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	c.store, _ = lru.NewWithEvict[string, *entry](maxEntries, func(key string, e *entry) {
		// Runs with c.mu held: every mutation goes through this lock.
		c.bytes -= e.size
		c.evictions++
	})

	c.wg.Add(1)
	go c.maintain()
	return c
}

// Get returns a live entry, removing it lazily when expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.store.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.store.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Loader produces a value and its size estimate on a cache miss.
type Loader func() (interface{}, int64, error)

// GetOrLoad returns the cached value for key, or runs the loader exactly
// once across concurrent callers and populates on success.
func (c *Cache) GetOrLoad(key string, ttl time.Duration, load Loader) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		c.logger.WithField("key_ns", keyNamespace(key)).Debug("Cache hit")
		return v, nil
	}
	c.logger.WithField("key_ns", keyNamespace(key)).Debug("Cache miss")

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		// Another flight may have populated while this caller queued.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		value, size, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(key, value, size, ttl)
		return value, nil
	})
	return v, err
}

// Set inserts a value, evicting cold entries when over the byte budget.
func (c *Cache) Set(key string, value interface{}, size int64, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.store.Peek(key); ok {
		c.store.Remove(key)
		c.evictions-- // replacement, not pressure
	}

	c.store.Add(key, &entry{
		value:      value,
		size:       size,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	})
	c.bytes += size

	for c.bytes > c.cfg.MaxBytes && c.store.Len() > 0 {
		c.store.RemoveOldest()
	}
}

// Invalidate removes every entry whose key matches pred.
func (c *Cache) Invalidate(pred func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for _, key := range c.store.Keys() {
		if pred(key) {
			c.store.Remove(key)
			removed++
		}
	}
	return removed
}

// InvalidateListings drops the folder list plus every summary and search
// entry; full emails stay. Used after a send lands in Sent Items.
func (c *Cache) InvalidateListings() int {
	return c.Invalidate(func(key string) bool {
		ns := keyNamespace(key)
		return ns == nsFolders || ns == nsSummary || ns == nsSearch
	})
}

// Flush empties the cache.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Purge()
	c.bytes = 0
}

// Stats reports counters and occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.store.Len(),
		Bytes:     c.bytes,
		MaxBytes:  c.cfg.MaxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Close stops the maintenance loop.
func (c *Cache) Close() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// maintain purges expired entries on a schedule and keeps usage at or below
// 80% of the byte budget.
func (c *Cache) maintain() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Cache) cleanup() {
	now := time.Now()
	target := c.cfg.MaxBytes * 8 / 10

	c.mu.Lock()
	var expired int
	for _, key := range c.store.Keys() {
		if e, ok := c.store.Peek(key); ok && now.After(e.expiresAt) {
			c.store.Remove(key)
			expired++
		}
	}
	var pressure int
	for c.bytes > target && c.store.Len() > 0 {
		c.store.RemoveOldest()
		pressure++
	}
	bytes := c.bytes
	c.mu.Unlock()

	if expired > 0 || pressure > 0 {
		c.logger.WithFields(logrus.Fields{
			"expired": expired,
			"evicted": pressure,
			"bytes":   bytes,
		}).Debug("Cache cleanup pass")
	}
}

func keyNamespace(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}
