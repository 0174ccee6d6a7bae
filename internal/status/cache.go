// Package status tracks which launches have an analysis in flight.
package status

import (
	"container/list"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/msageha/launchanalyzer/internal/model"
)

// Cache is a thread-safe, TTL-bounded set of in-flight analyses keyed by
// (analyzer key, launch id). At most one live entry exists per key pair.
type Cache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheItem struct {
	key   string
	entry model.StatusEntry
}

// New creates a cache. Entries expire after ttl even if never finished.
func New(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Cache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock overrides the time source for testing.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// MarkStarted registers an analysis as running. It fails with
// model.ErrAnalysisInProgress when a live entry already exists and with
// model.ErrCapacity when the cache is full of live entries.
func (c *Cache) MarkStarted(analyzerKey string, launchID, projectID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(analyzerKey, launchID)
	now := c.now()

	if elem, exists := c.items[key]; exists {
		item := elem.Value.(*cacheItem)
		if now.Before(item.entry.ExpiresAt) {
			return fmt.Errorf("%w: %s launch=%d since %s", model.ErrAnalysisInProgress,
				analyzerKey, launchID, item.entry.StartedAt.Format(time.RFC3339))
		}
		c.removeElement(elem)
	}

	if c.order.Len() >= c.maxSize {
		c.cleanExpired(now)
		if c.order.Len() >= c.maxSize {
			return fmt.Errorf("%w: status cache holds %d live entries", model.ErrCapacity, c.maxSize)
		}
	}

	item := &cacheItem{
		key: key,
		entry: model.StatusEntry{
			AnalyzerKey: analyzerKey,
			LaunchID:    launchID,
			ProjectID:   projectID,
			StartedAt:   now,
			ExpiresAt:   now.Add(c.ttl),
		},
	}
	c.items[key] = c.order.PushBack(item)
	return nil
}

// IsAnalyzing reports whether a live entry exists.
func (c *Cache) IsAnalyzing(analyzerKey string, launchID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[cacheKey(analyzerKey, launchID)]
	if !exists {
		return false
	}
	item := elem.Value.(*cacheItem)
	if !c.now().Before(item.entry.ExpiresAt) {
		c.removeElement(elem)
		return false
	}
	return true
}

// MarkFinished removes the entry. Calling it for an absent entry is a no-op.
func (c *Cache) MarkFinished(analyzerKey string, launchID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[cacheKey(analyzerKey, launchID)]; exists {
		c.removeElement(elem)
	}
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanExpired(c.now())
}

// Snapshot returns the live entries ordered by start time.
func (c *Cache) Snapshot() []model.StatusEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]model.StatusEntry, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		item := elem.Value.(*cacheItem)
		if now.Before(item.entry.ExpiresAt) {
			out = append(out, item.entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*cacheItem).key)
}

func (c *Cache) cleanExpired(now time.Time) int {
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if !now.Before(elem.Value.(*cacheItem).entry.ExpiresAt) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed
}

func cacheKey(analyzerKey string, launchID int64) string {
	return analyzerKey + ":" + strconv.FormatInt(launchID, 10)
}
