// ABOUTME: TTL-bounded cache for suppressing redelivered webhook events
// ABOUTME: Keys by platform delivery ID, falling back to a payload digest

package dedupe

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DeliveryKey identifies one webhook delivery. Platforms that send a
// delivery ID header get exact suppression across retries; platforms
// that don't are keyed by a digest of the payload itself.
func DeliveryKey(platform, deliveryID string, payload []byte) string {
	if deliveryID != "" {
		return platform + ":" + deliveryID
	}
	sum := sha256.Sum256(payload)
	return platform + ":" + hex.EncodeToString(sum[:])
}

type entry struct {
	seenAt time.Time
}

// Cache remembers recently seen delivery keys for a TTL, bounded in
// size with oldest-first eviction. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int

	// now is injectable for tests.
	now func() time.Time
}

// New creates a cache. Expired entries are purged lazily on Seen calls;
// there is no background goroutine to manage.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen atomically reports whether key was already recorded inside the
// TTL, recording it if not. Returns true for duplicates.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if e, ok := c.seen[key]; ok && now.Sub(e.seenAt) < c.ttl {
		return true
	}

	// Entries keep insertion order, so anything expired sits at the
	// front and the purge also removes this key's stale entry if any.
	c.purgeExpired(now)

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.order.PushBack(key)
	c.seen[key] = &entry{seenAt: now}
	return false
}

// Len reports the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// purgeExpired walks from the oldest entry and drops everything past
// the TTL. Insertion order means the walk stops at the first live one.
func (c *Cache) purgeExpired(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		key := front.Value.(string)
		if now.Sub(c.seen[key].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
