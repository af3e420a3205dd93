// Package dedupe provides the bounded idempotency cache that pins the first
// decision for a dedupe key and replays it for every duplicate submission
// within the TTL.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/sentinel/internal/action"
)

type entry struct {
	decision  *action.Decision
	expiresAt time.Time
	seq       uint64
}

// Cache is a TTL plus capacity bounded decision cache. When full, the entry
// inserted earliest is evicted first.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	seq     uint64
	entries map[string]entry

	now func() time.Time
}

// NewCache builds a cache with the given entry TTL and capacity. A
// non-positive capacity disables the size bound; a non-positive TTL makes
// every lookup a miss.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached decision for key, or false when absent or expired.
func (c *Cache) Get(key string) (*action.Decision, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.decision, true
}

// Put records the decision for key, evicting the oldest entry when the cache
// is at capacity. An existing entry for the same key is overwritten and its
// TTL restarts.
func (c *Cache) Put(key string, dec *action.Decision) {
	if key == "" || dec == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && c.max > 0 && len(c.entries) >= c.max {
		c.evictLocked(now)
	}
	c.seq++
	c.entries[key] = entry{decision: dec, expiresAt: now.Add(c.ttl), seq: c.seq}
}

// evictLocked drops expired entries first, then the oldest live entry by
// insertion order if the cache is still full.
func (c *Cache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if c.max <= 0 || len(c.entries) < c.max {
		return
	}
	oldestKey := ""
	oldestSeq := uint64(0)
	for k, e := range c.entries {
		if oldestKey == "" || e.seq < oldestSeq {
			oldestKey = k
			oldestSeq = e.seq
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len reports the number of entries, counting expired ones not yet purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// KeyFor derives the idempotency key for an action: the caller-supplied
// dedupe key when present, otherwise a content signature over the session,
// kind, tool, and payload.
func KeyFor(act *action.Action) string {
	if k := strings.TrimSpace(act.DedupeKey); k != "" {
		return "id:" + k
	}
	h := sha256.New()
	h.Write([]byte(act.SessionKey.String()))
	h.Write([]byte{0})
	h.Write([]byte(act.Kind))
	h.Write([]byte{0})
	h.Write([]byte(act.ToolName))
	h.Write([]byte{0})
	h.Write([]byte(act.Payload))
	return "sig:" + hex.EncodeToString(h.Sum(nil))
}
