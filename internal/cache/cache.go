// Package cache implements the STT-response cache: an LRU mapping from
// normalized transcription text, scoped by topic, to the last command JSON
// that parsed and dispatched successfully.
//
// A hit bypasses the language model entirely, which turns a multi-second
// inference round trip into a sub-millisecond lookup for repeated commands
// ("turn on the kitchen lights" tends to recur). Entries are only ever
// written after a successful dispatch, so the cache cannot replay a command
// that never worked.
//
// The cache remembers the most recently stored key so that a spoken
// error-correction phrase can undo one bad interpretation via [Cache.RemoveLast].
//
// All methods are safe for concurrent use. Store is strongly ordered against
// Get for the same key: a Get following a Store observes the stored value.
package cache

import (
	"container/list"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the cache when no explicit limit is configured.
const DefaultMaxEntries = 200

// Entry is one cached interpretation.
type Entry struct {
	NormalizedText string          `json:"normalized_text"`
	TopicID        string          `json:"topic_id"`
	JSONOutput     json.RawMessage `json:"json_output"`
	EntityID       string          `json:"entity_id,omitempty"`
	SuccessCount   int             `json:"success_count"`
	CreatedAt      time.Time       `json:"created_at"`
	LastUsedAt     time.Time       `json:"last_used_at"`
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Persisted  bool    `json:"persisted"`
}

// key identifies an entry. Text must already be normalized.
type key struct {
	topic string
	text  string
}

// Cache is the LRU store. The linked list holds *Entry values with the
// most recently used entry at the front.
type Cache struct {
	maxEntries int
	path       string // empty means memory-only

	mu       sync.Mutex
	ll       *list.List
	items    map[key]*list.Element
	hits     uint64
	misses   uint64
	lastKey  key
	lastAt   time.Time
	hasLast  bool
	degraded bool // snapshot writes disabled after a persist failure
}

// New creates a cache bounded to maxEntries. When path is non-empty, the
// cache loads the snapshot found there (tolerating absent or corrupt files)
// and writes back after every mutation. A non-positive maxEntries falls back
// to [DefaultMaxEntries].
func New(path string, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{
		maxEntries: maxEntries,
		path:       path,
		ll:         list.New(),
		items:      make(map[key]*list.Element),
	}
	if path != "" {
		c.load()
	}
	return c
}

// Normalize canonicalizes transcribed text for use as a cache key:
// lowercase, leading/trailing space stripped, internal runs of whitespace
// collapsed to single spaces.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Get returns the entry for (topicID, text) and promotes it to most recent.
// The boolean reports whether the entry was present.
func (c *Cache) Get(topicID, text string) (Entry, bool) {
	k := key{topic: topicID, text: Normalize(text)}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[k]
	if !ok {
		c.misses++
		return Entry{}, false
	}

	c.hits++
	c.ll.MoveToFront(el)
	ent := el.Value.(*Entry)
	ent.LastUsedAt = time.Now().UTC()
	// Recency promotion is an in-memory order change only; the next
	// mutating call persists the current order.
	return *ent, true
}

// Store upserts the interpretation for (topicID, text). An existing entry
// keeps its creation time and increments success_count; a new entry starts
// at success_count 1. The stored key becomes the error-correction target for
// [Cache.RemoveLast]. If the cache exceeds its bound, the least recently
// used entry is evicted. The snapshot is rewritten before returning.
func (c *Cache) Store(topicID, text string, output json.RawMessage, entityID string) {
	norm := Normalize(text)
	k := key{topic: topicID, text: norm}
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[k]; ok {
		ent := el.Value.(*Entry)
		ent.JSONOutput = output
		ent.EntityID = entityID
		ent.SuccessCount++
		ent.LastUsedAt = now
		c.ll.MoveToFront(el)
	} else {
		ent := &Entry{
			NormalizedText: norm,
			TopicID:        topicID,
			JSONOutput:     output,
			EntityID:       entityID,
			SuccessCount:   1,
			CreatedAt:      now,
			LastUsedAt:     now,
		}
		c.items[k] = c.ll.PushFront(ent)
		for c.ll.Len() > c.maxEntries {
			c.evictOldest()
		}
	}

	c.lastKey = k
	c.lastAt = now
	c.hasLast = true

	c.persistLocked()
}

// RemoveLast undoes the most recent Store if it happened within the given
// window. Returns true only when an entry was actually removed. The
// last-stored marker is cleared in every path that consumes it, so a second
// correction phrase in a row is a no-op.
func (c *Cache) RemoveLast(within time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasLast || time.Since(c.lastAt) > within {
		return false
	}
	c.hasLast = false

	el, ok := c.items[c.lastKey]
	if !ok {
		// Already evicted between store and correction.
		return false
	}
	c.removeElement(c.lastKey, el)
	c.persistLocked()
	return true
}

// Remove deletes the entry for (topicID, text). Returns true if it existed.
func (c *Cache) Remove(topicID, text string) bool {
	k := key{topic: topicID, text: Normalize(text)}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[k]
	if !ok {
		return false
	}
	c.removeElement(k, el)
	if c.hasLast && c.lastKey == k {
		c.hasLast = false
	}
	c.persistLocked()
	return true
}

// Clear empties the cache and returns the number of entries removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.ll.Len()
	c.ll.Init()
	c.items = make(map[key]*list.Element)
	c.hasLast = false
	c.persistLocked()
	return n
}

// List returns up to limit entries, most recent first, optionally filtered
// to a single topic. A non-positive limit returns all matching entries.
func (c *Cache) List(limit int, topicID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*Entry)
		if topicID != "" && ent.TopicID != topicID {
			continue
		}
		out = append(out, *ent)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats returns current size and hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:    c.ll.Len(),
		MaxEntries: c.maxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		Persisted:  c.path != "" && !c.degraded,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Resize changes the LRU bound. Shrinking below the current size evicts
// least-recently-used entries immediately. Non-positive values are ignored.
func (c *Cache) Resize(maxEntries int) {
	if maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := false
	c.maxEntries = maxEntries
	for c.ll.Len() > c.maxEntries {
		c.evictOldest()
		evicted = true
	}
	if evicted {
		c.persistLocked()
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evictOldest removes the back of the LRU list. Must be called with c.mu held.
func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	ent := el.Value.(*Entry)
	k := key{topic: ent.TopicID, text: ent.NormalizedText}
	c.removeElement(k, el)
	if c.hasLast && c.lastKey == k {
		c.hasLast = false
	}
}

// removeElement unlinks an entry from both the list and the index. Must be
// called with c.mu held.
func (c *Cache) removeElement(k key, el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, k)
}
