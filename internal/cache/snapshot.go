package cache

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// snapshotVersion is the on-disk format version this build reads and writes.
const snapshotVersion = 1

// snapshot is the on-disk representation of the cache. Entries are ordered
// least recent first so a sequential replay on load reconstructs the LRU
// order, leaving the final entry most recent.
type snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Entries []Entry   `json:"entries"`
}

// load replays the snapshot at c.path into the empty cache. Absent files are
// normal (first start); unreadable or incompatible files leave the cache
// empty with a warning. load never fails the caller: a broken snapshot is
// overwritten by the next successful Store.
func (c *Cache) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("no cache snapshot, starting empty", "path", c.path)
			return
		}
		slog.Warn("cache snapshot unreadable, starting empty",
			"path", c.path, "error", err)
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("cache snapshot corrupt, starting empty",
			"path", c.path, "error", err)
		return
	}
	if snap.Version != snapshotVersion {
		slog.Warn("cache snapshot version not supported, starting empty",
			"path", c.path, "version", snap.Version)
		return
	}

	for i := range snap.Entries {
		ent := snap.Entries[i]
		if ent.TopicID == "" || ent.NormalizedText == "" {
			continue
		}
		k := key{topic: ent.TopicID, text: ent.NormalizedText}
		if el, ok := c.items[k]; ok {
			// Duplicate key in the file; later wins and moves up.
			c.ll.Remove(el)
		}
		c.items[k] = c.ll.PushFront(&ent)
	}

	// The configured bound may have shrunk since the snapshot was written.
	for c.ll.Len() > c.maxEntries {
		c.evictOldest()
	}

	slog.Info("cache snapshot loaded", "path", c.path, "entries", c.ll.Len())
}

// persistLocked rewrites the snapshot file. Must be called with c.mu held.
// The write goes to a temp file in the same directory followed by a rename,
// so readers never observe a half-written snapshot. The first write failure
// degrades the cache to memory-only to avoid warning on every mutation.
func (c *Cache) persistLocked() {
	if c.path == "" || c.degraded {
		return
	}

	snap := snapshot{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
		Entries: make([]Entry, 0, c.ll.Len()),
	}
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		snap.Entries = append(snap.Entries, *el.Value.(*Entry))
	}

	data, err := json.Marshal(snap)
	if err != nil {
		c.degrade("marshal cache snapshot", err)
		return
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.degrade("create cache directory", err)
		return
	}

	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		c.degrade("create cache temp file", err)
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		c.degrade("write cache snapshot", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		c.degrade("close cache temp file", err)
		return
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		c.degrade("replace cache snapshot", err)
		return
	}
}

// degrade disables persistence after a write failure. The in-memory cache
// keeps working.
func (c *Cache) degrade(op string, err error) {
	c.degraded = true
	slog.Warn("cache degraded to memory-only",
		"op", op, "path", c.path, "error", err)
}
