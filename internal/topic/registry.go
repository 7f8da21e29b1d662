package topic

import (
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/2oby/orac-core/internal/fault"
)

// Defaults are applied to topics created on first use.
type Defaults struct {
	Model    string
	Settings Settings
}

// topicsFile is the on-disk document shape: a single object keyed by topic ID.
type topicsFile struct {
	Topics map[string]Topic `json:"topics"`
}

// Registry is the topic store. All mutations rewrite the whole topics file
// under the registry lock, so concurrent writers are serialized and the file
// on disk is always a complete document.
type Registry struct {
	path         string
	defaults     Defaults
	activeWithin time.Duration
	idleWithin   time.Duration

	mu     sync.RWMutex
	topics map[string]Topic
}

// NewRegistry loads the topics file at path, creating it with the seeded
// "general" topic when absent. A corrupt file is a hard error: topics are
// operator configuration, not disposable state.
func NewRegistry(path string, defaults Defaults, activeWithin, idleWithin time.Duration) (*Registry, error) {
	r := &Registry{
		path:         path,
		defaults:     defaults,
		activeWithin: activeWithin,
		idleWithin:   idleWithin,
		topics:       make(map[string]Topic),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First start.
	case err != nil:
		return nil, fault.Wrap(fault.KindConfiguration, err, "read topics file %s", path)
	default:
		var doc topicsFile
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, err, "parse topics file %s", path)
		}
		if doc.Topics != nil {
			r.topics = doc.Topics
		}
	}

	if _, ok := r.topics[GeneralTopicID]; !ok {
		r.topics[GeneralTopicID] = Topic{
			ID:        GeneralTopicID,
			Name:      "General",
			Enabled:   true,
			Model:     defaults.Model,
			Settings:  defaults.Settings,
			FirstSeen: time.Now().UTC(),
		}
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
		slog.Info("seeded general topic", "path", path)
	}

	return r, nil
}

// Get returns the topic with the given ID.
func (r *Registry) Get(id string) (Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.topics[id]
	if !ok {
		return Topic{}, fault.New(fault.KindNotFound, "topic %q not found", id)
	}
	return t, nil
}

// GetOrCreate returns the topic with the given ID, creating it with defaults
// when unknown. Created topics are flagged auto_discovered. The returned
// boolean reports whether a creation happened.
func (r *Registry) GetOrCreate(id string) (Topic, bool, error) {
	if id == "" {
		return Topic{}, false, fault.New(fault.KindValidation, "topic id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.topics[id]; ok {
		return t, false, nil
	}

	t := Topic{
		ID:             id,
		Name:           id,
		Enabled:        true,
		Model:          r.defaults.Model,
		Settings:       r.defaults.Settings,
		AutoDiscovered: true,
		FirstSeen:      time.Now().UTC(),
	}
	r.topics[id] = t
	if err := r.persistLocked(); err != nil {
		delete(r.topics, id)
		return Topic{}, false, err
	}
	slog.Info("auto-discovered topic", "topic", id)
	return t, true, nil
}

// List returns all topics sorted by ID.
func (r *Registry) List() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Topic, 0, len(r.topics))
	for _, id := range slices.Sorted(maps.Keys(r.topics)) {
		out = append(out, r.topics[id])
	}
	return out
}

// Update replaces the topic's configuration wholesale. The identity and
// discovery metadata (id, auto_discovered, first_seen) are preserved from the
// stored record regardless of what the patch carries.
func (r *Registry) Update(id string, patch Topic) (Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.topics[id]
	if !ok {
		return Topic{}, fault.New(fault.KindNotFound, "topic %q not found", id)
	}

	patch.ID = cur.ID
	patch.AutoDiscovered = cur.AutoDiscovered
	patch.FirstSeen = cur.FirstSeen

	r.topics[id] = patch
	if err := r.persistLocked(); err != nil {
		r.topics[id] = cur
		return Topic{}, err
	}
	return patch, nil
}

// UpdateHeartbeat records a satellite heartbeat for the topic, auto-creating
// unknown topics. It mutates heartbeat fields and nothing else: backend
// linkage, model, settings and grammar are read from the stored record and
// written back untouched.
func (r *Registry) UpdateHeartbeat(id string, hb HeartbeatUpdate) (Topic, error) {
	if id == "" {
		return Topic{}, fault.New(fault.KindValidation, "topic id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.topics[id]
	if !ok {
		cur = Topic{
			ID:             id,
			Name:           id,
			Enabled:        true,
			Model:          r.defaults.Model,
			Settings:       r.defaults.Settings,
			AutoDiscovered: true,
			FirstSeen:      time.Now().UTC(),
		}
		slog.Info("auto-discovered topic via heartbeat", "topic", id)
	}

	prev := cur
	cur.Heartbeat = Heartbeat{
		LastSeen:     time.Now().UTC(),
		Status:       hb.Status,
		WakeWord:     hb.WakeWord,
		TriggerCount: hb.TriggerCount,
	}

	r.topics[id] = cur
	if err := r.persistLocked(); err != nil {
		if ok {
			r.topics[id] = prev
		} else {
			delete(r.topics, id)
		}
		return Topic{}, err
	}
	return cur, nil
}

// LinkBackend attaches the topic to a backend, or detaches it when backendID
// is empty. Attaching disables any static grammar on the topic because the
// backend's generated grammar supersedes it.
func (r *Registry) LinkBackend(id, backendID string) (Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.topics[id]
	if !ok {
		return Topic{}, fault.New(fault.KindNotFound, "topic %q not found", id)
	}

	prev := cur
	cur.BackendID = backendID
	if backendID != "" {
		cur.Grammar.Enabled = false
	}

	r.topics[id] = cur
	if err := r.persistLocked(); err != nil {
		r.topics[id] = prev
		return Topic{}, err
	}
	return cur, nil
}

// MarkUsed stamps the topic's last_used field.
func (r *Registry) MarkUsed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.topics[id]
	if !ok {
		return fault.New(fault.KindNotFound, "topic %q not found", id)
	}

	prev := cur
	cur.LastUsed = time.Now().UTC()
	r.topics[id] = cur
	if err := r.persistLocked(); err != nil {
		r.topics[id] = prev
		return err
	}
	return nil
}

// Delete removes a topic. The general topic is protected.
func (r *Registry) Delete(id string) error {
	if id == GeneralTopicID {
		return fault.New(fault.KindValidation, "the %q topic cannot be deleted", GeneralTopicID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.topics[id]
	if !ok {
		return fault.New(fault.KindNotFound, "topic %q not found", id)
	}

	delete(r.topics, id)
	if err := r.persistLocked(); err != nil {
		r.topics[id] = cur
		return err
	}
	return nil
}

// Liveness derives the liveness class of t using the registry's configured
// thresholds.
func (r *Registry) Liveness(t Topic) Liveness {
	r.mu.RLock()
	active, idle := r.activeWithin, r.idleWithin
	r.mu.RUnlock()
	return t.LivenessAt(time.Now(), active, idle)
}

// SetThresholds replaces the heartbeat liveness thresholds. Called on config
// hot-reload; stored topics are untouched, only their derived liveness class
// changes.
func (r *Registry) SetThresholds(activeWithin, idleWithin time.Duration) {
	r.mu.Lock()
	r.activeWithin = activeWithin
	r.idleWithin = idleWithin
	r.mu.Unlock()
}

// persistLocked rewrites the topics file atomically. Must be called with
// r.mu held for writing.
func (r *Registry) persistLocked() error {
	doc := topicsFile{Topics: r.topics}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "marshal topics")
	}
	data = append(data, '\n')

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.KindInternal, err, "create topics directory")
	}

	tmp, err := os.CreateTemp(dir, ".topics-*.tmp")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "create topics temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.KindInternal, err, "write topics file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.KindInternal, err, "close topics temp file")
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.KindInternal, err, "replace topics file")
	}
	return nil
}
