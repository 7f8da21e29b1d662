package backend

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ErrTypeNotRegistered is returned when no adapter factory has been
// registered under the requested backend type.
var ErrTypeNotRegistered = errors.New("backend: type not registered")

// Factory builds an adapter for one backend record. Factories close over
// whatever their adapter needs beyond the record and the store — grammar
// directory, phonetic matcher, metrics.
type Factory func(rec *Record, store Store) (Adapter, error)

// Registry maps backend types to adapter factories. It is the only place in
// the core that branches on backend type. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers an adapter factory under typ. Subsequent calls with
// the same type overwrite the previous registration.
func (r *Registry) Register(typ string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = factory
}

// Types returns the registered backend types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Supported reports whether an adapter factory exists for typ.
func (r *Registry) Supported(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Create instantiates an adapter using the factory registered under
// rec.Type. Returns [ErrTypeNotRegistered] when no factory covers it.
func (r *Registry) Create(rec *Record, store Store) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[rec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTypeNotRegistered, rec.Type)
	}
	return factory(rec, store)
}

// Manager hands out one live adapter per backend, creating it on first use
// and recreating it when the backend's connection settings change. Mapping
// edits do not cycle the adapter: adapters re-read their record per
// operation, and cycling would throw away their fetched-entity caches.
type Manager struct {
	store Store
	reg   *Registry

	mu   sync.Mutex
	live map[string]*managed
}

type managed struct {
	adapter Adapter
	conn    Connection
}

// NewManager returns a [Manager] over the given store and registry.
func NewManager(store Store, reg *Registry) *Manager {
	return &Manager{
		store: store,
		reg:   reg,
		live:  make(map[string]*managed),
	}
}

// Adapter returns the live adapter for the backend with the given id.
func (m *Manager) Adapter(ctx context.Context, id string) (Adapter, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.live[id]; ok {
		if cur.conn == rec.Connection {
			return cur.adapter, nil
		}
		cur.adapter.Close()
		delete(m.live, id)
	}

	adapter, err := m.reg.Create(rec, m.store)
	if err != nil {
		return nil, err
	}
	m.live[id] = &managed{adapter: adapter, conn: rec.Connection}
	return adapter, nil
}

// Types returns the backend types the manager can instantiate.
func (m *Manager) Types() []string { return m.reg.Types() }

// Supported reports whether the manager can instantiate adapters of typ.
func (m *Manager) Supported(typ string) bool { return m.reg.Supported(typ) }

// Invalidate closes and drops the live adapter for id, if any. Called after
// a backend is deleted.
func (m *Manager) Invalidate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.live[id]; ok {
		cur.adapter.Close()
		delete(m.live, id)
	}
}

// Close closes every live adapter.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id, cur := range m.live {
		if err := cur.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close adapter %s: %w", id, err))
		}
		delete(m.live, id)
	}
	return errors.Join(errs...)
}
