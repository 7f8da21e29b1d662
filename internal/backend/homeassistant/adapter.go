// Package homeassistant implements the Home Assistant backend adapter: it
// owns the native API client, reconciles fetched entities into the mapping
// store, produces the backend's constraint grammar, and translates validated
// commands into Home Assistant service calls.
package homeassistant

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/grammar"
	"github.com/2oby/orac-core/internal/observe"
	"github.com/2oby/orac-core/internal/phonetic"
	"github.com/2oby/orac-core/internal/resilience"
	hass "github.com/2oby/orac-core/pkg/homeassistant"
)

const defaultDispatchTimeout = 10 * time.Second

// relevantDomains are the entity domains worth offering for voice mapping.
// Sensors, automations and helper entities would flood the mapping table.
var relevantDomains = map[string]bool{
	"light":        true,
	"switch":       true,
	"cover":        true,
	"climate":      true,
	"media_player": true,
	"fan":          true,
	"lock":         true,
	"scene":        true,
	"script":       true,
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithGrammarDir sets the directory generated grammar files are written to.
// Without it GenerateGrammar returns the grammar text but writes no file.
func WithGrammarDir(dir string) Option {
	return func(a *Adapter) {
		a.grammarDir = dir
	}
}

// WithMetrics sets the metrics sink for dispatch recordings.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// WithDispatchTimeout overrides the per-dispatch deadline.
func WithDispatchTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.dispatchTimeout = d
	}
}

// WithBreaker overrides the dispatch circuit-breaker tuning. The breaker is
// always named after the backend id, whatever cfg.Name says.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(a *Adapter) {
		cfg.Name = a.backendID
		a.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

// Adapter drives a single Home Assistant instance. It is safe for concurrent
// use from multiple goroutines.
type Adapter struct {
	backendID       string
	store           backend.Store
	client          *hass.Client
	grammarDir      string
	metrics         *observe.Metrics
	match           *phonetic.Matcher
	breaker         *resilience.CircuitBreaker
	dispatchTimeout time.Duration

	fetch    singleflight.Group
	mu       sync.Mutex
	entities []backend.EntityDescriptor
}

var _ backend.Adapter = (*Adapter)(nil)

// New constructs an adapter for the given backend record.
func New(rec *backend.Record, store backend.Store, opts ...Option) (*Adapter, error) {
	client, err := hass.New(rec.Connection.URL, rec.Connection.Token)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "backend %s", rec.ID)
	}
	a := &Adapter{
		backendID: rec.ID,
		store:     store,
		client:    client,
		match:     phonetic.New(),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: rec.ID,
		}),
		dispatchTimeout: defaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// Factory returns a [backend.Factory] that builds adapters with the given
// options. Register it for type "homeassistant".
func Factory(opts ...Option) backend.Factory {
	return func(rec *backend.Record, store backend.Store) (backend.Adapter, error) {
		return New(rec, store, opts...)
	}
}

// FetchEntities pulls states from Home Assistant, annotates them with area
// names from the registries when reachable, and merges the result into the
// mapping store. The list is cached until [Adapter.Invalidate]; concurrent
// cold fetches share one round trip.
func (a *Adapter) FetchEntities(ctx context.Context) ([]backend.EntityDescriptor, error) {
	a.mu.Lock()
	if a.entities != nil {
		cached := slices.Clone(a.entities)
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	v, err, _ := a.fetch.Do("entities", func() (any, error) {
		return a.refreshEntities(ctx)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]backend.EntityDescriptor)), nil
}

// Invalidate drops the cached entity list so the next FetchEntities pulls
// fresh from Home Assistant.
func (a *Adapter) Invalidate() {
	a.mu.Lock()
	a.entities = nil
	a.mu.Unlock()
}

func (a *Adapter) refreshEntities(ctx context.Context) ([]backend.EntityDescriptor, error) {
	states, err := a.client.States(ctx)
	if err != nil {
		if serr := a.store.UpdateStatus(ctx, a.backendID, backend.Status{Error: err.Error()}); serr != nil {
			slog.Warn("record backend status", "backend", a.backendID, "error", serr)
		}
		return nil, fault.Wrap(fault.KindBackend, err, "fetch entities from backend %s", a.backendID)
	}
	hints := a.areaHints(ctx)

	descs := make([]backend.EntityDescriptor, 0, len(states))
	for _, st := range states {
		if !relevantDomains[st.Domain()] {
			continue
		}
		descs = append(descs, backend.EntityDescriptor{
			EntityID: st.EntityID,
			Name:     st.FriendlyName(),
			Domain:   st.Domain(),
			Area:     hints[st.EntityID],
		})
	}
	slices.SortFunc(descs, func(x, y backend.EntityDescriptor) int {
		return strings.Compare(x.EntityID, y.EntityID)
	})

	added, err := a.store.MergeEntities(ctx, a.backendID, descs)
	if err != nil {
		return nil, err
	}
	if err := a.store.UpdateStatus(ctx, a.backendID, backend.Status{Connected: true}); err != nil {
		slog.Warn("record backend status", "backend", a.backendID, "error", err)
	}
	slog.Info("entities fetched", "backend", a.backendID, "entities", len(descs), "new", added)

	a.mu.Lock()
	a.entities = descs
	a.mu.Unlock()
	return descs, nil
}

// areaHints resolves entity ids to area names via the WebSocket registries.
// Best effort: any registry failure just means no hints.
func (a *Adapter) areaHints(ctx context.Context) map[string]string {
	entries, err := a.client.EntityRegistry(ctx)
	if err != nil {
		slog.Debug("entity registry unavailable", "backend", a.backendID, "error", err)
		return nil
	}
	devices, err := a.client.DeviceRegistry(ctx)
	if err != nil {
		slog.Debug("device registry unavailable", "backend", a.backendID, "error", err)
		return nil
	}
	areas, err := a.client.Areas(ctx)
	if err != nil {
		slog.Debug("area registry unavailable", "backend", a.backendID, "error", err)
		return nil
	}

	areaName := make(map[string]string, len(areas))
	for _, ar := range areas {
		areaName[ar.AreaID] = ar.Name
	}
	deviceArea := make(map[string]string, len(devices))
	for _, d := range devices {
		deviceArea[d.ID] = d.AreaID
	}

	hints := make(map[string]string, len(entries))
	for _, e := range entries {
		areaID := e.AreaID
		if areaID == "" {
			// Entities without their own area inherit the device's.
			areaID = deviceArea[e.DeviceID]
		}
		if name := areaName[areaID]; name != "" {
			hints[e.EntityID] = name
		}
	}
	return hints
}

// GenerateGrammar builds the constraint grammar from the backend's enabled,
// complete mappings and writes it to the grammar directory. A backend with no
// usable mappings yields an empty grammar with a warning instead of an error;
// the pipeline treats that as "run without grammar".
func (a *Adapter) GenerateGrammar(ctx context.Context) (backend.GrammarResult, error) {
	rec, err := a.store.Get(ctx, a.backendID)
	if err != nil {
		return backend.GrammarResult{}, err
	}
	art, err := grammar.Generate(rec)
	if err != nil {
		if errors.Is(err, grammar.ErrNoMappings) {
			return backend.GrammarResult{
				Schema:  grammar.EnvelopeSchema,
				Warning: err.Error(),
			}, nil
		}
		return backend.GrammarResult{}, err
	}

	path := ""
	if a.grammarDir != "" {
		path, err = grammar.WriteFile(a.grammarDir, a.backendID, art)
		if err != nil {
			return backend.GrammarResult{}, err
		}
	}
	slog.Info("grammar generated", "backend", a.backendID,
		"devices", art.Stats.DeviceCount, "locations", art.Stats.LocationCount, "pairs", art.Stats.PairCount)
	return backend.GrammarResult{
		Text:          art.Text,
		Schema:        grammar.EnvelopeSchema,
		Path:          path,
		DeviceCount:   art.Stats.DeviceCount,
		LocationCount: art.Stats.LocationCount,
		PairCount:     art.Stats.PairCount,
	}, nil
}

// TestConnection probes /api/config. An unreachable instance is a negative
// probe result, not an error.
func (a *Adapter) TestConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	cfg, err := a.client.Config(ctx)
	if err != nil {
		if serr := a.store.UpdateStatus(ctx, a.backendID, backend.Status{Error: err.Error()}); serr != nil {
			slog.Warn("record backend status", "backend", a.backendID, "error", serr)
		}
		return backend.ConnectionStatus{Details: err.Error()}, nil
	}
	if err := a.store.UpdateStatus(ctx, a.backendID, backend.Status{Connected: true}); err != nil {
		slog.Warn("record backend status", "backend", a.backendID, "error", err)
	}
	return backend.ConnectionStatus{
		Connected: true,
		Version:   cfg.Version,
		Details:   cfg.LocationName,
	}, nil
}

// Statistics reports the stored connectivity status and dispatch counters.
func (a *Adapter) Statistics(ctx context.Context) (backend.Report, error) {
	rec, err := a.store.Get(ctx, a.backendID)
	if err != nil {
		return backend.Report{}, err
	}
	return backend.Report{Status: rec.Status, Statistics: rec.Statistics}, nil
}

// Close releases the adapter. The REST client holds no persistent
// connections, so this only exists to satisfy the adapter contract.
func (a *Adapter) Close() error {
	return nil
}
