// Package backend holds the device mapping store and the adapter contract
// for home-automation backends.
//
// A backend [Record] owns everything ORAC knows about one automation system:
// how to reach it, which of its entities map onto spoken device-type/location
// pairs, and the label vocabularies operators pick from. Records are
// persisted one JSON file per backend and survive restarts; adapters are
// constructed from records at runtime and never persisted.
package backend

import (
	"slices"
	"strings"
	"time"
)

// DefaultDeviceTypes seeds the device-type vocabulary of every new backend.
// Operators can extend the list afterwards via [Store.AddDeviceType].
var DefaultDeviceTypes = []string{"lights", "heating", "media_player", "blinds", "switches"}

// DeviceMapping assigns one backend entity a spoken device type and location.
// A mapping with Enabled set but an empty DeviceType or Location is
// incomplete: it is kept, listed, and editable, but excluded from grammar
// generation and command dispatch until both fields are filled in.
type DeviceMapping struct {
	Enabled      bool   `json:"enabled"`
	DeviceType   string `json:"device_type"`
	Location     string `json:"location"`
	OriginalName string `json:"original_name"`
	Domain       string `json:"domain"`
}

// Complete reports whether both grammar-facing fields are set.
func (m DeviceMapping) Complete() bool {
	return m.DeviceType != "" && m.Location != ""
}

// GrammarEligible reports whether the mapping contributes to grammar
// generation and is a valid dispatch target.
func (m DeviceMapping) GrammarEligible() bool {
	return m.Enabled && m.Complete()
}

// MappingPatch is a partial update to a [DeviceMapping]. Nil fields are left
// untouched on the stored mapping, so a patch that only flips Enabled never
// clobbers the original name or domain captured during entity fetch.
type MappingPatch struct {
	Enabled      *bool   `json:"enabled,omitempty"`
	DeviceType   *string `json:"device_type,omitempty"`
	Location     *string `json:"location,omitempty"`
	OriginalName *string `json:"original_name,omitempty"`
	Domain       *string `json:"domain,omitempty"`
}

// apply returns m with every non-nil patch field overwritten.
func (p MappingPatch) apply(m DeviceMapping) DeviceMapping {
	if p.Enabled != nil {
		m.Enabled = *p.Enabled
	}
	if p.DeviceType != nil {
		m.DeviceType = *p.DeviceType
	}
	if p.Location != nil {
		m.Location = *p.Location
	}
	if p.OriginalName != nil {
		m.OriginalName = *p.OriginalName
	}
	if p.Domain != nil {
		m.Domain = *p.Domain
	}
	return m
}

// Connection holds whatever an adapter needs to reach its backend. For
// HomeAssistant this is the base URL and a long-lived access token.
type Connection struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// Status is the last known connectivity of a backend, updated by adapter
// probes and fetches.
type Status struct {
	Connected bool      `json:"connected"`
	LastCheck time.Time `json:"last_check,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Statistics counts adapter activity against a backend.
type Statistics struct {
	DispatchTotal   int64     `json:"dispatch_total"`
	DispatchFailed  int64     `json:"dispatch_failed"`
	LastDispatchAt  time.Time `json:"last_dispatch_at,omitzero"`
	LastFetchAt     time.Time `json:"last_fetch_at,omitzero"`
	FetchedEntities int       `json:"fetched_entities,omitempty"`
}

// Record is the persistent state of one configured backend.
//
// DeviceTypes and Locations are supersets of the values appearing in
// DeviceMappings: operators may pre-seed labels before assigning them, and
// every label assigned through an upsert is folded into the vocabulary.
type Record struct {
	ID             string                   `json:"id"`
	Name           string                   `json:"name"`
	Type           string                   `json:"type"`
	Connection     Connection               `json:"connection"`
	DeviceMappings map[string]DeviceMapping `json:"device_mappings"`
	DeviceTypes    []string                 `json:"device_types"`
	Locations      []string                 `json:"locations"`
	Status         Status                   `json:"status"`
	Statistics     Statistics               `json:"statistics"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// Clone returns a deep copy of r. Store methods hand out clones so callers
// can read them without holding the store lock.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.DeviceMappings = make(map[string]DeviceMapping, len(r.DeviceMappings))
	for id, m := range r.DeviceMappings {
		c.DeviceMappings[id] = m
	}
	c.DeviceTypes = slices.Clone(r.DeviceTypes)
	c.Locations = slices.Clone(r.Locations)
	return &c
}

// EligibleMappings returns the enabled, complete mappings keyed by entity id.
func (r *Record) EligibleMappings() map[string]DeviceMapping {
	out := make(map[string]DeviceMapping)
	for id, m := range r.DeviceMappings {
		if m.GrammarEligible() {
			out[id] = m
		}
	}
	return out
}

// hasLabel reports whether labels already contains label, ignoring case.
func hasLabel(labels []string, label string) bool {
	return slices.ContainsFunc(labels, func(l string) bool {
		return strings.EqualFold(l, label)
	})
}

// addLabel appends label unless an equal-fold duplicate exists. The stored
// casing is whichever variant arrived first.
func addLabel(labels []string, label string) []string {
	if label == "" || hasLabel(labels, label) {
		return labels
	}
	return append(labels, label)
}

// EntityDescriptor is one entity as reported by a backend fetch, before any
// operator mapping exists for it.
type EntityDescriptor struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Area     string `json:"area,omitempty"`
}

// Conflict reports a (device_type, location) pair claimed by more than one
// enabled mapping. Dispatch for such a pair is ambiguous until the operator
// disables or re-maps all but one of the entities involved.
type Conflict struct {
	DeviceType string   `json:"device_type"`
	Location   string   `json:"location"`
	EntityIDs  []string `json:"entity_ids"`
}
