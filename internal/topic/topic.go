// Package topic manages named generation profiles. A topic binds a model,
// sampling settings, an optional system prompt, and an optional backend link
// under a stable ID that Hey ORAC satellites address commands to.
//
// Unknown topic IDs are created on first use with defaulted settings, so a
// freshly flashed satellite can start talking to the core without operator
// setup. The well-known "general" topic always exists and cannot be deleted.
//
// Heartbeat state is tracked on the topic record but mutated only through
// [Registry.UpdateHeartbeat], which is forbidden from touching configuration
// fields. Configuration updates and heartbeat ingest travel through disjoint
// code paths; a heartbeat must never detach a backend link.
package topic

import (
	"time"
)

// Liveness classifies how recently a topic's satellite has been heard from.
type Liveness string

const (
	// LivenessActive means a heartbeat arrived within the active threshold.
	LivenessActive Liveness = "active"

	// LivenessIdle means the last heartbeat is older than the active
	// threshold but within the idle threshold.
	LivenessIdle Liveness = "idle"

	// LivenessStale means no heartbeat within the idle threshold, or none
	// ever.
	LivenessStale Liveness = "stale"
)

// GeneralTopicID is the well-known topic that always exists.
const GeneralTopicID = "general"

// Settings holds the per-topic generation parameters. Zero values mean
// "inherit the model default" at request time.
type Settings struct {
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	TopK         int     `json:"top_k"`
	MaxTokens    int     `json:"max_tokens"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	NoThink      bool    `json:"no_think"`
	ForceJSON    bool    `json:"force_json"`
}

// Grammar configures a static grammar file for topics that are not linked to
// a backend. A linked backend's generated grammar supersedes this.
type Grammar struct {
	Enabled bool   `json:"enabled"`
	File    string `json:"file,omitempty"`
}

// Heartbeat is the satellite-reported liveness state. These fields are owned
// by the heartbeat ingest path exclusively.
type Heartbeat struct {
	LastSeen     time.Time `json:"last_seen,omitzero"`
	Status       string    `json:"status,omitempty"`
	WakeWord     string    `json:"wake_word,omitempty"`
	TriggerCount int       `json:"trigger_count"`
}

// Topic is one generation profile.
type Topic struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Enabled        bool      `json:"enabled"`
	Model          string    `json:"model"`
	BackendID      string    `json:"backend_id,omitempty"`
	Settings       Settings  `json:"settings"`
	Grammar        Grammar   `json:"grammar"`
	AutoDiscovered bool      `json:"auto_discovered"`
	FirstSeen      time.Time `json:"first_seen"`
	LastUsed       time.Time `json:"last_used,omitzero"`
	Heartbeat      Heartbeat `json:"heartbeat"`
}

// HeartbeatUpdate carries the fields a satellite may report. Nothing else on
// the topic can be expressed here, which is what makes UpdateHeartbeat safe.
type HeartbeatUpdate struct {
	Status       string
	WakeWord     string
	TriggerCount int
}

// LivenessAt derives the liveness class of t at the given instant using the
// supplied thresholds.
func (t Topic) LivenessAt(now time.Time, activeWithin, idleWithin time.Duration) Liveness {
	if t.Heartbeat.LastSeen.IsZero() {
		return LivenessStale
	}
	age := now.Sub(t.Heartbeat.LastSeen)
	switch {
	case age <= activeWithin:
		return LivenessActive
	case age <= idleWithin:
		return LivenessIdle
	default:
		return LivenessStale
	}
}
