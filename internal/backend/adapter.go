package backend

import (
	"context"
	"strings"

	"github.com/2oby/orac-core/internal/fault"
)

// UnknownToken is the sentinel a grammar-constrained model emits when the
// utterance named no recognisable device, action or location. A command
// carrying it in any field cannot be dispatched.
const UnknownToken = "UNKNOWN"

// Command is the parsed model output handed to an adapter: the fixed
// device/action/location triple the grammar constrains generation to.
type Command struct {
	Device   string `json:"device"`
	Action   string `json:"action"`
	Location string `json:"location"`
}

// Validate rejects commands no adapter could execute: missing device or
// action, or the UNKNOWN sentinel anywhere.
func (c Command) Validate() error {
	switch {
	case c.Device == "":
		return errMissingField("device")
	case c.Action == "":
		return errMissingField("action")
	case strings.EqualFold(c.Device, UnknownToken):
		return errUnknownField("device")
	case strings.EqualFold(c.Action, UnknownToken):
		return errUnknownField("action")
	case strings.EqualFold(c.Location, UnknownToken):
		return errUnknownField("location")
	}
	return nil
}

func errMissingField(field string) error {
	return fault.New(fault.KindValidation, "command is missing %s", field)
}

func errUnknownField(field string) error {
	return fault.New(fault.KindValidation,
		"command %s is %s: the model could not identify it from the utterance", field, UnknownToken)
}

// DispatchResult is the structured outcome of one command execution.
type DispatchResult struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	EntityID string         `json:"entity_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ConnectionStatus is the outcome of a reachability probe.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Version   string `json:"version,omitempty"`
	Details   string `json:"details,omitempty"`
}

// GrammarResult carries a generated grammar plus the metadata operator
// surfaces show about it. An empty Text with a Warning means the backend has
// no complete mappings yet; the pipeline must refuse to run with grammar in
// that case rather than constrain the model to an empty vocabulary.
type GrammarResult struct {
	Text          string `json:"grammar_text"`
	Schema        string `json:"schema"`
	Path          string `json:"path,omitempty"`
	DeviceCount   int    `json:"device_count"`
	LocationCount int    `json:"location_count"`
	PairCount     int    `json:"pair_count"`
	Warning       string `json:"warning,omitempty"`
}

// Report aggregates what the status surface shows for one backend:
// connectivity plus dispatch counters.
type Report struct {
	Status     Status     `json:"status"`
	Statistics Statistics `json:"statistics"`
}

// Adapter is the capability set every backend type provides. Adapters own
// their native client and their command-execution strategy; callers never
// see backend-specific types, and nothing outside the [Registry] factories
// branches on backend type.
type Adapter interface {
	// FetchEntities pulls the backend's current entities and reconciles
	// them into the mapping store. Results are cached in memory until
	// Invalidate. On failure it returns an empty list and records the
	// connectivity error on the backend's status.
	FetchEntities(ctx context.Context) ([]EntityDescriptor, error)

	// Invalidate drops the cached entity list so the next FetchEntities
	// pulls fresh from the backend.
	Invalidate()

	// GenerateGrammar produces the constraint grammar for the backend's
	// enabled, complete mappings and writes it beside earlier generations.
	GenerateGrammar(ctx context.Context) (GrammarResult, error)

	// DispatchCommand resolves the command's (device, location) pair to a
	// concrete entity and executes the backend-native call for its action.
	DispatchCommand(ctx context.Context, cmd Command) (DispatchResult, error)

	// TestConnection is a cheap reachability probe.
	TestConnection(ctx context.Context) (ConnectionStatus, error)

	// Statistics returns the backend's current status report.
	Statistics(ctx context.Context) (Report, error)

	// Close releases the adapter's native client.
	Close() error
}
