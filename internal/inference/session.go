package inference

import (
	"fmt"
	"time"

	"github.com/2oby/orac-core/pkg/llamacpp"
)

// Sampling is the sampling-profile half of a session key. Two topics with
// identical sampling share a session; changing any field lands on a
// different one.
type Sampling struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
	MaxTokens   int     `json:"max_tokens"`
	ForceJSON   bool    `json:"force_json"`
}

// Key identifies one inference session: one model loaded with one grammar
// and one sampling profile. It is comparable and safe as a map key.
type Key struct {
	// Model is the GGUF file, either absolute or relative to the model
	// directory.
	Model string

	// GrammarFile is the GBNF file constraining the session, empty for
	// unconstrained sessions.
	GrammarFile string

	Sampling Sampling
}

// String renders the key for logs and startup grouping.
func (k Key) String() string {
	s := k.Sampling
	return fmt.Sprintf("%s|%s|t%v,p%v,k%d,n%d,json=%t",
		k.Model, k.GrammarFile, s.Temperature, s.TopP, s.TopK, s.MaxTokens, s.ForceJSON)
}

// State is the lifecycle state of one session.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateDegraded
	StateRestarting
	StateTerminated
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateRestarting:
		return "restarting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is a handle on one llama-server. All mutable fields are guarded by
// the supervisor's mutex; callers treat the handle as opaque.
type Session struct {
	key Key

	state       State
	proc        Proc
	client      *llamacpp.Client
	port        int
	grammarText string

	// starts counts start attempts; failures counts consecutive failed
	// ones and drives termination.
	starts   int
	failures int
	lastErr  error
	readyAt  time.Time
}

// Key returns the session's identity.
func (s *Session) Key() Key { return s.key }

// SessionStatus is the external snapshot of one session for the status
// surface.
type SessionStatus struct {
	Model     string    `json:"model"`
	Grammar   string    `json:"grammar,omitempty"`
	State     string    `json:"state"`
	Port      int       `json:"port,omitempty"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	ReadyAt   time.Time `json:"ready_at,omitzero"`
}
