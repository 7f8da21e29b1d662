// Package api is the HTTP surface of ORAC Core: the generate endpoint the
// STT satellites call, CRUD for backends and topics, the heartbeat ingest,
// status and cache inspection, health probes, and the MCP tool surface.
//
// Handlers are thin: they decode, delegate to the pipeline or a store, and
// encode. Fault kinds pick the response status, so a disabled topic is a
// 403, a missing backend a 404, and an inference timeout a 504 without any
// handler branching on error strings.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/cache"
	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/inference"
	"github.com/2oby/orac-core/internal/pipeline"
	"github.com/2oby/orac-core/internal/status"
	"github.com/2oby/orac-core/internal/topic"
)

// Config carries the server's own settings; everything stateful comes in as
// a collaborator.
type Config struct {
	// GrammarDir holds the generated backend grammar files served by
	// GET /v1/backends/{id}/grammar.
	GrammarDir string

	// ErrorCorrectionWindow bounds how old the last cached command may be
	// for POST /v1/cache/error-correction to remove it.
	ErrorCorrectionWindow time.Duration

	// Version is reported to MCP clients during initialization.
	Version string
}

// SessionLister is the slice of the inference supervisor the status
// endpoints need.
type SessionLister interface {
	Sessions() []inference.SessionStatus
}

// Option tweaks a Server.
type Option func(*Server)

// WithSessions wires the inference supervisor into GET /v1/status/sessions.
func WithSessions(l SessionLister) Option {
	return func(s *Server) { s.sessions = l }
}

// WithPerfLog wires the performance log into the /v1/status/performance
// endpoints.
func WithPerfLog(l *status.PerfLog) Option {
	return func(s *Server) { s.perf = l }
}

// Server holds the handler dependencies.
type Server struct {
	cfg      Config
	pipe     *pipeline.Pipeline
	store    backend.Store
	backends *backend.Manager
	topics   *topic.Registry
	cache    *cache.Cache

	sessions SessionLister
	perf     *status.PerfLog
}

// New builds the HTTP surface over its collaborators.
func New(cfg Config, pipe *pipeline.Pipeline, store backend.Store, backends *backend.Manager, topics *topic.Registry, responses *cache.Cache, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		pipe:     pipe,
		store:    store,
		backends: backends,
		topics:   topics,
		cache:    responses,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds every route to mux. Health probes and /metrics are mounted
// by the app alongside this.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/generate/{topic}", s.handleGenerate)

	mux.HandleFunc("GET /v1/backends", s.handleListBackends)
	mux.HandleFunc("POST /v1/backends", s.handleCreateBackend)
	mux.HandleFunc("GET /v1/backends/{id}", s.handleGetBackend)
	mux.HandleFunc("PUT /v1/backends/{id}", s.handleUpdateBackend)
	mux.HandleFunc("DELETE /v1/backends/{id}", s.handleDeleteBackend)
	mux.HandleFunc("POST /v1/backends/{id}/entities/fetch", s.handleFetchEntities)
	mux.HandleFunc("PUT /v1/backends/{id}/entities/{entity...}", s.handleUpsertEntity)
	mux.HandleFunc("PUT /v1/backends/{id}/entities", s.handleBulkUpsert)
	mux.HandleFunc("POST /v1/backends/{id}/device-types", s.handleAddDeviceType)
	mux.HandleFunc("POST /v1/backends/{id}/locations", s.handleAddLocation)
	mux.HandleFunc("GET /v1/backends/{id}/validate", s.handleValidateMappings)
	mux.HandleFunc("POST /v1/backends/{id}/grammar", s.handleGenerateGrammar)
	mux.HandleFunc("GET /v1/backends/{id}/grammar", s.handleGetGrammar)
	mux.HandleFunc("POST /v1/backends/{id}/test", s.handleTestConnection)

	mux.HandleFunc("GET /v1/topics", s.handleListTopics)
	mux.HandleFunc("GET /v1/topics/{id}", s.handleGetTopic)
	mux.HandleFunc("PUT /v1/topics/{id}", s.handleUpdateTopic)
	mux.HandleFunc("DELETE /v1/topics/{id}", s.handleDeleteTopic)
	mux.HandleFunc("POST /v1/topics/{id}/backend", s.handleLinkBackend)
	mux.HandleFunc("POST /v1/heartbeat", s.handleHeartbeat)

	mux.HandleFunc("GET /v1/status/last-command", s.handleLastCommand)
	mux.HandleFunc("GET /v1/status/performance", s.handlePerformance)
	mux.HandleFunc("DELETE /v1/status/performance", s.handleClearPerformance)
	mux.HandleFunc("GET /v1/status/sessions", s.handleSessions)

	mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	mux.HandleFunc("GET /v1/cache/entries", s.handleCacheEntries)
	mux.HandleFunc("DELETE /v1/cache/entries", s.handleCacheClear)
	mux.HandleFunc("POST /v1/cache/remove-entry", s.handleCacheRemoveEntry)
	mux.HandleFunc("POST /v1/cache/error-correction", s.handleErrorCorrection)

	// The MCP transport multiplexes GET, POST and DELETE itself.
	mux.Handle("/mcp", s.mcpHandler())
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Status string `json:"status"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), errorBody{
		Status: "error",
		Kind:   string(fault.KindOf(err)),
		Error:  err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// decode reads the request body into v. Unknown fields are tolerated so
// newer satellites can talk to older cores.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(fault.KindValidation, err, "decode request body")
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.New(fault.KindValidation, "query parameter %q must be an integer", name)
	}
	return n, nil
}

// unixTime converts an epoch-seconds float (the stamp format of the STT
// satellites) into a time.Time. Zero and negative inputs mean "not sent".
func unixTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	s := int64(sec)
	ns := int64((sec - float64(s)) * 1e9)
	return time.Unix(s, ns).UTC()
}
