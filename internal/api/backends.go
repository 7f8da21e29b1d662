package api

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/grammar"
)

type createBackendRequest struct {
	Name       string             `json:"name"`
	Type       string             `json:"type"`
	Connection backend.Connection `json:"connection"`
}

type updateBackendRequest struct {
	Name       string              `json:"name,omitempty"`
	Connection *backend.Connection `json:"connection,omitempty"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*backend.Record{}
	}
	writeJSON(w, http.StatusOK, struct {
		Backends []*backend.Record `json:"backends"`
	}{recs})
}

func (s *Server) handleCreateBackend(w http.ResponseWriter, r *http.Request) {
	var req createBackendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Type != "" && !s.backends.Supported(req.Type) {
		writeError(w, fault.New(fault.KindValidation,
			"unsupported backend type %q (supported: %s)",
			req.Type, strings.Join(s.backends.Types(), ", ")))
		return
	}
	rec, err := s.store.Create(r.Context(), req.Name, req.Type, req.Connection)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateBackend(w http.ResponseWriter, r *http.Request) {
	var req updateBackendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.store.Update(r.Context(), r.PathValue("id"), req.Name, req.Connection)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteBackend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.backends.Invalidate(id)
	if err := os.Remove(grammar.Path(s.cfg.GrammarDir, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("remove grammar of deleted backend", "backend", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchEntities(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	adapter, err := s.backends.Adapter(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	// Forget whatever the adapter cached so this fetch hits the backend.
	adapter.Invalidate()
	entities, err := adapter.FetchEntities(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	added, err := s.store.MergeEntities(r.Context(), id, entities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Fetched int `json:"fetched"`
		Added   int `json:"added"`
	}{len(entities), added})
}

func (s *Server) handleUpsertEntity(w http.ResponseWriter, r *http.Request) {
	var patch backend.MappingPatch
	if err := decode(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.store.UpsertEntity(r.Context(), r.PathValue("id"), r.PathValue("entity"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type bulkUpsertRequest struct {
	EntityIDs []string `json:"entity_ids"`
	backend.MappingPatch
}

func (s *Server) handleBulkUpsert(w http.ResponseWriter, r *http.Request) {
	var req bulkUpsertRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.EntityIDs) == 0 {
		writeError(w, fault.New(fault.KindValidation, "entity_ids must not be empty"))
		return
	}
	rec, err := s.store.BulkUpsert(r.Context(), r.PathValue("id"), req.EntityIDs, req.MappingPatch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type labelRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleAddDeviceType(w http.ResponseWriter, r *http.Request) {
	s.addVocabulary(w, r, s.store.AddDeviceType)
}

func (s *Server) handleAddLocation(w http.ResponseWriter, r *http.Request) {
	s.addVocabulary(w, r, s.store.AddLocation)
}

// addVocabulary serves both vocabulary-extension endpoints; they differ only
// in which store method takes the label.
func (s *Server) addVocabulary(w http.ResponseWriter, r *http.Request, add func(ctx context.Context, id, label string) error) {
	var req labelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := add(r.Context(), id, req.Label); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleValidateMappings(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.store.ValidateMappings(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []backend.Conflict{}
	}
	writeJSON(w, http.StatusOK, struct {
		Valid     bool               `json:"valid"`
		Conflicts []backend.Conflict `json:"conflicts"`
	}{len(conflicts) == 0, conflicts})
}

func (s *Server) handleGenerateGrammar(w http.ResponseWriter, r *http.Request) {
	adapter, err := s.backends.Adapter(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := adapter.GenerateGrammar(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetGrammar(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	path := grammar.Path(s.cfg.GrammarDir, id)
	text, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, fault.New(fault.KindNotFound, "no generated grammar for backend %q", id))
			return
		}
		writeError(w, fault.Wrap(fault.KindInternal, err, "read grammar for backend %q", id))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		BackendID string `json:"backend_id"`
		Path      string `json:"path"`
		Text      string `json:"grammar_text"`
	}{id, path, string(text)})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	adapter, err := s.backends.Adapter(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := adapter.TestConnection(r.Context())
	st := backend.Status{Connected: res.Connected, LastCheck: time.Now().UTC()}
	if err != nil {
		st.Connected = false
		st.Error = err.Error()
	}
	if updErr := s.store.UpdateStatus(r.Context(), id, st); updErr != nil {
		slog.Warn("record connection status", "backend", id, "error", updErr)
	}

	// A failed probe is a successful test: report it, don't error.
	writeJSON(w, http.StatusOK, struct {
		Connected bool   `json:"connected"`
		Version   string `json:"version,omitempty"`
		Details   string `json:"details,omitempty"`
		Error     string `json:"error,omitempty"`
	}{st.Connected, res.Version, res.Details, st.Error})
}
