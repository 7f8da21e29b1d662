package api

import (
	"net/http"

	"github.com/2oby/orac-core/internal/cache"
	"github.com/2oby/orac-core/internal/fault"
)

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := s.cache.List(limit, r.URL.Query().Get("topic"))
	if entries == nil {
		entries = []cache.Entry{}
	}
	writeJSON(w, http.StatusOK, struct {
		Entries []cache.Entry `json:"entries"`
	}{entries})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.cache.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type removeEntryRequest struct {
	TopicID string `json:"topic_id"`
	Text    string `json:"text"`
}

func (s *Server) handleCacheRemoveEntry(w http.ResponseWriter, r *http.Request) {
	var req removeEntryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TopicID == "" || req.Text == "" {
		writeError(w, fault.New(fault.KindValidation, "topic_id and text are required"))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Removed bool `json:"removed"`
	}{s.cache.Remove(req.TopicID, req.Text)})
}

// handleErrorCorrection is the explicit form of the spoken correction
// phrases: it drops the most recent cached command if it is younger than the
// correction window.
func (s *Server) handleErrorCorrection(w http.ResponseWriter, r *http.Request) {
	// Same wire literals as the spoken correction path in the pipeline.
	removed := s.cache.RemoveLast(s.cfg.ErrorCorrectionWindow)
	result := "nothing_to_remove"
	if removed {
		result = "removed_last_entry"
	}
	writeJSON(w, http.StatusOK, struct {
		Action string `json:"action"`
		Result string `json:"result"`
	}{"error_correction", result})
}
