package api

import (
	"net/http"

	"github.com/2oby/orac-core/internal/inference"
	"github.com/2oby/orac-core/internal/status"
)

func (s *Server) handleLastCommand(w http.ResponseWriter, r *http.Request) {
	snap := s.pipe.Tracker().Snapshot()
	writeJSON(w, http.StatusOK, struct {
		status.LastCommand
		Stages     []status.Stage `json:"stages,omitempty"`
		Bottleneck string         `json:"bottleneck,omitempty"`
	}{snap, snap.Timing.Stages(), snap.Timing.Bottleneck()})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}

	tracker := s.pipe.Tracker()
	recent := tracker.Recent()
	if recent == nil {
		recent = []status.Command{}
	}

	var log []status.Entry
	if s.perf != nil {
		log, err = s.perf.Read(limit)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Trend           status.Trend     `json:"trend"`
		StageAveragesMS map[string]int64 `json:"stage_averages_ms"`
		Recent          []status.Command `json:"recent"`
		Log             []status.Entry   `json:"log,omitempty"`
	}{tracker.Trend(), tracker.StageAverages(), recent, log})
}

func (s *Server) handleClearPerformance(w http.ResponseWriter, r *http.Request) {
	if s.perf != nil {
		if err := s.perf.Clear(); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []inference.SessionStatus{}
	if s.sessions != nil {
		if got := s.sessions.Sessions(); got != nil {
			sessions = got
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Sessions []inference.SessionStatus `json:"sessions"`
	}{sessions})
}
