package api

import (
	"log/slog"
	"net/http"

	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/topic"
)

// topicView is a Topic plus its computed liveness class.
type topicView struct {
	topic.Topic
	Liveness topic.Liveness `json:"liveness"`
}

func (s *Server) view(t topic.Topic) topicView {
	return topicView{Topic: t, Liveness: s.topics.Liveness(t)}
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	all := s.topics.List()
	views := make([]topicView, 0, len(all))
	for _, t := range all {
		views = append(views, s.view(t))
	}
	writeJSON(w, http.StatusOK, struct {
		Topics []topicView `json:"topics"`
	}{views})
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	t, err := s.topics.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(t))
}

// handleUpdateTopic upserts a topic's configuration. The body is decoded
// over the current record, so a partial document changes only the fields it
// names. Heartbeat state always comes from the stored record: configuration
// writes and heartbeat writes stay on separate paths in both directions.
func (s *Server) handleUpdateTopic(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cur, _, err := s.topics.GetOrCreate(id)
	if err != nil {
		writeError(w, err)
		return
	}

	patch := cur
	if err := decode(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	patch.Heartbeat = cur.Heartbeat

	updated, err := s.topics.Update(id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(updated))
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := s.topics.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type linkBackendRequest struct {
	BackendID string `json:"backend_id"`
}

func (s *Server) handleLinkBackend(w http.ResponseWriter, r *http.Request) {
	var req linkBackendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BackendID != "" {
		if _, err := s.store.Get(r.Context(), req.BackendID); err != nil {
			writeError(w, err)
			return
		}
	}
	t, err := s.topics.LinkBackend(r.PathValue("id"), req.BackendID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(t))
}

// heartbeatRequest is the satellite heartbeat: one report per satellite
// covering every topic it listens for. Unknown topic names are
// auto-discovered.
type heartbeatRequest struct {
	InstanceID string           `json:"instance_id"`
	Source     string           `json:"source,omitempty"`
	Topics     []heartbeatTopic `json:"topics"`
	Timestamp  float64          `json:"timestamp,omitempty"`
}

type heartbeatTopic struct {
	Name          string  `json:"name"`
	Status        string  `json:"status,omitempty"`
	WakeWord      string  `json:"wake_word,omitempty"`
	TriggerCount  int     `json:"trigger_count,omitempty"`
	LastTriggered float64 `json:"last_triggered,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.InstanceID == "" {
		writeError(w, fault.New(fault.KindValidation, "instance_id is required"))
		return
	}

	updated := 0
	for _, ht := range req.Topics {
		if ht.Name == "" {
			continue
		}
		_, err := s.topics.UpdateHeartbeat(ht.Name, topic.HeartbeatUpdate{
			Status:       ht.Status,
			WakeWord:     ht.WakeWord,
			TriggerCount: ht.TriggerCount,
		})
		if err != nil {
			slog.Warn("heartbeat update", "instance", req.InstanceID, "topic", ht.Name, "error", err)
			continue
		}
		updated++
	}

	writeJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Updated int    `json:"updated"`
	}{"ok", updated})
}
