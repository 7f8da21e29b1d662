package api

import (
	"net/http"
	"strings"

	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/pipeline"
	"github.com/2oby/orac-core/internal/status"
)

// generateRequest is the body of POST /v1/generate/{topic}. Besides the
// transcription it carries optional per-request overrides and the upstream
// timing stamps as Unix epoch seconds, the clock format the satellites use.
type generateRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	GrammarFile string   `json:"grammar_file,omitempty"`

	WakeWordTime float64 `json:"wake_word_time,omitempty"`
	STTStartTime float64 `json:"stt_start_time,omitempty"`
	STTEndTime   float64 `json:"stt_end_time,omitempty"`

	// RecordingEndTime is accepted for wire compatibility with the
	// satellites but recording is not a tracked stage.
	RecordingEndTime float64 `json:"recording_end_time,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, fault.New(fault.KindValidation, "prompt is required"))
		return
	}

	resp, err := s.pipe.Run(r.Context(), pipeline.Request{
		TopicID:     r.PathValue("topic"),
		Prompt:      req.Prompt,
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		MaxTokens:   req.MaxTokens,
		GrammarFile: req.GrammarFile,
		Timing: status.Timing{
			WakeWordDetected:         unixTime(req.WakeWordTime),
			STTRequestSent:           unixTime(req.STTStartTime),
			STTTranscriptionReceived: unixTime(req.STTEndTime),
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
