package status

import "time"

// Phase is the lifecycle phase of the last command.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseProcessing Phase = "processing"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// Timing carries the named timestamps of one voice command's journey, from
// wake word to backend response. Upstream components stamp the first three;
// the pipeline stamps the rest. Zero timestamps mean the stage did not run
// or the upstream did not report it.
type Timing struct {
	WakeWordDetected         time.Time `json:"wake_word_detected,omitzero"`
	STTRequestSent           time.Time `json:"stt_request_sent,omitzero"`
	STTTranscriptionReceived time.Time `json:"stt_transcription_received,omitzero"`
	LLMInferenceStart        time.Time `json:"llm_inference_start,omitzero"`
	LLMInferenceEnd          time.Time `json:"llm_inference_end,omitzero"`
	DispatcherStart          time.Time `json:"dispatcher_start,omitzero"`
	DispatcherComplete       time.Time `json:"dispatcher_complete,omitzero"`
	HAAPICall                time.Time `json:"ha_api_call,omitzero"`
	HAResponse               time.Time `json:"ha_response,omitzero"`
}

// Stage is one derived stage duration.
type Stage struct {
	Name string `json:"name"`
	MS   int64  `json:"ms"`
}

// Stages derives the durations of every stage whose two endpoints are both
// stamped, in pipeline order.
func (t Timing) Stages() []Stage {
	spans := []struct {
		name       string
		start, end time.Time
	}{
		{"stt", t.STTRequestSent, t.STTTranscriptionReceived},
		{"inference", t.LLMInferenceStart, t.LLMInferenceEnd},
		{"dispatch", t.DispatcherStart, t.DispatcherComplete},
		{"ha_roundtrip", t.HAAPICall, t.HAResponse},
	}
	var out []Stage
	for _, s := range spans {
		if s.start.IsZero() || s.end.IsZero() || s.end.Before(s.start) {
			continue
		}
		out = append(out, Stage{Name: s.name, MS: s.end.Sub(s.start).Milliseconds()})
	}
	return out
}

// Bottleneck names the slowest stamped stage, empty when nothing is stamped.
func (t Timing) Bottleneck() string {
	name := ""
	worst := int64(-1)
	for _, s := range t.Stages() {
		if s.MS > worst {
			name, worst = s.Name, s.MS
		}
	}
	return name
}

// LastCommand is the snapshot of the most recent, or currently running,
// command. ID is assigned when processing begins, so satellites polling the
// status surface can tell two identical utterances apart.
type LastCommand struct {
	ID          string    `json:"id,omitempty"`
	Phase       Phase     `json:"status"`
	Topic       string    `json:"topic,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Response    string    `json:"response,omitempty"`
	Error       string    `json:"error,omitempty"`
	DispatchOK  *bool     `json:"dispatch_ok,omitempty"`
	DispatchMsg string    `json:"dispatch_message,omitempty"`
	CacheHit    bool      `json:"cache_hit,omitempty"`
	LLMSkipped  bool      `json:"llm_skipped,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	ElapsedMS   int64     `json:"elapsed_ms,omitempty"`
	EndToEndMS  int64     `json:"end_to_end_ms,omitempty"`
	Timing      Timing    `json:"timing"`
	ConfigNote  string    `json:"config_note,omitempty"`
}

// Command is one completed command kept in the ring for trend analysis.
type Command struct {
	ID         string    `json:"id,omitempty"`
	Command    string    `json:"command"`
	Topic      string    `json:"topic"`
	Success    bool      `json:"success"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	EndToEndMS int64     `json:"end_to_end_ms,omitempty"`
	Timing     Timing    `json:"timing"`
	FinishedAt time.Time `json:"finished_at"`
}

// Trend classifies recent latency movement.
type Trend string

const (
	TrendStable    Trend = "stable"
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
)
