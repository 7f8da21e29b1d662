// Package status keeps the process-wide record of the last voice command,
// a bounded ring of completed ones for latency-trend analysis, and the
// append-only performance log.
package status

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultRingSize = 50

// Tracker is the single last-command record plus the timing ring. One mutex
// guards both; reads hand out copies, so callers never see a torn update.
type Tracker struct {
	mu      sync.Mutex
	current LastCommand
	ring    []Command
	next    int
	count   int
}

// NewTracker builds a Tracker whose ring holds ringSize completed commands,
// or a default when ringSize is not positive.
func NewTracker(ringSize int) *Tracker {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	return &Tracker{
		current: LastCommand{Phase: PhaseIdle},
		ring:    make([]Command, ringSize),
	}
}

// Begin marks a command as processing. Upstream timing stamps (wake word,
// STT) ride in so the status surface shows them while the command runs.
func (t *Tracker) Begin(topic, prompt string, upstream Timing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = LastCommand{
		ID:        uuid.NewString(),
		Phase:     PhaseProcessing,
		Topic:     topic,
		Prompt:    prompt,
		StartedAt: time.Now(),
		Timing:    upstream,
	}
}

// Completion is the full outcome of one pipeline run.
type Completion struct {
	Topic       string
	Prompt      string
	Response    string
	Success     bool
	Error       string
	DispatchOK  *bool
	DispatchMsg string
	CacheHit    bool
	LLMSkipped  bool
	StartedAt   time.Time
	ElapsedMS   int64
	EndToEndMS  int64
	Timing      Timing
	ConfigNote  string
}

// Finish records the outcome as the last command and pushes it onto the
// ring. Failed commands count toward the trend too.
func (t *Tracker) Finish(c Completion) {
	now := time.Now()
	phase := PhaseComplete
	if !c.Success {
		phase = PhaseError
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.current.ID
	t.current = LastCommand{
		ID:          id,
		Phase:       phase,
		Topic:       c.Topic,
		Prompt:      c.Prompt,
		Response:    c.Response,
		Error:       c.Error,
		DispatchOK:  c.DispatchOK,
		DispatchMsg: c.DispatchMsg,
		CacheHit:    c.CacheHit,
		LLMSkipped:  c.LLMSkipped,
		StartedAt:   c.StartedAt,
		FinishedAt:  now,
		ElapsedMS:   c.ElapsedMS,
		EndToEndMS:  c.EndToEndMS,
		Timing:      c.Timing,
		ConfigNote:  c.ConfigNote,
	}

	t.ring[t.next] = Command{
		ID:         id,
		Command:    c.Prompt,
		Topic:      c.Topic,
		Success:    c.Success,
		ElapsedMS:  c.ElapsedMS,
		EndToEndMS: c.EndToEndMS,
		Timing:     c.Timing,
		FinishedAt: now,
	}
	t.next = (t.next + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
}

// Snapshot returns a copy of the last-command record.
func (t *Tracker) Snapshot() LastCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Recent returns the completed commands in the ring, oldest first.
func (t *Tracker) Recent() []Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recentLocked()
}

func (t *Tracker) recentLocked() []Command {
	out := make([]Command, 0, t.count)
	start := t.next - t.count
	if start < 0 {
		start += len(t.ring)
	}
	for i := range t.count {
		out = append(out, t.ring[(start+i)%len(t.ring)])
	}
	return out
}

// StageAverages returns the mean duration of each pipeline stage across the
// ring, in milliseconds.
func (t *Tracker) StageAverages() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	sums := make(map[string]int64)
	counts := make(map[string]int64)
	for _, c := range t.recentLocked() {
		for _, s := range c.Timing.Stages() {
			sums[s.Name] += s.MS
			counts[s.Name]++
		}
	}
	out := make(map[string]int64, len(sums))
	for name, sum := range sums {
		out[name] = sum / counts[name]
	}
	return out
}

// trendMinSamples is how many completed commands the trend needs before it
// says anything other than stable.
const trendMinSamples = 4

// Trend compares mean latency of the older half of the ring against the
// newer half. Movement within ten percent reads as stable.
func (t *Tracker) Trend() Trend {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.recentLocked()
	if len(recent) < trendMinSamples {
		return TrendStable
	}
	half := len(recent) / 2
	older := meanElapsed(recent[:half])
	newer := meanElapsed(recent[len(recent)-half:])
	if older == 0 {
		return TrendStable
	}
	switch {
	case newer < older*9/10:
		return TrendImproving
	case newer > older*11/10:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func meanElapsed(cmds []Command) int64 {
	var sum int64
	for _, c := range cmds {
		sum += c.ElapsedMS
	}
	return sum / int64(len(cmds))
}
