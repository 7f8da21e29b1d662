// Package pipeline runs one voice command end to end: wake-word stripping,
// error-correction handling, topic resolution, cache lookup, grammar
// resolution, prompt formatting, inference, response repair, dispatch, and
// cache write-back, with every stage timed into the last-command record.
//
// A cache hit skips the model entirely and goes straight to dispatch. A
// dispatch failure never aborts the request: the caller still receives the
// model's output together with the dispatch error, because the model did its
// job even when the backend was down.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/cache"
	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/grammar"
	"github.com/2oby/orac-core/internal/inference"
	"github.com/2oby/orac-core/internal/observe"
	"github.com/2oby/orac-core/internal/phonetic"
	"github.com/2oby/orac-core/internal/status"
	"github.com/2oby/orac-core/internal/topic"
)

// Engine is the slice of the inference supervisor the pipeline depends on.
type Engine interface {
	EnsureReady(ctx context.Context, key inference.Key) (*inference.Session, error)
	Generate(ctx context.Context, sess *inference.Session, req inference.Request) (inference.Result, error)
}

// Config carries the pipeline's tunables.
type Config struct {
	// WakeWords are stripped from the front of prompts before anything
	// else sees them.
	WakeWords []string

	// ErrorCorrectionPhrases trigger removal of the last cached command
	// instead of a generation.
	ErrorCorrectionPhrases []string

	// ErrorCorrectionTimeout bounds how old the last cached command may be
	// and still be removed by a correction phrase.
	ErrorCorrectionTimeout time.Duration

	// DefaultModel serves topics that never configured one.
	DefaultModel string

	// DefaultSampling is the bottom of the sampling precedence chain
	// (request > topic > this).
	DefaultSampling inference.Sampling

	// GrammarDir holds generated backend grammars; relative grammar paths
	// resolve against it.
	GrammarDir string

	// ConfigNote annotates performance-log entries with the settings that
	// produced them, e.g. "ctx=2048 threads=4".
	ConfigNote string
}

// Request is one generate call.
type Request struct {
	TopicID string
	Prompt  string

	// Overrides. Nil or empty means "use the topic's settings".
	Model       string
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   *int
	GrammarFile string

	// Timing carries upstream wake-word and STT stamps.
	Timing status.Timing
}

// Response is the outcome handed back to the caller.
type Response struct {
	Status       string                  `json:"status"`
	ResponseText string                  `json:"response_text"`
	Model        string                  `json:"model,omitempty"`
	ElapsedMS    int64                   `json:"elapsed_ms"`
	CacheHit     bool                    `json:"cache_hit"`
	LLMSkipped   bool                    `json:"llm_skipped,omitempty"`
	Warning      string                  `json:"warning,omitempty"`
	Dispatch     *backend.DispatchResult `json:"dispatch,omitempty"`
}

// Response status values.
const (
	StatusSuccess         = "success"
	StatusErrorCorrection = "error_correction"
)

// Option tweaks a Pipeline.
type Option func(*Pipeline)

// WithTracker sets the last-command tracker.
func WithTracker(t *status.Tracker) Option {
	return func(p *Pipeline) { p.tracker = t }
}

// WithPerfLog sets the performance log appended to on every completion.
func WithPerfLog(l *status.PerfLog) Option {
	return func(p *Pipeline) { p.perf = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithMatcher substitutes the phonetic matcher used for wake-word and
// correction-phrase detection.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(p *Pipeline) { p.match = m }
}

// Pipeline orchestrates generate requests. Requests for distinct topics run
// fully parallel; same-topic requests share an inference session, which
// serializes at the server when it must.
type Pipeline struct {
	cfg      Config
	topics   *topic.Registry
	cache    *cache.Cache
	backends *backend.Manager
	engine   Engine

	tracker *status.Tracker
	perf    *status.PerfLog
	metrics *observe.Metrics
	match   *phonetic.Matcher

	// phraseMu guards the two hot-reloadable phrase lists below.
	phraseMu sync.RWMutex

	// wakeWords is cfg.WakeWords ordered longest-first for prefix matching.
	wakeWords []string

	// corrections are the error-correction phrases, longest-first.
	corrections []string
}

// New builds a Pipeline over its collaborators.
func New(cfg Config, topics *topic.Registry, store *cache.Cache, backends *backend.Manager, engine Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		topics:      topics,
		cache:       store,
		backends:    backends,
		engine:      engine,
		wakeWords:   sortByTokensDesc(cfg.WakeWords),
		corrections: sortByTokensDesc(cfg.ErrorCorrectionPhrases),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracker == nil {
		p.tracker = status.NewTracker(0)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.match == nil {
		p.match = phonetic.New()
	}
	return p
}

// Tracker returns the last-command tracker the pipeline records into.
func (p *Pipeline) Tracker() *status.Tracker { return p.tracker }

// SetWakeWords replaces the wake-word list. Called on config hot-reload;
// in-flight requests keep the list they started with.
func (p *Pipeline) SetWakeWords(words []string) {
	p.phraseMu.Lock()
	p.wakeWords = sortByTokensDesc(words)
	p.phraseMu.Unlock()
}

// SetCorrectionPhrases replaces the error-correction phrase list. Called on
// config hot-reload.
func (p *Pipeline) SetCorrectionPhrases(phrases []string) {
	p.phraseMu.Lock()
	p.corrections = sortByTokensDesc(phrases)
	p.phraseMu.Unlock()
}

// run accumulates per-request state across the pipeline stages.
type run struct {
	p        *Pipeline
	req      Request
	began    time.Time
	timing   status.Timing
	stripped string
	topic    topic.Topic
	model    string
	sampling inference.Sampling
	cacheHit bool
	jsonOut  json.RawMessage
	dispatch *backend.DispatchResult
}

// Run executes one generate request end to end.
func (p *Pipeline) Run(ctx context.Context, req Request) (Response, error) {
	r := &run{p: p, req: req, began: time.Now(), timing: req.Timing}
	p.tracker.Begin(req.TopicID, req.Prompt, r.timing)

	resp, err := r.execute(ctx)
	resp.ElapsedMS = time.Since(r.began).Milliseconds()
	r.finalize(ctx, resp, err)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (r *run) execute(ctx context.Context) (Response, error) {
	p := r.p

	r.stripped = p.stripWakeWord(r.req.Prompt)

	// Correction phrases act on the cache, never on the model. Both the
	// original and the stripped prompt are checked so "computer error"
	// works whether or not "computer" is in the wake-word list.
	if p.isErrorCorrection(r.req.Prompt) || p.isErrorCorrection(r.stripped) {
		// Wire literals satellites key on: "removed_last_entry" when a cache
		// entry was withdrawn, "nothing_to_remove" when the window had lapsed
		// or the cache was empty.
		removed := p.cache.RemoveLast(p.cfg.ErrorCorrectionTimeout)
		result := "nothing_to_remove"
		if removed {
			result = "removed_last_entry"
		}
		slog.Info("error correction", "topic", r.req.TopicID, "removed", removed)
		return Response{
			Status:       StatusErrorCorrection,
			ResponseText: fmt.Sprintf(`{"action":"error_correction","result":%q}`, result),
		}, nil
	}

	t, _, err := p.topics.GetOrCreate(r.req.TopicID)
	if err != nil {
		return Response{}, err
	}
	if !t.Enabled {
		return Response{}, fault.New(fault.KindForbidden, "topic %q is disabled", t.ID)
	}
	r.topic = t
	if err := p.topics.MarkUsed(t.ID); err != nil {
		slog.Warn("mark topic used", "topic", t.ID, "error", err)
	}

	r.model = firstNonEmpty(r.req.Model, t.Model, p.cfg.DefaultModel)
	if r.model == "" {
		return Response{}, fault.New(fault.KindConfiguration,
			"topic %q has no model and no default model is configured", t.ID)
	}
	r.sampling = r.effectiveSampling()

	if ent, ok := p.cache.Get(t.ID, r.stripped); ok {
		r.cacheHit = true
		r.jsonOut = ent.JSONOutput
		p.metrics.RecordCacheLookup(ctx, true)
		slog.Info("cache hit", "topic", t.ID, "text", r.stripped)

		resp := Response{
			Status:       StatusSuccess,
			ResponseText: string(ent.JSONOutput),
			Model:        r.model,
			CacheHit:     true,
			LLMSkipped:   true,
		}
		r.dispatchCommand(ctx, &resp)
		return resp, nil
	}
	p.metrics.RecordCacheLookup(ctx, false)

	grammarFile, warning, err := r.resolveGrammar(ctx)
	if err != nil {
		return Response{}, err
	}

	key := inference.Key{Model: r.model, GrammarFile: grammarFile, Sampling: r.sampling}
	sess, err := p.engine.EnsureReady(ctx, key)
	if err != nil {
		return Response{}, err
	}

	ireq, err := r.buildPrompt(grammarFile)
	if err != nil {
		return Response{}, err
	}

	r.timing.LLMInferenceStart = time.Now()
	result, err := p.engine.Generate(ctx, sess, ireq)
	r.timing.LLMInferenceEnd = time.Now()
	if err != nil {
		return Response{}, err
	}

	text := result.Text
	if grammarFile != "" {
		text, err = repairJSON(text)
		if err != nil {
			return Response{}, fault.Wrap(fault.KindInference, err, "model output for topic %q", t.ID)
		}
	}
	r.jsonOut = json.RawMessage(text)

	resp := Response{
		Status:       StatusSuccess,
		ResponseText: text,
		Model:        r.model,
		Warning:      warning,
	}
	r.dispatchCommand(ctx, &resp)

	// Write back only what worked: a cache entry replays without the
	// model, so it must be a response that dispatched successfully.
	if r.dispatch != nil && r.dispatch.Success && json.Valid(r.jsonOut) {
		p.cache.Store(t.ID, r.stripped, r.jsonOut, r.dispatch.EntityID)
	}
	return resp, nil
}

// dispatchCommand runs step J for both the hit and miss paths. Failures are
// recorded on the response, never raised.
func (r *run) dispatchCommand(ctx context.Context, resp *Response) {
	if r.topic.BackendID == "" {
		return
	}

	record := func(res backend.DispatchResult) {
		resp.Dispatch = &res
		r.dispatch = &res
	}

	r.timing.DispatcherStart = time.Now()
	defer func() { r.timing.DispatcherComplete = time.Now() }()

	var cmd backend.Command
	if err := json.Unmarshal(r.jsonOut, &cmd); err != nil {
		record(backend.DispatchResult{
			Success: false,
			Error:   "response is not a command object: " + err.Error(),
		})
		return
	}

	adapter, err := r.p.backends.Adapter(ctx, r.topic.BackendID)
	if err != nil {
		record(backend.DispatchResult{Success: false, Error: err.Error()})
		return
	}

	r.timing.HAAPICall = time.Now()
	res, err := adapter.DispatchCommand(ctx, cmd)
	r.timing.HAResponse = time.Now()
	if err != nil {
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	record(res)
}

// resolveGrammar applies the grammar precedence chain: request override,
// linked backend's generated file (generating it when absent), then the
// topic's static file. A missing file downgrades to unconstrained with a
// warning; a missing linked backend is an error.
func (r *run) resolveGrammar(ctx context.Context) (file, warning string, err error) {
	p := r.p

	if g := r.req.GrammarFile; g != "" {
		path := p.grammarPath(g)
		if _, statErr := os.Stat(path); statErr != nil {
			slog.Warn("requested grammar missing, running unconstrained", "file", g)
			return "", fmt.Sprintf("grammar file %q not found, ran unconstrained", g), nil
		}
		return path, "", nil
	}

	if id := r.topic.BackendID; id != "" {
		path := grammar.Path(p.cfg.GrammarDir, id)
		if _, statErr := os.Stat(path); statErr == nil {
			return path, "", nil
		}

		adapter, err := p.backends.Adapter(ctx, id)
		if err != nil {
			return "", "", fault.Wrap(fault.KindOf(err), err,
				"topic %q links backend %q", r.topic.ID, id)
		}
		res, err := adapter.GenerateGrammar(ctx)
		if err != nil {
			return "", "", err
		}
		if res.Warning != "" || res.Path == "" {
			slog.Warn("backend has no usable grammar, running unconstrained",
				"backend", id, "warning", res.Warning)
			return "", res.Warning, nil
		}
		return res.Path, "", nil
	}

	if r.topic.Grammar.Enabled && r.topic.Grammar.File != "" {
		path := p.grammarPath(r.topic.Grammar.File)
		if _, statErr := os.Stat(path); statErr != nil {
			slog.Warn("static grammar missing, running unconstrained",
				"topic", r.topic.ID, "file", r.topic.Grammar.File)
			return "", fmt.Sprintf("grammar file %q not found, ran unconstrained", r.topic.Grammar.File), nil
		}
		return path, "", nil
	}

	return "", "", nil
}

// buildPrompt produces the inference request: the primed grammar-hint shape
// when constrained, the chat shape otherwise.
func (r *run) buildPrompt(grammarFile string) (inference.Request, error) {
	if grammarFile != "" {
		text, err := os.ReadFile(grammarFile)
		if err != nil {
			return inference.Request{}, fault.Wrap(fault.KindConfiguration, err,
				"read grammar for topic %q", r.topic.ID)
		}
		return inference.Request{Prompt: grammarPrompt(string(text), r.stripped)}, nil
	}

	prompt := r.stripped
	if r.topic.Settings.NoThink {
		prompt = "/no_think " + prompt
	}
	system := r.topic.Settings.SystemPrompt
	if r.topic.Settings.ForceJSON {
		system = jsonOnlySystemPrompt
	}
	return inference.Request{Prompt: prompt, SystemPrompt: system}, nil
}

func (r *run) effectiveSampling() inference.Sampling {
	s := r.p.cfg.DefaultSampling
	set := r.topic.Settings
	if set.Temperature != 0 {
		s.Temperature = set.Temperature
	}
	if set.TopP != 0 {
		s.TopP = set.TopP
	}
	if set.TopK != 0 {
		s.TopK = set.TopK
	}
	if set.MaxTokens != 0 {
		s.MaxTokens = set.MaxTokens
	}
	s.ForceJSON = set.ForceJSON

	if r.req.Temperature != nil {
		s.Temperature = *r.req.Temperature
	}
	if r.req.TopP != nil {
		s.TopP = *r.req.TopP
	}
	if r.req.TopK != nil {
		s.TopK = *r.req.TopK
	}
	if r.req.MaxTokens != nil {
		s.MaxTokens = *r.req.MaxTokens
	}
	return s
}

// finalize records the outcome in the last-command tracker, the performance
// log, and the metrics, regardless of how the run ended.
func (r *run) finalize(ctx context.Context, resp Response, err error) {
	p := r.p
	elapsed := resp.ElapsedMS
	var endToEnd int64
	if !r.timing.WakeWordDetected.IsZero() {
		endToEnd = time.Since(r.timing.WakeWordDetected).Milliseconds()
	}

	c := status.Completion{
		Topic:      r.req.TopicID,
		Prompt:     r.req.Prompt,
		Response:   resp.ResponseText,
		Success:    err == nil,
		CacheHit:   r.cacheHit,
		LLMSkipped: resp.LLMSkipped,
		StartedAt:  r.began,
		ElapsedMS:  elapsed,
		EndToEndMS: endToEnd,
		Timing:     r.timing,
		ConfigNote: p.cfg.ConfigNote,
	}
	if err != nil {
		c.Error = err.Error()
	}
	if r.dispatch != nil {
		ok := r.dispatch.Success
		c.DispatchOK = &ok
		c.DispatchMsg = firstNonEmpty(r.dispatch.Message, r.dispatch.Error)
	}
	p.tracker.Finish(c)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	p.metrics.RecordGenerate(ctx, r.req.TopicID, outcome, float64(elapsed)/1000)

	if p.perf != nil {
		perfErr := p.perf.Append(status.Entry{
			Command:     r.req.Prompt,
			Topic:       r.req.TopicID,
			ElapsedMS:   elapsed,
			Success:     err == nil,
			ConfigNotes: p.cfg.ConfigNote,
		})
		if perfErr != nil {
			slog.Warn("append performance log", "error", perfErr)
		}
	}
}

func (p *Pipeline) grammarPath(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(p.cfg.GrammarDir, file)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
