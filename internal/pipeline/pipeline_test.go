package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/cache"
	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/grammar"
	"github.com/2oby/orac-core/internal/inference"
	"github.com/2oby/orac-core/internal/pipeline"
	"github.com/2oby/orac-core/internal/status"
	"github.com/2oby/orac-core/internal/topic"
)

func TestRun_MissThenHit(t *testing.T) {
	fx := newFixture(t, nil)
	fx.linkTopic(t, "home")
	grammarPath := fx.writeGrammar(t)

	resp, err := fx.pipe.Run(t.Context(), pipeline.Request{
		TopicID: "home",
		Prompt:  "Computer, turn on the kitchen lights",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != pipeline.StatusSuccess {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.ResponseText != envelope("lights", "on", "kitchen") {
		t.Errorf("response = %q", resp.ResponseText)
	}
	if resp.CacheHit {
		t.Error("first run reported a cache hit")
	}
	if resp.Model != "home-3b.gguf" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.Dispatch == nil || !resp.Dispatch.Success {
		t.Fatalf("dispatch = %+v, want success", resp.Dispatch)
	}

	key := fx.engine.lastKey(t)
	if key.Model != "home-3b.gguf" || key.GrammarFile != grammarPath {
		t.Errorf("session key = %+v", key)
	}
	prompt := fx.engine.request(t, 0).Prompt
	if !strings.HasSuffix(prompt, `{"device":"`) {
		t.Errorf("prompt does not end with the primed envelope: %q", prompt)
	}
	if !strings.Contains(prompt, "User: turn on the kitchen lights\n") {
		t.Errorf("wake word not stripped from prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "heating, lights") || !strings.Contains(prompt, "bedroom, kitchen") {
		t.Errorf("vocabulary hint missing: %q", prompt)
	}

	if got := fx.adapter.command(t, 0); got != (backend.Command{Device: "lights", Action: "on", Location: "kitchen"}) {
		t.Errorf("dispatched command = %+v", got)
	}

	// Same utterance behind a different wake word must hit the cache and
	// skip the model.
	resp2, err := fx.pipe.Run(t.Context(), pipeline.Request{
		TopicID: "home",
		Prompt:  "hey computer turn on the kitchen lights",
	})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !resp2.CacheHit || !resp2.LLMSkipped {
		t.Errorf("cache_hit/llm_skipped = %v/%v", resp2.CacheHit, resp2.LLMSkipped)
	}
	if resp2.ResponseText != resp.ResponseText {
		t.Errorf("cached response = %q", resp2.ResponseText)
	}
	if got := fx.engine.generations(); got != 1 {
		t.Errorf("model ran %d times, want 1", got)
	}
	if got := fx.adapter.dispatches(); got != 2 {
		t.Errorf("dispatches = %d, want 2 (hit path dispatches too)", got)
	}

	snap := fx.tracker.Snapshot()
	if snap.Phase != status.PhaseComplete || !snap.CacheHit {
		t.Errorf("last command = %+v", snap)
	}
	if snap.DispatchOK == nil || !*snap.DispatchOK {
		t.Error("dispatch outcome missing from last command")
	}

	entries, err := fx.perf.Read(0)
	if err != nil {
		t.Fatalf("perf read: %v", err)
	}
	if len(entries) != 2 || !entries[0].Success || entries[0].ConfigNotes != "ctx=2048" {
		t.Errorf("perf entries = %+v", entries)
	}
}

func TestRun_StripsWakeWords(t *testing.T) {
	fx := newFixture(t, nil)
	fx.engine.response = "ok"

	cases := []struct {
		prompt string
		want   string
	}{
		{"computer turn on the lights", "turn on the lights"},
		{"Hey Computer, lights off", "lights off"},
		{"ORAC lights", "lights"},
		{"turn on the lights", "turn on the lights"},
		{"compuder turn on the lights", "turn on the lights"},
	}
	for i, tc := range cases {
		if _, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "notes", Prompt: tc.prompt}); err != nil {
			t.Fatalf("Run(%q): %v", tc.prompt, err)
		}
		if got := fx.engine.request(t, i).Prompt; got != tc.want {
			t.Errorf("Run(%q) prompt = %q, want %q", tc.prompt, got, tc.want)
		}
	}
}

func TestRun_ErrorCorrection(t *testing.T) {
	fx := newFixture(t, nil)
	fx.store.Store("home", "turn on the lights", json.RawMessage(envelope("lights", "on", "kitchen")), "light.kitchen")

	resp, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "computer error"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != pipeline.StatusErrorCorrection {
		t.Errorf("status = %q", resp.Status)
	}
	if !strings.Contains(resp.ResponseText, "removed_last_entry") {
		t.Errorf("response = %q", resp.ResponseText)
	}
	if fx.store.Len() != 0 {
		t.Errorf("cache still holds %d entries", fx.store.Len())
	}
	if fx.engine.generations() != 0 {
		t.Error("correction phrase ran the model")
	}
	if resp.Dispatch != nil {
		t.Error("correction phrase dispatched a command")
	}

	resp, err = fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "that was wrong"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !strings.Contains(resp.ResponseText, "nothing_to_remove") {
		t.Errorf("response = %q", resp.ResponseText)
	}
}

func TestRun_DisabledTopic(t *testing.T) {
	fx := newFixture(t, nil)
	if _, _, err := fx.topics.GetOrCreate("home"); err != nil {
		t.Fatal(err)
	}
	cur, err := fx.topics.Get("home")
	if err != nil {
		t.Fatal(err)
	}
	cur.Enabled = false
	if _, err := fx.topics.Update("home", cur); err != nil {
		t.Fatal(err)
	}

	_, err = fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "lights on"})
	if err == nil {
		t.Fatal("expected error for disabled topic")
	}
	if kind := fault.KindOf(err); kind != fault.KindForbidden {
		t.Errorf("kind = %v, want forbidden", kind)
	}
	if fx.engine.generations() != 0 {
		t.Error("disabled topic ran the model")
	}
	if snap := fx.tracker.Snapshot(); snap.Phase != status.PhaseError || snap.Error == "" {
		t.Errorf("last command = %+v", snap)
	}
}

func TestRun_AutoCreatesTopic(t *testing.T) {
	fx := newFixture(t, nil)
	fx.engine.response = "hello"

	if _, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "bedroom", Prompt: "hi"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	created, err := fx.topics.Get("bedroom")
	if err != nil {
		t.Fatalf("topic not created: %v", err)
	}
	if !created.AutoDiscovered {
		t.Error("topic not flagged auto-discovered")
	}
	if key := fx.engine.lastKey(t); key.Model != "home-3b.gguf" {
		t.Errorf("model = %q, want registry default", key.Model)
	}
}

func TestRun_GrammarPrecedence(t *testing.T) {
	t.Run("request override wins over backend", func(t *testing.T) {
		fx := newFixture(t, nil)
		fx.linkTopic(t, "home")
		fx.writeGrammar(t)
		custom := writeGrammarFile(t, "custom.gbnf")

		if _, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "lights on", GrammarFile: custom}); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := fx.engine.lastKey(t).GrammarFile; got != custom {
			t.Errorf("grammar = %q, want %q", got, custom)
		}
	})

	t.Run("missing override downgrades with warning", func(t *testing.T) {
		fx := newFixture(t, nil)
		fx.linkTopic(t, "home")
		fx.writeGrammar(t)

		resp, err := fx.pipe.Run(t.Context(), pipeline.Request{
			TopicID:     "home",
			Prompt:      "lights on",
			GrammarFile: filepath.Join(t.TempDir(), "absent.gbnf"),
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := fx.engine.lastKey(t).GrammarFile; got != "" {
			t.Errorf("grammar = %q, want unconstrained", got)
		}
		if !strings.Contains(resp.Warning, "not found") {
			t.Errorf("warning = %q", resp.Warning)
		}
	})

	t.Run("linked backend generates when file absent", func(t *testing.T) {
		fx := newFixture(t, nil)
		fx.linkTopic(t, "home")
		generated := writeGrammarFile(t, "backend_generated.gbnf")
		fx.adapter.grammarRes = backend.GrammarResult{Text: testGrammar, Path: generated}

		if _, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "lights on"}); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := fx.adapter.grammarCalls.Load(); got != 1 {
			t.Errorf("GenerateGrammar called %d times, want 1", got)
		}
		if got := fx.engine.lastKey(t).GrammarFile; got != generated {
			t.Errorf("grammar = %q, want %q", got, generated)
		}
	})

	t.Run("no mappings downgrades with warning", func(t *testing.T) {
		fx := newFixture(t, nil)
		fx.linkTopic(t, "home")
		fx.adapter.grammarRes = backend.GrammarResult{Warning: "no enabled complete device mappings"}

		resp, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "lights on"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := fx.engine.lastKey(t).GrammarFile; got != "" {
			t.Errorf("grammar = %q, want unconstrained", got)
		}
		if resp.Warning == "" {
			t.Error("warning not surfaced")
		}
		if prompt := fx.engine.request(t, 0).Prompt; strings.Contains(prompt, `{"device":"`) {
			t.Errorf("unconstrained run used the primed prompt: %q", prompt)
		}
	})

	t.Run("static topic grammar", func(t *testing.T) {
		fx := newFixture(t, nil)
		static := writeGrammarFile(t, "static.gbnf")
		if _, _, err := fx.topics.GetOrCreate("movies"); err != nil {
			t.Fatal(err)
		}
		cur, _ := fx.topics.Get("movies")
		cur.Grammar = topic.Grammar{Enabled: true, File: static}
		if _, err := fx.topics.Update("movies", cur); err != nil {
			t.Fatal(err)
		}

		if _, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "movies", Prompt: "lights on"}); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := fx.engine.lastKey(t).GrammarFile; got != static {
			t.Errorf("grammar = %q, want %q", got, static)
		}
	})

	t.Run("missing linked backend is not found", func(t *testing.T) {
		fx := newFixture(t, nil)
		if _, _, err := fx.topics.GetOrCreate("ghost"); err != nil {
			t.Fatal(err)
		}
		if _, err := fx.topics.LinkBackend("ghost", "homeassistant_deadbeef"); err != nil {
			t.Fatal(err)
		}

		_, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "ghost", Prompt: "lights on"})
		if err == nil {
			t.Fatal("expected error for missing backend")
		}
		if kind := fault.KindOf(err); kind != fault.KindNotFound {
			t.Errorf("kind = %v, want not_found", kind)
		}
		if fx.engine.generations() != 0 {
			t.Error("model ran despite missing backend")
		}
	})
}

func TestRun_TruncatedOutputRepaired(t *testing.T) {
	fx := newFixture(t, nil)
	fx.linkTopic(t, "home")
	fx.writeGrammar(t)
	fx.engine.response = `{"device":"lights","action":"on","location":"kitch`

	resp, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "lights on"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := `{"device":"lights","action":"on","location":"kitch"}`
	if resp.ResponseText != want {
		t.Errorf("response = %q, want %q", resp.ResponseText, want)
	}
	if got := fx.adapter.command(t, 0).Location; got != "kitch" {
		t.Errorf("dispatched location = %q", got)
	}
}

func TestRun_UnparseableOutput(t *testing.T) {
	fx := newFixture(t, nil)
	fx.linkTopic(t, "home")
	fx.writeGrammar(t)
	fx.engine.response = "the lights are on now"

	_, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "lights on"})
	if err == nil {
		t.Fatal("expected error for non-JSON output")
	}
	if kind := fault.KindOf(err); kind != fault.KindInference {
		t.Errorf("kind = %v, want inference", kind)
	}
}

func TestRun_DispatchFailureKeepsResponse(t *testing.T) {
	fx := newFixture(t, nil)
	fx.linkTopic(t, "home")
	fx.writeGrammar(t)
	fx.adapter.result = backend.DispatchResult{Success: false, Error: "circuit breaker homeassistant is open"}

	resp, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "lights on"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.ResponseText != envelope("lights", "on", "kitchen") {
		t.Errorf("model output lost: %q", resp.ResponseText)
	}
	if resp.Dispatch == nil || resp.Dispatch.Success || resp.Dispatch.Error == "" {
		t.Errorf("dispatch = %+v", resp.Dispatch)
	}

	// Failed dispatches must not be cached.
	if fx.store.Len() != 0 {
		t.Errorf("cache holds %d entries after failed dispatch", fx.store.Len())
	}
	if _, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "lights on"}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := fx.engine.generations(); got != 2 {
		t.Errorf("model ran %d times, want 2 (no write-back)", got)
	}
}

func TestRun_SamplingPrecedence(t *testing.T) {
	fx := newFixture(t, nil)
	if _, _, err := fx.topics.GetOrCreate("tuned"); err != nil {
		t.Fatal(err)
	}
	cur, _ := fx.topics.Get("tuned")
	cur.Settings.Temperature = 0.3
	cur.Settings.MaxTokens = 120
	if _, err := fx.topics.Update("tuned", cur); err != nil {
		t.Fatal(err)
	}

	temp := 0.95
	if _, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "tuned", Prompt: "hi", Temperature: &temp}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := inference.Sampling{Temperature: 0.95, TopP: 0.9, TopK: 40, MaxTokens: 120}
	if got := fx.engine.lastKey(t).Sampling; got != want {
		t.Errorf("sampling = %+v, want %+v", got, want)
	}
}

func TestRun_NoThinkForceJSON(t *testing.T) {
	fx := newFixture(t, nil)
	if _, _, err := fx.topics.GetOrCreate("chat"); err != nil {
		t.Fatal(err)
	}
	cur, _ := fx.topics.Get("chat")
	cur.Settings.NoThink = true
	cur.Settings.ForceJSON = true
	cur.Settings.SystemPrompt = "you are orac"
	if _, err := fx.topics.Update("chat", cur); err != nil {
		t.Fatal(err)
	}

	if _, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "chat", Prompt: "computer what time is it"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	req := fx.engine.request(t, 0)
	if !strings.HasPrefix(req.Prompt, "/no_think ") {
		t.Errorf("prompt = %q, want /no_think prefix", req.Prompt)
	}
	if !strings.Contains(req.SystemPrompt, "JSON") {
		t.Errorf("system prompt = %q, want the JSON-only instruction", req.SystemPrompt)
	}
	if !fx.engine.lastKey(t).Sampling.ForceJSON {
		t.Error("force_json not in session key")
	}
}

func TestRun_InferenceErrorSurfaces(t *testing.T) {
	fx := newFixture(t, nil)
	fx.engine.genErr = fault.New(fault.KindTimeout, "inference timed out after 50ms")

	_, err := fx.pipe.Run(t.Context(), pipeline.Request{TopicID: "home", Prompt: "lights on"})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := fault.KindOf(err); kind != fault.KindTimeout {
		t.Errorf("kind = %v, want timeout", kind)
	}

	entries, perfErr := fx.perf.Read(0)
	if perfErr != nil {
		t.Fatal(perfErr)
	}
	if len(entries) != 1 || entries[0].Success {
		t.Errorf("perf entries = %+v, want one failure", entries)
	}
}

// ---- test fixture ----

const testGrammar = `root ::= "{\"device\":\"" device "\",\"action\":\"" action "\",\"location\":\"" location "\"}"
device ::= "heating" | "lights" | "UNKNOWN"
location ::= "bedroom" | "kitchen" | "UNKNOWN"
action ::= "on" | "off" | "UNKNOWN"
`

func envelope(device, action, location string) string {
	return fmt.Sprintf(`{"device":%q,"action":%q,"location":%q}`, device, action, location)
}

type fixture struct {
	pipe       *pipeline.Pipeline
	topics     *topic.Registry
	store      *cache.Cache
	engine     *fakeEngine
	adapter    *stubAdapter
	backendID  string
	grammarDir string
	tracker    *status.Tracker
	perf       *status.PerfLog
}

func newFixture(t *testing.T, mutate func(*pipeline.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	topics, err := topic.NewRegistry(filepath.Join(dir, "topics.json"),
		topic.Defaults{Model: "home-3b.gguf"}, 35*time.Second, 70*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	bstore, err := backend.NewFileStore(filepath.Join(dir, "backends"))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := bstore.Create(t.Context(), "Home", "stub", backend.Connection{URL: "http://ha.local"})
	if err != nil {
		t.Fatal(err)
	}

	fx := &fixture{
		topics: topics,
		store:  cache.New("", 50),
		engine: &fakeEngine{response: envelope("lights", "on", "kitchen")},
		adapter: &stubAdapter{
			result: backend.DispatchResult{Success: true, EntityID: "light.kitchen_ceiling", Message: "called light.turn_on"},
		},
		backendID:  rec.ID,
		grammarDir: filepath.Join(dir, "grammars"),
		tracker:    status.NewTracker(16),
		perf:       status.NewPerfLog(filepath.Join(dir, "performance.jsonl")),
	}

	reg := backend.NewRegistry()
	reg.Register("stub", func(*backend.Record, backend.Store) (backend.Adapter, error) {
		return fx.adapter, nil
	})

	cfg := pipeline.Config{
		WakeWords:              []string{"computer", "hey computer", "ok computer", "orac", "hey orac"},
		ErrorCorrectionPhrases: []string{"computer error", "that was wrong"},
		ErrorCorrectionTimeout: time.Minute,
		DefaultSampling:        inference.Sampling{Temperature: 0.7, TopP: 0.9, TopK: 40, MaxTokens: 200},
		GrammarDir:             fx.grammarDir,
		ConfigNote:             "ctx=2048",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fx.pipe = pipeline.New(cfg, topics, fx.store, backend.NewManager(bstore, reg), fx.engine,
		pipeline.WithTracker(fx.tracker),
		pipeline.WithPerfLog(fx.perf),
	)
	return fx
}

// linkTopic creates the topic and links it to the fixture's backend.
func (fx *fixture) linkTopic(t *testing.T, id string) {
	t.Helper()
	if _, _, err := fx.topics.GetOrCreate(id); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.topics.LinkBackend(id, fx.backendID); err != nil {
		t.Fatal(err)
	}
}

// writeGrammar puts the backend's generated grammar file where the pipeline
// looks for it.
func (fx *fixture) writeGrammar(t *testing.T) string {
	t.Helper()
	if err := os.MkdirAll(fx.grammarDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := grammar.Path(fx.grammarDir, fx.backendID)
	if err := os.WriteFile(path, []byte(testGrammar), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeGrammarFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(testGrammar), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fakeEngine struct {
	mu       sync.Mutex
	keys     []inference.Key
	requests []inference.Request

	response string
	genErr   error
}

func (e *fakeEngine) EnsureReady(_ context.Context, key inference.Key) (*inference.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, key)
	return &inference.Session{}, nil
}

func (e *fakeEngine) Generate(_ context.Context, _ *inference.Session, req inference.Request) (inference.Result, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	if e.genErr != nil {
		return inference.Result{}, e.genErr
	}
	return inference.Result{Text: e.response, TokenCount: 12, ElapsedMS: 5}, nil
}

func (e *fakeEngine) generations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *fakeEngine) lastKey(t *testing.T) inference.Key {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.keys) == 0 {
		t.Fatal("EnsureReady never called")
	}
	return e.keys[len(e.keys)-1]
}

func (e *fakeEngine) request(t *testing.T, i int) inference.Request {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.requests) {
		t.Fatalf("no generate request %d recorded", i)
	}
	return e.requests[i]
}
