// Package inference supervises llama-server subprocesses, one per
// (model, grammar, sampling) combination. Sessions are started on demand,
// shared across callers, probed for readiness, restarted after crashes and
// terminated once they fail too often.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/grammar"
	"github.com/2oby/orac-core/internal/observe"
	"github.com/2oby/orac-core/pkg/llamacpp"
)

const (
	// probeInterval paces the readiness loop while a model loads.
	probeInterval = 250 * time.Millisecond

	// stopGrace is how long a deliberate restart waits for SIGTERM to
	// take before killing.
	stopGrace = 5 * time.Second
)

// Config carries the supervisor's tunables.
type Config struct {
	// Binary is the llama-server executable.
	Binary string

	// ModelDir resolves bare model names to files.
	ModelDir string

	// PortMin and PortMax bound the listener ports handed to sessions.
	PortMin int
	PortMax int

	CtxSize int
	Threads int

	// StartupTimeout bounds spawn-to-ready. Large models on small boards
	// take over a minute to load.
	StartupTimeout time.Duration

	// GenerateTimeout bounds a single generation.
	GenerateTimeout time.Duration

	// MaxConcurrentStarts caps how many models may be loading at once,
	// independent of how many may be serving.
	MaxConcurrentStarts int

	// MaxRestarts is how many consecutive failed starts a session gets
	// before it is terminated.
	MaxRestarts int

	// FallbackGrammar is the grammar used for preloading when no backend
	// has generated one yet.
	FallbackGrammar string
}

// Request is one generation against a ready session.
type Request struct {
	Prompt string

	// SystemPrompt is only honored on unconstrained sessions; constrained
	// ones inline all instruction into the prompt.
	SystemPrompt string
}

// Result is the outcome of a generation.
type Result struct {
	Text       string
	TokenCount int
	ElapsedMS  int64
}

// Option tweaks a Supervisor.
type Option func(*Supervisor)

// WithLauncher substitutes the process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// Supervisor owns every inference session in the process.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	metrics  *observe.Metrics
	starts   *semaphore.Weighted

	group singleflight.Group

	mu       sync.Mutex
	sessions map[Key]*Session
	ports    *portPool
}

// New builds a Supervisor. Zero config fields fall back to defaults that
// match a single-board deployment.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = "llama-server"
	}
	if cfg.PortMin == 0 {
		cfg.PortMin = 18100
	}
	if cfg.PortMax == 0 {
		cfg.PortMax = 18199
	}
	if cfg.CtxSize == 0 {
		cfg.CtxSize = 2048
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 2 * time.Minute
	}
	if cfg.GenerateTimeout == 0 {
		cfg.GenerateTimeout = 60 * time.Second
	}
	if cfg.MaxConcurrentStarts <= 0 {
		cfg.MaxConcurrentStarts = 1
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 3
	}
	s := &Supervisor{
		cfg:      cfg,
		launcher: ExecLauncher{},
		sessions: make(map[Key]*Session),
		ports:    newPortPool(cfg.PortMin, cfg.PortMax),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.starts = semaphore.NewWeighted(int64(cfg.MaxConcurrentStarts))
	return s
}

// EnsureReady returns a ready session for key, starting one if needed.
// Concurrent callers for the same key share a single startup.
func (s *Supervisor) EnsureReady(ctx context.Context, key Key) (*Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[key]; ok && sess.state == StateReady {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(key.String(), func() (any, error) {
		return s.startSession(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (s *Supervisor) startSession(ctx context.Context, key Key) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &Session{key: key, state: StateNotStarted}
		s.sessions[key] = sess
	}
	switch sess.state {
	case StateReady:
		s.mu.Unlock()
		return sess, nil
	case StateTerminated:
		err := sess.lastErr
		s.mu.Unlock()
		if err == nil {
			return nil, fault.New(fault.KindInference, "session %s is terminated", key)
		}
		return nil, fault.Wrap(fault.KindInference, err, "session %s is terminated", key)
	}

	if sess.starts > 0 {
		sess.state = StateRestarting
	} else {
		sess.state = StateStarting
	}
	sess.starts++
	sess.proc = nil
	sess.client = nil

	port, err := s.ports.alloc()
	if err != nil {
		sess.state = StateNotStarted
		s.mu.Unlock()
		return nil, fault.Wrap(fault.KindInference, err, "allocate port for %s", key.Model)
	}
	sess.port = port
	restarted := sess.starts > 1
	s.mu.Unlock()

	if restarted {
		s.metrics.RecordSessionRestart(ctx, key.Model)
	}

	fail := func(err error) (*Session, error) {
		s.mu.Lock()
		s.ports.release(port)
		sess.port = 0
		sess.failures++
		sess.lastErr = err
		if sess.failures > s.cfg.MaxRestarts {
			sess.state = StateTerminated
			slog.Error("inference session terminated",
				"model", key.Model, "failures", sess.failures, "error", err)
		} else {
			sess.state = StateNotStarted
		}
		s.mu.Unlock()
		return nil, err
	}

	modelPath := s.resolveModel(key.Model)
	if _, err := os.Stat(modelPath); err != nil {
		return fail(fault.Wrap(fault.KindConfiguration, err, "model %s", key.Model))
	}

	grammarText := ""
	if key.GrammarFile != "" {
		data, err := os.ReadFile(key.GrammarFile)
		if err != nil {
			return fail(fault.Wrap(fault.KindConfiguration, err, "read grammar for %s", key.Model))
		}
		grammarText = string(data)
	}

	// Startup keeps going even if the triggering request is canceled:
	// the next caller wants the model warm.
	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StartupTimeout)
	defer cancel()

	if err := s.starts.Acquire(startCtx, 1); err != nil {
		return fail(fault.Wrap(fault.KindInference, err, "waiting for a start slot for %s", key.Model))
	}
	defer s.starts.Release(1)

	began := time.Now()
	slog.Info("starting inference session",
		"model", key.Model, "grammar", key.GrammarFile, "port", port)

	spec := LaunchSpec{
		Binary:      s.cfg.Binary,
		ModelPath:   modelPath,
		GrammarFile: key.GrammarFile,
		Port:        port,
		CtxSize:     s.cfg.CtxSize,
		Threads:     s.cfg.Threads,
		Sampling:    key.Sampling,
	}
	proc, err := s.launcher.Launch(startCtx, spec)
	if err != nil {
		return fail(fault.Wrap(fault.KindInference, err, "spawn %s", s.cfg.Binary))
	}

	client, err := llamacpp.New(proc.BaseURL())
	if err != nil {
		proc.Stop(0)
		return fail(fault.Wrap(fault.KindInference, err, "client for %s", key.Model))
	}

	if err := s.awaitReady(startCtx, client, proc); err != nil {
		proc.Stop(0)
		return fail(fault.Wrap(fault.KindInference, err, "session %s not ready", key))
	}

	s.mu.Lock()
	if sess.state == StateTerminated {
		// Shut down while the model was loading.
		s.ports.release(port)
		sess.port = 0
		s.mu.Unlock()
		proc.Stop(0)
		return nil, fault.New(fault.KindInference, "session %s terminated during startup", key)
	}
	sess.state = StateReady
	sess.proc = proc
	sess.client = client
	sess.grammarText = grammarText
	sess.failures = 0
	sess.lastErr = nil
	sess.readyAt = time.Now()
	s.mu.Unlock()

	go s.watch(sess, proc)

	elapsed := time.Since(began)
	s.metrics.SessionStartDuration.Record(ctx, elapsed.Seconds())
	s.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("inference session ready",
		"model", key.Model, "port", port, "elapsed", elapsed.Round(time.Millisecond))
	return sess, nil
}

// awaitReady polls the health endpoint until the server answers, the process
// exits, or the startup deadline passes.
func (s *Supervisor) awaitReady(ctx context.Context, client *llamacpp.Client, proc Proc) error {
	var lastErr error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Health(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-proc.Exited():
			if exitErr := proc.Err(); exitErr != nil {
				return fmt.Errorf("llama-server exited during startup: %w", exitErr)
			}
			return errors.New("llama-server exited during startup")
		case <-ctx.Done():
			return fmt.Errorf("startup timed out after %s: %w", s.cfg.StartupTimeout, lastErr)
		case <-time.After(probeInterval):
		}
	}
}

// watch flips a session to Degraded when its process dies underneath it. A
// deliberate stop clears sess.proc first, so the watcher sees the swap and
// stands down.
func (s *Supervisor) watch(sess *Session, proc Proc) {
	<-proc.Exited()

	s.mu.Lock()
	if sess.proc != proc || sess.state != StateReady {
		s.mu.Unlock()
		return
	}
	err := proc.Err()
	if err == nil {
		err = errors.New("llama-server exited")
	}
	sess.state = StateDegraded
	sess.lastErr = err
	sess.proc = nil
	sess.client = nil
	s.ports.release(sess.port)
	sess.port = 0
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Warn("inference session crashed", "model", sess.key.Model, "error", err)
}

// Generate runs one completion on a ready session. Constrained sessions use
// the native endpoint so the grammar applies; unconstrained ones go through
// the chat endpoint to pick up the model's chat template.
func (s *Supervisor) Generate(ctx context.Context, sess *Session, req Request) (Result, error) {
	s.mu.Lock()
	state := sess.state
	client := sess.client
	grammarText := sess.grammarText
	s.mu.Unlock()

	if state != StateReady || client == nil {
		return Result{}, fault.New(fault.KindInference, "session %s is %s", sess.key, state)
	}

	dctx := ctx
	cancel := context.CancelFunc(func() {})
	if s.cfg.GenerateTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	}
	defer cancel()

	began := time.Now()
	var (
		text   string
		tokens int
		err    error
	)
	sampling := sess.key.Sampling
	if grammarText != "" {
		var resp llamacpp.CompletionResponse
		resp, err = client.Complete(dctx, llamacpp.CompletionRequest{
			Prompt:      req.Prompt,
			Grammar:     grammarText,
			Temperature: sampling.Temperature,
			TopP:        sampling.TopP,
			TopK:        sampling.TopK,
			NPredict:    sampling.MaxTokens,
			CachePrompt: true,
		})
		text, tokens = resp.Content, resp.TokensPredicted
	} else {
		var resp llamacpp.ChatResponse
		resp, err = client.Chat(dctx, llamacpp.ChatRequest{
			Model:        sess.key.Model,
			SystemPrompt: req.SystemPrompt,
			Prompt:       req.Prompt,
			Temperature:  sampling.Temperature,
			TopP:         sampling.TopP,
			TopK:         sampling.TopK,
			MaxTokens:    sampling.MaxTokens,
			ForceJSON:    sampling.ForceJSON,
		})
		text, tokens = resp.Content, resp.CompletionTokens
	}
	elapsed := time.Since(began)
	s.metrics.InferenceDuration.Record(ctx, elapsed.Seconds())

	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return Result{}, fault.Wrap(fault.KindTimeout, err,
				"inference timed out after %s", s.cfg.GenerateTimeout)
		}
		return Result{}, fault.Wrap(fault.KindInference, err, "inference on %s", sess.key.Model)
	}
	return Result{Text: text, TokenCount: tokens, ElapsedMS: elapsed.Milliseconds()}, nil
}

// Restart force-cycles the session for key and waits for it to come back.
// It also revives a terminated session, resetting its failure budget.
func (s *Supervisor) Restart(ctx context.Context, key Key) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	s.mu.Unlock()
	if ok {
		s.stopSession(ctx, sess, stopGrace, StateNotStarted)
		s.mu.Lock()
		sess.failures = 0
		sess.lastErr = nil
		s.mu.Unlock()
	}
	return s.EnsureReady(ctx, key)
}

// stopSession tears one session down and leaves it in final state.
func (s *Supervisor) stopSession(ctx context.Context, sess *Session, grace time.Duration, final State) {
	s.mu.Lock()
	if sess.state == StateStarting || sess.state == StateRestarting {
		// An in-flight start owns the process and port. Mark the target
		// state and let the starter tear down when it completes.
		if final == StateTerminated {
			sess.state = StateTerminated
		}
		s.mu.Unlock()
		return
	}
	proc := sess.proc
	wasReady := sess.state == StateReady
	sess.state = final
	sess.proc = nil
	sess.client = nil
	if sess.port != 0 {
		s.ports.release(sess.port)
		sess.port = 0
	}
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Stop(grace); err != nil {
			slog.Warn("inference session stop", "model", sess.key.Model, "error", err)
		}
	}
	if wasReady {
		s.metrics.ActiveSessions.Add(ctx, -1)
	}
}

// ShutdownAll stops every session in parallel, giving each the grace period
// before killing. All sessions end Terminated.
func (s *Supervisor) ShutdownAll(grace time.Duration) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(func() error {
			s.stopSession(context.Background(), sess, grace, StateTerminated)
			return nil
		})
	}
	g.Wait()
	if len(sessions) > 0 {
		slog.Info("inference sessions stopped", "sessions", len(sessions))
	}
}

// Sessions snapshots every session for the status surface, stable-ordered by
// model then grammar.
func (s *Supervisor) Sessions() []SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionStatus, 0, len(s.sessions))
	for key, sess := range s.sessions {
		st := SessionStatus{
			Model:    key.Model,
			Grammar:  key.GrammarFile,
			State:    sess.state.String(),
			Port:     sess.port,
			Restarts: max(0, sess.starts-1),
			ReadyAt:  sess.readyAt,
		}
		if sess.lastErr != nil {
			st.LastError = sess.lastErr.Error()
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b SessionStatus) int {
		if c := strings.Compare(a.Model, b.Model); c != 0 {
			return c
		}
		return strings.Compare(a.Grammar, b.Grammar)
	})
	return out
}

// Preload warms model before the first voice command arrives, constrained by
// the freshest generated grammar, or the fallback grammar when no backend
// has produced one yet.
func (s *Supervisor) Preload(ctx context.Context, model string, sampling Sampling, grammarDir string) error {
	grammarFile := ""
	if path, ok := grammar.Latest(grammarDir); ok {
		grammarFile = path
	} else if s.cfg.FallbackGrammar != "" {
		if _, err := os.Stat(s.cfg.FallbackGrammar); err == nil {
			grammarFile = s.cfg.FallbackGrammar
		} else {
			slog.Warn("fallback grammar missing, preloading unconstrained",
				"path", s.cfg.FallbackGrammar)
		}
	}

	key := Key{Model: model, GrammarFile: grammarFile, Sampling: sampling}
	if _, err := s.EnsureReady(ctx, key); err != nil {
		return err
	}
	slog.Info("model preloaded", "model", model, "grammar", grammarFile)
	return nil
}

func (s *Supervisor) resolveModel(model string) string {
	if s.cfg.ModelDir == "" || filepath.IsAbs(model) || strings.ContainsRune(model, filepath.Separator) {
		return model
	}
	return filepath.Join(s.cfg.ModelDir, model)
}
