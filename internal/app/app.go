// Package app wires all ORAC Core subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects the
// stores, the inference supervisor, the pipeline, and the HTTP surface;
// Run serves until the context is cancelled; Shutdown tears everything down
// in reverse order.
//
// For testing, inject substitutes via functional options (WithStore,
// WithLauncher, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2oby/orac-core/internal/api"
	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/backend/homeassistant"
	"github.com/2oby/orac-core/internal/cache"
	"github.com/2oby/orac-core/internal/config"
	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/health"
	"github.com/2oby/orac-core/internal/inference"
	"github.com/2oby/orac-core/internal/observe"
	"github.com/2oby/orac-core/internal/pipeline"
	"github.com/2oby/orac-core/internal/resilience"
	"github.com/2oby/orac-core/internal/status"
	"github.com/2oby/orac-core/internal/topic"
)

// Data-directory layout. Everything ORAC persists lives under cfg.DataDir.
const (
	backendsDir  = "backends"
	grammarsDir  = "grammars"
	topicsFile   = "topics.json"
	cacheFile    = "response_cache.json"
	perfLogFile  = "performance.jsonl"
	trackerRing  = 50
	readHeaderTO = 5 * time.Second
)

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a backend store instead of creating a FileStore.
func WithStore(s backend.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLauncher injects an inference process launcher, letting tests stand in
// an httptest-backed fake for llama-server.
func WithLauncher(l inference.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

// WithMetrics injects a metrics sink instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the slog level var main built its handler on,
// so config hot-reload can retune verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithVersion sets the version string reported on /healthz and to MCP
// clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// App owns every subsystem lifetime.
type App struct {
	cfg     *config.Config
	version string

	store    backend.Store
	backends *backend.Manager
	topics   *topic.Registry
	cache    *cache.Cache
	tracker  *status.Tracker
	perf     *status.PerfLog
	engine   *inference.Supervisor
	pipe     *pipeline.Pipeline

	launcher inference.Launcher
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	server *http.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: stores load their files, the adapter registry is populated,
// and the HTTP handler tree is assembled. Nothing listens until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, version: "dev"}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "create data dir %s", cfg.DataDir)
	}
	grammarDir := filepath.Join(cfg.DataDir, grammarsDir)
	if err := os.MkdirAll(grammarDir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "create grammar dir %s", grammarDir)
	}

	if err := a.initStores(grammarDir); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	a.initEngine()
	a.initPipeline(grammarDir)
	a.initHTTP(grammarDir)

	return a, nil
}

// initStores builds the backend store, the adapter registry and manager, the
// topic registry, the response cache, and the status stores.
func (a *App) initStores(grammarDir string) error {
	cfg := a.cfg

	if a.store == nil {
		fs, err := backend.NewFileStore(filepath.Join(cfg.DataDir, backendsDir))
		if err != nil {
			return err
		}
		a.store = fs
	}

	reg := backend.NewRegistry()
	reg.Register("homeassistant", homeassistant.Factory(
		homeassistant.WithGrammarDir(grammarDir),
		homeassistant.WithMetrics(a.metrics),
		homeassistant.WithDispatchTimeout(cfg.Dispatch.Timeout.Std()),
		homeassistant.WithBreaker(resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Dispatch.Breaker.MaxFailures,
			ResetTimeout: cfg.Dispatch.Breaker.ResetTimeout.Std(),
			HalfOpenMax:  cfg.Dispatch.Breaker.HalfOpenMax,
		}),
	))
	a.backends = backend.NewManager(a.store, reg)
	a.closers = append(a.closers, a.backends.Close)

	topics, err := topic.NewRegistry(
		filepath.Join(cfg.DataDir, topicsFile),
		topic.Defaults{
			Model: cfg.Models.Default,
			Settings: topic.Settings{
				Temperature: cfg.Pipeline.DefaultSampling.Temperature,
				TopP:        cfg.Pipeline.DefaultSampling.TopP,
				TopK:        cfg.Pipeline.DefaultSampling.TopK,
				MaxTokens:   cfg.Pipeline.DefaultSampling.MaxTokens,
			},
		},
		cfg.Topics.HeartbeatActive.Std(),
		cfg.Topics.HeartbeatIdle.Std(),
	)
	if err != nil {
		return err
	}
	a.topics = topics

	snapshot := ""
	if cfg.Cache.Persist {
		snapshot = filepath.Join(cfg.DataDir, cacheFile)
	}
	a.cache = cache.New(snapshot, cfg.Cache.MaxEntries)

	a.tracker = status.NewTracker(trackerRing)
	a.perf = status.NewPerfLog(filepath.Join(cfg.DataDir, perfLogFile))
	return nil
}

// initEngine builds the llama-server supervisor.
func (a *App) initEngine() {
	cfg := a.cfg
	opts := []inference.Option{inference.WithMetrics(a.metrics)}
	if a.launcher != nil {
		opts = append(opts, inference.WithLauncher(a.launcher))
	}
	a.engine = inference.New(inference.Config{
		Binary:              cfg.Inference.Binary,
		ModelDir:            cfg.Models.Dir,
		PortMin:             cfg.Inference.PortRange.Min,
		PortMax:             cfg.Inference.PortRange.Max,
		CtxSize:             cfg.Inference.CtxSize,
		Threads:             cfg.Inference.Threads,
		StartupTimeout:      cfg.Inference.StartupTimeout.Std(),
		GenerateTimeout:     cfg.Inference.GenerateTimeout.Std(),
		MaxConcurrentStarts: cfg.Inference.MaxConcurrentStarts,
		MaxRestarts:         cfg.Inference.MaxRestarts,
		FallbackGrammar:     cfg.Inference.FallbackGrammar,
	}, opts...)
}

// initPipeline assembles the generation pipeline over the stores and engine.
func (a *App) initPipeline(grammarDir string) {
	cfg := a.cfg
	a.pipe = pipeline.New(pipeline.Config{
		WakeWords:              cfg.Pipeline.WakeWords,
		ErrorCorrectionPhrases: cfg.Pipeline.ErrorCorrectionPhrases,
		ErrorCorrectionTimeout: cfg.Pipeline.ErrorCorrectionTimeout.Std(),
		DefaultModel:           cfg.Models.Default,
		DefaultSampling:        a.defaultSampling(),
		GrammarDir:             grammarDir,
		ConfigNote: fmt.Sprintf("ctx=%d threads=%d starts=%d",
			cfg.Inference.CtxSize, cfg.Inference.Threads, cfg.Inference.MaxConcurrentStarts),
	},
		a.topics, a.cache, a.backends, a.engine,
		pipeline.WithTracker(a.tracker),
		pipeline.WithPerfLog(a.perf),
		pipeline.WithMetrics(a.metrics),
	)
}

// initHTTP assembles the handler tree: API routes, health probes, /metrics,
// all behind the observe middleware.
func (a *App) initHTTP(grammarDir string) {
	cfg := a.cfg

	srv := api.New(api.Config{
		GrammarDir:            grammarDir,
		ErrorCorrectionWindow: cfg.Pipeline.ErrorCorrectionTimeout.Std(),
		Version:               a.version,
	}, a.pipe, a.store, a.backends, a.topics, a.cache,
		api.WithSessions(a.engine),
		api.WithPerfLog(a.perf),
	)

	probes := health.New(a.version,
		health.Checker{
			Name: "backend_store",
			Check: func(ctx context.Context) error {
				_, err := a.store.List(ctx)
				return err
			},
		},
		health.Checker{
			Name: "data_dir",
			Check: func(context.Context) error {
				_, err := os.Stat(cfg.DataDir)
				return err
			},
		},
	)

	mux := http.NewServeMux()
	srv.Register(mux)
	probes.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTO,
	}
}

// Pipeline exposes the generation pipeline, mainly for tests driving the
// app without HTTP.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Handler returns the fully assembled HTTP handler. Tests mount it on an
// httptest.Server instead of calling Run.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// listener fails. A configured model preload runs in the background so the
// API is reachable while the model file loads.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Models.Preload && a.cfg.Models.Default != "" {
		go func() {
			if err := a.engine.Preload(ctx, a.cfg.Models.Default, a.defaultSampling(),
				filepath.Join(a.cfg.DataDir, grammarsDir)); err != nil {
				slog.Warn("model preload failed", "model", a.cfg.Models.Default, "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// ApplyConfig is the config-watcher callback. Only the hot-applicable subset
// of the diff is acted on; everything else waits for a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Compare(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.WakeWordsChanged {
		a.pipe.SetWakeWords(new.Pipeline.WakeWords)
		slog.Info("wake words reloaded", "count", len(new.Pipeline.WakeWords))
	}
	if d.PhrasesChanged {
		a.pipe.SetCorrectionPhrases(new.Pipeline.ErrorCorrectionPhrases)
		slog.Info("error-correction phrases reloaded", "count", len(new.Pipeline.ErrorCorrectionPhrases))
	}
	if d.CacheSizeChanged {
		a.cache.Resize(d.NewCacheSize)
		slog.Info("cache resized", "max_entries", d.NewCacheSize)
	}
	if d.HeartbeatChanged {
		a.topics.SetThresholds(new.Topics.HeartbeatActive.Std(), new.Topics.HeartbeatIdle.Std())
		slog.Info("heartbeat thresholds reloaded",
			"active", new.Topics.HeartbeatActive.Std(), "idle", new.Topics.HeartbeatIdle.Std())
	}
}

// Shutdown stops the HTTP server, terminates every inference session, and
// runs the remaining closers in reverse-init order. Safe to call more than
// once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "error", err)
				shutdownErr = err
			}
		}

		grace := a.cfg.Server.ShutdownTimeout.Std()
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < grace {
				grace = remaining
			}
		}
		a.engine.ShutdownAll(grace)

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) defaultSampling() inference.Sampling {
	s := a.cfg.Pipeline.DefaultSampling
	return inference.Sampling{
		Temperature: s.Temperature,
		TopP:        s.TopP,
		TopK:        s.TopK,
		MaxTokens:   s.MaxTokens,
	}
}

// slogLevel maps the config level enum onto slog's levels.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
