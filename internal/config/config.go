// Package config provides the configuration schema, loader, and file watcher
// for the ORAC Core service.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the ORAC server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler encoding.
type LogFormat string

const (
	LogJSON LogFormat = "json"
	LogText LogFormat = "text"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogJSON || f == LogText
}

// Duration is a time.Duration that decodes from YAML strings such as "30s"
// or "2m". It marshals back to the same textual form.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for ORAC Core.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// fields absent from the file keep the values set by [Default].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DataDir   string          `yaml:"data_dir"`
	Models    ModelsConfig    `yaml:"models"`
	Inference InferenceConfig `yaml:"inference"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Cache     CacheConfig     `yaml:"cache"`
	Topics    TopicsConfig    `yaml:"topics"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Watcher   WatcherConfig   `yaml:"watcher"`
}

// ServerConfig holds network and logging settings for the HTTP surface.
type ServerConfig struct {
	// Listen is the TCP address the API server listens on (e.g., ":8000").
	Listen string `yaml:"listen"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects json or text log output.
	LogFormat LogFormat `yaml:"log_format"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server and the
	// inference sessions.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ModelsConfig locates model files and controls preloading.
type ModelsConfig struct {
	// Dir is the directory scanned for GGUF model files.
	Dir string `yaml:"dir"`

	// Default names the model warmed at startup when Preload is set and used
	// by topics that do not name one themselves. A bare filename is resolved
	// relative to Dir.
	Default string `yaml:"default"`

	// Preload starts an inference session for Default during boot, paired
	// with the most recently generated backend grammar if one exists.
	Preload bool `yaml:"preload"`
}

// PortRange is the inclusive range inference servers bind within.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// InferenceConfig controls the llama-server supervisor.
type InferenceConfig struct {
	// Binary is the llama-server executable, resolved via PATH when relative.
	Binary string `yaml:"binary"`

	// PortRange is the pool of local ports sessions bind to.
	PortRange PortRange `yaml:"port_range"`

	// CtxSize is the context window passed to the server (--ctx-size).
	CtxSize int `yaml:"ctx_size"`

	// Threads is passed through as --threads when positive; zero lets the
	// binary pick.
	Threads int `yaml:"threads"`

	// StartupTimeout bounds the spawn-to-ready window of one session.
	StartupTimeout Duration `yaml:"startup_timeout"`

	// GenerateTimeout is the default deadline for one completion call.
	GenerateTimeout Duration `yaml:"generate_timeout"`

	// MaxConcurrentStarts caps simultaneous subprocess spawns. Model loads
	// are memory-heavy; 1 is the safe choice on small boards.
	MaxConcurrentStarts int `yaml:"max_concurrent_starts"`

	// MaxRestarts bounds automatic restarts per session before it is
	// terminated and the failure surfaces to callers.
	MaxRestarts int `yaml:"max_restarts"`

	// FallbackGrammar is an optional static GBNF file used for preloading
	// when no backend grammar has been generated yet.
	FallbackGrammar string `yaml:"fallback_grammar"`
}

// SamplingConfig holds the model sampling defaults. Per-topic settings and
// per-request overrides take precedence over these.
type SamplingConfig struct {
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	TopK        int     `yaml:"top_k"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// PipelineConfig controls utterance pre-processing. WakeWords and
// ErrorCorrectionPhrases are hot-reloadable.
type PipelineConfig struct {
	// WakeWords are stripped from the front of incoming prompts,
	// case-insensitively and tolerating trailing punctuation.
	WakeWords []string `yaml:"wake_words"`

	// ErrorCorrectionPhrases trigger removal of the most recent cache entry
	// instead of running a command.
	ErrorCorrectionPhrases []string `yaml:"error_correction_phrases"`

	// ErrorCorrectionTimeout is how far back a correction may reach.
	ErrorCorrectionTimeout Duration `yaml:"error_correction_timeout"`

	// DefaultSampling is the lowest-precedence sampling profile.
	DefaultSampling SamplingConfig `yaml:"default_sampling"`
}

// CacheConfig controls the STT-response cache.
type CacheConfig struct {
	// MaxEntries is the LRU capacity. Hot-reloadable; shrinking evicts.
	MaxEntries int `yaml:"max_entries"`

	// Persist writes the snapshot file after each mutation. Disable for
	// purely in-memory caching.
	Persist bool `yaml:"persist"`
}

// TopicsConfig holds heartbeat liveness thresholds. Hot-reloadable.
type TopicsConfig struct {
	// HeartbeatActive is the maximum last-seen age for "active".
	HeartbeatActive Duration `yaml:"heartbeat_active"`

	// HeartbeatIdle is the maximum last-seen age for "idle"; older is "stale".
	HeartbeatIdle Duration `yaml:"heartbeat_idle"`
}

// BreakerConfig configures the circuit breaker around backend dispatch.
type BreakerConfig struct {
	MaxFailures  int      `yaml:"max_failures"`
	ResetTimeout Duration `yaml:"reset_timeout"`
	HalfOpenMax  int      `yaml:"half_open_max"`
}

// DispatchConfig bounds backend command execution.
type DispatchConfig struct {
	// Timeout is the per-dispatch deadline.
	Timeout Duration `yaml:"timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// WatcherConfig controls config-file hot reload.
type WatcherConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// Default returns the configuration ORAC runs with when a field is not set
// in the config file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8000",
			LogLevel:        LogInfo,
			LogFormat:       LogJSON,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		DataDir: "data",
		Models: ModelsConfig{
			Dir: "models",
		},
		Inference: InferenceConfig{
			Binary:              "llama-server",
			PortRange:           PortRange{Min: 18100, Max: 18199},
			CtxSize:             2048,
			StartupTimeout:      Duration(2 * time.Minute),
			GenerateTimeout:     Duration(60 * time.Second),
			MaxConcurrentStarts: 1,
			MaxRestarts:         3,
		},
		Pipeline: PipelineConfig{
			WakeWords: []string{
				"computer", "hey computer", "ok computer", "orac", "hey orac",
			},
			ErrorCorrectionPhrases: []string{
				"computer error", "that was wrong",
			},
			ErrorCorrectionTimeout: Duration(60 * time.Second),
			DefaultSampling: SamplingConfig{
				Temperature: 0.7,
				TopP:        0.9,
				TopK:        40,
				MaxTokens:   200,
			},
		},
		Cache: CacheConfig{
			MaxEntries: 200,
			Persist:    true,
		},
		Topics: TopicsConfig{
			HeartbeatActive: Duration(35 * time.Second),
			HeartbeatIdle:   Duration(70 * time.Second),
		},
		Dispatch: DispatchConfig{
			Timeout: Duration(10 * time.Second),
			Breaker: BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: Duration(30 * time.Second),
				HalfOpenMax:  3,
			},
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Interval: Duration(30 * time.Second),
		},
	}
}
