package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A missing file is not an error: ORAC then runs on [Default]
// (everything it needs lives in the data-model files under DataDir).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("no config file; using defaults", "path", path)
			return Default(), nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] values and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty document decodes to EOF; defaults alone are a valid config.
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: json, text", cfg.Server.LogFormat))
	}

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Inference
	inf := cfg.Inference
	if inf.Binary == "" {
		errs = append(errs, errors.New("inference.binary is required"))
	}
	if inf.PortRange.Min <= 0 || inf.PortRange.Max > 65535 || inf.PortRange.Min > inf.PortRange.Max {
		errs = append(errs, fmt.Errorf("inference.port_range [%d, %d] is invalid", inf.PortRange.Min, inf.PortRange.Max))
	}
	if inf.CtxSize <= 0 {
		errs = append(errs, fmt.Errorf("inference.ctx_size %d must be positive", inf.CtxSize))
	}
	if inf.MaxConcurrentStarts < 1 {
		errs = append(errs, fmt.Errorf("inference.max_concurrent_starts %d must be at least 1", inf.MaxConcurrentStarts))
	}
	if inf.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("inference.max_restarts %d must not be negative", inf.MaxRestarts))
	}
	if inf.FallbackGrammar != "" {
		if _, err := os.Stat(inf.FallbackGrammar); err != nil {
			errs = append(errs, fmt.Errorf("inference.fallback_grammar %q: %w", inf.FallbackGrammar, err))
		}
	}

	// Pipeline
	if len(cfg.Pipeline.WakeWords) == 0 {
		slog.Warn("pipeline.wake_words is empty; prompts will be used verbatim")
	}
	if err := validateSampling("pipeline.default_sampling", cfg.Pipeline.DefaultSampling); err != nil {
		errs = append(errs, err)
	}
	if cfg.Pipeline.ErrorCorrectionTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.error_correction_timeout must be positive"))
	}

	// Cache
	if cfg.Cache.MaxEntries < 1 {
		errs = append(errs, fmt.Errorf("cache.max_entries %d must be at least 1", cfg.Cache.MaxEntries))
	}

	// Topics
	if cfg.Topics.HeartbeatActive <= 0 || cfg.Topics.HeartbeatIdle <= cfg.Topics.HeartbeatActive {
		errs = append(errs, fmt.Errorf("topics heartbeat thresholds active=%s idle=%s must satisfy 0 < active < idle",
			cfg.Topics.HeartbeatActive.Std(), cfg.Topics.HeartbeatIdle.Std()))
	}

	// Dispatch
	if cfg.Dispatch.Timeout <= 0 {
		errs = append(errs, errors.New("dispatch.timeout must be positive"))
	}
	if cfg.Dispatch.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("dispatch.breaker.max_failures %d must be at least 1", cfg.Dispatch.Breaker.MaxFailures))
	}

	// Watcher
	if cfg.Watcher.Enabled && cfg.Watcher.Interval <= 0 {
		errs = append(errs, errors.New("watcher.interval must be positive when the watcher is enabled"))
	}

	return errors.Join(errs...)
}

// validateSampling range-checks one sampling profile.
func validateSampling(prefix string, s SamplingConfig) error {
	var errs []error
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, s.Temperature))
	}
	if s.TopP <= 0 || s.TopP > 1 {
		errs = append(errs, fmt.Errorf("%s.top_p %.2f is out of range (0, 1]", prefix, s.TopP))
	}
	if s.TopK < 0 {
		errs = append(errs, fmt.Errorf("%s.top_k %d must not be negative", prefix, s.TopK))
	}
	if s.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("%s.max_tokens %d must be at least 1", prefix, s.MaxTokens))
	}
	return errors.Join(errs...)
}
