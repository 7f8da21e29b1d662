package config_test

import (
	"testing"
	"time"

	"github.com/2oby/orac-core/internal/config"
)

func TestCompare_NoChanges(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()

	d := config.Compare(old, new)
	if !d.Empty() {
		t.Errorf("Compare of identical configs should be empty, got %+v", d)
	}
}

func TestCompare_LogLevel(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Compare(old, new)
	if !d.LogLevelChanged {
		t.Error("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
}

func TestCompare_WakeWordsAndPhrases(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Pipeline.WakeWords = append(new.Pipeline.WakeWords, "oi orac")
	new.Pipeline.ErrorCorrectionPhrases = []string{"undo that"}

	d := config.Compare(old, new)
	if !d.WakeWordsChanged {
		t.Error("WakeWordsChanged should be true")
	}
	if !d.PhrasesChanged {
		t.Error("PhrasesChanged should be true")
	}
}

func TestCompare_CacheSize(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Cache.MaxEntries = 50

	d := config.Compare(old, new)
	if !d.CacheSizeChanged {
		t.Error("CacheSizeChanged should be true")
	}
	if d.NewCacheSize != 50 {
		t.Errorf("NewCacheSize: got %d, want 50", d.NewCacheSize)
	}
}

func TestCompare_HeartbeatThresholds(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Topics.HeartbeatActive = config.Duration(40 * time.Second)

	d := config.Compare(old, new)
	if !d.HeartbeatChanged {
		t.Error("HeartbeatChanged should be true")
	}
}

func TestCompare_RestartOnlyFieldsIgnored(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.Listen = ":9999"
	new.DataDir = "/elsewhere"
	new.Inference.Binary = "/opt/llama-server"

	d := config.Compare(old, new)
	if !d.Empty() {
		t.Errorf("restart-only fields should not appear in diff, got %+v", d)
	}
}
