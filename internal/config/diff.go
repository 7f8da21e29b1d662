package config

import "slices"

// Diff describes what changed between two configs. Only fields that can be
// safely applied without a restart are tracked; everything else requires a
// process restart and is intentionally ignored here.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	WakeWordsChanged bool
	PhrasesChanged   bool

	CacheSizeChanged bool
	NewCacheSize     int

	HeartbeatChanged bool
}

// Empty reports whether the diff carries no hot-applicable change.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.WakeWordsChanged && !d.PhrasesChanged &&
		!d.CacheSizeChanged && !d.HeartbeatChanged
}

// Compare returns the hot-applicable differences between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Pipeline.WakeWords, new.Pipeline.WakeWords) {
		d.WakeWordsChanged = true
	}
	if !slices.Equal(old.Pipeline.ErrorCorrectionPhrases, new.Pipeline.ErrorCorrectionPhrases) {
		d.PhrasesChanged = true
	}

	if old.Cache.MaxEntries != new.Cache.MaxEntries {
		d.CacheSizeChanged = true
		d.NewCacheSize = new.Cache.MaxEntries
	}

	if old.Topics.HeartbeatActive != new.Topics.HeartbeatActive ||
		old.Topics.HeartbeatIdle != new.Topics.HeartbeatIdle {
		d.HeartbeatChanged = true
	}

	return d
}
