package status

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Entry is a single performance-log line.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	Command     string    `json:"command"`
	Topic       string    `json:"topic"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	Success     bool      `json:"success"`
	ConfigNotes string    `json:"config_notes,omitempty"`
}

// PerfLog persists performance entries as JSON lines in a local file, one
// line per completed command. Thread-safe for concurrent use.
type PerfLog struct {
	mu   sync.Mutex
	path string
}

// NewPerfLog creates a PerfLog that writes to the given path. The file is
// created on first append.
func NewPerfLog(path string) *PerfLog {
	return &PerfLog{path: path}
}

// Append writes one entry to the log. A zero timestamp is filled with the
// current UTC time.
func (l *PerfLog) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("status: marshal perf entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("status: open perf log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("status: write perf log: %w", err)
	}
	return nil
}

// Read returns log entries oldest first. A positive limit keeps only the
// newest limit entries. Lines that fail to parse are skipped: a crash can
// truncate the final line.
func (l *PerfLog) Read(limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("status: open perf log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("status: read perf log: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Clear removes the log file. Clearing a log that never existed is not an
// error.
func (l *PerfLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("status: clear perf log: %w", err)
	}
	return nil
}
