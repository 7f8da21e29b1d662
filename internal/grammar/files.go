package grammar

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2oby/orac-core/internal/fault"
)

// Path returns the on-disk location of a backend's grammar inside dir.
func Path(dir, backendID string) string {
	return filepath.Join(dir, "backend_"+backendID+".gbnf")
}

// WriteFile atomically writes the artifact's text to backend_<id>.gbnf
// under dir and returns the full path. Running inference sessions keep
// their already-open grammar; the rename only affects the next session
// start.
func WriteFile(dir, backendID string, art Artifact) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "create grammar directory")
	}

	tmp, err := os.CreateTemp(dir, ".grammar-*.tmp")
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "create grammar temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(art.Text); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fault.Wrap(fault.KindInternal, err, "write grammar file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fault.Wrap(fault.KindInternal, err, "close grammar temp file")
	}

	path := Path(dir, backendID)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fault.Wrap(fault.KindInternal, err, "replace grammar file")
	}
	return path, nil
}

// Latest returns the most recently modified backend_*.gbnf under dir.
// Used to pick the grammar for favourite-model preload at startup.
func Latest(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	best := ""
	var bestMod time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "backend_") || !strings.HasSuffix(name, ".gbnf") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = name
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(dir, best), true
}
