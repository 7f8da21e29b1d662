package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2oby/orac-core/internal/fault"
)

// Compile-time assertion that FileStore satisfies the Store interface.
var _ Store = (*FileStore)(nil)

// errNoChange tells the mutation helpers that the operation turned out to be
// a no-op, so nothing is persisted and UpdatedAt stays put.
var errNoChange = errors.New("no change")

// FileStore is the file-backed [Store]: one JSON document per backend inside
// its directory, named <id>.json and rewritten atomically on every mutation.
type FileStore struct {
	dir string

	mu       sync.RWMutex
	backends map[string]*Record
}

// NewFileStore loads every backend file under dir. A missing or empty
// directory yields an empty store; a file that exists but does not parse is
// a hard configuration error, because quietly dropping it would lose the
// operator's mappings.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "create backends directory")
	}

	s := &FileStore{
		dir:      dir,
		backends: make(map[string]*Record),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "read backends directory")
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "read backend file %s", entry.Name())
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, err, "backend file %s is corrupt", entry.Name())
		}
		if rec.ID == "" {
			return nil, fault.New(fault.KindConfiguration, "backend file %s carries no id", entry.Name())
		}
		if _, dup := s.backends[rec.ID]; dup {
			return nil, fault.New(fault.KindConfiguration, "backend id %q appears in more than one file", rec.ID)
		}
		if rec.DeviceMappings == nil {
			rec.DeviceMappings = make(map[string]DeviceMapping)
		}
		s.backends[rec.ID] = &rec
	}

	if len(s.backends) > 0 {
		slog.Info("backend store loaded", "dir", dir, "backends", len(s.backends))
	}
	return s, nil
}

// Create implements [Store.Create].
func (s *FileStore) Create(ctx context.Context, name, typ string, conn Connection) (*Record, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fault.New(fault.KindValidation, "backend name is required")
	}
	if err := validateType(typ); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	for range 5 {
		candidate, err := newID(typ)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "generate backend id")
		}
		if _, taken := s.backends[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return nil, fault.New(fault.KindInternal, "could not allocate a backend id")
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:             id,
		Name:           name,
		Type:           typ,
		Connection:     conn,
		DeviceMappings: make(map[string]DeviceMapping),
		DeviceTypes:    slices.Clone(DefaultDeviceTypes),
		Locations:      []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.persistLocked(rec); err != nil {
		return nil, err
	}
	s.backends[id] = rec

	slog.Info("backend created", "id", id, "name", name, "type", typ)
	return rec.Clone(), nil
}

// Get implements [Store.Get].
func (s *FileStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.backends[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "backend %q not found", id)
	}
	return rec.Clone(), nil
}

// Update implements [Store.Update].
func (s *FileStore) Update(ctx context.Context, id, name string, conn *Connection) (*Record, error) {
	return s.change(id, func(rec *Record) error {
		if name != "" {
			rec.Name = name
		}
		if conn != nil {
			rec.Connection = *conn
		}
		return nil
	})
}

// List implements [Store.List].
func (s *FileStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.backends))
	for _, rec := range s.backends {
		out = append(out, rec.Clone())
	}
	slices.SortFunc(out, func(a, b *Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Delete implements [Store.Delete].
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.backends[id]; !ok {
		return fault.New(fault.KindNotFound, "backend %q not found", id)
	}
	if err := os.Remove(s.filePath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fault.Wrap(fault.KindInternal, err, "delete backend file for %s", id)
	}
	delete(s.backends, id)

	slog.Info("backend deleted", "id", id)
	return nil
}

// UpsertEntity implements [Store.UpsertEntity].
func (s *FileStore) UpsertEntity(ctx context.Context, id, entityID string, patch MappingPatch) (*Record, error) {
	if entityID == "" {
		return nil, fault.New(fault.KindValidation, "entity id is required")
	}
	return s.change(id, func(rec *Record) error {
		applyMapping(rec, entityID, patch)
		return nil
	})
}

// BulkUpsert implements [Store.BulkUpsert].
func (s *FileStore) BulkUpsert(ctx context.Context, id string, entityIDs []string, patch MappingPatch) (*Record, error) {
	if len(entityIDs) == 0 {
		return nil, fault.New(fault.KindValidation, "no entity ids given")
	}
	return s.change(id, func(rec *Record) error {
		for _, entityID := range entityIDs {
			if entityID == "" {
				return fault.New(fault.KindValidation, "entity id is required")
			}
			applyMapping(rec, entityID, patch)
		}
		return nil
	})
}

// AddDeviceType implements [Store.AddDeviceType].
func (s *FileStore) AddDeviceType(ctx context.Context, id, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return fault.New(fault.KindValidation, "device type label is required")
	}
	_, err := s.change(id, func(rec *Record) error {
		if hasLabel(rec.DeviceTypes, label) {
			return errNoChange
		}
		rec.DeviceTypes = append(rec.DeviceTypes, label)
		return nil
	})
	return err
}

// AddLocation implements [Store.AddLocation].
func (s *FileStore) AddLocation(ctx context.Context, id, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return fault.New(fault.KindValidation, "location label is required")
	}
	_, err := s.change(id, func(rec *Record) error {
		if hasLabel(rec.Locations, label) {
			return errNoChange
		}
		rec.Locations = append(rec.Locations, label)
		return nil
	})
	return err
}

// ValidateMappings implements [Store.ValidateMappings].
func (s *FileStore) ValidateMappings(ctx context.Context, id string) ([]Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.backends[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "backend %q not found", id)
	}
	return conflicts(rec), nil
}

// UpdateStatus implements [Store.UpdateStatus].
func (s *FileStore) UpdateStatus(ctx context.Context, id string, st Status) error {
	if st.LastCheck.IsZero() {
		st.LastCheck = time.Now().UTC()
	}
	return s.feedback(id, func(rec *Record) {
		rec.Status = st
	})
}

// RecordDispatch implements [Store.RecordDispatch].
func (s *FileStore) RecordDispatch(ctx context.Context, id string, ok bool) error {
	return s.feedback(id, func(rec *Record) {
		rec.Statistics.DispatchTotal++
		if !ok {
			rec.Statistics.DispatchFailed++
		}
		rec.Statistics.LastDispatchAt = time.Now().UTC()
	})
}

// MergeEntities implements [Store.MergeEntities].
func (s *FileStore) MergeEntities(ctx context.Context, id string, entities []EntityDescriptor) (int, error) {
	added := 0
	_, err := s.change(id, func(rec *Record) error {
		added = 0
		for _, d := range entities {
			if d.EntityID == "" {
				continue
			}
			name := d.Name
			if name == "" {
				name = d.EntityID
			}
			m, known := rec.DeviceMappings[d.EntityID]
			if !known {
				m = DeviceMapping{Location: d.Area}
				rec.Locations = addLabel(rec.Locations, d.Area)
				added++
			}
			m.OriginalName = name
			m.Domain = d.Domain
			rec.DeviceMappings[d.EntityID] = m
		}
		rec.Statistics.LastFetchAt = time.Now().UTC()
		rec.Statistics.FetchedEntities = len(entities)
		return nil
	})
	return added, err
}

// applyMapping merges patch into the mapping for entityID and keeps the
// vocabulary superset invariant: any label the patch assigns is folded into
// the record's device-type and location lists.
func applyMapping(rec *Record, entityID string, patch MappingPatch) {
	m := patch.apply(rec.DeviceMappings[entityID])
	rec.DeviceMappings[entityID] = m
	rec.DeviceTypes = addLabel(rec.DeviceTypes, m.DeviceType)
	rec.Locations = addLabel(rec.Locations, m.Location)
}

// change runs fn against a clone of the record, stamps UpdatedAt, persists
// the clone, and only then swaps it in. A failed write leaves the prior
// record in place. fn may return [errNoChange] to skip the write entirely.
func (s *FileStore) change(id string, fn func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.backends[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "backend %q not found", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errNoChange) {
			return cur.Clone(), nil
		}
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	s.backends[id] = next
	return next.Clone(), nil
}

// feedback is change without the UpdatedAt stamp: UpdatedAt tracks
// configuration changes, not adapter activity.
func (s *FileStore) feedback(id string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.backends[id]
	if !ok {
		return fault.New(fault.KindNotFound, "backend %q not found", id)
	}
	next := cur.Clone()
	fn(next)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.backends[id] = next
	return nil
}

func (s *FileStore) filePath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) persistLocked(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "marshal backend %s", rec.ID)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fault.Wrap(fault.KindInternal, err, "create backends directory")
	}

	tmp, err := os.CreateTemp(s.dir, ".backend-*.tmp")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "create backend temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.KindInternal, err, "write backend file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.KindInternal, err, "close backend temp file")
	}
	if err := os.Rename(tmpName, s.filePath(rec.ID)); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.KindInternal, err, "replace backend file")
	}
	return nil
}

// newID returns a fresh backend id of form <type>_<random8>, for example
// "homeassistant_4f9a2c1b".
func newID(typ string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return typ + "_" + hex.EncodeToString(buf), nil
}

// validateType rejects type tokens that could not serve as a file name or
// adapter key. ids embed the type, and ids name files on disk.
func validateType(typ string) error {
	if typ == "" {
		return fault.New(fault.KindValidation, "backend type is required")
	}
	for _, r := range typ {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return fault.New(fault.KindValidation,
				"backend type %q may only contain lowercase letters, digits and underscores", typ)
		}
	}
	return nil
}
