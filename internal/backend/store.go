package backend

import (
	"context"
)

// Store manages backend records and their device mappings.
//
// Errors carry fault kinds: unknown ids are fault.KindNotFound, rejected
// inputs are fault.KindValidation, and persistence failures are
// fault.KindInternal. Mutations are all-or-nothing — when persisting fails,
// the in-memory state the caller observes afterwards is the prior one.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Create allocates a backend with a fresh id of form <type>_<random8>,
	// seeds the default device-type vocabulary and an empty location list,
	// and persists it. Duplicate names are allowed; ids are the unique key.
	Create(ctx context.Context, name, typ string, conn Connection) (*Record, error)

	// Get returns a copy of the record with the given id.
	Get(ctx context.Context, id string) (*Record, error)

	// Update replaces the operator-editable identity of the record. An
	// empty name keeps the current one; a nil connection keeps the current
	// one. Type is immutable — the id embeds it. Mappings, vocabularies
	// and feedback fields have their own operations.
	Update(ctx context.Context, id, name string, conn *Connection) (*Record, error)

	// List returns copies of all records in creation order.
	List(ctx context.Context) ([]*Record, error)

	// Delete removes the record and its file. Topics holding the deleted id
	// keep it; their link surfaces as broken on next use (soft reference).
	Delete(ctx context.Context, id string) error

	// UpsertEntity merges patch into the mapping for entityID, creating the
	// mapping if missing. Nil patch fields keep their stored values, so the
	// original name and domain captured at fetch time survive operator
	// edits that do not mention them. Labels assigned by the patch are
	// folded into the record's vocabularies.
	UpsertEntity(ctx context.Context, id, entityID string, patch MappingPatch) (*Record, error)

	// BulkUpsert applies one patch to many entities with a single persist:
	// either every mapping change reaches disk or none does.
	BulkUpsert(ctx context.Context, id string, entityIDs []string, patch MappingPatch) (*Record, error)

	// AddDeviceType adds a label to the device-type vocabulary. Labels keep
	// their casing but compare case-insensitively; duplicates are a no-op.
	AddDeviceType(ctx context.Context, id, label string) error

	// AddLocation adds a label to the location vocabulary under the same
	// casing rules as AddDeviceType.
	AddLocation(ctx context.Context, id, label string) error

	// ValidateMappings returns every (device_type, location) pair claimed
	// by more than one enabled mapping, with the entity ids involved.
	ValidateMappings(ctx context.Context, id string) ([]Conflict, error)

	// UpdateStatus records the outcome of a connectivity probe or fetch.
	UpdateStatus(ctx context.Context, id string, st Status) error

	// RecordDispatch counts one dispatched command against the backend's
	// statistics.
	RecordDispatch(ctx context.Context, id string, ok bool) error

	// MergeEntities reconciles fetched entities into the mappings: missing
	// entities gain a disabled mapping carrying their reported name, domain
	// and area hint; existing mappings only refresh their original name and
	// domain. Operator-owned fields are never touched. Returns the number
	// of mappings created.
	MergeEntities(ctx context.Context, id string, entities []EntityDescriptor) (int, error)
}
