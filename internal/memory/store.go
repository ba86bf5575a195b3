package memory

import "context"

// Store is the persistence contract the memory service depends on.
// Implementations must scope every read and write by owner.
type Store interface {
	// List returns owner's records matching f in natural order.
	List(ctx context.Context, owner string, f Filter) ([]Record, error)

	// Get returns a single record, or ErrNotFound if it doesn't exist for owner.
	Get(ctx context.Context, owner, id string) (*Record, error)

	// GetByIDs returns strictly the intersection of ids and owner's records.
	GetByIDs(ctx context.Context, owner string, ids []string) ([]Record, error)

	// InsertBatch persists all records or none. Records must already carry ids.
	InsertBatch(ctx context.Context, recs []Record) error

	// Update applies a partial update to one record and returns the result.
	Update(ctx context.Context, owner, id string, p Patch) (*Record, error)

	// SetEmbedding attaches a vector to a record that has none.
	SetEmbedding(ctx context.Context, owner, id string, vec []float64, model string) error

	// DeleteIDs removes the given records of owner and returns the count.
	DeleteIDs(ctx context.Context, owner string, ids []string) (int64, error)

	// DeleteSweep removes owner's records selected by s and returns the count.
	DeleteSweep(ctx context.Context, owner string, s Sweep) (int64, error)

	// Owners lists every owner with at least one record.
	Owners(ctx context.Context) ([]string, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// PreferenceStore holds each owner's open preference map.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, owner string) (map[string]any, error)
	PutPreferences(ctx context.Context, owner string, prefs map[string]any) error
}

// Backend is a store that also keeps preferences. All bundled stores are backends.
type Backend interface {
	Store
	PreferenceStore
}
