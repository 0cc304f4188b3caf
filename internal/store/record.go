package store

import (
	"context"

	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/query"
)

// Record is the persisted state of one object.
type Record struct {
	ID         oid.ID
	Attributes map[string]any

	// Seq is the commit sequence number that last wrote the record.
	Seq int64
}

// Kind returns the record's entity kind.
func (r Record) Kind() string { return r.ID.Kind() }

// Clone returns a copy whose attribute map can be mutated freely.
func (r Record) Clone() Record {
	r.Attributes = cloneAttributes(r.Attributes)
	return r
}

// Row converts the record to its query evaluation view.
func (r Record) Row() query.Row {
	return query.Row{ID: r.ID.String(), Kind: r.ID.Kind(), Attributes: r.Attributes}
}

func cloneAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// ChangeSet is a batch of writes committed together.
type ChangeSet struct {
	Inserted []Record
	Updated  []Record
	Deleted  []oid.ID
}

// IsEmpty reports whether the change set carries no writes.
func (cs ChangeSet) IsEmpty() bool {
	return len(cs.Inserted) == 0 && len(cs.Updated) == 0 && len(cs.Deleted) == 0
}

// Len returns the number of writes.
func (cs ChangeSet) Len() int {
	return len(cs.Inserted) + len(cs.Updated) + len(cs.Deleted)
}

// Meta is the metadata persisted by a backing store.
type Meta struct {
	StoreID   string
	ModelHash string
	MaxSeq    int64
}

// Backend is a backing store. Implementations must apply change sets
// atomically: either every write of a ChangeSet becomes visible or none does.
//
// A Backend only ever receives records whose identities carry its own
// store identifier; the coordinator routes writes.
type Backend interface {
	// Meta returns the store metadata, creating it on first use.
	Meta(ctx context.Context) (Meta, error)

	// SetModelHash records the hash of the model the store now conforms to.
	SetModelHash(ctx context.Context, hash string) error

	// Load returns all records of the given kinds ordered by seq, then key.
	// A nil kinds slice loads every record.
	Load(ctx context.Context, kinds []string) ([]Record, error)

	// Get returns one record.
	Get(ctx context.Context, id oid.ID) (Record, bool, error)

	// Apply commits a change set stamped with seq.
	Apply(ctx context.Context, cs ChangeSet, seq int64) error

	// Reset deletes every record and all metadata. The next Meta call mints
	// a fresh store identifier.
	Reset(ctx context.Context) error

	Close() error
}
