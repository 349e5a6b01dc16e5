// Package secondary defines the secondary ports (driven adapters) of the
// object mapper: the storage backend contract and the synchronizer contract.
package secondary

import (
	"context"

	"github.com/example/smartobject/internal/core/propmap"
)

// Record holds the stored properties of one object in one backend.
type Record map[string]propmap.Value

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Row is one result of a property query.
type Row struct {
	PK     propmap.Value
	Record Record
}

// Family distinguishes file-based backends from queryable ones. File
// backends never host external properties and report missing records with
// errs.FileNotFound; queryable backends use errs.LookupNotFound.
type Family int

const (
	FamilyFile Family = iota + 1
	FamilyQueryable
)

func (f Family) String() string {
	switch f {
	case FamilyFile:
		return "file"
	case FamilyQueryable:
		return "queryable"
	}
	return "unknown"
}

// Backend is the contract every storage engine implements. Implementations
// are safe for concurrent use; each call is a blocking, all-or-nothing unit.
type Backend interface {
	// Load returns the stored properties of pk. A missing record is a
	// not-found error unless AllowEmpty is set, in which case an empty
	// Record is returned.
	Load(ctx context.Context, pk propmap.Value) (Record, error)

	// Save upserts the record of pk.
	Save(ctx context.Context, pk propmap.Value, rec Record) error

	// Delete removes the record of pk. Deleting a missing record is not an error.
	Delete(ctx context.Context, pk propmap.Value) error

	// Exists reports whether a record is stored for pk.
	Exists(ctx context.Context, pk propmap.Value) (bool, error)

	// Purge permanently removes soft-deleted records and returns how many
	// were removed. Backends without soft delete return 0.
	Purge(ctx context.Context) (int, error)

	// AllowEmpty reports whether Load of a missing record succeeds.
	AllowEmpty() bool

	// Family reports the backend family.
	Family() Family
}

// PropertyAccessor reads and writes single properties. Backends hosting
// external properties implement it.
type PropertyAccessor interface {
	GetProp(ctx context.Context, pk propmap.Value, name string) (propmap.Value, error)
	SetProp(ctx context.Context, pk propmap.Value, name string, v propmap.Value) error
}

// PropertyQuerier finds records by the value of one property. Rows come back
// in backend order.
type PropertyQuerier interface {
	QueryByProperty(ctx context.Context, name string, v propmap.Value) ([]Row, error)
}

// KeyLister enumerates the primary keys of every stored record.
type KeyLister interface {
	Keys(ctx context.Context) ([]propmap.Value, error)
}
