package factory

import (
	"github.com/google/uuid"
	"github.com/uber-go/tally/v4"

	"github.com/example/smartobject/internal/object"
)

// Config configures a Factory.
type Config[T object.Mapped] struct {
	// New returns a fresh, unmapped instance of the bound type.
	New func() T
	// Binding is applied to every instance the factory constructs.
	Binding *object.Binding
	// Autoload loads missing objects from their storages on lookup.
	Autoload bool
	// MaxSize bounds the cache; 0 means unbounded.
	MaxSize int
	// QueryStorage is the storage queried for property lookups. It defaults
	// to the storage holding the primary key.
	QueryStorage string
	// IndexProperty names a property kept in a secondary index.
	IndexProperty string
	// KeyGenerator supplies primary keys to Create calls that give none.
	KeyGenerator KeyGenerator
	// Scope roots the factory metrics. Defaults to tally.NoopScope.
	Scope tally.Scope
}

// KeyGenerator returns a new primary key.
type KeyGenerator func() (any, error)

// UUIDKeys generates random UUID strings.
func UUIDKeys() (any, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

// CreateOption configures Create.
type CreateOption func(*createOptions)

type createOptions struct {
	override bool
	load     bool
}

// WithOverride replaces a cached object with the same primary key instead of
// failing with a Duplicate error.
func WithOverride() CreateOption {
	return func(o *createOptions) { o.override = true }
}

// WithLoad loads the stored state of the new object before the given
// properties are applied.
func WithLoad() CreateOption {
	return func(o *createOptions) { o.load = true }
}

// QueryOption configures property lookups.
type QueryOption func(*queryOptions)

type queryOptions struct {
	storage string
}

// FromStorage queries the named storage instead of the configured one.
func FromStorage(id string) QueryOption {
	return func(o *queryOptions) { o.storage = id }
}
