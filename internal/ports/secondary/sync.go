package secondary

import (
	"context"

	"github.com/example/smartobject/internal/core/propmap"
)

// Synchronizer receives property changes of a sync group. Calls are made
// synchronously from the goroutine mutating the object, after the object's
// lock is released, so an implementation may read the object back.
type Synchronizer interface {
	// Sync reports the changed and always-included properties of group.
	Sync(ctx context.Context, pk propmap.Value, group string, data Record) error

	// Delete reports that the object was deleted.
	Delete(ctx context.Context, pk propmap.Value, group string) error
}

// SyncFunc adapts a plain callback to Synchronizer. Delete is a no-op.
type SyncFunc func(ctx context.Context, pk propmap.Value, group string, data Record) error

// Sync implements Synchronizer.
func (f SyncFunc) Sync(ctx context.Context, pk propmap.Value, group string, data Record) error {
	if f == nil {
		return nil
	}
	return f(ctx, pk, group, data)
}

// Delete implements Synchronizer.
func (f SyncFunc) Delete(context.Context, propmap.Value, string) error { return nil }

// NopSync accepts every call and does nothing.
type NopSync struct{}

func (NopSync) Sync(context.Context, propmap.Value, string, Record) error { return nil }

func (NopSync) Delete(context.Context, propmap.Value, string) error { return nil }
