package object

import (
	"context"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
)

// Serialize returns the properties of a view with their current values. An
// empty view is the default view, or every serializable property when the map
// has none. External properties are read from their backend.
func (o *Object) Serialize(ctx context.Context, view string) (map[string]propmap.Value, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.check("serialize", false); err != nil {
		return nil, err
	}
	return o.collect(ctx, o.b.pm.View(view))
}

// SerializeAll returns every property regardless of views.
func (o *Object) SerializeAll(ctx context.Context) (map[string]propmap.Value, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.check("serialize", false); err != nil {
		return nil, err
	}
	return o.collect(ctx, o.b.pm.Names())
}

func (o *Object) collect(ctx context.Context, names []string) (map[string]propmap.Value, error) {
	out := make(map[string]propmap.Value, len(names))
	for _, name := range names {
		acc := o.b.access[name]
		if acc.spec.External && o.state != StateActive {
			continue
		}
		v, err := o.current(ctx, acc)
		if err != nil {
			return nil, err
		}
		out[name] = o.serialize(name, TargetView, v)
	}
	return out, nil
}

type snapshot struct {
	values   map[string]propmap.Value
	modified map[string]map[string]struct{}
}

// Snapshot records the local values so Rollback can restore them.
func (o *Object) Snapshot() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.check("snapshot", false); err != nil {
		return err
	}
	s := &snapshot{
		values:   make(map[string]propmap.Value, len(o.values)),
		modified: make(map[string]map[string]struct{}, len(o.modified)),
	}
	for k, v := range o.values {
		s.values[k] = v
	}
	for id, set := range o.modified {
		s.modified[id] = copySet(set)
	}
	o.snap = s
	return nil
}

// Rollback restores the values and modified flags recorded by the last
// Snapshot. The primary key is kept. Pending sync changes are dropped.
func (o *Object) Rollback() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.check("rollback", false); err != nil {
		return err
	}
	if o.snap == nil {
		return o.newError(errs.KindConfiguration, "rollback", "no snapshot")
	}
	pkName := o.b.pm.PrimaryKey()
	pk := o.values[pkName]
	o.values = make(map[string]propmap.Value, len(o.snap.values))
	for k, v := range o.snap.values {
		o.values[k] = v
	}
	o.values[pkName] = pk
	o.modified = make(map[string]map[string]struct{}, len(o.snap.modified))
	for id, set := range o.snap.modified {
		o.modified[id] = copySet(set)
	}
	o.pending = map[string]map[string]struct{}{}
	o.snap = nil
	return nil
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
