package object

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/ports/secondary"
)

// outbound is one synchronizer call gathered under the object lock and made
// after it is released.
type outbound struct {
	g     *groupRef
	class string
	pk    propmap.Value
	data  secondary.Record
	// names are the pending changes the call clears.
	names []string
}

// Sync reports every group holding unsynchronized changes.
func (o *Object) Sync(ctx context.Context) error {
	return o.withSync(ctx, func() ([]outbound, error) {
		if err := o.check("sync", true); err != nil {
			return nil, err
		}
		return o.flush(ctx, o.pendingGroups(), false)
	})
}

// SyncGroup reports one group. Its always properties are sent even when
// nothing changed.
// An empty id names the default group.
func (o *Object) SyncGroup(ctx context.Context, id string) error {
	return o.withSync(ctx, func() ([]outbound, error) {
		if err := o.check("sync", true); err != nil {
			return nil, err
		}
		if id == "" {
			id = o.b.defaultGroup
		}
		g, ok := o.b.groupByID[id]
		if !ok {
			return nil, o.newError(errs.KindConfiguration, "sync", "no sync group %q", id)
		}
		return o.flush(ctx, []*groupRef{g}, true)
	})
}

// ForceSync reports every property of every group.
func (o *Object) ForceSync(ctx context.Context) error {
	return o.withSync(ctx, func() ([]outbound, error) {
		if err := o.check("sync", true); err != nil {
			return nil, err
		}
		var out []outbound
		for _, g := range o.b.groups {
			data := make(secondary.Record, len(g.props)+len(g.always))
			for _, name := range append(append([]string(nil), g.props...), g.always...) {
				if err := o.syncValue(ctx, data, name); err != nil {
					return nil, err
				}
			}
			out = o.queue(out, g, data)
		}
		return out, nil
	})
}

// withSync runs fn under the object lock and then makes the synchronizer
// calls it gathered with the lock released, so a synchronizer may read the
// object it is called for.
func (o *Object) withSync(ctx context.Context, fn func() ([]outbound, error)) error {
	o.mu.Lock()
	out, err := fn()
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return o.dispatch(ctx, out)
}

func (o *Object) pendingGroups() []*groupRef {
	var out []*groupRef
	for _, g := range o.b.groups {
		if len(o.pending[g.id]) > 0 {
			out = append(out, g)
		}
	}
	return out
}

// flush gathers the pending changes of groups together with their always
// properties. Nothing is gathered before the primary key is known; the
// changes stay pending. explicit sends a group even without pending changes.
// o.mu must be held.
func (o *Object) flush(ctx context.Context, groups []*groupRef, explicit bool) ([]outbound, error) {
	if o.state != StateActive {
		return nil, nil
	}
	var out []outbound
	for _, g := range groups {
		pending := o.pending[g.id]
		if len(pending) == 0 && !explicit {
			continue
		}
		data := make(secondary.Record, len(pending)+len(g.always))
		for _, name := range g.props {
			if _, ok := pending[name]; !ok {
				continue
			}
			if err := o.syncValue(ctx, data, name); err != nil {
				return nil, err
			}
		}
		for _, name := range g.always {
			if err := o.syncValue(ctx, data, name); err != nil {
				return nil, err
			}
		}
		out = o.queue(out, g, data)
	}
	return out, nil
}

// queue appends a call for g and takes its pending changes. o.mu must be held.
func (o *Object) queue(out []outbound, g *groupRef, data secondary.Record) []outbound {
	if len(data) == 0 {
		return out
	}
	names := make([]string, 0, len(o.pending[g.id]))
	for name := range o.pending[g.id] {
		names = append(names, name)
	}
	delete(o.pending, g.id)
	return append(out, outbound{
		g:     g,
		class: o.b.Class(),
		pk:    o.values[o.b.pm.PrimaryKey()],
		data:  data,
		names: names,
	})
}

func (o *Object) syncValue(ctx context.Context, data secondary.Record, name string) error {
	if _, done := data[name]; done {
		return nil
	}
	v, err := o.current(ctx, o.b.access[name])
	if err != nil {
		return err
	}
	data[name] = o.serialize(name, TargetSync, v)
	return nil
}

// dispatch makes the gathered calls in order. The first failure stops it and
// puts the changes of every unsent call back to pending. o.mu must not be held.
func (o *Object) dispatch(ctx context.Context, out []outbound) error {
	for i, call := range out {
		log.WithFields(log.Fields{
			"class": call.class,
			"pk":    call.pk.Key(),
			"group": call.g.id,
			"props": len(call.data),
		}).Debug("Synchronizing object")
		if err := call.g.sync.Sync(ctx, call.pk, call.g.id, call.data); err != nil {
			o.requeue(out[i:])
			return errs.WithContext(errs.Wrap(errs.KindStorage, "sync", err), call.class, call.pk.Key())
		}
	}
	return nil
}

func (o *Object) requeue(out []outbound) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateActive {
		return
	}
	for _, call := range out {
		for _, name := range call.names {
			o.markPending(call.g.id, name)
		}
	}
}
