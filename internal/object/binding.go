package object

import (
	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/metrics"
	"github.com/example/smartobject/internal/ports/secondary"
	"github.com/example/smartobject/internal/registry"
)

// Binding is a PropertyMap with every storage and sync route resolved
// against a Registry. It is built once per class and shared by all of its
// objects; it is immutable.
type Binding struct {
	pm       *propmap.PropertyMap
	access   map[string]*accessor
	storages []*storageRef
	groups   []*groupRef

	storageByID  map[string]*storageRef
	groupByID    map[string]*groupRef
	defaultGroup string
}

// accessor is the compiled entry of one property.
type accessor struct {
	spec    propmap.Spec
	storage *storageRef
	props   secondary.PropertyAccessor
	group   *groupRef
}

type storageRef struct {
	id      string
	backend secondary.Backend
	metrics *metrics.StorageMetrics
	// local lists the non-external properties saved to and loaded from the backend.
	local []string
}

type groupRef struct {
	id     string
	sync   secondary.Synchronizer
	props  []string
	always []string
}

// Bind resolves pm against reg. It fails with a Configuration error when a
// route does not resolve, when an external property is routed to a file
// backend, or when its backend cannot read and write single properties.
func Bind(pm *propmap.PropertyMap, reg *registry.Registry) (*Binding, error) {
	if pm == nil || reg == nil {
		return nil, errs.New(errs.KindConfiguration, "bind", "property map and registry are required")
	}
	b := &Binding{
		pm:          pm,
		access:      make(map[string]*accessor, pm.Len()),
		storageByID: map[string]*storageRef{},
		groupByID:   map[string]*groupRef{},
	}
	fail := func(name string, err error) error {
		return errs.WithContext(withProp(err, name), pm.Class(), "")
	}

	for _, route := range pm.StorageRoutes() {
		id, backend, err := reg.Storage(route)
		if err != nil {
			return nil, errs.WithContext(err, pm.Class(), "")
		}
		m, err := reg.StorageMetrics(route)
		if err != nil {
			return nil, errs.WithContext(err, pm.Class(), "")
		}
		if _, ok := b.storageByID[id]; !ok {
			ref := &storageRef{id: id, backend: backend, metrics: m}
			b.storageByID[id] = ref
			b.storages = append(b.storages, ref)
		}
	}

	for _, route := range pm.SyncRoutes() {
		id, s, err := reg.Sync(route)
		if err != nil {
			return nil, errs.WithContext(err, pm.Class(), "")
		}
		if route.ID == "" {
			b.defaultGroup = id
		}
		ref, ok := b.groupByID[id]
		if !ok {
			ref = &groupRef{id: id, sync: s}
			b.groupByID[id] = ref
			b.groups = append(b.groups, ref)
		}
		ref.props = append(ref.props, pm.SyncProps(route)...)
		ref.always = append(ref.always, pm.SyncAlways(route)...)
	}

	for _, spec := range pm.Specs() {
		acc := &accessor{spec: spec}
		if spec.Store.Enabled {
			id, backend, err := reg.Storage(spec.Store)
			if err != nil {
				return nil, fail(spec.Name, err)
			}
			acc.storage = b.storageByID[id]
			if spec.External {
				if backend.Family() == secondary.FamilyFile {
					return nil, fail(spec.Name, errs.New(errs.KindConfiguration, "bind",
						"external property cannot use file storage %q", id))
				}
				pa, ok := backend.(secondary.PropertyAccessor)
				if !ok {
					return nil, fail(spec.Name, errs.New(errs.KindConfiguration, "bind",
						"storage %q cannot host external properties", id))
				}
				acc.props = pa
			} else {
				acc.storage.local = append(acc.storage.local, spec.Name)
			}
		}
		if spec.Sync.Enabled {
			id, _, err := reg.Sync(spec.Sync)
			if err != nil {
				return nil, fail(spec.Name, err)
			}
			acc.group = b.groupByID[id]
		}
		b.access[spec.Name] = acc
	}
	return b, nil
}

func withProp(err error, prop string) error {
	if e, ok := err.(*errs.Error); ok && e.Prop == "" {
		e.Prop = prop
	}
	return err
}

// Map returns the bound property map.
func (b *Binding) Map() *propmap.PropertyMap { return b.pm }

// Class returns the class name of the bound map.
func (b *Binding) Class() string { return b.pm.Class() }

// StorageIDs returns the resolved storage ids, primary key storage first.
func (b *Binding) StorageIDs() []string {
	ids := make([]string, len(b.storages))
	for i, s := range b.storages {
		ids[i] = s.id
	}
	return ids
}

// Storage returns the backend resolved for id.
func (b *Binding) Storage(id string) (secondary.Backend, bool) {
	ref, ok := b.storageByID[id]
	if !ok {
		return nil, false
	}
	return ref.backend, true
}

// StorageMetrics returns the metrics of the backend resolved for id.
func (b *Binding) StorageMetrics(id string) *metrics.StorageMetrics {
	if ref, ok := b.storageByID[id]; ok {
		return ref.metrics
	}
	return nil
}

// PrimaryStorage returns the id of the storage holding the primary key, or
// the first storage when the primary key is not stored.
func (b *Binding) PrimaryStorage() (string, bool) {
	if acc := b.access[b.pm.PrimaryKey()]; acc != nil && acc.storage != nil {
		return acc.storage.id, true
	}
	if len(b.storages) > 0 {
		return b.storages[0].id, true
	}
	return "", false
}

// GroupIDs returns the resolved sync group ids.
func (b *Binding) GroupIDs() []string {
	ids := make([]string, len(b.groups))
	for i, g := range b.groups {
		ids[i] = g.id
	}
	return ids
}
