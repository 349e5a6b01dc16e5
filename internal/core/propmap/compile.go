// Package propmap compiles declarative per-class property maps and validates
// property values against them.
//
// A map source is handed over already parsed (see internal/mapfile for the
// YAML loader). Compile checks every attribute, resolves the primary key and
// precomputes the storage, sync and view groupings. The resulting PropertyMap
// is immutable.
package propmap

import (
	"sort"

	"github.com/example/smartobject/internal/errs"
)

// Property is one named entry of a map source.
type Property struct {
	Name  string
	Attrs Attrs
}

// Source is an ordered, already-parsed property map.
type Source []Property

// SourceFromMap builds a Source from a plain map, ordered by name.
func SourceFromMap(m map[string]Attrs) Source {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	src := make(Source, 0, len(names))
	for _, name := range names {
		src = append(src, Property{Name: name, Attrs: m[name]})
	}
	return src
}

// Merge returns s extended with the properties of other. Properties present
// in both keep the attributes of s unless override is set.
func (s Source) Merge(other Source, override bool) Source {
	out := make(Source, len(s), len(s)+len(other))
	copy(out, s)
	index := make(map[string]int, len(s))
	for i, p := range out {
		index[p.Name] = i
	}
	for _, p := range other {
		if i, ok := index[p.Name]; ok {
			if override {
				out[i] = p
			}
			continue
		}
		index[p.Name] = len(out)
		out = append(out, p)
	}
	return out
}

// CompileOption configures Compile.
type CompileOption func(*compileConfig)

type compileConfig struct {
	defaultView string
}

// WithDefaultView designates the view Serialize uses when none is requested.
func WithDefaultView(view string) CompileOption {
	return func(cfg *compileConfig) {
		cfg.defaultView = view
	}
}

// PropertyMap is the compiled schema of one object class.
type PropertyMap struct {
	class       string
	names       []string
	specs       map[string]Spec
	pk          string
	defaultView string

	storages     []Route
	storageProps map[Route][]string
	groups       []Route
	groupProps   map[Route][]string
	groupAlways  map[Route][]string
	views        []string
}

// Compile validates src and builds its PropertyMap. It fails with a
// Configuration error unless exactly one property is the primary key.
func Compile(class string, src Source, opts ...CompileOption) (*PropertyMap, error) {
	cfg := compileConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	pm := &PropertyMap{
		class:        class,
		specs:        make(map[string]Spec, len(src)),
		defaultView:  cfg.defaultView,
		storageProps: map[Route][]string{},
		groupProps:   map[Route][]string{},
		groupAlways:  map[Route][]string{},
	}
	seenView := map[string]bool{}

	for _, p := range src {
		if p.Name == "" {
			return nil, errs.New(errs.KindConfiguration, "compile", "empty property name in class %q", class)
		}
		if _, dup := pm.specs[p.Name]; dup {
			return nil, errs.New(errs.KindConfiguration, "compile", "duplicate property %q in class %q", p.Name, class)
		}
		spec, err := parseSpec(class, p.Name, p.Attrs)
		if err != nil {
			return nil, err
		}
		if spec.PrimaryKey {
			if pm.pk != "" {
				return nil, errs.New(errs.KindConfiguration, "compile",
					"multiple primary keys in class %q: %q and %q", class, pm.pk, spec.Name)
			}
			if spec.External {
				return nil, errs.New(errs.KindConfiguration, "compile", "primary key %q cannot be external", spec.Name)
			}
			pm.pk = spec.Name
		}
		pm.names = append(pm.names, spec.Name)
		pm.specs[spec.Name] = spec

		if spec.Store.Enabled {
			if _, ok := pm.storageProps[spec.Store]; !ok {
				pm.storages = append(pm.storages, spec.Store)
			}
			pm.storageProps[spec.Store] = append(pm.storageProps[spec.Store], spec.Name)
		}
		if spec.Sync.Enabled {
			if _, ok := pm.groupProps[spec.Sync]; !ok {
				pm.groups = append(pm.groups, spec.Sync)
				pm.groupProps[spec.Sync] = nil
			}
			if spec.SyncAlways {
				pm.groupAlways[spec.Sync] = append(pm.groupAlways[spec.Sync], spec.Name)
			} else {
				pm.groupProps[spec.Sync] = append(pm.groupProps[spec.Sync], spec.Name)
			}
		}
		for _, v := range spec.Serialize {
			if !seenView[v] {
				seenView[v] = true
				pm.views = append(pm.views, v)
			}
		}
	}
	if pm.pk == "" {
		return nil, errs.New(errs.KindConfiguration, "compile", "primary key is not defined in class %q", class)
	}
	if cfg.defaultView != "" && !seenView[cfg.defaultView] {
		return nil, errs.New(errs.KindConfiguration, "compile", "default view %q has no properties in class %q", cfg.defaultView, class)
	}

	// The primary key storage goes first so it sees the object before any other.
	if route := pm.specs[pm.pk].Store; route.Enabled {
		for i, r := range pm.storages {
			if r == route && i > 0 {
				copy(pm.storages[1:i+1], pm.storages[:i])
				pm.storages[0] = route
				break
			}
		}
	}
	return pm, nil
}

// Class returns the class name the map was compiled for.
func (pm *PropertyMap) Class() string { return pm.class }

// PrimaryKey returns the name of the primary key property.
func (pm *PropertyMap) PrimaryKey() string { return pm.pk }

// Len returns the number of properties.
func (pm *PropertyMap) Len() int { return len(pm.names) }

// Names returns the property names in declaration order.
func (pm *PropertyMap) Names() []string { return append([]string(nil), pm.names...) }

// Spec returns the spec of the named property.
func (pm *PropertyMap) Spec(name string) (Spec, bool) {
	s, ok := pm.specs[name]
	return s, ok
}

// Specs returns every spec in declaration order.
func (pm *PropertyMap) Specs() []Spec {
	out := make([]Spec, len(pm.names))
	for i, name := range pm.names {
		out[i] = pm.specs[name]
	}
	return out
}

// DefaultView returns the designated default view, if any.
func (pm *PropertyMap) DefaultView() string { return pm.defaultView }

// Views returns the view names in first-seen order.
func (pm *PropertyMap) Views() []string { return append([]string(nil), pm.views...) }

// View returns the properties of a view in declaration order. The primary key
// is part of every view unless its spec excludes it. An empty view name means
// the default view, or every serializable property when there is none.
func (pm *PropertyMap) View(view string) []string {
	if view == "" {
		view = pm.defaultView
	}
	out := make([]string, 0, len(pm.names))
	for _, name := range pm.names {
		spec := pm.specs[name]
		switch {
		case spec.NoSerialize:
		case spec.PrimaryKey:
			out = append(out, name)
		case view == "" && len(spec.Serialize) > 0:
			out = append(out, name)
		case view != "" && spec.InView(view):
			out = append(out, name)
		}
	}
	return out
}

// StorageRoutes returns the distinct storage routes, primary key storage first.
func (pm *PropertyMap) StorageRoutes() []Route { return append([]Route(nil), pm.storages...) }

// StorageProps returns the properties stored through route.
func (pm *PropertyMap) StorageProps(route Route) []string {
	return append([]string(nil), pm.storageProps[route]...)
}

// SyncRoutes returns the distinct sync groups.
func (pm *PropertyMap) SyncRoutes() []Route { return append([]Route(nil), pm.groups...) }

// SyncProps returns the properties of a sync group that are reported on change.
func (pm *PropertyMap) SyncProps(route Route) []string {
	return append([]string(nil), pm.groupProps[route]...)
}

// SyncAlways returns the properties of a sync group reported on every sync.
func (pm *PropertyMap) SyncAlways(route Route) []string {
	return append([]string(nil), pm.groupAlways[route]...)
}
