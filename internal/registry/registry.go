// Package registry maps storage ids to backends and sync group ids to
// synchronizers. A Registry is an explicit value created once by the
// application and handed to object.Bind and to factories; nothing in the
// module keeps a global one.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/metrics"
	"github.com/example/smartobject/internal/ports/secondary"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	storages     map[string]storageEntry
	syncs        map[string]secondary.Synchronizer
	defaultStore string
	hasDefStore  bool
	defaultSync  string
	hasDefSync   bool
	scope        tally.Scope
}

type storageEntry struct {
	backend secondary.Backend
	metrics *metrics.StorageMetrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithScope roots storage metrics at scope.
func WithScope(scope tally.Scope) Option {
	return func(r *Registry) {
		if scope != nil {
			r.scope = scope
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		storages: map[string]storageEntry{},
		syncs:    map[string]secondary.Synchronizer{},
		scope:    tally.NoopScope,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// DefineStorage registers backend under id. The first storage defined becomes
// the default until SetDefaultStorage says otherwise. Redefining an id
// replaces the backend.
func (r *Registry) DefineStorage(id string, backend secondary.Backend) error {
	if id == "" {
		return errs.New(errs.KindConfiguration, "define storage", "storage id is required")
	}
	if backend == nil {
		return errs.New(errs.KindConfiguration, "define storage", "backend for %q is nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storages[id] = storageEntry{backend: backend, metrics: metrics.NewStorageMetrics(r.scope, id)}
	if !r.hasDefStore {
		r.defaultStore, r.hasDefStore = id, true
	}
	log.WithFields(log.Fields{
		"storage": id,
		"family":  backend.Family().String(),
	}).Debug("Storage defined")
	return nil
}

// SetDefaultStorage designates the storage used by default routes.
func (r *Registry) SetDefaultStorage(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.storages[id]; !ok {
		return errs.New(errs.KindConfiguration, "set default storage", "storage %q is not defined", id)
	}
	r.defaultStore, r.hasDefStore = id, true
	return nil
}

// DefineSync registers a synchronizer under a group id. The first group
// defined becomes the default until SetDefaultSync says otherwise.
func (r *Registry) DefineSync(id string, s secondary.Synchronizer) error {
	if id == "" {
		return errs.New(errs.KindConfiguration, "define sync", "sync id is required")
	}
	if s == nil {
		return errs.New(errs.KindConfiguration, "define sync", "synchronizer for %q is nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs[id] = s
	if !r.hasDefSync {
		r.defaultSync, r.hasDefSync = id, true
	}
	return nil
}

// SetDefaultSync designates the synchronizer used by default routes.
func (r *Registry) SetDefaultSync(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.syncs[id]; !ok {
		return errs.New(errs.KindConfiguration, "set default sync", "sync %q is not defined", id)
	}
	r.defaultSync, r.hasDefSync = id, true
	return nil
}

// Storage resolves a storage route. It returns the concrete id alongside the
// backend so callers can cache the resolution.
func (r *Registry) Storage(route propmap.Route) (string, secondary.Backend, error) {
	id, entry, err := r.storage(route)
	return id, entry.backend, err
}

// StorageMetrics returns the metrics of a defined storage.
func (r *Registry) StorageMetrics(route propmap.Route) (*metrics.StorageMetrics, error) {
	_, entry, err := r.storage(route)
	return entry.metrics, err
}

func (r *Registry) storage(route propmap.Route) (string, storageEntry, error) {
	if !route.Enabled {
		return "", storageEntry{}, errs.New(errs.KindConfiguration, "resolve storage", "property is not stored")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := route.ID
	if id == "" {
		if !r.hasDefStore {
			return "", storageEntry{}, errs.New(errs.KindConfiguration, "resolve storage", "no default storage is defined")
		}
		id = r.defaultStore
	}
	entry, ok := r.storages[id]
	if !ok {
		return "", storageEntry{}, errs.New(errs.KindConfiguration, "resolve storage", "storage %q is not defined", id)
	}
	return id, entry, nil
}

// Sync resolves a sync route.
func (r *Registry) Sync(route propmap.Route) (string, secondary.Synchronizer, error) {
	if !route.Enabled {
		return "", nil, errs.New(errs.KindConfiguration, "resolve sync", "property is not synchronized")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := route.ID
	if id == "" {
		if !r.hasDefSync {
			return "", nil, errs.New(errs.KindConfiguration, "resolve sync", "no default sync is defined")
		}
		id = r.defaultSync
	}
	s, ok := r.syncs[id]
	if !ok {
		return "", nil, errs.New(errs.KindConfiguration, "resolve sync", "sync %q is not defined", id)
	}
	return id, s, nil
}

// StorageIDs returns the defined storage ids in sorted order.
func (r *Registry) StorageIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.storages))
	for id := range r.storages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultStorage returns the id of the default storage.
func (r *Registry) DefaultStorage() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultStore, r.hasDefStore
}

// Purge purges every defined storage. Failures are collected; the counts of
// the storages that succeeded are still returned.
func (r *Registry) Purge(ctx context.Context) (map[string]int, error) {
	var result error
	counts := map[string]int{}
	for _, id := range r.StorageIDs() {
		_, entry, err := r.storage(propmap.NamedRoute(id))
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		n, err := entry.backend.Purge(ctx)
		if err != nil {
			entry.metrics.PurgeFail.Inc(1)
			result = multierror.Append(result, errs.Storage("purge", id, err))
			continue
		}
		entry.metrics.Purge.Inc(1)
		counts[id] = n
	}
	return counts, result
}
