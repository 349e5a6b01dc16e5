// Package factory implements the object factory: an identity cache of mapped
// objects keyed by primary key, with on-demand autoloading from storage, an
// optional secondary index on one property and optional LRU eviction.
//
// At most one cached instance exists per primary key. Lookups that autoload
// are de-duplicated per key, and the insert decision is made under the
// factory lock, so concurrent callers asking for the same missing key share
// a single load.
package factory

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
	"golang.org/x/sync/singleflight"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/metrics"
	"github.com/example/smartobject/internal/object"
	"github.com/example/smartobject/internal/ports/secondary"
)

// Factory caches the mapped objects of one class. It is safe for concurrent use.
type Factory[T object.Mapped] struct {
	cfg     Config[T]
	pm      *propmap.PropertyMap
	pkSpec  propmap.Spec
	metrics *metrics.FactoryMetrics

	mu       sync.Mutex
	cache    *cache[T]
	reserved map[string]struct{}
	flight   singleflight.Group
}

// New validates cfg and returns an empty factory.
func New[T object.Mapped](cfg Config[T]) (*Factory[T], error) {
	if cfg.New == nil {
		return nil, errs.New(errs.KindConfiguration, "new factory", "constructor is required")
	}
	if cfg.Binding == nil {
		return nil, errs.New(errs.KindConfiguration, "new factory", "binding is required")
	}
	if cfg.MaxSize < 0 {
		return nil, errs.New(errs.KindConfiguration, "new factory", "max size must not be negative")
	}
	pm := cfg.Binding.Map()
	if cfg.IndexProperty != "" {
		if _, ok := pm.Spec(cfg.IndexProperty); !ok {
			return nil, errs.New(errs.KindConfiguration, "new factory",
				"index property %q is not defined in class %q", cfg.IndexProperty, pm.Class())
		}
	}
	if cfg.QueryStorage == "" {
		cfg.QueryStorage, _ = cfg.Binding.PrimaryStorage()
	} else if _, ok := cfg.Binding.Storage(cfg.QueryStorage); !ok {
		return nil, errs.New(errs.KindConfiguration, "new factory",
			"query storage %q is not used by class %q", cfg.QueryStorage, pm.Class())
	}
	if cfg.Scope == nil {
		cfg.Scope = tally.NoopScope
	}
	pkSpec, _ := pm.Spec(pm.PrimaryKey())

	return &Factory[T]{
		cfg:     cfg,
		pm:      pm,
		pkSpec:  pkSpec,
		metrics: metrics.NewFactoryMetrics(cfg.Scope, pm.Class()),
		cache:    newCache[T](cfg.MaxSize),
		reserved: map[string]struct{}{},
	}, nil
}

func (f *Factory[T]) logger() *log.Entry {
	return log.WithField("class", f.pm.Class())
}

// key validates a raw primary key and returns it with its cache key.
func (f *Factory[T]) key(raw any) (propmap.Value, string, error) {
	pk, err := propmap.Validate(f.pkSpec, propmap.Of(raw))
	if err != nil {
		return pk, "", errs.WithContext(err, f.pm.Class(), "")
	}
	if pk.IsNull() {
		return pk, "", errs.New(errs.KindConfiguration, "key", "primary key is required")
	}
	return pk, pk.Key(), nil
}

// construct returns a fresh instance with the binding applied.
func (f *Factory[T]) construct() (T, error) {
	obj := f.cfg.New()
	core := obj.Core()
	if core == nil {
		var zero T
		return zero, errs.New(errs.KindConfiguration, "construct", "constructor returned no object core")
	}
	if err := core.ApplyMap(f.cfg.Binding); err != nil {
		var zero T
		return zero, err
	}
	return obj, nil
}

// Create constructs an object from props and caches it. The primary key comes
// from props or from the key generator. Construction bypasses the read-only
// rule. Create fails with a Duplicate error when the key is already cached,
// unless WithOverride is given. The key is checked before any value is
// written, so a duplicate leaves external backends and sync groups untouched.
func (f *Factory[T]) Create(ctx context.Context, props map[string]any, opts ...CreateOption) (T, error) {
	var zero T
	o := createOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	pkName := f.pm.PrimaryKey()
	raw := props[pkName]
	if propmap.Of(raw).IsNull() {
		if f.cfg.KeyGenerator == nil {
			return zero, errs.New(errs.KindConfiguration, "create", "primary key %q is required", pkName)
		}
		var err error
		if raw, err = f.cfg.KeyGenerator(); err != nil {
			return zero, errs.Wrap(errs.KindConfiguration, "create", err)
		}
	}

	obj, err := f.construct()
	if err != nil {
		return zero, err
	}
	core := obj.Core()
	if err := core.AssignPrimaryKey(raw); err != nil {
		return zero, err
	}
	if !o.override {
		key := core.PrimaryKey().Key()
		if err := f.reserve(key); err != nil {
			return zero, err
		}
		defer f.release(key)
	}
	if o.load {
		if err := core.Load(ctx); err != nil {
			return zero, err
		}
	}
	rest := make(map[string]any, len(props))
	for k, v := range props {
		if k != pkName {
			rest[k] = v
		}
	}
	if err := core.Init(ctx, rest); err != nil {
		return zero, err
	}
	if err := f.insert(ctx, obj, o.override); err != nil {
		return zero, err
	}
	return obj, nil
}

// reserve claims key for a Create in progress. It fails when the key is
// cached or claimed by another Create.
func (f *Factory[T]) reserve(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, busy := f.reserved[key]
	if cur, ok := f.cache.peek(key); busy || (ok && !cur.obj.Core().Defunct()) {
		err := errs.New(errs.KindDuplicate, "create", "object is already cached")
		err.Class, err.PK = f.pm.Class(), key
		return err
	}
	f.reserved[key] = struct{}{}
	return nil
}

func (f *Factory[T]) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reserved, key)
}

// Append caches an object constructed elsewhere. It must be bound to the
// factory's binding and have a primary key.
func (f *Factory[T]) Append(ctx context.Context, obj T) error {
	core := obj.Core()
	if core == nil || core.Binding() != f.cfg.Binding {
		return errs.New(errs.KindConfiguration, "append", "object is not bound to class %q", f.pm.Class())
	}
	if core.State() != object.StateActive {
		return errs.New(errs.KindConfiguration, "append", "object is %s", core.State())
	}
	return f.insert(ctx, obj, false)
}

func (f *Factory[T]) insert(ctx context.Context, obj T, override bool) error {
	e := &entry[T]{key: obj.Core().PrimaryKey().Key(), obj: obj}
	e.indexKey, e.indexed = f.indexValue(ctx, obj)

	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cache.peek(e.key); ok && !cur.obj.Core().Defunct() {
		if !override {
			err := errs.New(errs.KindDuplicate, "insert", "object is already cached")
			err.Class, err.PK = f.pm.Class(), e.key
			return err
		}
		f.cache.put(e)
		f.metrics.Insert.Inc(1)
		return nil
	}
	return f.putLocked(e)
}

// putLocked stores a new entry, evicting to make room. f.mu must be held.
func (f *Factory[T]) putLocked(e *entry[T]) error {
	f.cache.remove(e.key)
	evicted, err := f.cache.makeRoom()
	if err != nil {
		return errs.WithContext(err, f.pm.Class(), e.key)
	}
	for _, old := range evicted {
		f.logger().WithField("pk", old.key).Debug("Evicting object")
	}
	f.metrics.Evict.Inc(int64(len(evicted)))
	f.cache.put(e)
	f.metrics.Insert.Inc(1)
	f.metrics.Size.Update(float64(f.cache.len()))
	return nil
}

// indexValue returns the indexed value of obj, if the factory keeps an index.
func (f *Factory[T]) indexValue(ctx context.Context, obj T) (string, bool) {
	if f.cfg.IndexProperty == "" {
		return "", false
	}
	v, err := obj.Core().Get(ctx, f.cfg.IndexProperty)
	if err != nil || v.IsNull() {
		return "", false
	}
	return v.Key(), true
}

// Get returns the cached object of pk. On a miss it autoloads the object
// when configured to, otherwise it fails with a NotFound error without
// touching any storage.
func (f *Factory[T]) Get(ctx context.Context, pk any) (T, error) {
	var zero T
	v, key, err := f.key(pk)
	if err != nil {
		return zero, err
	}
	if obj, ok := f.cached(key); ok {
		return obj, nil
	}
	if !f.cfg.Autoload {
		e := errs.New(errs.KindNotFound, "get", "object is not cached")
		e.Class, e.PK = f.pm.Class(), key
		return zero, e
	}
	return f.autoload(ctx, v)
}

// cached returns a live cached object and refreshes its recency. Defunct
// entries are dropped.
func (f *Factory[T]) cached(key string) (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.cache.get(key)
	if ok && e.obj.Core().Defunct() {
		f.cache.remove(key)
		ok = false
	}
	if !ok {
		f.metrics.Miss.Inc(1)
		var zero T
		return zero, false
	}
	f.metrics.Hit.Inc(1)
	return e.obj, true
}

func (f *Factory[T]) autoload(ctx context.Context, pk propmap.Value) (T, error) {
	key := pk.Key()
	res, err, _ := f.flight.Do(key, func() (any, error) {
		f.mu.Lock()
		if e, ok := f.cache.get(key); ok && !e.obj.Core().Defunct() {
			f.mu.Unlock()
			return e.obj, nil
		}
		f.mu.Unlock()

		f.logger().WithField("pk", key).Debug("Autoloading object")
		obj, err := f.construct()
		if err != nil {
			return nil, err
		}
		core := obj.Core()
		if err := core.AssignPrimaryKey(pk); err != nil {
			return nil, err
		}
		if err := core.Load(ctx); err != nil {
			f.metrics.AutoloadFail.Inc(1)
			return nil, err
		}
		f.metrics.Autoload.Inc(1)

		e := &entry[T]{key: key, obj: obj}
		e.indexKey, e.indexed = f.indexValue(ctx, obj)
		f.mu.Lock()
		defer f.mu.Unlock()
		if cur, ok := f.cache.get(key); ok && !cur.obj.Core().Defunct() {
			return cur.obj, nil
		}
		if err := f.putLocked(e); err != nil {
			return nil, err
		}
		return obj, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// querier resolves the storage used for property lookups.
func (f *Factory[T]) querier(opts []QueryOption) (string, secondary.PropertyQuerier, error) {
	o := queryOptions{storage: f.cfg.QueryStorage}
	for _, opt := range opts {
		opt(&o)
	}
	if !f.cfg.Autoload {
		return "", nil, errs.New(errs.KindUnsupported, "query", "property lookups need autoload")
	}
	backend, ok := f.cfg.Binding.Storage(o.storage)
	if !ok {
		return "", nil, errs.New(errs.KindConfiguration, "query", "storage %q is not used by class %q", o.storage, f.pm.Class())
	}
	q, ok := backend.(secondary.PropertyQuerier)
	if !ok {
		return "", nil, errs.New(errs.KindUnsupported, "query", "storage %q cannot query properties", o.storage)
	}
	return o.storage, q, nil
}

func (f *Factory[T]) propValue(name string, value any) (propmap.Value, error) {
	spec, ok := f.pm.Spec(name)
	if !ok {
		e := errs.New(errs.KindNoSuchProperty, "query", "")
		e.Class, e.Prop = f.pm.Class(), name
		return propmap.Null(), e
	}
	v, err := propmap.Validate(spec, propmap.Of(value))
	return v, errs.WithContext(err, f.pm.Class(), "")
}

// GetByProp returns an object whose property name equals value. A cached
// match is returned without querying; otherwise the query storage is asked
// and every returned row is loaded and cached. It needs autoload and a
// storage able to query properties, and fails with Unsupported otherwise.
func (f *Factory[T]) GetByProp(ctx context.Context, name string, value any, opts ...QueryOption) (T, error) {
	var zero T
	if name == f.pm.PrimaryKey() {
		return f.Get(ctx, value)
	}
	id, q, err := f.querier(opts)
	if err != nil {
		return zero, err
	}
	v, err := f.propValue(name, value)
	if err != nil {
		return zero, err
	}
	if obj, ok := f.cachedMatch(ctx, name, v); ok {
		return obj, nil
	}
	objs, err := f.query(ctx, id, q, name, v)
	if err != nil {
		return zero, err
	}
	if len(objs) == 0 {
		e := errs.LookupNotFound("get by property", "")
		e.Class, e.Prop, e.Got = f.pm.Class(), name, v.String()
		return zero, e
	}
	return objs[0], nil
}

// GetAllByProp always queries the storage and returns every matching object
// in storage order. Matches already cached are returned as cached. With a
// bounded cache the result may hold objects that no longer fit the cache.
func (f *Factory[T]) GetAllByProp(ctx context.Context, name string, value any, opts ...QueryOption) ([]T, error) {
	if name == f.pm.PrimaryKey() {
		obj, err := f.Get(ctx, value)
		if err != nil {
			return nil, err
		}
		return []T{obj}, nil
	}
	id, q, err := f.querier(opts)
	if err != nil {
		return nil, err
	}
	v, err := f.propValue(name, value)
	if err != nil {
		return nil, err
	}
	return f.query(ctx, id, q, name, v)
}

// cachedMatch looks for a cached object whose property equals v. Candidates
// are collected under the factory lock and read outside it, since reading an
// external property is a backend call. Index entries are verified against the
// object and repaired when stale.
func (f *Factory[T]) cachedMatch(ctx context.Context, name string, v propmap.Value) (T, bool) {
	var zero T
	f.mu.Lock()
	var candidates []*entry[T]
	if name == f.cfg.IndexProperty {
		candidates = append(candidates, f.cache.indexed(v.Key())...)
	}
	seen := make(map[string]bool, len(candidates))
	for _, e := range candidates {
		seen[e.key] = true
	}
	for _, e := range f.cache.entries() {
		if !seen[e.key] {
			candidates = append(candidates, e)
		}
	}
	f.mu.Unlock()

	for _, e := range candidates {
		core := e.obj.Core()
		if core.Defunct() {
			continue
		}
		cur, err := core.Get(ctx, name)
		if err != nil {
			continue
		}
		match := cur.Equal(v)
		f.mu.Lock()
		live, ok := f.cache.peek(e.key)
		ok = ok && live == e
		if ok && name == f.cfg.IndexProperty {
			f.cache.reindex(e, cur.Key(), !cur.IsNull())
		}
		if ok && match {
			f.cache.get(e.key)
			f.metrics.Hit.Inc(1)
			f.mu.Unlock()
			return e.obj, true
		}
		f.mu.Unlock()
	}
	f.metrics.Miss.Inc(1)
	return zero, false
}

func (f *Factory[T]) query(ctx context.Context, id string, q secondary.PropertyQuerier, name string, v propmap.Value) ([]T, error) {
	m := f.cfg.Binding.StorageMetrics(id)
	rows, err := q.QueryByProperty(ctx, name, v)
	if err != nil {
		if m != nil {
			m.QueryFail.Inc(1)
		}
		return nil, errs.WithContext(errs.Storage("query", id, err), f.pm.Class(), "")
	}
	if m != nil {
		m.Query.Inc(1)
	}
	f.metrics.Query.Inc(1)

	out := make([]T, 0, len(rows))
	for _, row := range rows {
		pk, key, err := f.key(row.PK)
		if err != nil {
			return nil, err
		}
		obj, ok := f.cached(key)
		if !ok {
			if obj, err = f.autoload(ctx, pk); err != nil {
				return nil, err
			}
		}
		out = append(out, obj)
	}
	return out, nil
}

// SetProp sets one property of the object of pk. See SetProps.
func (f *Factory[T]) SetProp(ctx context.Context, pk any, name string, value any) error {
	return f.SetProps(ctx, pk, map[string]any{name: value})
}

// SetProps sets properties of the object of pk, autoloading it first when
// configured to, and keeps the secondary index current.
func (f *Factory[T]) SetProps(ctx context.Context, pk any, values map[string]any) error {
	obj, err := f.Get(ctx, pk)
	if err != nil {
		return err
	}
	if err := obj.Core().SetMany(ctx, values); err != nil {
		return err
	}
	if _, ok := values[f.cfg.IndexProperty]; ok && f.cfg.IndexProperty != "" {
		indexKey, indexed := f.indexValue(ctx, obj)
		f.mu.Lock()
		if e, ok := f.cache.peek(obj.Core().PrimaryKey().Key()); ok && e.obj.Core() == obj.Core() {
			f.cache.reindex(e, indexKey, indexed)
		}
		f.mu.Unlock()
	}
	return nil
}

// snapshot returns the live cached objects, most recently used first.
func (f *Factory[T]) snapshot() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.cache.entries()
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		if !e.obj.Core().Defunct() {
			out = append(out, e.obj)
		}
	}
	return out
}

// each runs fn on every cached object and collects the failures.
func (f *Factory[T]) each(fn func(*object.Object) error, onFail func()) error {
	var result *multierror.Error
	for _, obj := range f.snapshot() {
		if err := fn(obj.Core()); err != nil {
			if onFail != nil {
				onFail()
			}
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Save saves every cached object. A failing object does not stop the others;
// all failures are returned together.
func (f *Factory[T]) Save(ctx context.Context) error {
	return f.each(func(o *object.Object) error { return o.Save(ctx) }, func() { f.metrics.SaveFail.Inc(1) })
}

// Load reloads every cached object.
func (f *Factory[T]) Load(ctx context.Context) error {
	return f.each(func(o *object.Object) error { return o.Load(ctx) }, nil)
}

// Sync reports the pending changes of every cached object.
func (f *Factory[T]) Sync(ctx context.Context) error {
	return f.each(func(o *object.Object) error { return o.Sync(ctx) }, nil)
}

// Delete deletes the object of pk from its storages and drops it from the
// cache.
func (f *Factory[T]) Delete(ctx context.Context, pk any) error {
	obj, err := f.Get(ctx, pk)
	if err != nil {
		return err
	}
	core := obj.Core()
	if err := core.Delete(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := core.PrimaryKey().Key()
	if e, ok := f.cache.peek(key); ok && e.obj.Core() == core {
		f.cache.remove(key)
		f.metrics.Size.Update(float64(f.cache.len()))
	}
	return nil
}

// CleanupStorage deletes every stored record whose primary key is not
// cached and returns how many were deleted. A bounded cache does not know
// every live object, so the call fails with a Configuration error when
// MaxSize is set.
func (f *Factory[T]) CleanupStorage(ctx context.Context) (int, error) {
	if f.cfg.MaxSize > 0 {
		return 0, errs.New(errs.KindConfiguration, "cleanup storage",
			"cannot clean up storage of class %q with a bounded cache", f.pm.Class())
	}
	live := map[string]bool{}
	for _, obj := range f.snapshot() {
		live[obj.Core().PrimaryKey().Key()] = true
	}

	var result *multierror.Error
	removed := 0
	for _, id := range f.cfg.Binding.StorageIDs() {
		backend, _ := f.cfg.Binding.Storage(id)
		lister, ok := backend.(secondary.KeyLister)
		if !ok {
			result = multierror.Append(result, errs.New(errs.KindUnsupported, "cleanup storage", "storage %q cannot list keys", id))
			continue
		}
		keys, err := lister.Keys(ctx)
		if err != nil {
			result = multierror.Append(result, errs.Storage("cleanup storage", id, err))
			continue
		}
		for _, k := range keys {
			if live[k.Key()] {
				continue
			}
			if err := backend.Delete(ctx, k); err != nil {
				result = multierror.Append(result, errs.Storage("cleanup storage", id, err))
				continue
			}
			removed++
		}
	}
	f.logger().WithField("removed", removed).Info("Storage cleaned up")
	return removed, result.ErrorOrNil()
}

// Purge purges every storage used by the class and returns the number of
// records removed.
func (f *Factory[T]) Purge(ctx context.Context) (int, error) {
	var result *multierror.Error
	total := 0
	for _, id := range f.cfg.Binding.StorageIDs() {
		backend, _ := f.cfg.Binding.Storage(id)
		n, err := backend.Purge(ctx)
		if err != nil {
			result = multierror.Append(result, errs.Storage("purge", id, err))
			continue
		}
		total += n
	}
	return total, result.ErrorOrNil()
}

// Pin keeps the cached object of pk from being evicted.
func (f *Factory[T]) Pin(pk any) error { return f.setPinned(pk, true) }

// Unpin makes the cached object of pk evictable again.
func (f *Factory[T]) Unpin(pk any) error { return f.setPinned(pk, false) }

func (f *Factory[T]) setPinned(pk any, pinned bool) error {
	_, key, err := f.key(pk)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.cache.peek(key)
	if !ok {
		err := errs.New(errs.KindNotFound, "pin", "object is not cached")
		err.Class, err.PK = f.pm.Class(), key
		return err
	}
	e.pinned = pinned
	return nil
}

// Len returns the number of cached objects.
func (f *Factory[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.len()
}

// Keys returns the cached primary keys, most recently used first.
func (f *Factory[T]) Keys() []propmap.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.cache.entries()
	out := make([]propmap.Value, len(entries))
	for i, e := range entries {
		out[i] = e.obj.Core().PrimaryKey()
	}
	return out
}

// Cached reports whether the object of pk is cached, without touching its
// recency.
func (f *Factory[T]) Cached(pk any) bool {
	_, key, err := f.key(pk)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.cache.peek(key)
	return ok
}

// Serialize returns a view of the object of pk.
func (f *Factory[T]) Serialize(ctx context.Context, pk any, view string) (map[string]propmap.Value, error) {
	obj, err := f.Get(ctx, pk)
	if err != nil {
		return nil, err
	}
	return obj.Core().Serialize(ctx, view)
}
