// Package object implements mapped objects: live instances tying a compiled
// property map to current property values, dispatching reads and writes to
// local state or, for external properties, straight to a backend.
//
// Lifecycle: New returns an Unmapped object; ApplyMap moves it to MapApplied;
// AssignPrimaryKey makes it Active; Delete makes it Deleted, after which
// every operation fails with a Defunct error. Other types take part in the
// mapping by embedding *Object (see Mapped).
package object

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/ports/secondary"
)

// State is the lifecycle state of an Object.
type State int

const (
	StateUnmapped State = iota
	StateMapApplied
	StateActive
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateUnmapped:
		return "unmapped"
	case StateMapApplied:
		return "map-applied"
	case StateActive:
		return "active"
	case StateDeleted:
		return "deleted"
	}
	return "unknown"
}

// Target tells SerializeProp hooks what a value is serialized for.
type Target int

const (
	TargetSave Target = iota
	TargetSync
	TargetView
)

// Hooks customise an object's values. Every field is optional.
type Hooks struct {
	// Prepare transforms a validated value before it is assigned.
	Prepare func(name string, v propmap.Value) (propmap.Value, error)
	// SerializeProp transforms a value before it is saved, synced or
	// included in a view.
	SerializeProp func(name string, target Target, v propmap.Value) propmap.Value
	// AfterLoad runs after a successful Load, once the object lock is released.
	AfterLoad func(ctx context.Context, o *Object) error
}

// Option configures an Object.
type Option func(*Object)

// WithHooks installs value hooks.
func WithHooks(h Hooks) Option {
	return func(o *Object) {
		o.hooks = h
	}
}

// Mapped is implemented by *Object and by every type embedding it.
type Mapped interface {
	Core() *Object
}

// Object is one mapped instance. All methods are safe for concurrent use.
type Object struct {
	mu       sync.Mutex
	state    State
	b        *Binding
	values   map[string]propmap.Value
	modified map[string]map[string]struct{}
	pending  map[string]map[string]struct{}
	hooks    Hooks
	snap     *snapshot
}

// New returns an unmapped object.
func New(opts ...Option) *Object {
	o := &Object{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Core implements Mapped.
func (o *Object) Core() *Object { return o }

// ApplyMap attaches a binding. It can only be called once.
func (o *Object) ApplyMap(b *Binding) error {
	if b == nil {
		return errs.New(errs.KindConfiguration, "apply map", "binding is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateUnmapped {
		return errs.New(errs.KindConfiguration, "apply map", "property map is already applied to %s object", b.Class())
	}
	o.b = b
	o.values = make(map[string]propmap.Value, len(b.access))
	o.modified = map[string]map[string]struct{}{}
	o.pending = map[string]map[string]struct{}{}
	for name, acc := range b.access {
		if !acc.spec.External {
			o.values[name] = acc.spec.Default
		}
	}
	o.state = StateMapApplied
	return nil
}

// State returns the lifecycle state.
func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Defunct reports whether the object was deleted.
func (o *Object) Defunct() bool { return o.State() == StateDeleted }

// Binding returns the applied binding, nil while unmapped.
func (o *Object) Binding() *Binding {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b
}

// PrimaryKey returns the primary key value, null when not assigned yet.
func (o *Object) PrimaryKey() propmap.Value {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.b == nil {
		return propmap.Null()
	}
	return o.values[o.b.pm.PrimaryKey()]
}

// AssignPrimaryKey sets the primary key, bypassing the read-only rule. A key
// can be assigned once; assigning the same key again is a no-op.
func (o *Object) AssignPrimaryKey(pk any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.check("assign primary key", false); err != nil {
		return err
	}
	return o.assignPK(propmap.Of(pk))
}

func (o *Object) assignPK(raw propmap.Value) error {
	name := o.b.pm.PrimaryKey()
	acc := o.b.access[name]
	v, err := propmap.Validate(acc.spec, raw)
	if err != nil {
		return o.annotate(err)
	}
	if v.IsNull() {
		return o.newError(errs.KindConfiguration, "assign primary key", "primary key cannot be null")
	}
	cur := o.values[name]
	if !cur.IsNull() {
		if sameValue(cur, v) {
			return nil
		}
		return o.newError(errs.KindConfiguration, "assign primary key", "primary key is already %s", cur)
	}
	o.values[name] = v
	if acc.storage != nil {
		o.markModified(acc.storage.id, name)
	}
	o.state = StateActive
	return nil
}

// Get returns the current value of a property. External properties are read
// from their backend on every call.
func (o *Object) Get(ctx context.Context, name string) (propmap.Value, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.check("get", false); err != nil {
		return propmap.Null(), err
	}
	acc, err := o.lookup("get", name)
	if err != nil {
		return propmap.Null(), err
	}
	return o.current(ctx, acc)
}

// current returns the value of acc's property, reading external ones live.
func (o *Object) current(ctx context.Context, acc *accessor) (propmap.Value, error) {
	if !acc.spec.External {
		return o.values[acc.spec.Name], nil
	}
	if err := o.check("get", true); err != nil {
		return propmap.Null(), err
	}
	pk := o.values[o.b.pm.PrimaryKey()]
	raw, err := acc.props.GetProp(ctx, pk, acc.spec.Name)
	if err != nil {
		acc.storage.metrics.GetPropFail.Inc(1)
		return propmap.Null(), o.storageError("get", acc.storage.id, withProp(err, acc.spec.Name))
	}
	acc.storage.metrics.GetProp.Inc(1)
	v, err := propmap.Validate(acc.spec, raw)
	if err != nil {
		return propmap.Null(), o.annotate(err)
	}
	return v, nil
}

// Set assigns one property. See SetMany.
func (o *Object) Set(ctx context.Context, name string, value any) error {
	return o.SetMany(ctx, map[string]any{name: value})
}

// SetMany assigns several properties at once. Every value is validated
// before anything is written: one invalid value fails the call and leaves the
// object untouched. External properties are written through to their
// backend; the others are kept locally and marked modified. Each sync group
// touched by the call is synchronized once, after the object lock is
// released.
func (o *Object) SetMany(ctx context.Context, values map[string]any) error {
	return o.withSync(ctx, func() ([]outbound, error) {
		if err := o.check("set", false); err != nil {
			return nil, err
		}
		return o.set(ctx, values, false)
	})
}

// Init assigns construction-time values, bypassing the read-only rule. The
// primary key may be part of values.
func (o *Object) Init(ctx context.Context, values map[string]any) error {
	return o.withSync(ctx, func() ([]outbound, error) {
		if err := o.check("init", false); err != nil {
			return nil, err
		}
		pkName := o.b.pm.PrimaryKey()
		if raw, ok := values[pkName]; ok {
			if err := o.assignPK(propmap.Of(raw)); err != nil {
				return nil, err
			}
			rest := make(map[string]any, len(values))
			for k, v := range values {
				if k != pkName {
					rest[k] = v
				}
			}
			values = rest
		}
		return o.set(ctx, values, true)
	})
}

type change struct {
	acc *accessor
	v   propmap.Value
}

func (o *Object) set(ctx context.Context, values map[string]any, init bool) ([]outbound, error) {
	changes := make([]change, 0, len(values))
	for _, name := range o.ordered(values) {
		acc, err := o.lookup("set", name)
		if err != nil {
			return nil, err
		}
		if acc.spec.ReadOnly && !init {
			e := o.newError(errs.KindReadOnly, "set", "property is read-only")
			e.Prop = name
			return nil, e
		}
		if acc.spec.PrimaryKey {
			e := o.newError(errs.KindReadOnly, "init", "primary key must be assigned with AssignPrimaryKey")
			e.Prop = name
			return nil, e
		}
		v, err := o.prepare(acc, propmap.Of(values[name]))
		if err != nil {
			return nil, err
		}
		changes = append(changes, change{acc: acc, v: v})
	}

	for _, c := range changes {
		if !c.acc.spec.External {
			continue
		}
		if err := o.check("set", true); err != nil {
			return nil, err
		}
		pk := o.values[o.b.pm.PrimaryKey()]
		if err := c.acc.props.SetProp(ctx, pk, c.acc.spec.Name, c.v); err != nil {
			c.acc.storage.metrics.SetPropFail.Inc(1)
			return nil, o.storageError("set", c.acc.storage.id, withProp(err, c.acc.spec.Name))
		}
		c.acc.storage.metrics.SetProp.Inc(1)
		o.logChange(c.acc.spec, c.v)
	}

	var touched []*groupRef
	for _, c := range changes {
		if c.acc.spec.External || !o.assign(c.acc, c.v) {
			continue
		}
		if g := c.acc.group; g != nil && !containsGroup(touched, g) {
			touched = append(touched, g)
		}
	}
	return o.flush(ctx, touched, false)
}

// prepare applies defaults, validation and the Prepare hook.
func (o *Object) prepare(acc *accessor, raw propmap.Value) (propmap.Value, error) {
	if raw.IsNull() && acc.spec.HasDefault {
		raw = acc.spec.Default
	}
	v, err := propmap.Validate(acc.spec, raw)
	if err != nil {
		return propmap.Null(), o.annotate(err)
	}
	if o.hooks.Prepare != nil {
		if v, err = o.hooks.Prepare(acc.spec.Name, v); err != nil {
			return propmap.Null(), o.annotate(err)
		}
	}
	return v, nil
}

// assign stores a local value and reports whether it changed.
func (o *Object) assign(acc *accessor, v propmap.Value) bool {
	name := acc.spec.Name
	if sameValue(o.values[name], v) {
		return false
	}
	o.values[name] = v
	if acc.storage != nil {
		o.markModified(acc.storage.id, name)
	}
	if acc.group != nil {
		o.markPending(acc.group.id, name)
	}
	o.logChange(acc.spec, v)
	return true
}

func (o *Object) markPending(groupID, name string) {
	set := o.pending[groupID]
	if set == nil {
		set = map[string]struct{}{}
		o.pending[groupID] = set
	}
	set[name] = struct{}{}
}

func (o *Object) logChange(spec propmap.Spec, v propmap.Value) {
	value := v.String()
	if spec.LogHideValue {
		value = "***"
	}
	log.WithFields(log.Fields{
		"class": o.b.Class(),
		"pk":    o.values[o.b.pm.PrimaryKey()].Key(),
		"prop":  spec.Name,
		"value": value,
	}).Log(spec.LogLevel, "Setting property")
}

func (o *Object) markModified(storageID, name string) {
	set := o.modified[storageID]
	if set == nil {
		set = map[string]struct{}{}
		o.modified[storageID] = set
	}
	set[name] = struct{}{}
}

// Modified returns the locally modified properties not saved yet, in
// declaration order.
func (o *Object) Modified() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.b == nil {
		return nil
	}
	dirty := map[string]bool{}
	for _, set := range o.modified {
		for name := range set {
			dirty[name] = true
		}
	}
	out := make([]string, 0, len(dirty))
	for _, name := range o.b.pm.Names() {
		if dirty[name] {
			out = append(out, name)
		}
	}
	return out
}

// Load reads every storage holding local properties of the object and
// assigns the returned values, bypassing the read-only rule but still
// validating them. External properties and fields not routed to the
// answering storage are ignored.
// A missing record surfaces the backend's not-found error unchanged.
func (o *Object) Load(ctx context.Context) error {
	err := o.withSync(ctx, func() ([]outbound, error) {
		if err := o.check("load", true); err != nil {
			return nil, err
		}
		return o.load(ctx)
	})
	if err != nil {
		return err
	}
	if o.hooks.AfterLoad != nil {
		return o.hooks.AfterLoad(ctx, o)
	}
	return nil
}

func (o *Object) load(ctx context.Context) ([]outbound, error) {
	pk := o.values[o.b.pm.PrimaryKey()]
	log.WithFields(log.Fields{"class": o.b.Class(), "pk": pk.Key()}).Debug("Loading object")

	type loaded struct {
		ref    *storageRef
		values []change
	}
	results := make([]loaded, 0, len(o.b.storages))
	for _, ref := range o.b.storages {
		if len(ref.local) == 0 {
			continue
		}
		rec, err := ref.backend.Load(ctx, pk)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				ref.metrics.LoadNotFound.Inc(1)
				return nil, o.annotate(err)
			}
			ref.metrics.LoadFail.Inc(1)
			return nil, o.storageError("load", ref.id, err)
		}
		ref.metrics.Load.Inc(1)
		l := loaded{ref: ref}
		for _, name := range ref.local {
			raw, ok := rec[name]
			if !ok || name == o.b.pm.PrimaryKey() {
				continue
			}
			v, err := o.prepare(o.b.access[name], raw)
			if err != nil {
				return nil, err
			}
			l.values = append(l.values, change{acc: o.b.access[name], v: v})
		}
		results = append(results, l)
	}

	for _, l := range results {
		for _, c := range l.values {
			o.assign(c.acc, c.v)
		}
		delete(o.modified, l.ref.id)
	}
	return o.flush(ctx, o.pendingGroups(), false)
}

// Save writes the local properties of every storage, modified or not.
// Storages hosting only external properties are skipped.
func (o *Object) Save(ctx context.Context) error {
	return o.save(ctx, true)
}

// SaveModified writes only the storages holding modified properties.
func (o *Object) SaveModified(ctx context.Context) error {
	return o.save(ctx, false)
}

func (o *Object) save(ctx context.Context, all bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.check("save", true); err != nil {
		return err
	}
	pk := o.values[o.b.pm.PrimaryKey()]
	log.WithFields(log.Fields{"class": o.b.Class(), "pk": pk.Key()}).Debug("Saving object")

	for _, ref := range o.b.storages {
		if len(ref.local) == 0 || (!all && len(o.modified[ref.id]) == 0) {
			continue
		}
		rec := make(secondary.Record, len(ref.local))
		for _, name := range ref.local {
			rec[name] = o.serialize(name, TargetSave, o.values[name])
		}
		if err := ref.backend.Save(ctx, pk, rec); err != nil {
			ref.metrics.SaveFail.Inc(1)
			return o.storageError("save", ref.id, err)
		}
		ref.metrics.Save.Inc(1)
		delete(o.modified, ref.id)
	}
	return nil
}

// Delete removes the object from every storage and notifies every sync
// group. The object becomes defunct once all storages have deleted it.
// Sync groups are notified after the object lock is released.
func (o *Object) Delete(ctx context.Context) error {
	o.mu.Lock()
	if err := o.check("delete", false); err != nil {
		o.mu.Unlock()
		return err
	}
	pk := o.values[o.b.pm.PrimaryKey()]
	if pk.IsNull() {
		o.state = StateDeleted
		o.mu.Unlock()
		return nil
	}
	class := o.b.Class()
	log.WithFields(log.Fields{"class": class, "pk": pk.Key()}).Info("Deleting object")

	var result *multierror.Error
	for _, ref := range o.b.storages {
		if err := ref.backend.Delete(ctx, pk); err != nil {
			ref.metrics.DeleteFail.Inc(1)
			result = multierror.Append(result, o.storageError("delete", ref.id, err))
			continue
		}
		ref.metrics.Delete.Inc(1)
	}
	if result != nil {
		o.mu.Unlock()
		return result.ErrorOrNil()
	}
	o.state = StateDeleted
	o.pending = map[string]map[string]struct{}{}
	groups := o.b.groups
	o.mu.Unlock()

	for _, g := range groups {
		if err := g.sync.Delete(ctx, pk, g.id); err != nil {
			e := errs.Wrap(errs.KindStorage, "sync delete", err)
			result = multierror.Append(result, errs.WithContext(e, class, pk.Key()))
		}
	}
	return result.ErrorOrNil()
}

// check verifies the object can run op. needPK additionally requires an
// assigned primary key.
func (o *Object) check(op string, needPK bool) error {
	switch o.state {
	case StateUnmapped:
		return errs.New(errs.KindConfiguration, op, "property map is not applied")
	case StateDeleted:
		return o.newError(errs.KindDefunct, op, "object is deleted")
	}
	if needPK && o.state != StateActive {
		return o.newError(errs.KindConfiguration, op, "primary key is not set")
	}
	return nil
}

func (o *Object) lookup(op, name string) (*accessor, error) {
	acc, ok := o.b.access[name]
	if !ok {
		e := o.newError(errs.KindNoSuchProperty, op, "")
		e.Prop = name
		return nil, e
	}
	return acc, nil
}

// ordered returns the keys of values in declaration order, unknown names last.
func (o *Object) ordered(values map[string]any) []string {
	out := make([]string, 0, len(values))
	for _, name := range o.b.pm.Names() {
		if _, ok := values[name]; ok {
			out = append(out, name)
		}
	}
	var unknown []string
	for name := range values {
		if _, ok := o.b.access[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return append(out, unknown...)
}

func (o *Object) serialize(name string, target Target, v propmap.Value) propmap.Value {
	if o.hooks.SerializeProp == nil {
		return v
	}
	return o.hooks.SerializeProp(name, target, v)
}

func (o *Object) newError(kind errs.Kind, op, format string, args ...any) *errs.Error {
	e := errs.New(kind, op, format, args...)
	if o.b != nil {
		e.Class = o.b.Class()
		e.PK = o.values[o.b.pm.PrimaryKey()].Key()
	}
	return e
}

func (o *Object) annotate(err error) error {
	if o.b == nil {
		return err
	}
	return errs.WithContext(err, o.b.Class(), o.values[o.b.pm.PrimaryKey()].Key())
}

// storageError keeps typed backend errors and wraps anything else.
func (o *Object) storageError(op, storageID string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return o.annotate(err)
	}
	return o.annotate(errs.Storage(op, storageID, err))
}

func sameValue(a, b propmap.Value) bool {
	return a.Kind() == b.Kind() && a.Equal(b)
}

func containsGroup(groups []*groupRef, g *groupRef) bool {
	for _, x := range groups {
		if x == g {
			return true
		}
	}
	return false
}
