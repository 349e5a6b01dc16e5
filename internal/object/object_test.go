package object_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/smartobject/internal/adapters/memory"
	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/object"
	"github.com/example/smartobject/internal/ports/secondary"
	"github.com/example/smartobject/internal/registry"
)

type syncCall struct {
	pk    propmap.Value
	group string
	data  secondary.Record
}

// recorder is a Synchronizer remembering every call.
type recorder struct {
	mu      sync.Mutex
	calls   []syncCall
	deletes []propmap.Value
}

func (r *recorder) Sync(_ context.Context, pk propmap.Value, group string, data secondary.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, syncCall{pk: pk, group: group, data: data.Clone()})
	return nil
}

func (r *recorder) Delete(_ context.Context, pk propmap.Value, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, pk)
	return nil
}

// countingStore counts full-record calls made to a memory store.
type countingStore struct {
	*memory.Store
	loads, saves int
}

func (s *countingStore) Load(ctx context.Context, pk propmap.Value) (secondary.Record, error) {
	s.loads++
	return s.Store.Load(ctx, pk)
}

func (s *countingStore) Save(ctx context.Context, pk propmap.Value, rec secondary.Record) error {
	s.saves++
	return s.Store.Save(ctx, pk, rec)
}

func userSource() propmap.Source {
	return propmap.Source{
		{Name: "id", Attrs: propmap.Attrs{"pk": true, "type": "int", "store": true}},
		{Name: "name", Attrs: propmap.Attrs{"type": "str", "store": true, "sync": true, "serialize": "public"}},
		{Name: "sex", Attrs: propmap.Attrs{"type": "str", "choices": []any{"male", "female", "other"}, "store": true, "serialize": "admin"}},
		{Name: "age", Attrs: propmap.Attrs{"type": "int", "min": 0, "default": 18, "store": true}},
		{Name: "password", Attrs: propmap.Attrs{"type": "str", "store": true, "log-hide-value": true, "serialize": false}},
		{Name: "created", Attrs: propmap.Attrs{"type": "int", "read-only": true, "store": true}},
		{Name: "counter", Attrs: propmap.Attrs{"type": "int", "store": "live", "external": true}},
		{Name: "nick", Attrs: propmap.Attrs{"type": "str", "sync": true}},
		{Name: "version", Attrs: propmap.Attrs{"type": "int", "sync": true, "sync-always": true}},
	}
}

type fixture struct {
	binding *object.Binding
	db      *countingStore
	live    *memory.Store
	sync    *recorder
}

func setupUser(t *testing.T) *fixture {
	t.Helper()

	pm, err := propmap.Compile("user", userSource())
	require.NoError(t, err)

	f := &fixture{
		db:   &countingStore{Store: memory.NewStore()},
		live: memory.NewStore(),
		sync: &recorder{},
	}
	reg := registry.New()
	require.NoError(t, reg.DefineStorage("db", f.db))
	require.NoError(t, reg.DefineStorage("live", f.live))
	require.NoError(t, reg.DefineSync("search", f.sync))

	f.binding, err = object.Bind(pm, reg)
	require.NoError(t, err)
	return f
}

func (f *fixture) user(t *testing.T, pk any, opts ...object.Option) *object.Object {
	t.Helper()
	o := object.New(opts...)
	require.NoError(t, o.ApplyMap(f.binding))
	if pk != nil {
		require.NoError(t, o.AssignPrimaryKey(pk))
	}
	return o
}

func TestObject_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)

	o := object.New()
	assert.Equal(t, object.StateUnmapped, o.State())
	_, err := o.Get(ctx, "name")
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	require.NoError(t, o.ApplyMap(f.binding))
	assert.Equal(t, object.StateMapApplied, o.State())
	assert.True(t, errors.Is(o.ApplyMap(f.binding), errs.ErrConfiguration), "map applies once")

	require.NoError(t, o.AssignPrimaryKey("7"))
	assert.Equal(t, object.StateActive, o.State())
	assert.Equal(t, propmap.Int(7), o.PrimaryKey())
	require.NoError(t, o.AssignPrimaryKey(7), "same key again is a no-op")
	assert.True(t, errors.Is(o.AssignPrimaryKey(8), errs.ErrConfiguration))

	require.NoError(t, o.Delete(ctx))
	assert.True(t, o.Defunct())
	for _, err := range []error{
		o.Set(ctx, "name", "x"),
		o.Save(ctx),
		o.Load(ctx),
		o.Sync(ctx),
		o.Delete(ctx),
	} {
		assert.True(t, errors.Is(err, errs.ErrDefunct), "got %v", err)
	}
	_, err = o.Get(ctx, "name")
	assert.True(t, errors.Is(err, errs.ErrDefunct))
}

func TestObject_Defaults(t *testing.T) {
	ctx := context.Background()
	o := setupUser(t).user(t, 1)

	age, err := o.Get(ctx, "age")
	require.NoError(t, err)
	assert.Equal(t, propmap.Int(18), age)

	require.NoError(t, o.Set(ctx, "age", 40))
	require.NoError(t, o.Set(ctx, "age", nil))
	age, err = o.Get(ctx, "age")
	require.NoError(t, err)
	assert.Equal(t, propmap.Int(18), age, "null assigns the default")
}

func TestObject_SetChoices(t *testing.T) {
	ctx := context.Background()
	o := setupUser(t).user(t, 1)

	err := o.Set(ctx, "sex", "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "sex", e.Prop)
	assert.Equal(t, "user", e.Class)
	assert.Equal(t, "1", e.PK)

	require.NoError(t, o.Set(ctx, "sex", "male"))
	v, err := o.Get(ctx, "sex")
	require.NoError(t, err)
	assert.Equal(t, propmap.String("male"), v)
}

func TestObject_SetManyIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	o := f.user(t, 1)

	err := o.SetMany(ctx, map[string]any{"name": "bob", "nick": "b", "age": "abc"})
	assert.True(t, errors.Is(err, errs.ErrType))

	name, err := o.Get(ctx, "name")
	require.NoError(t, err)
	assert.True(t, name.IsNull())
	assert.Equal(t, []string{"id"}, o.Modified(), "only the assigned primary key")
	assert.Empty(t, f.sync.calls)

	err = o.SetMany(ctx, map[string]any{"name": "bob", "counter": 3, "age": -1})
	assert.True(t, errors.Is(err, errs.ErrValue))
	_, err = f.live.GetProp(ctx, propmap.Int(1), "counter")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "external write skipped when validation fails")
}

func TestObject_ReadOnlyAndUnknown(t *testing.T) {
	ctx := context.Background()
	o := setupUser(t).user(t, 1)

	assert.True(t, errors.Is(o.Set(ctx, "id", 2), errs.ErrReadOnly))
	assert.True(t, errors.Is(o.Set(ctx, "created", 100), errs.ErrReadOnly))
	assert.True(t, errors.Is(o.Set(ctx, "shoe_size", 44), errs.ErrNoSuchProperty))

	_, err := o.Get(ctx, "shoe_size")
	assert.True(t, errors.Is(err, errs.ErrNoSuchProperty))

	require.NoError(t, o.Init(ctx, map[string]any{"created": 100}))
	v, err := o.Get(ctx, "created")
	require.NoError(t, err)
	assert.Equal(t, propmap.Int(100), v)
}

func TestObject_InitAssignsPrimaryKey(t *testing.T) {
	ctx := context.Background()
	o := setupUser(t).user(t, nil)

	require.NoError(t, o.Init(ctx, map[string]any{"id": "12", "name": "ann"}))
	assert.Equal(t, object.StateActive, o.State())
	assert.Equal(t, propmap.Int(12), o.PrimaryKey())
}

func TestObject_ExternalReadsBackendEveryTime(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	o := f.user(t, 1)
	pk := propmap.Int(1)

	require.NoError(t, f.live.SetProp(ctx, pk, "counter", propmap.Int(10)))
	v, err := o.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, propmap.Int(10), v)

	require.NoError(t, f.live.SetProp(ctx, pk, "counter", propmap.String("20")))
	v, err = o.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, propmap.Int(20), v, "live value is validated on read")

	require.NoError(t, o.Set(ctx, "counter", "5"))
	stored, err := f.live.GetProp(ctx, pk, "counter")
	require.NoError(t, err)
	assert.Equal(t, propmap.Int(5), stored)
	assert.NotContains(t, o.Modified(), "counter", "external writes are not kept locally")
}

func TestObject_ExternalNeedsPrimaryKey(t *testing.T) {
	ctx := context.Background()
	o := setupUser(t).user(t, nil)

	_, err := o.Get(ctx, "counter")
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
	assert.True(t, errors.Is(o.Set(ctx, "counter", 1), errs.ErrConfiguration))
}

func TestObject_SyncBatchesOneCallPerGroup(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	o := f.user(t, 1)

	require.NoError(t, o.SetMany(ctx, map[string]any{"name": "bob", "nick": "b", "age": 30}))
	require.Len(t, f.sync.calls, 1)
	call := f.sync.calls[0]
	assert.Equal(t, "search", call.group)
	assert.Equal(t, propmap.Int(1), call.pk)
	assert.Equal(t, propmap.String("bob"), call.data["name"])
	assert.Equal(t, propmap.String("b"), call.data["nick"])
	assert.Contains(t, call.data, "version", "always properties ride along")
	assert.NotContains(t, call.data, "age")

	require.NoError(t, o.Set(ctx, "name", "bob"))
	assert.Len(t, f.sync.calls, 1, "unchanged values do not sync")

	require.NoError(t, o.Set(ctx, "age", 31))
	assert.Len(t, f.sync.calls, 1, "age belongs to no group")
}

func TestObject_SyncWaitsForPrimaryKey(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	o := f.user(t, nil)

	require.NoError(t, o.Set(ctx, "name", "ann"))
	assert.Empty(t, f.sync.calls)

	require.NoError(t, o.AssignPrimaryKey(5))
	require.NoError(t, o.Sync(ctx))
	require.Len(t, f.sync.calls, 1)
	assert.Equal(t, propmap.String("ann"), f.sync.calls[0].data["name"])

	require.NoError(t, o.Sync(ctx))
	assert.Len(t, f.sync.calls, 1, "nothing pending")
}

func TestObject_SyncGroupAndForceSync(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	o := f.user(t, 1)

	require.NoError(t, o.SyncGroup(ctx, ""))
	require.Len(t, f.sync.calls, 1)
	assert.Equal(t, []string{"version"}, keys(f.sync.calls[0].data))

	assert.True(t, errors.Is(o.SyncGroup(ctx, "nope"), errs.ErrConfiguration))

	require.NoError(t, o.ForceSync(ctx))
	require.Len(t, f.sync.calls, 2)
	assert.Equal(t, []string{"name", "nick", "version"}, keys(f.sync.calls[1].data))
}

func TestObject_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	o := f.user(t, 1)
	require.NoError(t, o.SetMany(ctx, map[string]any{"name": "ann", "sex": "female", "age": 33, "password": "s3cret"}))
	assert.Equal(t, []string{"id", "name", "sex", "age", "password"}, o.Modified())

	require.NoError(t, o.Save(ctx))
	assert.Empty(t, o.Modified())
	assert.Equal(t, 1, f.db.saves, "one save per backend")

	loaded := f.user(t, 1)
	require.NoError(t, loaded.Load(ctx))
	assert.Empty(t, loaded.Modified())

	want, err := o.SerializeAll(ctx)
	require.NoError(t, err)
	got, err := loaded.SerializeAll(ctx)
	require.NoError(t, err)
	for _, name := range []string{"id", "name", "sex", "age", "password"} {
		assert.Equal(t, want[name], got[name], name)
	}
}

func TestObject_SaveModifiedSkipsCleanBackends(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	o := f.user(t, 1)

	require.NoError(t, o.SaveModified(ctx))
	assert.Equal(t, 1, f.db.saves, "assigned primary key is dirty")

	require.NoError(t, o.SaveModified(ctx))
	assert.Equal(t, 1, f.db.saves)

	require.NoError(t, o.Set(ctx, "nick", "unstored"))
	require.NoError(t, o.SaveModified(ctx))
	assert.Equal(t, 1, f.db.saves)

	require.NoError(t, o.Save(ctx))
	assert.Equal(t, 2, f.db.saves)
}

func TestObject_LoadMissing(t *testing.T) {
	ctx := context.Background()
	o := setupUser(t).user(t, 404)

	err := o.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.True(t, errors.Is(err, errs.ErrLookupNotFound))

	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "user", e.Class)
	assert.Equal(t, "404", e.PK)
}

func TestObject_LoadValidates(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	require.NoError(t, f.db.Store.Save(ctx, propmap.Int(1), secondary.Record{
		"name":    propmap.Bytes([]byte("ann")),
		"age":     propmap.String("x"),
		"unknown": propmap.Int(1),
	}))

	err := f.user(t, 1).Load(ctx)
	assert.True(t, errors.Is(err, errs.ErrType))

	require.NoError(t, f.db.Store.Save(ctx, propmap.Int(1), secondary.Record{"age": propmap.String("21"), "created": propmap.Int(5)}))
	o := f.user(t, 1)
	require.NoError(t, o.Load(ctx))
	name, err := o.Get(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, propmap.String("ann"), name, "bytes from the backend become text")
	created, err := o.Get(ctx, "created")
	require.NoError(t, err)
	assert.Equal(t, propmap.Int(5), created, "load bypasses read-only")
}

func TestObject_Serialize(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	o := f.user(t, 1)
	require.NoError(t, o.SetMany(ctx, map[string]any{"name": "ann", "sex": "other", "password": "pw"}))
	require.NoError(t, f.live.SetProp(ctx, propmap.Int(1), "counter", propmap.Int(3)))

	public, err := o.Serialize(ctx, "public")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, keys(public))

	all, err := o.Serialize(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "sex"}, keys(all))

	everything, err := o.SerializeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, propmap.String("pw"), everything["password"])
	assert.Equal(t, propmap.Int(3), everything["counter"])
}

func TestObject_SnapshotRollback(t *testing.T) {
	ctx := context.Background()
	o := setupUser(t).user(t, 1)
	require.NoError(t, o.Set(ctx, "name", "ann"))

	assert.True(t, errors.Is(o.Rollback(), errs.ErrConfiguration))
	require.NoError(t, o.Snapshot())
	require.NoError(t, o.SetMany(ctx, map[string]any{"name": "bob", "age": 50}))
	require.NoError(t, o.Rollback())

	name, _ := o.Get(ctx, "name")
	age, _ := o.Get(ctx, "age")
	assert.Equal(t, propmap.String("ann"), name)
	assert.Equal(t, propmap.Int(18), age)
	assert.Equal(t, propmap.Int(1), o.PrimaryKey())
}

func TestObject_Delete(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	o := f.user(t, 1)
	require.NoError(t, o.Save(ctx))

	require.NoError(t, o.Delete(ctx))
	ok, err := f.db.Exists(ctx, propmap.Int(1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []propmap.Value{propmap.Int(1)}, f.sync.deletes)
}

func TestObject_Hooks(t *testing.T) {
	ctx := context.Background()
	f := setupUser(t)
	loaded := 0
	hooks := object.Hooks{
		Prepare: func(name string, v propmap.Value) (propmap.Value, error) {
			if s, ok := v.Str(); ok && name == "name" {
				return propmap.String(strings.ToUpper(s)), nil
			}
			return v, nil
		},
		SerializeProp: func(name string, target object.Target, v propmap.Value) propmap.Value {
			if s, ok := v.Str(); ok && name == "password" && target == object.TargetSave {
				return propmap.String("hashed:" + s)
			}
			return v
		},
		AfterLoad: func(_ context.Context, o *object.Object) error {
			loaded++
			_, err := o.Get(ctx, "name")
			return err
		},
	}

	o := f.user(t, 1, object.WithHooks(hooks))
	require.NoError(t, o.SetMany(ctx, map[string]any{"name": "ann", "password": "pw"}))
	name, _ := o.Get(ctx, "name")
	assert.Equal(t, propmap.String("ANN"), name)

	require.NoError(t, o.Save(ctx))
	rec, err := f.db.Store.Load(ctx, propmap.Int(1))
	require.NoError(t, err)
	assert.Equal(t, propmap.String("hashed:pw"), rec["password"])

	require.NoError(t, o.Load(ctx))
	assert.Equal(t, 1, loaded)
}

func TestObject_BindRejectsExternalOnFileStorage(t *testing.T) {
	pm, err := propmap.Compile("doc", propmap.Source{
		{Name: "id", Attrs: propmap.Attrs{"pk": true, "store": true}},
		{Name: "hits", Attrs: propmap.Attrs{"store": true, "external": true}},
	})
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.DefineStorage("files", fileOnly{memory.NewStore()}))
	_, err = object.Bind(pm, reg)
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	_, err = object.Bind(pm, registry.New())
	assert.True(t, errors.Is(err, errs.ErrConfiguration), "unresolved storage")
}

func TestObject_ConcurrentSet(t *testing.T) {
	ctx := context.Background()
	o := setupUser(t).user(t, 1)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, o.Set(ctx, "age", i))
		}(i)
	}
	wg.Wait()

	age, err := o.Get(ctx, "age")
	require.NoError(t, err)
	n, ok := age.IntVal()
	require.True(t, ok)
	assert.True(t, n >= 0 && n < 50)
}

func TestObject_SynchronizerMayReadObject(t *testing.T) {
	ctx := context.Background()
	pm, err := propmap.Compile("note", propmap.Source{
		{Name: "id", Attrs: propmap.Attrs{"pk": true, "type": "int"}},
		{Name: "title", Attrs: propmap.Attrs{"type": "str", "sync": true}},
	})
	require.NoError(t, err)

	var o *object.Object
	var seen []propmap.Value
	reg := registry.New()
	require.NoError(t, reg.DefineSync("echo", secondary.SyncFunc(
		func(ctx context.Context, _ propmap.Value, _ string, _ secondary.Record) error {
			v, err := o.Get(ctx, "title")
			if err != nil {
				return err
			}
			seen = append(seen, v)
			return nil
		})))
	b, err := object.Bind(pm, reg)
	require.NoError(t, err)

	o = object.New()
	require.NoError(t, o.ApplyMap(b))
	require.NoError(t, o.AssignPrimaryKey(1))

	done := make(chan error, 1)
	go func() { done <- o.Set(ctx, "title", "hello") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Set did not return while the synchronizer read the object")
	}
	assert.Equal(t, []propmap.Value{propmap.String("hello")}, seen)
}

func TestObject_FailedSyncStaysPending(t *testing.T) {
	ctx := context.Background()
	pm, err := propmap.Compile("note", propmap.Source{
		{Name: "id", Attrs: propmap.Attrs{"pk": true, "type": "int"}},
		{Name: "title", Attrs: propmap.Attrs{"type": "str", "sync": true}},
	})
	require.NoError(t, err)

	fail := true
	var sent []secondary.Record
	reg := registry.New()
	require.NoError(t, reg.DefineSync("flaky", secondary.SyncFunc(
		func(_ context.Context, _ propmap.Value, _ string, data secondary.Record) error {
			if fail {
				return errors.New("unavailable")
			}
			sent = append(sent, data.Clone())
			return nil
		})))
	b, err := object.Bind(pm, reg)
	require.NoError(t, err)
	o := object.New()
	require.NoError(t, o.ApplyMap(b))
	require.NoError(t, o.AssignPrimaryKey(1))

	err = o.Set(ctx, "title", "hello")
	assert.True(t, errors.Is(err, errs.ErrStorage))
	title, err := o.Get(ctx, "title")
	require.NoError(t, err)
	assert.Equal(t, propmap.String("hello"), title)

	fail = false
	require.NoError(t, o.Sync(ctx))
	require.Len(t, sent, 1)
	assert.Equal(t, propmap.String("hello"), sent[0]["title"])
}

// fileOnly hides the capabilities of a store and reports the file family.
type fileOnly struct{ s *memory.Store }

func (f fileOnly) Load(ctx context.Context, pk propmap.Value) (secondary.Record, error) {
	return f.s.Load(ctx, pk)
}
func (f fileOnly) Save(ctx context.Context, pk propmap.Value, rec secondary.Record) error {
	return f.s.Save(ctx, pk, rec)
}
func (f fileOnly) Delete(ctx context.Context, pk propmap.Value) error { return f.s.Delete(ctx, pk) }
func (f fileOnly) Exists(ctx context.Context, pk propmap.Value) (bool, error) { return f.s.Exists(ctx, pk) }
func (f fileOnly) Purge(ctx context.Context) (int, error) { return f.s.Purge(ctx) }
func (f fileOnly) AllowEmpty() bool { return false }
func (f fileOnly) Family() secondary.Family { return secondary.FamilyFile }

func keys(rec map[string]propmap.Value) []string {
	out := make([]string, 0, len(rec))
	for k := range rec {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
