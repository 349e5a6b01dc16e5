package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/smartobject/internal/adapters/memory"
	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/ports/secondary"
)

var (
	_ secondary.Backend          = (*memory.Store)(nil)
	_ secondary.PropertyAccessor = (*memory.Store)(nil)
	_ secondary.PropertyQuerier  = (*memory.Store)(nil)
	_ secondary.KeyLister        = (*memory.Store)(nil)
)

func TestStore_LoadMissing(t *testing.T) {
	ctx := context.Background()

	_, err := memory.NewStore().Load(ctx, propmap.String("nobody"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.True(t, errors.Is(err, errs.ErrLookupNotFound))
	assert.False(t, errors.Is(err, errs.ErrFileNotFound))

	rec, err := memory.NewStore(memory.AllowEmpty(true)).Load(ctx, propmap.String("nobody"))
	require.NoError(t, err)
	assert.Empty(t, rec)
}

func TestStore_SaveMergesAndLoadCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	pk := propmap.String("u1")

	require.NoError(t, s.Save(ctx, pk, secondary.Record{"name": propmap.String("ann")}))
	require.NoError(t, s.Save(ctx, pk, secondary.Record{"age": propmap.Int(30)}))

	rec, err := s.Load(ctx, pk)
	require.NoError(t, err)
	assert.Equal(t, propmap.String("ann"), rec["name"])
	assert.Equal(t, propmap.Int(30), rec["age"])

	rec["name"] = propmap.String("changed")
	again, err := s.Load(ctx, pk)
	require.NoError(t, err)
	assert.Equal(t, propmap.String("ann"), again["name"])
}

func TestStore_SoftDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore(memory.SoftDelete(true))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, propmap.String(id), secondary.Record{"v": propmap.String(id)}))
	}
	require.NoError(t, s.Delete(ctx, propmap.String("b")))

	ok, err := s.Exists(ctx, propmap.String("b"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStore_Properties(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	pk := propmap.Int(7)

	_, err := s.GetProp(ctx, pk, "counter")
	assert.True(t, errors.Is(err, errs.ErrLookupNotFound))

	require.NoError(t, s.SetProp(ctx, pk, "counter", propmap.Int(10)))
	v, err := s.GetProp(ctx, pk, "counter")
	require.NoError(t, err)
	assert.Equal(t, propmap.Int(10), v)

	v, err = s.GetProp(ctx, pk, "missing")
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestStore_QueryAndKeysKeepInsertOrder(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	rows := []struct {
		pk   string
		team string
	}{
		{"u3", "red"},
		{"u1", "blue"},
		{"u2", "red"},
	}
	for _, r := range rows {
		require.NoError(t, s.Save(ctx, propmap.String(r.pk), secondary.Record{"team": propmap.String(r.team)}))
	}

	found, err := s.QueryByProperty(ctx, "team", propmap.String("red"))
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, propmap.String("u3"), found[0].PK)
	assert.Equal(t, propmap.String("u2"), found[1].PK)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []propmap.Value{propmap.String("u3"), propmap.String("u1"), propmap.String("u2")}, keys)
}
