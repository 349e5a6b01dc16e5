package registry_test

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
	"github.com/example/smartobject/internal/registry"
)

func TestRegistry_Storage(t *testing.T) {
	reg := registry.New()
	_, _, err := reg.Storage(propmap.DefaultRoute())
	assert.True(t, errors.Is(err, errs.ErrConfiguration), "no default before the first definition")

	first, second := memory.NewStore(), memory.NewStore()
	require.NoError(t, reg.DefineStorage("first", first))
	require.NoError(t, reg.DefineStorage("second", second))

	id, backend, err := reg.Storage(propmap.DefaultRoute())
	require.NoError(t, err)
	assert.Equal(t, "first", id)
	assert.Same(t, first, backend)

	require.NoError(t, reg.SetDefaultStorage("second"))
	id, _, err = reg.Storage(propmap.DefaultRoute())
	require.NoError(t, err)
	assert.Equal(t, "second", id)

	_, _, err = reg.Storage(propmap.NamedRoute("missing"))
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
	assert.True(t, errors.Is(reg.SetDefaultStorage("missing"), errs.ErrConfiguration))
	assert.Equal(t, []string{"first", "second"}, reg.StorageIDs())
}

func TestRegistry_DefineErrors(t *testing.T) {
	reg := registry.New()
	replacement := memory.NewStore()
	require.NoError(t, reg.DefineStorage("db", memory.NewStore()))
	require.NoError(t, reg.DefineStorage("db", replacement))
	_, backend, err := reg.Storage(propmap.NamedRoute("db"))
	require.NoError(t, err)
	assert.Same(t, replacement, backend)

	assert.True(t, errors.Is(reg.DefineStorage("", memory.NewStore()), errs.ErrConfiguration))
	assert.True(t, errors.Is(reg.DefineStorage("nil", nil), errs.ErrConfiguration))
}

func TestRegistry_Sync(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.DefineSync("audit", secondary.NopSync{}))

	id, s, err := reg.Sync(propmap.DefaultRoute())
	require.NoError(t, err)
	assert.Equal(t, "audit", id)
	assert.NotNil(t, s)

	_, _, err = reg.Sync(propmap.NamedRoute("search"))
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
}

func TestRegistry_Purge(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	soft := memory.NewStore(memory.SoftDelete(true))
	require.NoError(t, reg.DefineStorage("soft", soft))
	require.NoError(t, reg.DefineStorage("hard", memory.NewStore()))

	for _, id := range []string{"a", "b"} {
		require.NoError(t, soft.Save(ctx, propmap.String(id), secondary.Record{"x": propmap.Int(1)}))
		require.NoError(t, soft.Delete(ctx, propmap.String(id)))
	}

	counts, err := reg.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"soft": 2, "hard": 0}, counts)
}
