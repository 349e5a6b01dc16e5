package filesystem_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/smartobject/internal/adapters/filesystem"
	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/ports/secondary"
)

func newTestStore(t *testing.T, codec filesystem.Codec, opts ...filesystem.Option) *filesystem.Store {
	t.Helper()
	store, err := filesystem.NewStore(filepath.Join(t.TempDir(), "data"), codec, opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestStore_SaveLoad(t *testing.T) {
	codecs := []filesystem.Codec{
		filesystem.JSONCodec{},
		filesystem.JSONCodec{Pretty: true},
		filesystem.YAMLCodec{},
		filesystem.MsgPackCodec{},
		filesystem.CBORCodec{},
	}
	for _, codec := range codecs {
		t.Run(codec.Ext(), func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t, codec)
			pk := propmap.String("user/1")

			rec := secondary.Record{
				"name":   propmap.String("ann"),
				"age":    propmap.Int(33),
				"ratio":  propmap.Float(0.25),
				"whole":  propmap.Float(2),
				"admin":  propmap.Bool(true),
				"avatar": propmap.Bytes([]byte{0x00, 0xff, 0x10}),
				"note":   propmap.Null(),
			}
			if err := store.Save(ctx, pk, rec); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			if _, err := os.Stat(filepath.Join(store.Dir(), "user___1"+codec.Ext())); err != nil {
				t.Fatalf("expected escaped file name: %v", err)
			}

			got, err := store.Load(ctx, pk)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			for k, want := range rec {
				if !got[k].Equal(want) || got[k].Kind() != want.Kind() {
					t.Errorf("%s: expected %s, got %s", k, want, got[k])
				}
			}
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	ctx := context.Background()

	lenient := newTestStore(t, filesystem.JSONCodec{})
	rec, err := lenient.Load(ctx, propmap.String("nobody"))
	if err != nil {
		t.Fatalf("expected empty record, got error: %v", err)
	}
	if len(rec) != 0 {
		t.Errorf("expected empty record, got %v", rec)
	}

	strict := newTestStore(t, filesystem.JSONCodec{}, filesystem.AllowEmpty(false))
	_, err = strict.Load(ctx, propmap.String("nobody"))
	if !errors.Is(err, errs.ErrFileNotFound) {
		t.Fatalf("expected file not found, got %v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("expected error to match fs.ErrNotExist")
	}
	if errors.Is(err, errs.ErrLookupNotFound) {
		t.Error("file stores must not report lookup not found")
	}
}

func TestStore_DeferredDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, filesystem.YAMLCodec{}, filesystem.InstantDelete(false), filesystem.AllowEmpty(false))
	pk := propmap.Int(7)

	if err := store.Save(ctx, pk, secondary.Record{"x": propmap.Int(1)}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, pk); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err := store.Exists(ctx, pk)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected deleted record to be hidden")
	}
	if _, err := store.Load(ctx, pk); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "7.yaml")); err != nil {
		t.Errorf("expected file to stay until purge: %v", err)
	}

	n, err := store.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged record, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "7.yaml")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected file to be gone, got %v", err)
	}
}

func TestStore_SaveRevivesDeferredDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, filesystem.JSONCodec{}, filesystem.InstantDelete(false))
	pk := propmap.String("a")

	_ = store.Save(ctx, pk, secondary.Record{"v": propmap.Int(1)})
	_ = store.Delete(ctx, pk)
	if err := store.Save(ctx, pk, secondary.Record{"v": propmap.Int(2)}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	n, _ := store.Purge(ctx)
	if n != 0 {
		t.Errorf("expected nothing to purge, got %d", n)
	}
	rec, err := store.Load(ctx, pk)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !rec["v"].Equal(propmap.Int(2)) {
		t.Errorf("expected v=2, got %s", rec["v"])
	}
}

func TestStore_InstantDeleteAndKeys(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, filesystem.JSONCodec{})
	for _, id := range []string{"b", "a/1", "c"} {
		if err := store.Save(ctx, propmap.String(id), secondary.Record{}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if err := store.Delete(ctx, propmap.String("c")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, propmap.String("never")); err != nil {
		t.Errorf("deleting a missing record should succeed: %v", err)
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	want := []string{"a/1", "b"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), keys)
	}
	for i, k := range keys {
		if k.Key() != want[i] {
			t.Errorf("key %d: expected %q, got %q", i, want[i], k.Key())
		}
	}
}

func TestStore_Family(t *testing.T) {
	store := newTestStore(t, nil)
	if store.Family() != secondary.FamilyFile {
		t.Errorf("expected file family, got %s", store.Family())
	}
	if !store.AllowEmpty() {
		t.Error("expected allow empty by default")
	}
}
