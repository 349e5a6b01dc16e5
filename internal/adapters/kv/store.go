// Package kv stores objects in a docker/libkv key-value store, one key per
// property under <prefix>/<pk>/<prop>. Values keep their kind through a short
// tag in front of the payload.
package kv

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/libkv"
	"github.com/docker/libkv/store"
	"github.com/docker/libkv/store/boltdb"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/ports/secondary"
)

// marker is written for every saved object so that objects without
// properties still exist.
const marker = ".record"

func init() {
	boltdb.Register()
}

// OpenBolt opens a boltdb-backed libkv store at path.
func OpenBolt(dbPath, bucket string) (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create kv directory: %w", err)
	}
	kv, err := libkv.NewStore(store.BOLTDB, []string{dbPath}, &store.Config{
		Bucket:            bucket,
		ConnectionTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}
	return kv, nil
}

// Store implements secondary.Backend over a libkv store.
type Store struct {
	kv         store.Store
	prefix     string
	allowEmpty bool
}

// Option configures a Store.
type Option func(*Store)

// WithAllowEmpty makes Load of a missing object return an empty record.
func WithAllowEmpty(allow bool) Option {
	return func(s *Store) { s.allowEmpty = allow }
}

// NewStore returns a store keeping its objects under prefix.
func NewStore(kv store.Store, prefix string, opts ...Option) *Store {
	s := &Store{kv: kv, prefix: strings.Trim(prefix, "/")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying libkv store.
func (s *Store) Close() { s.kv.Close() }

func (s *Store) dir(pk propmap.Value) string {
	return s.prefix + "/" + url.PathEscape(pk.Key()) + "/"
}

func (s *Store) key(pk propmap.Value, prop string) string {
	return s.dir(pk) + prop
}

// list returns the pairs under dir; a missing directory is empty.
func (s *Store) list(dir string) ([]*store.KVPair, error) {
	pairs, err := s.kv.List(dir)
	if err == store.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return pairs, nil
}

// Load implements secondary.Backend.
func (s *Store) Load(ctx context.Context, pk propmap.Value) (secondary.Record, error) {
	pairs, err := s.list(s.dir(pk))
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		if s.allowEmpty {
			return secondary.Record{}, nil
		}
		return nil, errs.LookupNotFound("load", pk.Key())
	}
	rec := make(secondary.Record, len(pairs))
	for _, pair := range pairs {
		if prop := path.Base(pair.Key); prop != marker {
			rec[prop] = decode(pair.Value)
		}
	}
	return rec, nil
}

// Save implements secondary.Backend. Null values remove their key.
func (s *Store) Save(ctx context.Context, pk propmap.Value, rec secondary.Record) error {
	if err := s.kv.Put(s.key(pk, marker), nil, nil); err != nil {
		return fmt.Errorf("failed to save %s: %w", pk.Key(), err)
	}
	for name, v := range rec {
		if err := s.put(pk, name, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) put(pk propmap.Value, name string, v propmap.Value) error {
	key := s.key(pk, name)
	if v.IsNull() {
		if err := s.kv.Delete(key); err != nil && err != store.ErrKeyNotFound {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		return nil
	}
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.kv.Put(key, data, nil); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Delete implements secondary.Backend.
func (s *Store) Delete(ctx context.Context, pk propmap.Value) error {
	err := s.kv.DeleteTree(s.dir(pk))
	if err != nil && err != store.ErrKeyNotFound {
		return fmt.Errorf("failed to delete %s: %w", pk.Key(), err)
	}
	return nil
}

// Exists implements secondary.Backend.
func (s *Store) Exists(ctx context.Context, pk propmap.Value) (bool, error) {
	pairs, err := s.list(s.dir(pk))
	if err != nil {
		return false, err
	}
	return len(pairs) > 0, nil
}

// Purge is a no-op.
func (s *Store) Purge(ctx context.Context) (int, error) { return 0, nil }

// AllowEmpty implements secondary.Backend.
func (s *Store) AllowEmpty() bool { return s.allowEmpty }

// Family implements secondary.Backend.
func (s *Store) Family() secondary.Family { return secondary.FamilyQueryable }

// GetProp reads one property. A missing key reads as null.
func (s *Store) GetProp(ctx context.Context, pk propmap.Value, name string) (propmap.Value, error) {
	pair, err := s.kv.Get(s.key(pk, name))
	if err == store.ErrKeyNotFound {
		return propmap.Null(), nil
	}
	if err != nil {
		return propmap.Null(), fmt.Errorf("failed to get %s of %s: %w", name, pk.Key(), err)
	}
	return decode(pair.Value), nil
}

// SetProp writes one property.
func (s *Store) SetProp(ctx context.Context, pk propmap.Value, name string, v propmap.Value) error {
	return s.put(pk, name, v)
}

// QueryByProperty scans every object under the prefix and returns those whose
// property text equals v, ordered by primary key.
func (s *Store) QueryByProperty(ctx context.Context, name string, v propmap.Value) ([]secondary.Row, error) {
	if v.IsNull() {
		return nil, nil
	}
	objects, order, err := s.scan()
	if err != nil {
		return nil, err
	}
	want := string(text(v))
	var rows []secondary.Row
	for _, key := range order {
		rec := objects[key]
		got, ok := rec[name]
		if !ok || got.IsNull() || string(text(got)) != want {
			continue
		}
		rows = append(rows, secondary.Row{PK: propmap.String(key), Record: rec})
	}
	return rows, nil
}

// Keys returns the primary keys of every stored object, sorted.
func (s *Store) Keys(ctx context.Context) ([]propmap.Value, error) {
	_, order, err := s.scan()
	if err != nil {
		return nil, err
	}
	keys := make([]propmap.Value, 0, len(order))
	for _, key := range order {
		keys = append(keys, propmap.String(key))
	}
	return keys, nil
}

// scan groups every pair under the prefix by primary key.
func (s *Store) scan() (map[string]secondary.Record, []string, error) {
	root := s.prefix + "/"
	pairs, err := s.list(root)
	if err != nil {
		return nil, nil, err
	}
	objects := map[string]secondary.Record{}
	for _, pair := range pairs {
		rel := strings.TrimPrefix(strings.TrimPrefix(pair.Key, "/"), root)
		escaped, prop, ok := strings.Cut(rel, "/")
		if !ok {
			continue
		}
		key, err := url.PathUnescape(escaped)
		if err != nil {
			continue
		}
		rec, found := objects[key]
		if !found {
			rec = secondary.Record{}
			objects[key] = rec
		}
		if prop != marker {
			rec[prop] = decode(pair.Value)
		}
	}
	order := make([]string, 0, len(objects))
	for key := range objects {
		order = append(order, key)
	}
	sort.Strings(order)
	return objects, order, nil
}

func text(v propmap.Value) []byte {
	if b, ok := v.BytesVal(); ok {
		return b
	}
	return []byte(v.Key())
}
