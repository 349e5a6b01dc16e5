// Package memory contains an in-process storage backend. It is queryable and
// supports every optional capability, which makes it the reference backend
// for tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/ports/secondary"
)

type entry struct {
	pk      propmap.Value
	rec     secondary.Record
	seq     uint64
	deleted bool
}

// Store implements secondary.Backend and every optional capability in memory.
type Store struct {
	mu         sync.RWMutex
	records    map[string]*entry
	seq        uint64
	allowEmpty bool
	softDelete bool
}

// Option configures a Store.
type Option func(*Store)

// AllowEmpty makes Load of a missing record return an empty record.
func AllowEmpty(allow bool) Option {
	return func(s *Store) { s.allowEmpty = allow }
}

// SoftDelete keeps deleted records hidden until Purge removes them.
func SoftDelete(soft bool) Option {
	return func(s *Store) { s.softDelete = soft }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{records: map[string]*entry{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the entry of pk unless it is missing or soft-deleted.
func (s *Store) live(pk propmap.Value) (*entry, bool) {
	e, ok := s.records[pk.Key()]
	if !ok || e.deleted {
		return nil, false
	}
	return e, true
}

// Load returns a copy of the record of pk.
func (s *Store) Load(ctx context.Context, pk propmap.Value) (secondary.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live(pk)
	if !ok {
		if s.allowEmpty {
			return secondary.Record{}, nil
		}
		return nil, errs.LookupNotFound("load", pk.Key())
	}
	return e.rec.Clone(), nil
}

// Save merges rec into the record of pk, creating it when needed.
func (s *Store) Save(ctx context.Context, pk propmap.Value, rec secondary.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.upsert(pk)
	for k, v := range rec {
		e.rec[k] = v
	}
	return nil
}

func (s *Store) upsert(pk propmap.Value) *entry {
	e, ok := s.records[pk.Key()]
	if !ok || e.deleted {
		s.seq++
		e = &entry{pk: pk, rec: secondary.Record{}, seq: s.seq}
		s.records[pk.Key()] = e
	}
	return e
}

// Delete removes the record of pk, or hides it when soft delete is enabled.
func (s *Store) Delete(ctx context.Context, pk propmap.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[pk.Key()]
	if !ok {
		return nil
	}
	if s.softDelete {
		e.deleted = true
		return nil
	}
	delete(s.records, pk.Key())
	return nil
}

// Exists reports whether a live record is stored for pk.
func (s *Store) Exists(ctx context.Context, pk propmap.Value) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live(pk)
	return ok, nil
}

// Purge drops soft-deleted records.
func (s *Store) Purge(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.records {
		if e.deleted {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// AllowEmpty implements secondary.Backend.
func (s *Store) AllowEmpty() bool { return s.allowEmpty }

// Family implements secondary.Backend.
func (s *Store) Family() secondary.Family { return secondary.FamilyQueryable }

// GetProp returns one stored property. A stored record without the property
// yields null.
func (s *Store) GetProp(ctx context.Context, pk propmap.Value, name string) (propmap.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live(pk)
	if !ok {
		return propmap.Null(), errs.LookupNotFound("get property", pk.Key())
	}
	return e.rec[name], nil
}

// SetProp writes one property, creating the record when needed.
func (s *Store) SetProp(ctx context.Context, pk propmap.Value, name string, v propmap.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(pk).rec[name] = v
	return nil
}

// QueryByProperty returns the records whose property equals v, oldest first.
func (s *Store) QueryByProperty(ctx context.Context, name string, v propmap.Value) ([]secondary.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []secondary.Row
	for _, e := range s.sorted() {
		if got, ok := e.rec[name]; ok && got.Equal(v) {
			rows = append(rows, secondary.Row{PK: e.pk, Record: e.rec.Clone()})
		}
	}
	return rows, nil
}

// Keys returns the primary keys of the live records, oldest first.
func (s *Store) Keys(ctx context.Context) ([]propmap.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.sorted()
	keys := make([]propmap.Value, len(entries))
	for i, e := range entries {
		keys[i] = e.pk
	}
	return keys, nil
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.records {
		if !e.deleted {
			n++
		}
	}
	return n
}

func (s *Store) sorted() []*entry {
	out := make([]*entry, 0, len(s.records))
	for _, e := range s.records {
		if !e.deleted {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
