// Package filesystem contains the file-based storage backend: one data file
// per object in a storage directory.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/ports/secondary"
)

// slashEscape replaces path separators in primary keys used as file names.
const slashEscape = "___"

// Store implements secondary.Backend with one file per record.
type Store struct {
	dir           string
	codec         Codec
	allowEmpty    bool
	instantDelete bool

	mu      sync.Mutex
	deleted map[string]propmap.Value
}

// Option configures a Store.
type Option func(*Store)

// AllowEmpty controls whether Load of a missing file returns an empty record.
// It is on by default.
func AllowEmpty(allow bool) Option {
	return func(s *Store) { s.allowEmpty = allow }
}

// InstantDelete controls whether Delete removes the file right away. When off,
// deleted records are hidden until Purge removes their files. It is on by
// default.
func InstantDelete(instant bool) Option {
	return func(s *Store) { s.instantDelete = instant }
}

// NewStore creates a store writing codec-encoded files under dir. The
// directory is created if needed.
func NewStore(dir string, codec Codec, opts ...Option) (*Store, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	s := &Store{
		dir:           dir,
		codec:         codec,
		allowEmpty:    true,
		instantDelete: true,
		deleted:       map[string]propmap.Value{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) fileName(pk propmap.Value) string {
	return strings.ReplaceAll(pk.Key(), "/", slashEscape) + s.codec.Ext()
}

func (s *Store) path(pk propmap.Value) string {
	return filepath.Join(s.dir, s.fileName(pk))
}

// Load reads the data file of pk.
func (s *Store) Load(ctx context.Context, pk propmap.Value) (secondary.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.deleted[pk.Key()]; gone {
		return s.missing(pk, nil)
	}
	data, err := os.ReadFile(s.path(pk))
	if errors.Is(err, fs.ErrNotExist) {
		return s.missing(pk, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.fileName(pk), err)
	}
	rec, err := s.codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", s.fileName(pk), err)
	}
	return rec, nil
}

func (s *Store) missing(pk propmap.Value, cause error) (secondary.Record, error) {
	if s.allowEmpty {
		return secondary.Record{}, nil
	}
	return nil, errs.FileNotFound("load", pk.Key(), cause)
}

// Save replaces the data file of pk. The file is written to a temporary name
// first and renamed into place.
func (s *Store) Save(ctx context.Context, pk propmap.Value, rec secondary.Record) error {
	data, err := s.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.fileName(pk), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", s.fileName(pk), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", s.fileName(pk), err)
	}
	if err := os.Rename(tmp.Name(), s.path(pk)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save %s: %w", s.fileName(pk), err)
	}
	delete(s.deleted, pk.Key())
	return nil
}

// Delete removes the data file of pk, or marks it for Purge when instant
// delete is off.
func (s *Store) Delete(ctx context.Context, pk propmap.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.instantDelete {
		if _, err := os.Stat(s.path(pk)); err == nil {
			s.deleted[pk.Key()] = pk
		}
		return nil
	}
	if err := os.Remove(s.path(pk)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", s.fileName(pk), err)
	}
	return nil
}

// Exists reports whether a live data file exists for pk.
func (s *Store) Exists(ctx context.Context, pk propmap.Value) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.deleted[pk.Key()]; gone {
		return false, nil
	}
	_, err := os.Stat(s.path(pk))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", s.fileName(pk), err)
	}
	return true, nil
}

// Purge removes the files of records deleted while instant delete was off.
func (s *Store) Purge(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, pk := range s.deleted {
		if err := os.Remove(s.path(pk)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, fmt.Errorf("failed to purge %s: %w", s.fileName(pk), err)
		}
		delete(s.deleted, key)
		n++
	}
	return n, nil
}

// AllowEmpty implements secondary.Backend.
func (s *Store) AllowEmpty() bool { return s.allowEmpty }

// Family implements secondary.Backend.
func (s *Store) Family() secondary.Family { return secondary.FamilyFile }

// Keys lists the primary keys of the stored files in name order. Keys come
// back as strings.
func (s *Store) Keys(ctx context.Context) ([]propmap.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}
	ext := s.codec.Ext()
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		key := strings.ReplaceAll(strings.TrimSuffix(name, ext), slashEscape, "/")
		if _, gone := s.deleted[key]; gone {
			continue
		}
		names = append(names, key)
	}
	sort.Strings(names)
	keys := make([]propmap.Value, len(names))
	for i, name := range names {
		keys[i] = propmap.String(name)
	}
	return keys, nil
}
