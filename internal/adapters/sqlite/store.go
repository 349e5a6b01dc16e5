package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/ports/secondary"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quote(name string) string { return `"` + name + `"` }

// kindsColumn holds, per row, a JSON object naming the kind of every column
// whose value SQLite cannot store natively: "bool" for booleans kept as 0/1
// and "json" for opaque values kept as JSON text.
const kindsColumn = "__kinds"

const (
	kindBool = "bool"
	kindJSON = "json"
)

// Store implements secondary.Backend with one SQLite table holding one row
// per object and one column per property. Columns are added on first use.
type Store struct {
	db         *sql.DB
	table      string
	pkColumn   string
	allowEmpty bool

	mu      sync.Mutex
	columns map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithPrimaryKeyColumn names the primary key column. Defaults to "id".
func WithPrimaryKeyColumn(name string) Option {
	return func(s *Store) { s.pkColumn = name }
}

// WithAllowEmpty makes Load of a missing row return an empty record.
func WithAllowEmpty(allow bool) Option {
	return func(s *Store) { s.allowEmpty = allow }
}

// NewStore creates the table if needed and returns a store over it.
func NewStore(ctx context.Context, db *sql.DB, table string, opts ...Option) (*Store, error) {
	s := &Store{db: db, table: table, pkColumn: "id"}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range []string{s.table, s.pkColumn} {
		if !identifier.MatchString(name) {
			return nil, errs.New(errs.KindConfiguration, "new sqlite store", "invalid identifier %q", name)
		}
	}

	_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s PRIMARY KEY, %s TEXT)",
		quote(s.table), quote(s.pkColumn), quote(kindsColumn)))
	if err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	if err := s.refreshColumns(ctx); err != nil {
		return nil, err
	}
	if !s.columns[kindsColumn] {
		_, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quote(s.table), quote(kindsColumn)))
		if err != nil {
			return nil, fmt.Errorf("failed to add column %s: %w", kindsColumn, err)
		}
		s.columns[kindsColumn] = true
	}
	return s, nil
}

// Table returns the table name.
func (s *Store) Table() string { return s.table }

func (s *Store) refreshColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quote(s.table)))
	if err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", s.table, err)
	}
	defer rows.Close()

	columns := map[string]bool{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("failed to scan column: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", s.table, err)
	}
	s.columns = columns
	return nil
}

// ensureColumns adds missing columns. s.mu must be held.
func (s *Store) ensureColumns(ctx context.Context, names []string) error {
	for _, name := range names {
		if s.columns[name] {
			continue
		}
		if !identifier.MatchString(name) || name == kindsColumn {
			return errs.New(errs.KindConfiguration, "sqlite", "invalid column name %q", name)
		}
		_, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(s.table), quote(name)))
		if err != nil {
			return fmt.Errorf("failed to add column %s: %w", name, err)
		}
		s.columns[name] = true
	}
	return nil
}

// Load returns the non-null columns of the row of pk.
func (s *Store) Load(ctx context.Context, pk propmap.Value) (secondary.Record, error) {
	key, err := toSQL(pk)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quote(s.table), quote(s.pkColumn)),
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", pk.Key(), err)
	}
	defer rows.Close()

	found, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		if s.allowEmpty {
			return secondary.Record{}, nil
		}
		return nil, errs.LookupNotFound("load", pk.Key())
	}
	delete(found[0], s.pkColumn)
	return found[0], nil
}

// kindPatch returns a JSON merge patch setting the kind entry of every named
// column. Columns of native kinds get null, which removes their entry.
func kindPatch(rec secondary.Record, names []string) (string, error) {
	patch := make(map[string]any, len(names))
	for _, name := range names {
		switch rec[name].Kind() {
		case propmap.KindBool:
			patch[name] = kindBool
		case propmap.KindOpaque:
			patch[name] = kindJSON
		default:
			patch[name] = nil
		}
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return "", fmt.Errorf("failed to encode kinds: %w", err)
	}
	return string(data), nil
}

// Save upserts the row of pk with the columns of rec.
func (s *Store) Save(ctx context.Context, pk propmap.Value, rec secondary.Record) error {
	key, err := toSQL(pk)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(rec))
	for name := range rec {
		if name != s.pkColumn {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureColumns(ctx, names); err != nil {
		return err
	}

	patch, err := kindPatch(rec, names)
	if err != nil {
		return err
	}
	cols := []string{quote(s.pkColumn)}
	marks := []string{"?"}
	sets := make([]string, 0, len(names)+1)
	args := []any{key}
	for _, name := range names {
		v, err := toSQL(rec[name])
		if err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
		cols = append(cols, quote(name))
		marks = append(marks, "?")
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", quote(name), quote(name)))
		args = append(args, v)
	}
	cols = append(cols, quote(kindsColumn))
	marks = append(marks, "json_patch('{}', ?)")
	sets = append(sets, fmt.Sprintf("%s = json_patch(coalesce(%s, '{}'), ?)", quote(kindsColumn), quote(kindsColumn)))
	args = append(args, patch, patch)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		quote(s.table), strings.Join(cols, ", "), strings.Join(marks, ", "), quote(s.pkColumn), strings.Join(sets, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save %s: %w", pk.Key(), err)
	}
	return nil
}

// Delete removes the row of pk.
func (s *Store) Delete(ctx context.Context, pk propmap.Value) error {
	key, err := toSQL(pk)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(s.table), quote(s.pkColumn)),
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", pk.Key(), err)
	}
	return nil
}

// Exists reports whether a row exists for pk.
func (s *Store) Exists(ctx context.Context, pk propmap.Value) (bool, error) {
	key, err := toSQL(pk)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", quote(s.table), quote(s.pkColumn)),
		key,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", pk.Key(), err)
	}
	return true, nil
}

// Purge is a no-op: rows are deleted right away.
func (s *Store) Purge(ctx context.Context) (int, error) { return 0, nil }

// AllowEmpty implements secondary.Backend.
func (s *Store) AllowEmpty() bool { return s.allowEmpty }

// Family implements secondary.Backend.
func (s *Store) Family() secondary.Family { return secondary.FamilyQueryable }

// GetProp reads one column of the row of pk. A column that was never written
// reads as null.
func (s *Store) GetProp(ctx context.Context, pk propmap.Value, name string) (propmap.Value, error) {
	key, err := toSQL(pk)
	if err != nil {
		return propmap.Null(), err
	}
	s.mu.Lock()
	known := s.columns[name] && name != kindsColumn
	s.mu.Unlock()
	if !known {
		ok, err := s.Exists(ctx, pk)
		if err != nil {
			return propmap.Null(), err
		}
		if !ok {
			return propmap.Null(), errs.LookupNotFound("get property", pk.Key())
		}
		return propmap.Null(), nil
	}

	var raw, kinds any
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?", quote(name), quote(kindsColumn), quote(s.table), quote(s.pkColumn)),
		key,
	).Scan(&raw, &kinds)
	if err == sql.ErrNoRows {
		return propmap.Null(), errs.LookupNotFound("get property", pk.Key())
	}
	if err != nil {
		return propmap.Null(), fmt.Errorf("failed to get %s of %s: %w", name, pk.Key(), err)
	}
	if raw == nil {
		return propmap.Null(), nil
	}
	rec := secondary.Record{name: fromSQL(raw)}
	if err := restoreKinds(rec, kinds); err != nil {
		return propmap.Null(), err
	}
	return rec[name], nil
}

// SetProp updates one column of an existing row.
func (s *Store) SetProp(ctx context.Context, pk propmap.Value, name string, v propmap.Value) error {
	key, err := toSQL(pk)
	if err != nil {
		return err
	}
	val, err := toSQL(v)
	if err != nil {
		return err
	}
	patch, err := kindPatch(secondary.Record{name: v}, []string{name})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureColumns(ctx, []string{name}); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = ?, %s = json_patch(coalesce(%s, '{}'), ?) WHERE %s = ?",
			quote(s.table), quote(name), quote(kindsColumn), quote(kindsColumn), quote(s.pkColumn)),
		val, patch, key,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s of %s: %w", name, pk.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set %s of %s: %w", name, pk.Key(), err)
	}
	if n == 0 {
		return errs.LookupNotFound("set property", pk.Key())
	}
	return nil
}

// QueryByProperty returns the rows whose column equals v, in insertion order.
func (s *Store) QueryByProperty(ctx context.Context, name string, v propmap.Value) ([]secondary.Row, error) {
	s.mu.Lock()
	known := s.columns[name] && name != kindsColumn
	s.mu.Unlock()
	if !known {
		return nil, nil
	}
	val, err := toSQL(v)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ? ORDER BY rowid", quote(s.table), quote(name)),
		val,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", name, err)
	}
	defer rows.Close()

	found, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]secondary.Row, 0, len(found))
	for _, rec := range found {
		pk := rec[s.pkColumn]
		delete(rec, s.pkColumn)
		out = append(out, secondary.Row{PK: pk, Record: rec})
	}
	return out, nil
}

// Keys returns every primary key in insertion order.
func (s *Store) Keys(ctx context.Context) ([]propmap.Value, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", quote(s.pkColumn), quote(s.table)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []propmap.Value
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, fromSQL(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// scanRows reads every row into a record, leaving out null columns and
// restoring the kinds recorded for the row.
func scanRows(rows *sql.Rows) ([]secondary.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	var out []secondary.Record
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec := make(secondary.Record, len(cols))
		var kinds any
		for i, name := range cols {
			switch {
			case name == kindsColumn:
				kinds = raw[i]
			case raw[i] != nil:
				rec[name] = fromSQL(raw[i])
			}
		}
		if err := restoreKinds(rec, kinds); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}

// toSQL converts a value to a driver argument. Opaque values are stored as
// JSON text.
func toSQL(v propmap.Value) (any, error) {
	switch v.Kind() {
	case propmap.KindNull:
		return nil, nil
	case propmap.KindBool:
		if b, _ := v.BoolVal(); b {
			return int64(1), nil
		}
		return int64(0), nil
	case propmap.KindOpaque:
		data, err := json.Marshal(v.Interface())
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		return string(data), nil
	}
	return v.Interface(), nil
}

// restoreKinds applies the kinds column of a row to its decoded values.
func restoreKinds(rec secondary.Record, raw any) error {
	var text []byte
	switch t := raw.(type) {
	case nil:
		return nil
	case string:
		text = []byte(t)
	case []byte:
		text = t
	default:
		return fmt.Errorf("unexpected %s value %T", kindsColumn, raw)
	}
	var kinds map[string]string
	if err := json.Unmarshal(text, &kinds); err != nil {
		return fmt.Errorf("failed to decode %s: %w", kindsColumn, err)
	}
	for name, kind := range kinds {
		v, ok := rec[name]
		if !ok {
			continue
		}
		switch kind {
		case kindBool:
			if i, ok := v.IntVal(); ok {
				rec[name] = propmap.Bool(i != 0)
			}
		case kindJSON:
			if s, ok := v.Str(); ok {
				var decoded propmap.Value
				if err := json.Unmarshal([]byte(s), &decoded); err == nil {
					rec[name] = decoded
				}
			}
		}
	}
	return nil
}

func fromSQL(raw any) propmap.Value {
	switch t := raw.(type) {
	case time.Time:
		return propmap.String(t.Format(time.RFC3339))
	default:
		return propmap.Of(t)
	}
}
