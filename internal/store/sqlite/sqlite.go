// Package sqlite implements store.Store on a SQLite database through
// modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	_ "modernc.org/sqlite"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/assoc"
	"github.com/agentic-research/dupe/internal/store"
)

// ErrClosed is returned by a transaction view used after its transaction
// resolved.
var ErrClosed = errors.New("transaction already resolved")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store writes through a *sql.DB, or through one *sql.Tx for the views
// handed to Transaction callbacks.
type Store struct {
	db      *sql.DB
	q       querier
	catalog *assoc.Catalog

	// set on transaction views
	mu   *sync.Mutex
	done *bool
}

// Open opens path and introspects its tables. Foreign keys are enforced.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps pragmas and transactions on the same handle.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	tables, err := assoc.Introspect(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	return &Store{db: db, q: db, catalog: assoc.NewCatalog(tables)}, nil
}

// Catalog is the table metadata read when the store was opened.
func (s *Store) Catalog() *assoc.Catalog { return s.catalog }

// DB exposes the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Refresh re-reads the table metadata, after DDL was applied.
func (s *Store) Refresh(ctx context.Context) error {
	tables, err := assoc.Introspect(ctx, s.db)
	if err != nil {
		return fmt.Errorf("introspect: %w", err)
	}
	s.catalog = assoc.NewCatalog(tables)
	return nil
}

// lock serializes operations on a transaction view and refuses them once
// the transaction resolved.
func (s *Store) lock() (func(), error) {
	if s.mu == nil {
		return func() {}, nil
	}
	s.mu.Lock()
	if *s.done {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	return s.mu.Unlock, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *Store) columns(table string) (map[string]bool, error) {
	cols := s.catalog.Columns(table)
	if cols == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownTable, table)
	}
	return cols, nil
}

func (s *Store) whereClause(table string, where store.Row) (string, []any, error) {
	cols, err := s.columns(table)
	if err != nil {
		return "", nil, err
	}
	if len(where) == 0 {
		return "", nil, nil
	}
	var (
		conds []string
		args  []any
	)
	for _, k := range where.Keys() {
		if !cols[k] {
			return "", nil, fmt.Errorf("unknown column %s.%s", table, k)
		}
		if where[k] == nil {
			conds = append(conds, quoteIdent(k)+" IS NULL")
			continue
		}
		conds = append(conds, quoteIdent(k)+" = ?")
		args = append(args, where[k])
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (s *Store) FindOne(ctx context.Context, table string, where store.Row) (store.Row, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.findOne(ctx, table, where)
}

func (s *Store) findOne(ctx context.Context, table string, where store.Row) (store.Row, error) {
	rows, err := s.find(ctx, table, where, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %v: %w", table, map[string]any(where), store.ErrNotFound)
	}
	return rows[0], nil
}

func (s *Store) FindAll(ctx context.Context, table string, where store.Row) ([]store.Row, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.find(ctx, table, where, 0)
}

func (s *Store) find(ctx context.Context, table string, where store.Row, limit int) ([]store.Row, error) {
	clause, args, err := s.whereClause(table, where)
	if err != nil {
		return nil, err
	}
	q := "SELECT * FROM " + quoteIdent(table) + clause
	if pk := s.catalog.PrimaryKey(table); s.catalog.Columns(table)[pk] {
		q += " ORDER BY " + quoteIdent(pk)
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return s.scan(table, rows)
}

// scan reads every row. BOOLEAN columns come back as bool and blobs as
// strings.
func (s *Store) scan(table string, rows *sql.Rows) ([]store.Row, error) {
	defer func() { _ = rows.Close() }()
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	t, _ := s.catalog.Table(table)
	boolean := make(map[string]bool)
	for _, c := range t.Columns {
		if strings.EqualFold(c.Type, "BOOLEAN") {
			boolean[c.Name] = true
		}
	}

	var out []store.Row
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		r := make(store.Row, len(names))
		for i, n := range names {
			v := vals[i]
			switch x := v.(type) {
			case []byte:
				v = string(x)
			case int64:
				if boolean[n] {
					v = x != 0
				}
			}
			r[n] = v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// tx runs fn on the current transaction, or on a new one when s is not a
// transaction view.
func (s *Store) tx(ctx context.Context, fn func(q querier) error) error {
	if s.done != nil {
		return fn(s.q)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback() // safe to ignore
		return err
	}
	return tx.Commit()
}

func (s *Store) BulkCreate(ctx context.Context, table string, rows []store.Row) ([]store.Row, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	cols, err := s.columns(table)
	if err != nil {
		return nil, err
	}
	out := make([]store.Row, 0, len(rows))
	err = s.tx(ctx, func(q querier) error {
		for _, r := range rows {
			var (
				names []string
				marks []string
				args  []any
			)
			for _, k := range r.Keys() {
				if !cols[k] {
					continue
				}
				names = append(names, quoteIdent(k))
				marks = append(marks, "?")
				args = append(args, r[k])
			}
			stmt := "INSERT INTO " + quoteIdent(table)
			if len(names) == 0 {
				stmt += " DEFAULT VALUES"
			} else {
				stmt += " (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
			}
			res, err := q.QueryContext(ctx, stmt+" RETURNING *", args...)
			if err != nil {
				return fmt.Errorf("insert %s: %w", table, err)
			}
			created, err := s.scan(table, res)
			if err != nil {
				return err
			}
			out = append(out, created...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, table string, id any, fields store.Row) (store.Row, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	cols, err := s.columns(table)
	if err != nil {
		return nil, err
	}
	pk := s.catalog.PrimaryKey(table)
	var (
		sets []string
		args []any
	)
	for _, k := range fields.Keys() {
		if !cols[k] || k == pk {
			continue
		}
		sets = append(sets, quoteIdent(k)+" = ?")
		args = append(args, fields[k])
	}
	if len(sets) == 0 {
		return s.findOne(ctx, table, store.Row{pk: id})
	}
	args = append(args, id)
	rows, err := s.q.QueryContext(ctx,
		"UPDATE "+quoteIdent(table)+" SET "+strings.Join(sets, ", ")+" WHERE "+quoteIdent(pk)+" = ? RETURNING *", args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	updated, err := s.scan(table, rows)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, fmt.Errorf("%s %v: %w", table, id, store.ErrNotFound)
	}
	return updated[0], nil
}

func (s *Store) Delete(ctx context.Context, table string, id any) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := s.columns(table); err != nil {
		return err
	}
	pk := s.catalog.PrimaryKey(table)
	res, err := s.q.ExecContext(ctx, "DELETE FROM "+quoteIdent(table)+" WHERE "+quoteIdent(pk)+" = ?", id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", table, id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) Associated(ctx context.Context, ref store.AssocRef, id any) ([]any, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	bm, err := s.linked(ctx, ref, id)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, bm.GetCardinality())
	for _, v := range bm.ToArray() {
		out = append(out, int64(v))
	}
	return out, nil
}

func (s *Store) linked(ctx context.Context, ref store.AssocRef, id any) (*roaring64.Bitmap, error) {
	if _, err := s.columns(ref.Through); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+quoteIdent(ref.OtherKey)+" FROM "+quoteIdent(ref.Through)+" WHERE "+quoteIdent(ref.ForeignKey)+" = ?", id)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", ref.Through, err)
	}
	defer func() { _ = rows.Close() }()
	bm := roaring64.New()
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", ref.Through, err)
		}
		bm.Add(uint64(v))
	}
	return bm, rows.Err()
}

// SetAssociation diffs the current link set against related and applies
// only the difference.
func (s *Store) SetAssociation(ctx context.Context, ref store.AssocRef, id any, related []any) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	current, err := s.linked(ctx, ref, id)
	if err != nil {
		return err
	}
	next := roaring64.New()
	for _, r := range related {
		v, err := store.ToInt64(r)
		if err != nil {
			return fmt.Errorf("link %s: %w", ref.Through, err)
		}
		next.Add(uint64(v))
	}
	add := next.Clone()
	add.AndNot(current)
	remove := current.Clone()
	remove.AndNot(next)
	if add.IsEmpty() && remove.IsEmpty() {
		return nil
	}

	through := quoteIdent(ref.Through)
	fk, ok := quoteIdent(ref.ForeignKey), quoteIdent(ref.OtherKey)
	return s.tx(ctx, func(q querier) error {
		for _, v := range remove.ToArray() {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+through+" WHERE "+fk+" = ? AND "+ok+" = ?", id, int64(v)); err != nil {
				return fmt.Errorf("unlink %s: %w", ref.Through, err)
			}
		}
		for _, v := range add.ToArray() {
			if _, err := q.ExecContext(ctx, "INSERT INTO "+through+" ("+fk+", "+ok+") VALUES (?, ?)", id, int64(v)); err != nil {
				return fmt.Errorf("link %s: %w", ref.Through, err)
			}
		}
		return nil
	})
}

// Transaction runs fn inside one SQLite transaction. Nested calls join the
// outer transaction.
func (s *Store) Transaction(ctx context.Context, fn func(store.Store) error) error {
	if s.done != nil {
		unlock, err := s.lock()
		if err != nil {
			return err
		}
		unlock()
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	done := false
	view := &Store{db: s.db, q: tx, catalog: s.catalog, mu: &sync.Mutex{}, done: &done}
	// resolve waits for in-flight operations on the view.
	resolve := func() {
		view.mu.Lock()
		done = true
		view.mu.Unlock()
	}

	if err := fn(view); err != nil {
		resolve()
		_ = tx.Rollback() // safe to ignore
		return err
	}
	resolve()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Tables lists the tables known to the store, sorted.
func (s *Store) Tables() []string {
	names := s.catalog.Names()
	sort.Strings(names)
	return names
}

var _ store.Store = (*Store)(nil)

// IDs returns the primary keys of rows.
func IDs(rows []store.Row) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r[api.IDField])
	}
	return out
}
