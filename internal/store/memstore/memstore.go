// Package memstore is an in-memory store.Store. Rows of each table are kept
// ordered by primary key; link tables hold id pairs.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/btree"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/store"
)

type item struct {
	id  int64
	row store.Row
}

func itemLess(a, b item) bool { return a.id < b.id }

type link struct{ a, b int64 }

func linkLess(x, y link) bool {
	if x.a != y.a {
		return x.a < y.a
	}
	return x.b < y.b
}

type table struct {
	columns map[string]bool
	rows    *btree.BTreeG[item]
	next    int64
}

// data is one consistent version of every table.
type data struct {
	tables map[string]*table
	links  map[string]*btree.BTreeG[link]
	// keys maps a link table onto the column holding the a side.
	keys map[string]string
}

func (d *data) copy() *data {
	out := &data{
		tables: make(map[string]*table, len(d.tables)),
		links:  make(map[string]*btree.BTreeG[link], len(d.links)),
		keys:   d.keys,
	}
	for name, t := range d.tables {
		out.tables[name] = &table{columns: t.columns, rows: t.rows.Copy(), next: t.next}
	}
	for name, l := range d.links {
		out.links[name] = l.Copy()
	}
	return out
}

// Store keeps every table in memory. Writes outside a transaction wait for
// the open transaction to resolve.
type Store struct {
	mu *sync.Mutex
	// writer is held by a transaction for its whole run. Nil for views.
	writer *sync.Mutex
	data   *data
	// view marks a transaction view; closed once it resolved
	view   bool
	closed bool
}

// Table declares the columns of a table. An empty column set accepts any
// key.
type Table struct {
	Name    string
	Columns []string
}

// New returns a store holding tables and the link tables in links.
func New(tables []Table, links ...store.AssocRef) *Store {
	d := &data{
		tables: make(map[string]*table, len(tables)),
		links:  make(map[string]*btree.BTreeG[link], len(links)),
		keys:   make(map[string]string, len(links)),
	}
	for _, t := range tables {
		cols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			cols[c] = true
		}
		d.tables[t.Name] = &table{columns: cols, rows: btree.NewBTreeG[item](itemLess), next: 1}
	}
	for _, l := range links {
		d.links[l.Through] = btree.NewBTreeG[link](linkLess)
		d.keys[l.Through] = l.ForeignKey
	}
	return &Store{mu: &sync.Mutex{}, writer: &sync.Mutex{}, data: d}
}

// FromModel declares the tables of every entity and ManyToMany relation of
// m.
func FromModel(m *model.Model) *Store {
	var (
		tables []Table
		links  []store.AssocRef
	)
	for _, e := range m.Entities() {
		cols := []string{api.IDField, api.CreatedAtField, api.UpdatedAtField}
		cols = append(cols, e.AttributeIDs()...)
		for _, urn := range m.RelationsOfEntity(e.URN) {
			r, _ := m.FindRelationByURN(urn)
			if r.Cardinality == api.OneToMany && r.Destination == e.URN {
				origin, _ := m.Endpoints(r)
				cols = append(cols, model.ForeignKeyName(origin))
			}
		}
		tables = append(tables, Table{Name: model.TableName(e), Columns: cols})
	}
	for _, r := range m.Relations() {
		if r.Cardinality != api.ManyToMany {
			continue
		}
		o, d := m.Endpoints(r)
		links = append(links, store.AssocRef{
			Table:      model.TableName(o),
			Related:    model.TableName(d),
			Through:    model.JoinTableName(o, d),
			ForeignKey: model.ForeignKeyName(o),
			OtherKey:   model.ForeignKeyName(d),
		})
	}
	return New(tables, links...)
}

// ErrClosed is returned by a transaction view used after its transaction
// resolved.
var ErrClosed = errors.New("transaction already resolved")

func (s *Store) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// writeLock locks s for a write, after any open transaction.
func (s *Store) writeLock() (func(), error) {
	if s.writer != nil {
		s.writer.Lock()
	}
	if err := s.lock(); err != nil {
		if s.writer != nil {
			s.writer.Unlock()
		}
		return nil, err
	}
	return func() {
		s.mu.Unlock()
		if s.writer != nil {
			s.writer.Unlock()
		}
	}, nil
}

func (s *Store) table(name string) (*table, error) {
	t, ok := s.data.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownTable, name)
	}
	return t, nil
}

// equal compares stored and wanted values by their printed form, so ids
// decoded from JSON match stored integers.
func equal(stored, wanted any) bool {
	if stored == nil || wanted == nil {
		return stored == nil && wanted == nil
	}
	return fmt.Sprint(stored) == fmt.Sprint(wanted)
}

func matches(r, where store.Row) bool {
	for k, v := range where {
		if !equal(r[k], v) {
			return false
		}
	}
	return true
}

func (s *Store) find(name string, where store.Row, limit int) ([]store.Row, error) {
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	for k := range where {
		if len(t.columns) > 0 && !t.columns[k] {
			return nil, fmt.Errorf("unknown column %s.%s", name, k)
		}
	}
	var out []store.Row
	t.rows.Scan(func(it item) bool {
		if matches(it.row, where) {
			out = append(out, it.row.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *Store) FindOne(_ context.Context, name string, where store.Row) (store.Row, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	rows, err := s.find(name, where, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %v: %w", name, map[string]any(where), store.ErrNotFound)
	}
	return rows[0], nil
}

func (s *Store) FindAll(_ context.Context, name string, where store.Row) ([]store.Row, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.find(name, where, 0)
}

func (s *Store) BulkCreate(ctx context.Context, name string, rows []store.Row) ([]store.Row, error) {
	unlock, err := s.writeLock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]store.Row, 0, len(rows))
	next := t.next
	staged := make([]item, 0, len(rows))
	for _, r := range rows {
		row := make(store.Row, len(r)+1)
		for k, v := range r {
			if len(t.columns) == 0 || t.columns[k] {
				row[k] = v
			}
		}
		id := next
		if v, ok := row[api.IDField]; ok && v != nil {
			explicit, err := store.ToInt64(v)
			if err != nil {
				return nil, fmt.Errorf("insert %s: %w", name, err)
			}
			id = explicit
		}
		if _, taken := t.rows.Get(item{id: id}); taken {
			return nil, fmt.Errorf("insert %s: id %d already exists", name, id)
		}
		row[api.IDField] = id
		if id >= next {
			next = id + 1
		}
		staged = append(staged, item{id: id, row: row})
		out = append(out, row.Clone())
	}
	for _, it := range staged {
		t.rows.Set(it)
	}
	t.next = next
	return out, nil
}

func (s *Store) Update(_ context.Context, name string, id any, fields store.Row) (store.Row, error) {
	unlock, err := s.writeLock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	key, err := store.ToInt64(id)
	if err != nil {
		return nil, err
	}
	it, ok := t.rows.Get(item{id: key})
	if !ok {
		return nil, fmt.Errorf("%s %v: %w", name, id, store.ErrNotFound)
	}
	row := it.row.Clone()
	for k, v := range fields {
		if k == api.IDField || (len(t.columns) > 0 && !t.columns[k]) {
			continue
		}
		row[k] = v
	}
	t.rows.Set(item{id: key, row: row})
	return row.Clone(), nil
}

func (s *Store) Delete(_ context.Context, name string, id any) error {
	unlock, err := s.writeLock()
	if err != nil {
		return err
	}
	defer unlock()
	t, err := s.table(name)
	if err != nil {
		return err
	}
	key, err := store.ToInt64(id)
	if err != nil {
		return err
	}
	if _, ok := t.rows.Delete(item{id: key}); !ok {
		return fmt.Errorf("%s %v: %w", name, id, store.ErrNotFound)
	}
	return nil
}

// pair orients a link of ref so that a is the side stored first.
func (s *Store) pair(ref store.AssocRef, id, other int64) link {
	if s.data.keys[ref.Through] == ref.ForeignKey {
		return link{a: id, b: other}
	}
	return link{a: other, b: id}
}

func (s *Store) linked(ref store.AssocRef, id int64) ([]int64, error) {
	l, ok := s.data.links[ref.Through]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownTable, ref.Through)
	}
	forward := s.data.keys[ref.Through] == ref.ForeignKey
	var out []int64
	l.Scan(func(x link) bool {
		switch {
		case forward && x.a == id:
			out = append(out, x.b)
		case !forward && x.b == id:
			out = append(out, x.a)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) Associated(_ context.Context, ref store.AssocRef, id any) ([]any, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	key, err := store.ToInt64(id)
	if err != nil {
		return nil, err
	}
	ids, err := s.linked(ref, key)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(ids))
	for i, v := range ids {
		out[i] = v
	}
	return out, nil
}

func (s *Store) SetAssociation(_ context.Context, ref store.AssocRef, id any, related []any) error {
	unlock, err := s.writeLock()
	if err != nil {
		return err
	}
	defer unlock()
	key, err := store.ToInt64(id)
	if err != nil {
		return err
	}
	current, err := s.linked(ref, key)
	if err != nil {
		return err
	}
	l := s.data.links[ref.Through]
	for _, other := range current {
		l.Delete(s.pair(ref, key, other))
	}
	for _, r := range related {
		other, err := store.ToInt64(r)
		if err != nil {
			return fmt.Errorf("link %s: %w", ref.Through, err)
		}
		l.Set(s.pair(ref, key, other))
	}
	return nil
}

// Transaction runs fn against a copy of every table. The copy replaces the
// store contents when fn succeeds. Transactions and writes outside them
// run one at a time, so fn must write through its view only.
func (s *Store) Transaction(_ context.Context, fn func(store.Store) error) error {
	if s.view {
		if err := s.lock(); err != nil {
			return err
		}
		s.mu.Unlock()
		return fn(s)
	}
	s.writer.Lock()
	defer s.writer.Unlock()
	if err := s.lock(); err != nil {
		return err
	}
	view := &Store{mu: &sync.Mutex{}, data: s.data.copy(), view: true}
	s.mu.Unlock()

	err := fn(view)

	view.mu.Lock()
	view.closed = true
	view.mu.Unlock()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = view.data
	s.mu.Unlock()
	return nil
}

var _ store.Store = (*Store)(nil)
