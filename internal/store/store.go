// Package store defines the relational store the bulk engine writes
// through. Implementations live in the sqlite and memstore subpackages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/agentic-research/dupe/api"
)

// Row is one record keyed by column name.
type Row map[string]any

// ID returns the primary key of r.
func (r Row) ID() any { return r[api.IDField] }

// Clone copies r one level deep.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys of r, sorted.
func (r Row) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrUnknownTable is returned for tables the store does not hold.
	ErrUnknownTable = errors.New("unknown table")
)

// AssocRef names the link table between two tables.
type AssocRef struct {
	// Table owns the link set.
	Table   string
	Related string
	Through string
	// ForeignKey is the Through column pointing at Table.
	ForeignKey string
	// OtherKey is the Through column pointing at Related.
	OtherKey string
}

// Store is a relational store. Where maps compare columns for equality and
// a nil value matches NULL.
type Store interface {
	FindOne(ctx context.Context, table string, where Row) (Row, error)
	FindAll(ctx context.Context, table string, where Row) ([]Row, error)
	// BulkCreate inserts rows and returns them as stored, in input order.
	// Keys that are not columns of table are dropped.
	BulkCreate(ctx context.Context, table string, rows []Row) ([]Row, error)
	// SetAssociation replaces the link set of the row id with related.
	SetAssociation(ctx context.Context, ref AssocRef, id any, related []any) error
	// Associated lists the ids linked to the row id, ascending.
	Associated(ctx context.Context, ref AssocRef, id any) ([]any, error)
	// Update writes fields to the row id and returns the stored row.
	Update(ctx context.Context, table string, id any, fields Row) (Row, error)
	Delete(ctx context.Context, table string, id any) error
	// Transaction runs fn against a transactional view of the store. The
	// view must not be used after fn returns. A non-nil error from fn rolls
	// back every write made through the view.
	Transaction(ctx context.Context, fn func(Store) error) error
}

// ToInt64 converts the id forms produced by JSON decoding and SQL drivers.
func ToInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("id %v is not integral", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("unsupported id type %T", v)
}
