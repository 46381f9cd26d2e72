package assoc

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Column of a table as reported by PRAGMA table_info.
type Column struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	PrimaryKey bool    `json:"pk,omitempty"`
	NotNull    bool    `json:"notnull,omitempty"`
	Default    *string `json:"default,omitempty"`
}

// ForeignKey declares that column From references Table.To.
type ForeignKey struct {
	From  string `json:"from"`
	Table string `json:"table"`
	To    string `json:"to"`
}

// Table is the column and foreign key metadata of one table.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// PrimaryKey returns the first primary key column, or "" when the table has
// none.
func (t Table) PrimaryKey() string {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return c.Name
		}
	}
	return ""
}

// HasColumn reports whether name is a column of t.
func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ColumnNames in declaration order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Catalog keeps introspected tables by name.
type Catalog struct {
	tables map[string]Table
	names  []string
}

// NewCatalog indexes tables. A later table with the same name replaces an
// earlier one.
func NewCatalog(tables []Table) *Catalog {
	c := &Catalog{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		if _, dup := c.tables[t.Name]; !dup {
			c.names = append(c.names, t.Name)
		}
		c.tables[t.Name] = t
	}
	sort.Strings(c.names)
	return c
}

// Table looks up a table by name.
func (c *Catalog) Table(name string) (Table, bool) {
	t, ok := c.tables[name]
	return t, ok
}

// Has reports whether the catalog knows name.
func (c *Catalog) Has(name string) bool {
	_, ok := c.tables[name]
	return ok
}

// Names of all tables, sorted.
func (c *Catalog) Names() []string { return append([]string(nil), c.names...) }

// Tables in name order.
func (c *Catalog) Tables() []Table {
	out := make([]Table, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.tables[n])
	}
	return out
}

// PrimaryKey of table, defaulting to "id" for unknown tables and tables
// without one.
func (c *Catalog) PrimaryKey(table string) string {
	if t, ok := c.tables[table]; ok {
		if pk := t.PrimaryKey(); pk != "" {
			return pk
		}
	}
	return "id"
}

// Columns of table as a set.
func (c *Catalog) Columns(table string) map[string]bool {
	t, ok := c.tables[table]
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(t.Columns))
	for _, col := range t.Columns {
		out[col.Name] = true
	}
	return out
}

// Introspect reads the user tables of a SQLite database together with their
// columns and declared foreign keys.
func Introspect(ctx context.Context, db *sql.DB) ([]Table, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		cols, err := tableInfo(ctx, db, name)
		if err != nil {
			return nil, err
		}
		fks, err := foreignKeyList(ctx, db, name)
		if err != nil {
			return nil, err
		}
		sortByColumn(fks, cols)
		tables = append(tables, Table{Name: name, Columns: cols, ForeignKeys: fks})
	}
	return tables, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func tableInfo(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []Column
	for rows.Next() {
		var (
			cid     int
			c       Column
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		c.NotNull = notNull != 0
		c.PrimaryKey = pk != 0
		if dflt.Valid {
			v := dflt.String
			c.Default = &v
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func foreignKeyList(ctx context.Context, db *sql.DB, table string) ([]ForeignKey, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA foreign_key_list("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("foreign_key_list %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var fks []ForeignKey
	for rows.Next() {
		var (
			id, seq                     int
			ref, from                   string
			to                          sql.NullString
			onUpdate, onDelete, matchBy string
		)
		if err := rows.Scan(&id, &seq, &ref, &from, &to, &onUpdate, &onDelete, &matchBy); err != nil {
			return nil, fmt.Errorf("scan foreign_key_list %s: %w", table, err)
		}
		fk := ForeignKey{From: from, Table: ref, To: to.String}
		if fk.To == "" {
			fk.To = "id"
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// sortByColumn orders foreign keys by the position of their column.
func sortByColumn(fks []ForeignKey, cols []Column) {
	pos := make(map[string]int, len(cols))
	for i, c := range cols {
		pos[c.Name] = i
	}
	sort.SliceStable(fks, func(i, j int) bool { return pos[fks[i].From] < pos[fks[j].From] })
}
