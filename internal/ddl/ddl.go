// Package ddl renders the SQLite schema of a model: one table and one
// updated_at trigger per entity, and one link table per ManyToMany relation.
package ddl

import (
	"fmt"
	"strings"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/model"
)

// Type is a SQLite column type.
type Type string

const (
	Integer  Type = "INTEGER"
	Real     Type = "REAL"
	Text     Type = "TEXT"
	Boolean  Type = "BOOLEAN"
	DateTime Type = "DATETIME"
)

// TypeOf maps an attribute type onto its column type.
func TypeOf(t api.AttributeType) Type {
	switch t {
	case api.TypeString:
		return Text
	case api.TypeReal:
		return Real
	case api.TypeBool:
		return Boolean
	case api.TypeTimestamp:
		return DateTime
	}
	return Integer
}

// Column definition.
type Column struct {
	Name          string
	Type          Type
	NotNull       bool
	Default       *string
	AutoIncrement bool
	PrimaryKey    bool
	Unique        bool
}

func (c Column) String() string {
	parts := []string{c.Name, string(c.Type)}
	if c.PrimaryKey {
		parts = append(parts, "PRIMARY KEY")
	}
	if c.AutoIncrement {
		parts = append(parts, "AUTOINCREMENT")
	}
	if c.Unique {
		parts = append(parts, "UNIQUE")
	}
	if c.Default != nil {
		if *c.Default == "" {
			parts = append(parts, "DEFAULT")
		} else {
			parts = append(parts, "DEFAULT "+*c.Default)
		}
	}
	if c.NotNull {
		parts = append(parts, "NOT NULL")
	}
	return strings.Join(parts, " ")
}

// ForeignKey constraint.
type ForeignKey struct {
	Key             string
	Table           string
	TableKey        string
	OnDeleteCascade bool
}

func (fk ForeignKey) String() string {
	s := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)", fk.Key, fk.Table, fk.TableKey)
	if fk.OnDeleteCascade {
		s += " ON DELETE CASCADE"
	}
	return s
}

// Unique constraint over several columns.
type Unique []string

func (u Unique) String() string { return "UNIQUE (" + strings.Join(u, ", ") + ")" }

// Table definition.
type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
	Uniques     []Unique
}

func (t Table) String() string {
	inner := make([]string, 0, len(t.Columns)+len(t.ForeignKeys)+len(t.Uniques))
	for _, c := range t.Columns {
		inner = append(inner, c.String())
	}
	for _, fk := range t.ForeignKeys {
		inner = append(inner, fk.String())
	}
	for _, u := range t.Uniques {
		inner = append(inner, u.String())
	}
	return fmt.Sprintf("CREATE TABLE %s(%s);", t.Name, strings.Join(inner, ", "))
}

// Trigger refreshes a timestamp column after each update.
type Trigger struct {
	Table  string
	Column string
	ID     string
	Value  string
}

func (tr Trigger) String() string {
	return fmt.Sprintf(
		"CREATE TRIGGER %[1]s_%[2]s AFTER UPDATE ON %[1]s WHEN old.%[2]s < %[4]s BEGIN UPDATE %[1]s SET %[2]s = %[4]s WHERE %[3]s = old.%[3]s; END;",
		tr.Table, tr.Column, tr.ID, tr.Value)
}

const currentTimestamp = "CURRENT_TIMESTAMP"

// BaseTable holds the columns shared by every entity table.
func BaseTable(name string) Table {
	now := currentTimestamp
	return Table{
		Name: name,
		Columns: []Column{
			{Name: api.IDField, Type: Integer, PrimaryKey: true, AutoIncrement: true},
			{Name: api.CreatedAtField, Type: DateTime, Default: &now, NotNull: true},
			{Name: api.UpdatedAtField, Type: DateTime, Default: &now, NotNull: true},
		},
	}
}

// UpdateTrigger keeps updated_at of table current.
func UpdateTrigger(table string) Trigger {
	return Trigger{Table: table, Column: api.UpdatedAtField, ID: api.IDField, Value: currentTimestamp}
}

// AttributeColumn is the column of an attribute.
func AttributeColumn(a api.Attribute) Column {
	return Column{Name: a.ID, Type: TypeOf(a.Type), Unique: a.Unique, NotNull: a.Required}
}

func referenceColumn(e *model.EntitySpec) (Column, ForeignKey) {
	key := model.ForeignKeyName(e)
	return Column{Name: key, Type: Integer, NotNull: true},
		ForeignKey{Key: key, Table: model.TableName(e), TableKey: api.IDField, OnDeleteCascade: true}
}

// EntityTable is the table of e. Every OneToMany relation with e as
// destination adds a reference column to the origin table.
func EntityTable(m *model.Model, e *model.EntitySpec) Table {
	t := BaseTable(model.TableName(e))
	for _, a := range e.Attributes {
		t.Columns = append(t.Columns, AttributeColumn(a))
	}
	for _, uc := range e.UniqueConstraints {
		t.Uniques = append(t.Uniques, Unique(m.UniqueConstraintColumns(uc)))
	}
	for _, urn := range m.RelationsOfEntity(e.URN) {
		r, _ := m.FindRelationByURN(urn)
		if r.Cardinality != api.OneToMany || r.Destination != e.URN {
			continue
		}
		origin, _ := m.Endpoints(r)
		c, fk := referenceColumn(origin)
		t.Columns = append(t.Columns, c)
		t.ForeignKeys = append(t.ForeignKeys, fk)
	}
	return t
}

// RelationTable is the link table of a ManyToMany relation. The second
// result is false for OneToMany relations, which need no table.
func RelationTable(m *model.Model, r *model.RelationSpec) (Table, bool) {
	if r.Cardinality != api.ManyToMany {
		return Table{}, false
	}
	origin, destination := m.Endpoints(r)
	oc, ofk := referenceColumn(origin)
	dc, dfk := referenceColumn(destination)
	t := Table{
		Name:        model.JoinTableName(origin, destination),
		Columns:     []Column{oc, dc},
		ForeignKeys: []ForeignKey{ofk, dfk},
	}
	for _, a := range r.Attributes {
		t.Columns = append(t.Columns, AttributeColumn(a))
	}
	return t, true
}

// Generate renders every statement needed to create the schema of m, in
// dependency order: entity tables in declaration order, each followed by its
// trigger, then link tables.
func Generate(m *model.Model) []string {
	var out []string
	for _, e := range m.Entities() {
		out = append(out, EntityTable(m, e).String(), UpdateTrigger(model.TableName(e)).String())
	}
	for _, r := range m.Relations() {
		if t, ok := RelationTable(m, r); ok {
			out = append(out, t.String())
		}
	}
	return out
}
