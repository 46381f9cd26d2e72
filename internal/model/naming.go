package model

import (
	"strings"
	"unicode"

	"github.com/agentic-research/dupe/api"
)

// Inflector converts between singular and plural table terms.
type Inflector interface {
	Singular(term string) string
	Plural(term string) string
}

// EnglishInflector applies suffix rules. It is the fallback for terms the
// schema does not name.
type EnglishInflector struct{}

func (EnglishInflector) Singular(term string) string {
	switch {
	case strings.HasSuffix(term, "ies") && len(term) > 3:
		return term[:len(term)-3] + "y"
	case strings.HasSuffix(term, "sses"), strings.HasSuffix(term, "xes"),
		strings.HasSuffix(term, "ches"), strings.HasSuffix(term, "shes"):
		return term[:len(term)-2]
	case strings.HasSuffix(term, "ss"):
		return term
	case strings.HasSuffix(term, "s") && len(term) > 1:
		return term[:len(term)-1]
	}
	return term
}

func (EnglishInflector) Plural(term string) string {
	switch {
	case strings.HasSuffix(term, "ies"):
		return term
	case strings.HasSuffix(term, "y") && len(term) > 1 && !strings.ContainsRune("aeiou", rune(term[len(term)-2])):
		return term[:len(term)-1] + "ies"
	case strings.HasSuffix(term, "ss"), strings.HasSuffix(term, "x"),
		strings.HasSuffix(term, "ch"), strings.HasSuffix(term, "sh"):
		return term + "es"
	case strings.HasSuffix(term, "s"):
		return term
	}
	return term + "s"
}

// Singular uses the entity display names when term names a table, and the
// English rules otherwise.
func (m *Model) Singular(term string) string {
	if e, ok := m.byTable[term]; ok {
		return e.Singular
	}
	if e, ok := m.bySingular[term]; ok {
		return e.Singular
	}
	return EnglishInflector{}.Singular(term)
}

// Plural is the counterpart of Singular.
func (m *Model) Plural(term string) string {
	if e, ok := m.bySingular[term]; ok {
		return e.Plural
	}
	if e, ok := m.byTable[term]; ok {
		return e.Plural
	}
	return EnglishInflector{}.Plural(term)
}

// TableName of an entity.
func TableName(e *EntitySpec) string { return e.Plural }

// JoinTableName is the link table of a ManyToMany relation.
func JoinTableName(origin, destination *EntitySpec) string {
	return origin.Singular + "_" + destination.Plural
}

// ForeignKeyName is the column referencing e from another table.
func ForeignKeyName(e *EntitySpec) string {
	return e.Singular + "_" + api.IDField
}

// EntityByTable resolves an entity table name.
func (m *Model) EntityByTable(table string) (*EntitySpec, bool) {
	e, ok := m.byTable[table]
	return e, ok
}

// RelationByJoinTable resolves a ManyToMany link table name.
func (m *Model) RelationByJoinTable(table string) (*RelationSpec, bool) {
	r, ok := m.joinTables[table]
	return r, ok
}

// IsRelationTable reports whether name is a ManyToMany link table.
func (m *Model) IsRelationTable(name string) bool {
	_, ok := m.joinTables[name]
	return ok
}

// TableNames lists entity tables followed by link tables.
func (m *Model) TableNames() []string {
	out := make([]string, 0, len(m.entityOrder)+len(m.joinTables))
	for _, e := range m.Entities() {
		out = append(out, TableName(e))
	}
	for _, r := range m.Relations() {
		if r.Cardinality == api.ManyToMany {
			o, d := m.Endpoints(r)
			out = append(out, JoinTableName(o, d))
		}
	}
	return out
}

// UniqueConstraintColumns maps a unique constraint onto column names.
func (m *Model) UniqueConstraintColumns(uc api.UniqueConstraint) []string {
	out := append([]string{}, uc.Attributes...)
	for _, urn := range uc.Relations {
		if r, ok := m.relations[urn]; ok {
			out = append(out, ForeignKeyName(m.entities[r.Origin]))
		}
	}
	return out
}

// TableUniqueAttributes lists the columns of table that identify a row on
// their own or as part of a unique constraint. The second result is false
// for unknown tables.
func (m *Model) TableUniqueAttributes(table string) ([]string, bool) {
	if r, ok := m.joinTables[table]; ok {
		o, d := m.Endpoints(r)
		return []string{ForeignKeyName(o), ForeignKeyName(d)}, true
	}
	e, ok := m.byTable[table]
	if !ok {
		return nil, false
	}
	var out []string
	for _, uc := range e.UniqueConstraints {
		out = append(out, m.UniqueConstraintColumns(uc)...)
	}
	for _, a := range e.Attributes {
		if a.Unique {
			out = append(out, a.ID)
		}
	}
	return out, true
}

// PascalCase joins the words of s, each capitalized. Words are separated by
// '_', '-', ' ' or a lower to upper case change.
func PascalCase(s string) string {
	var b strings.Builder
	for _, w := range splitWords(s) {
		r := []rune(w)
		b.WriteRune(unicode.ToUpper(r[0]))
		b.WriteString(strings.ToLower(string(r[1:])))
	}
	return b.String()
}

// FieldName is the snake_case form of s.
func FieldName(s string) string {
	words := splitWords(s)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, "_")
}

// TypeName is the PascalCase type name of an entity.
func TypeName(e *EntitySpec) string {
	return PascalCase(e.Singular)
}

func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	prevLower := false
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || r == ' ' || r == '.':
			flush()
			prevLower = false
			continue
		case unicode.IsUpper(r) && prevLower:
			flush()
		}
		cur = append(cur, r)
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	flush()
	return words
}
