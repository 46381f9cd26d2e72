package bulk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/assoc"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/store"
)

// Link is one association of a table as the engine uses it.
type Link struct {
	// Key is the input field carrying the reference.
	Key   string
	Table string
	// ForeignKey is the referencing column. It lives on the owning table
	// for toOne links and on Table for hasMany links.
	ForeignKey string
	// Through is set for toMany links.
	Through store.AssocRef
}

// Table describes how rows of one table are created and updated.
type Table struct {
	Name     string
	Singular string
	// URN of the entity validating input rows. Empty skips validation.
	URN        string
	PrimaryKey string
	// Unique are the columns accepted as a unique reference, primary key
	// first.
	Unique []string

	ToOne   []Link
	ToMany  []Link
	HasMany []Link
}

// IsUnique reports whether col may identify a row.
func (t *Table) IsUnique(col string) bool {
	for _, u := range t.Unique {
		if u == col {
			return true
		}
	}
	return false
}

// ManyToMany finds the toMany link to related.
func (t *Table) ManyToMany(related string) (Link, bool) {
	for _, l := range t.ToMany {
		if l.Table == related {
			return l, true
		}
	}
	return Link{}, false
}

func (t *Table) isLinkKey(key string) bool {
	for _, group := range [][]Link{t.ToOne, t.ToMany, t.HasMany} {
		for _, l := range group {
			if l.Key == key {
				return true
			}
		}
	}
	return false
}

func (t *Table) add(group *[]Link, l Link) {
	// The first association claiming a key wins.
	if t.isLinkKey(l.Key) {
		return
	}
	*group = append(*group, l)
}

// Schema holds every table the engine can write.
type Schema struct {
	tables map[string]*Table
	names  []string
}

func newSchema() *Schema {
	return &Schema{tables: make(map[string]*Table)}
}

func (s *Schema) put(t *Table) {
	if _, ok := s.tables[t.Name]; !ok {
		s.names = append(s.names, t.Name)
	}
	s.tables[t.Name] = t
}

// Table looks up a table by name.
func (s *Schema) Table(name string) (*Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

func (s *Schema) table(name string) (*Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownTable, name)
	}
	return t, nil
}

// Tables lists table names in declaration order.
func (s *Schema) Tables() []string { return append([]string(nil), s.names...) }

// SchemaFromModel derives the tables of every entity of m.
func SchemaFromModel(m *model.Model) (*Schema, error) {
	s := newSchema()
	for _, e := range m.Entities() {
		unique := []string{api.IDField}
		extra, _ := m.TableUniqueAttributes(model.TableName(e))
		for _, col := range extra {
			if col != api.IDField {
				unique = append(unique, col)
			}
		}
		s.put(&Table{
			Name:       model.TableName(e),
			Singular:   e.Singular,
			URN:        e.URN,
			PrimaryKey: api.IDField,
			Unique:     unique,
		})
	}
	for _, r := range m.Relations() {
		o, d := m.Endpoints(r)
		origin, destination := s.tables[model.TableName(o)], s.tables[model.TableName(d)]
		switch r.Cardinality {
		case api.OneToMany:
			fk := model.ForeignKeyName(o)
			origin.add(&origin.HasMany, Link{Key: destination.Name, Table: destination.Name, ForeignKey: fk})
			destination.add(&destination.ToOne, Link{Key: origin.Singular, Table: origin.Name, ForeignKey: fk})
		case api.ManyToMany:
			ref := store.AssocRef{
				Table:      origin.Name,
				Related:    destination.Name,
				Through:    model.JoinTableName(o, d),
				ForeignKey: model.ForeignKeyName(o),
				OtherKey:   model.ForeignKeyName(d),
			}
			origin.add(&origin.ToMany, Link{Key: destination.Name, Table: destination.Name, Through: ref})
			destination.add(&destination.ToMany, Link{Key: origin.Name, Table: origin.Name, Through: reverse(ref)})
		}
	}
	if err := s.checkCycles(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSchema derives tables from an introspected catalog and the
// associations inferred over it. Join tables are not writable on their
// own.
func NewSchema(catalog *assoc.Catalog, associations []assoc.Association, inflector model.Inflector) (*Schema, error) {
	if inflector == nil {
		inflector = model.EnglishInflector{}
	}
	join := make(map[string]bool)
	for _, a := range associations {
		if a.Through != "" {
			join[a.Through] = true
		}
	}

	s := newSchema()
	for _, name := range catalog.Names() {
		if join[name] {
			continue
		}
		pk := catalog.PrimaryKey(name)
		s.put(&Table{Name: name, Singular: inflector.Singular(name), PrimaryKey: pk, Unique: []string{pk}})
	}

	for _, a := range associations {
		from, ok := s.tables[a.From]
		if !ok {
			return nil, fmt.Errorf("association %s -> %s: %w: %s", a.From, a.To, store.ErrUnknownTable, a.From)
		}
		to, ok := s.tables[a.To]
		if !ok {
			return nil, fmt.Errorf("association %s -> %s: %w: %s", a.From, a.To, store.ErrUnknownTable, a.To)
		}
		switch a.Kind {
		case assoc.DirectReference:
			from.add(&from.ToOne, Link{Key: to.Singular, Table: to.Name, ForeignKey: a.ForeignKey})
		case assoc.ReverseReference:
			from.add(&from.HasMany, Link{Key: to.Name, Table: to.Name, ForeignKey: a.ForeignKey})
		case assoc.ManyToManyBothSides:
			from.add(&from.ToMany, Link{Key: to.Name, Table: to.Name, Through: store.AssocRef{
				Table:      from.Name,
				Related:    to.Name,
				Through:    a.Through,
				ForeignKey: a.ForeignKey,
				OtherKey:   a.OtherKey,
			}})
		}
	}
	if err := s.checkCycles(); err != nil {
		return nil, err
	}
	return s, nil
}

func reverse(ref store.AssocRef) store.AssocRef {
	return store.AssocRef{
		Table:      ref.Related,
		Related:    ref.Table,
		Through:    ref.Through,
		ForeignKey: ref.OtherKey,
		OtherKey:   ref.ForeignKey,
	}
}

// checkCycles rejects hasMany links that loop, since creates recurse along
// them.
func (s *Schema) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(s.tables))
	var stack []string
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
				}
			}
			path := append(append([]string{}, stack[start:]...), name)
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
		case done:
			return nil
		}
		state[name] = visiting
		stack = append(stack, name)
		t := s.tables[name]
		children := make([]string, 0, len(t.HasMany))
		for _, l := range t.HasMany {
			children = append(children, l.Table)
		}
		sort.Strings(children)
		for _, c := range children {
			if err := visit(c); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}
	for _, name := range s.names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// OtherKey names the column referencing a row of singular by its key.
func OtherKey(singular, key string) string {
	return model.FieldName(singular + "_" + key)
}

// PolyKeys names the arguments of a link between t and other: t's key,
// other's key, and the argument carrying other's key. When both keys share
// a name the argument is prefixed with other's singular name.
func PolyKeys(t, other *Table) (key, otherKey, otherArg string) {
	key, otherKey = t.PrimaryKey, other.PrimaryKey
	if key == otherKey {
		return key, otherKey, OtherKey(other.Singular, otherKey)
	}
	return key, otherKey, otherKey
}
