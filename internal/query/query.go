// Package query compiles a selection tree into query documents for the
// entity graph, builds mutation documents, and indexes query responses by
// path.
package query

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/tree"
)

// DefaultLimit is the page size used when Options.Limit is zero.
const DefaultLimit = 5

// Where renders the contents of a where clause.
type Where interface {
	Clause(opts Options) string
}

// WhereString is a clause written by hand, such as `stock: { gt: 0 }`.
type WhereString string

func (w WhereString) Clause(Options) string { return string(w) }

// WhereMap is rendered as named fields.
type WhereMap map[string]any

func (w WhereMap) Clause(Options) string { return ObjectIntoNamedFields(w) }

// WhereFunc builds a clause from the query options.
type WhereFunc func(opts Options) string

func (f WhereFunc) Clause(opts Options) string { return f(opts) }

// Include filters a collection on values of related objects. Keys of an
// include map are related table names.
type Include struct {
	Where   Where
	Include map[string]Include
}

// Params are attached to selection tree nodes.
type Params struct {
	// ByText marks a string attribute as matched by Options.TextSearch.
	ByText bool
	// Where is a custom filter for an entity node.
	Where Where
	// Include is a related object filter for an entity node.
	Include map[string]Include
	// Selected marks attribute leaves the caller wants to read back.
	Selected bool
}

// NewParams is the tree.CreateNew factory for selection trees.
func NewParams(tree.Meta) *Params { return &Params{} }

// Options of one query.
type Options struct {
	TextSearch string
	Page       int
	Limit      int
	Params     *tree.Node[*Params]
}

func (o Options) limit() int {
	if o.Limit > 0 {
		return o.Limit
	}
	return DefaultLimit
}

var (
	// ErrNotEntity is returned when a query root is not an entity node.
	ErrNotEntity = errors.New("query root must be an entity node")
	// ErrEmptySelection is returned when no attribute is reachable from
	// the root.
	ErrEmptySelection = errors.New("query selects no attributes")
)

// CreateQuery compiles opts.Params into a query document. The document is
// parsed before it is returned.
func CreateQuery(opts Options) (string, error) {
	root := opts.Params
	if root == nil {
		return "", nil
	}
	if root.Kind != tree.KindEntity {
		return "", ErrNotEntity
	}
	children := childFields(root, opts)
	if len(children) == 0 {
		return "", ErrEmptySelection
	}
	doc := braced(fieldSet(intoCall(root, opts), fields(children...)))
	if err := CheckQuery(doc); err != nil {
		return "", fmt.Errorf("compiled query: %w", err)
	}
	return doc, nil
}

func intoCall(n *tree.Node[*Params], opts Options) string {
	return baseCall(model.TableName(n.Entity), opts.Page*opts.limit(), opts.limit(), whereClause(n, opts), includeClause(n, opts))
}

// childFields renders the children of n, skipping empty containers and
// collapsed relation hops.
func childFields(n *tree.Node[*Params], opts Options) []string {
	out := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		if f := intoFields(c, opts); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func intoFields(n *tree.Node[*Params], opts Options) string {
	switch n.Kind {
	case tree.KindAttributes:
		ids := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			ids = append(ids, c.Attribute.ID)
		}
		return fields(ids...)
	case tree.KindEntity:
		return entityIntoFields(n, opts)
	}
	panic("query: attribute node rendered outside its container")
}

// entityIntoFields renders a related entity. The many side of a OneToMany
// relation is paginated and filterable, the one side is a single object
// and ManyToMany links are plain collections.
func entityIntoFields(n *tree.Node[*Params], opts Options) string {
	name := n.Entity.Plural
	if rel := n.RelationWithParent; rel != nil {
		switch rel.Side(n.Entity.URN) {
		case model.SideManyToOne:
			name = intoCall(n, opts)
		case model.SideOneToMany:
			name = n.Entity.Singular
		}
	}
	children := childFields(n, opts)
	if len(children) == 0 {
		return ""
	}
	return fieldSet(name, fields(children...))
}

func textLikeClause(field, text string) string {
	return named(field, braced(named("like", valueText("%"+text+"%"))))
}

func whereText(n *tree.Node[*Params], text string) string {
	if text == "" || len(n.Children) == 0 || n.Children[0].Kind != tree.KindAttributes {
		return ""
	}
	var likes []string
	for _, a := range n.Children[0].Children {
		if a.Inner != nil && a.Inner.ByText {
			likes = append(likes, textLikeClause(a.Attribute.ID, text))
		}
	}
	return fields(likes...)
}

func whereClause(n *tree.Node[*Params], opts Options) string {
	text := whereText(n, opts.TextSearch)
	custom := ""
	if n.Inner != nil && n.Inner.Where != nil {
		custom = n.Inner.Where.Clause(opts)
	}
	switch {
	case text != "" && custom == "":
		return braced(named("or", braced(text)))
	case text != "" && custom != "":
		return braced(named("and", braced(fields(named("or", braced(text)), custom))))
	case custom != "":
		return braced(custom)
	}
	return ""
}

func includeClause(n *tree.Node[*Params], opts Options) string {
	if n.Inner == nil || len(n.Inner.Include) == 0 {
		return ""
	}
	return renderInclude(n.Inner.Include, opts)
}

func renderInclude(inc map[string]Include, opts Options) string {
	keys := make([]string, 0, len(inc))
	for k := range inc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]string, 0, len(keys))
	for _, k := range keys {
		i := inc[k]
		where := ""
		if i.Where != nil {
			where = i.Where.Clause(opts)
		}
		clauses := []string{named("where", braced(where))}
		if len(i.Include) > 0 {
			clauses = append(clauses, named("include", renderInclude(i.Include, opts)))
		}
		entries = append(entries, named(k, braced(fields(clauses...))))
	}
	return braced(fields(entries...))
}

// Select marks the attribute leaves at uris as selected.
func Select(root *tree.Node[*Params], uris ...string) error {
	for _, uri := range uris {
		n := tree.FindByURI(root, uri)
		if n == nil || n.Kind != tree.KindAttribute {
			return fmt.Errorf("no attribute at %s", uri)
		}
		n.Inner.Selected = true
	}
	return nil
}

// Selection copies root keeping only selected attribute leaves and the
// entities leading to them.
func Selection(root *tree.Node[*Params]) *tree.Node[*Params] {
	cp := tree.CloneInto(root, func(n *tree.Node[*Params]) *Params {
		if n.Inner == nil {
			return &Params{}
		}
		c := *n.Inner
		return &c
	}, func(n *tree.Node[*Params]) bool {
		return n.Kind != tree.KindAttribute || (n.Inner != nil && n.Inner.Selected)
	})
	tree.Sanitize(cp)
	return cp
}
