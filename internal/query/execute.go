package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/obs"
	"github.com/agentic-research/dupe/internal/store"
	"github.com/agentic-research/dupe/internal/tree"
)

// ErrUnsupportedWhere is returned by Execute for filters it cannot
// evaluate, such as hand written WhereString clauses.
var ErrUnsupportedWhere = errors.New("filter cannot be executed")

// Execute runs the query compiled from opts against st and returns the
// objects the document would return. Roots and the many side of OneToMany
// hops are filtered, then paginated; the one side of a OneToMany hop is a
// single object and ManyToMany hops list every linked row.
func Execute(ctx context.Context, st store.Store, m *model.Model, opts Options) (resp *Response, err error) {
	root := opts.Params
	if root == nil {
		return &Response{Model: m}, nil
	}
	if root.Kind != tree.KindEntity {
		return nil, ErrNotEntity
	}
	table := model.TableName(root.Entity)
	ctx, span := obs.Tracer().Start(ctx, "query.execute", trace.WithAttributes(attribute.String("dupe.table", table)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(childFields(root, opts)) == 0 {
		return nil, ErrEmptySelection
	}
	x := &executor{store: st, model: m, opts: opts}
	rows, err := x.page(ctx, root, nil)
	if err != nil {
		return nil, err
	}
	objects, err := x.project(ctx, root, rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("dupe.rows", len(objects)))
	return &Response{Data: map[string]any{table: objects}, Model: m, Params: root}, nil
}

type executor struct {
	store store.Store
	model *model.Model
	opts  Options
}

// page reads the rows of n matching its filters, restricted to eq, and
// keeps one page of them.
func (x *executor) page(ctx context.Context, n *tree.Node[*Params], eq store.Row) ([]store.Row, error) {
	f, err := splitWhere(n)
	if err != nil {
		return nil, err
	}
	for k, v := range eq {
		f.eq[k] = v
	}
	rows, err := x.store.FindAll(ctx, model.TableName(n.Entity), f.eq)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", model.TableName(n.Entity), err)
	}
	text := textAttributes(n, x.opts.TextSearch)

	offset, limit := x.opts.Page*x.opts.limit(), x.opts.limit()
	out := make([]store.Row, 0, limit)
	skipped := 0
	for _, r := range rows {
		if !f.match(r) || !matchText(r, text, x.opts.TextSearch) {
			continue
		}
		if n.Inner != nil && len(n.Inner.Include) > 0 {
			ok, err := x.included(ctx, n.Entity, r, n.Inner.Include)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// project renders rows as the objects of entity node n.
func (x *executor) project(ctx context.Context, n *tree.Node[*Params], rows []store.Row) ([]any, error) {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		obj, err := x.object(ctx, n, r)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func (x *executor) object(ctx context.Context, n *tree.Node[*Params], r store.Row) (map[string]any, error) {
	obj := map[string]any{api.IDField: r[api.IDField]}
	for _, c := range n.Children {
		switch c.Kind {
		case tree.KindAttributes:
			for _, a := range c.Children {
				obj[a.Attribute.ID] = r[a.Attribute.ID]
			}
		case tree.KindEntity:
			if c.RelationWithParent == nil || len(childFields(c, x.opts)) == 0 {
				continue
			}
			key, v, err := x.hop(ctx, n.Entity, c, r)
			if err != nil {
				return nil, err
			}
			obj[key] = v
		}
	}
	return obj, nil
}

// hop follows the relation of c from the parent row r and returns the key
// and value of the related objects.
func (x *executor) hop(ctx context.Context, parent *model.EntitySpec, c *tree.Node[*Params], r store.Row) (string, any, error) {
	rel := c.RelationWithParent
	switch rel.Side(c.Entity.URN) {
	case model.SideManyToOne:
		rows, err := x.page(ctx, c, store.Row{model.ForeignKeyName(parent): r[api.IDField]})
		if err != nil {
			return "", nil, err
		}
		objects, err := x.project(ctx, c, rows)
		return c.Entity.Plural, objects, err
	case model.SideOneToMany:
		rows, err := x.related(ctx, parent, c.Entity, rel, r)
		if err != nil || len(rows) == 0 {
			return c.Entity.Singular, nil, err
		}
		obj, err := x.object(ctx, c, rows[0])
		return c.Entity.Singular, obj, err
	default:
		rows, err := x.related(ctx, parent, c.Entity, rel, r)
		if err != nil {
			return "", nil, err
		}
		objects, err := x.project(ctx, c, rows)
		return c.Entity.Plural, objects, err
	}
}

// related lists every row of child linked to the parent row r through rel.
func (x *executor) related(ctx context.Context, parent, child *model.EntitySpec, rel *model.RelationSpec, r store.Row) ([]store.Row, error) {
	table := model.TableName(child)
	switch rel.Side(child.URN) {
	case model.SideManyToOne:
		rows, err := x.store.FindAll(ctx, table, store.Row{model.ForeignKeyName(parent): r[api.IDField]})
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", table, err)
		}
		return rows, nil
	case model.SideOneToMany:
		fk := r[model.ForeignKeyName(child)]
		if fk == nil {
			return nil, nil
		}
		row, err := x.store.FindOne(ctx, table, store.Row{api.IDField: fk})
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", table, err)
		}
		return []store.Row{row}, nil
	case model.SideManyToMany:
		origin, destination := x.model.Endpoints(rel)
		ref := store.AssocRef{
			Table:      model.TableName(parent),
			Related:    table,
			Through:    model.JoinTableName(origin, destination),
			ForeignKey: model.ForeignKeyName(parent),
			OtherKey:   model.ForeignKeyName(child),
		}
		ids, err := x.store.Associated(ctx, ref, r[api.IDField])
		if err != nil {
			return nil, fmt.Errorf("links %s: %w", ref.Through, err)
		}
		rows := make([]store.Row, 0, len(ids))
		for _, id := range ids {
			row, err := x.store.FindOne(ctx, table, store.Row{api.IDField: id})
			if err != nil {
				return nil, fmt.Errorf("find %s: %w", table, err)
			}
			rows = append(rows, row)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("%s is not related to %s", child.URN, parent.URN)
}

// included reports whether every include of the row r of e has at least one
// related row matching its filter.
func (x *executor) included(ctx context.Context, e *model.EntitySpec, r store.Row, include map[string]Include) (bool, error) {
	for table, inc := range include {
		child, ok := x.model.EntityByTable(table)
		if !ok {
			return false, fmt.Errorf("include: unknown table %s", table)
		}
		rels := x.model.RelationsBetween(e.URN, child.URN)
		if len(rels) == 0 {
			return false, fmt.Errorf("include: %s is not related to %s", table, e.URN)
		}
		rel, _ := x.model.FindRelationByURN(rels[0])
		if inc.Where == nil {
			return false, fmt.Errorf("%w: include %s has no where clause", ErrUnsupportedWhere, table)
		}
		f, err := whereFilter(inc.Where)
		if err != nil {
			return false, err
		}
		rows, err := x.related(ctx, e, child, rel, r)
		if err != nil {
			return false, err
		}
		found := false
		for _, row := range rows {
			if !f.match(row) || !matchEq(row, f.eq) {
				continue
			}
			ok, err := x.included(ctx, child, row, inc.Include)
			if err != nil {
				return false, err
			}
			if ok {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// filter splits a where map into equality columns, handed to the store,
// and operator conditions evaluated on the returned rows.
type filter struct {
	eq  store.Row
	ops []condition
}

type condition struct {
	column string
	op     string
	value  any
}

func splitWhere(n *tree.Node[*Params]) (filter, error) {
	if n.Inner == nil {
		return filter{eq: store.Row{}}, nil
	}
	return whereFilter(n.Inner.Where)
}

func whereFilter(w Where) (filter, error) {
	f := filter{eq: store.Row{}}
	if w == nil {
		return f, nil
	}
	wm, ok := w.(WhereMap)
	if !ok {
		return f, fmt.Errorf("%w: %T", ErrUnsupportedWhere, w)
	}
	for k, v := range wm {
		ops, ok := v.(map[string]any)
		if !ok {
			f.eq[k] = v
			continue
		}
		for op, arg := range ops {
			if _, known := operators[op]; !known {
				return f, fmt.Errorf("%w: operator %s on %s", ErrUnsupportedWhere, op, k)
			}
			f.ops = append(f.ops, condition{column: k, op: op, value: arg})
		}
	}
	return f, nil
}

func (f filter) match(r store.Row) bool {
	for _, c := range f.ops {
		if !operators[c.op](r[c.column], c.value) {
			return false
		}
	}
	return true
}

func matchEq(r, eq store.Row) bool {
	for k, v := range eq {
		if !sameScalar(r[k], v) {
			return false
		}
	}
	return true
}

var operators = map[string]func(stored, arg any) bool{
	"eq":  sameScalar,
	"ne":  func(s, a any) bool { return !sameScalar(s, a) },
	"gt":  func(s, a any) bool { c, ok := compare(s, a); return ok && c > 0 },
	"gte": func(s, a any) bool { c, ok := compare(s, a); return ok && c >= 0 },
	"lt":  func(s, a any) bool { c, ok := compare(s, a); return ok && c < 0 },
	"lte": func(s, a any) bool { c, ok := compare(s, a); return ok && c <= 0 },
	"like": func(s, a any) bool {
		p, ok := a.(string)
		return ok && s != nil && like(scalarString(s), p)
	},
	"in": func(s, a any) bool {
		list, ok := a.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if sameScalar(s, v) {
				return true
			}
		}
		return false
	},
}

func sameScalar(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return scalarString(a) == scalarString(b)
}

// compare orders numbers numerically and everything else by its printed
// form.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	x, xok := number(a)
	y, yok := number(b)
	if xok && yok {
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(scalarString(a), scalarString(b)), true
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// like matches s against a SQL LIKE pattern, ignoring case.
func like(s, pattern string) bool {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	return err == nil && re.MatchString(s)
}

// textAttributes are the ids of the attributes of n matched by text.
func textAttributes(n *tree.Node[*Params], text string) []string {
	if text == "" || len(n.Children) == 0 || n.Children[0].Kind != tree.KindAttributes {
		return nil
	}
	var out []string
	for _, a := range n.Children[0].Children {
		if a.Inner != nil && a.Inner.ByText {
			out = append(out, a.Attribute.ID)
		}
	}
	return out
}

func matchText(r store.Row, attrs []string, text string) bool {
	if len(attrs) == 0 {
		return true
	}
	for _, id := range attrs {
		if v, ok := r[id].(string); ok && like(v, "%"+text+"%") {
			return true
		}
	}
	return false
}
