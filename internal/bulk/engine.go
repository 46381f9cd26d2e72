// Package bulk turns nested batch payloads into store mutations. References
// to related rows are looked up once per distinct payload, foreign keys are
// injected, rows are inserted in one call, many-to-many links are set and
// dependent children are created.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/events"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/obs"
	"github.com/agentic-research/dupe/internal/store"
)

// DefaultConcurrency bounds the store calls one stage runs at once.
const DefaultConcurrency = 8

// Engine runs bulk mutations against a store.
type Engine struct {
	store       store.Store
	schema      *Schema
	reporter    events.Reporter
	registry    *model.Registry
	logger      *zap.Logger
	metrics     *obs.Metrics
	concurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithReporter sends mutation events to r.
func WithReporter(r events.Reporter) Option { return func(e *Engine) { e.reporter = r } }

// WithRegistry validates input rows of model entities.
func WithRegistry(r *model.Registry) Option { return func(e *Engine) { e.registry = r } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = obs.Or(l) } }

func WithMetrics(m *obs.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithConcurrency bounds concurrent store calls per stage.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// New returns an engine writing the tables of schema to s.
func New(s store.Store, schema *Schema, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		schema:      schema,
		reporter:    events.Discard,
		logger:      zap.NewNop(),
		concurrency: DefaultConcurrency,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Schema returns the tables the engine writes.
func (e *Engine) Schema() *Schema { return e.schema }

// Change is one row of a bulk update. Input carries a unique reference
// and the new values; every field of Lock must match the stored row.
type Change struct {
	Input store.Row `json:"input"`
	Lock  store.Row `json:"lock,omitempty"`
}

func (e *Engine) start(ctx context.Context, op, table string, n int) (context.Context, func(*error)) {
	ctx, span := obs.Tracer().Start(ctx, "bulk."+op, trace.WithAttributes(
		attribute.String("dupe.table", table),
		attribute.Int("dupe.rows", n),
	))
	began := time.Now()
	return ctx, func(errp *error) {
		e.metrics.Observe(op, time.Since(began).Seconds())
		if err := *errp; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (e *Engine) report(ctx context.Context, rep events.Reporter, entity string, verb events.Verb, ids []any) {
	if len(ids) == 0 {
		return
	}
	if err := rep.Report(ctx, events.New(ctx, entity, verb, ids)); err != nil {
		e.logger.Warn("report event",
			zap.String("entity", entity),
			zap.String("verb", string(verb)),
			zap.Error(err))
	}
}

func (e *Engine) group() *errgroup.Group {
	g := &errgroup.Group{}
	g.SetLimit(e.concurrency)
	return g
}

// BulkCreate inserts input into table. Every toOne reference must resolve
// before anything is written. A failure after the insert returns the
// inserted rows together with a *PartialCommitError.
func (e *Engine) BulkCreate(ctx context.Context, table string, input []store.Row) (created []store.Row, err error) {
	ctx, finish := e.start(ctx, "create", table, len(input))
	defer finish(&err)

	created, err = e.create(ctx, e.store, e.reporter, table, input)
	var pc *PartialCommitError
	if errors.As(err, &pc) {
		e.logger.Warn("partial commit",
			zap.String("table", pc.Table),
			zap.Int("committed", len(pc.Committed)),
			zap.Error(pc.Err))
	}
	return created, err
}

// Create inserts a single row.
func (e *Engine) Create(ctx context.Context, table string, row store.Row) (store.Row, error) {
	created, err := e.BulkCreate(ctx, table, []store.Row{row})
	if len(created) == 0 {
		return nil, err
	}
	return created[0], err
}

func (e *Engine) create(ctx context.Context, st store.Store, rep events.Reporter, table string, input []store.Row) ([]store.Row, error) {
	if len(input) == 0 {
		return nil, nil
	}
	t, err := e.schema.table(table)
	if err != nil {
		return nil, err
	}
	p, err := classify(t, input)
	if err != nil {
		return nil, err
	}
	if err := e.validate(t, p.rows, true); err != nil {
		return nil, err
	}
	log := e.logger.With(zap.String("table", table))
	log.Debug("classified",
		zap.Int("rows", len(p.rows)),
		zap.Int("to_one", len(p.toOne)),
		zap.Int("to_many", len(p.toMany)),
		zap.Int("has_many", len(p.hasMany)))

	if len(p.toOne) > 0 {
		if err := e.injectToOne(ctx, st, p); err != nil {
			return nil, fmt.Errorf("unique reference error: %w: objects were not inserted", err)
		}
		log.Debug("references resolved")
	}

	created, err := st.BulkCreate(ctx, table, p.rows)
	if err != nil {
		return nil, fmt.Errorf("failed to create objects in %s: %w", table, err)
	}
	ids := idsOf(created, t.PrimaryKey)
	e.metrics.RowsWritten(table, "create", len(created))
	e.report(ctx, rep, t.Singular, events.Create, ids)
	if len(created) != len(p.rows) {
		return created, &PartialCommitError{
			Table:     table,
			Committed: ids,
			Err:       fmt.Errorf("%w: %d of %d", ErrCountMismatch, len(created), len(p.rows)),
		}
	}
	log.Debug("inserted", zap.Int("rows", len(created)))

	if len(p.toMany) > 0 {
		if err := e.setToMany(ctx, st, rep, t, created, p.toMany); err != nil {
			return created, &PartialCommitError{Table: table, Committed: ids, Err: fmt.Errorf("unique reference error: %w", err)}
		}
		log.Debug("links set")
	}

	if len(p.hasMany) > 0 {
		if err := e.createChildren(ctx, st, rep, t, created, p.hasMany); err != nil {
			return created, &PartialCommitError{Table: table, Committed: ids, Err: fmt.Errorf("failed to create \"hasMany\" objects: %w", err)}
		}
		log.Debug("children created")
	}
	return created, nil
}

func (e *Engine) validate(t *Table, rows []store.Row, full bool) error {
	if e.registry == nil || t.URN == "" {
		return nil
	}
	objects := make([]map[string]any, len(rows))
	for i, r := range rows {
		objects[i] = r
	}
	var err error
	if full {
		err = e.registry.Validate(t.URN, objects)
	} else {
		err = e.registry.ValidatePartial(t.URN, objects)
	}
	if err != nil {
		return fmt.Errorf("validate %s: %w", t.Name, err)
	}
	return nil
}

// injectToOne replaces every toOne reference by the foreign key of the row
// it names.
func (e *Engine) injectToOne(ctx context.Context, st store.Store, p *plan) error {
	groups, err := e.collectAll(p.table.ToOne, p.toOne)
	if err != nil {
		return err
	}
	if err := e.resolve(ctx, st, groups); err != nil {
		return err
	}
	for _, r := range groups {
		pk := r.target.PrimaryKey
		for _, i := range r.rows {
			p.rows[i][r.link.ForeignKey] = r.lookup(r.hashes[i][0])[pk]
		}
	}
	return nil
}

// setToMany replaces the link sets of owners. One update event is reported
// per related table.
func (e *Engine) setToMany(ctx context.Context, st store.Store, rep events.Reporter, t *Table, owners []store.Row, byKey map[string]map[int][]store.Row) error {
	groups, err := e.collectAll(t.ToMany, byKey)
	if err != nil {
		return err
	}
	if err := e.resolve(ctx, st, groups); err != nil {
		return err
	}

	g := e.group()
	related := make([][]any, len(groups))
	for gi, r := range groups {
		pk := r.target.PrimaryKey
		for _, i := range r.rows {
			owner := owners[i][t.PrimaryKey]
			ids := make([]any, len(r.hashes[i]))
			for j, h := range r.hashes[i] {
				ids[j] = r.lookup(h)[pk]
			}
			related[gi] = append(related[gi], ids...)
			g.Go(func() error {
				if err := st.SetAssociation(ctx, r.link.Through, owner, ids); err != nil {
					return fmt.Errorf("set %s of %s %v: %w", r.link.Key, t.Singular, owner, err)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for gi, r := range groups {
		e.report(ctx, rep, r.target.Singular, events.Update, distinct(related[gi]))
	}
	return nil
}

// createChildren creates the hasMany rows of parents, one bulk create per
// child table, concurrently.
func (e *Engine) createChildren(ctx context.Context, st store.Store, rep events.Reporter, t *Table, parents []store.Row, byKey map[string]map[int][]store.Row) error {
	g := e.group()
	for _, l := range t.HasMany {
		byIndex, ok := byKey[l.Key]
		if !ok {
			continue
		}
		var children []store.Row
		for _, i := range sortedIndexes(byIndex) {
			for _, c := range byIndex[i] {
				child := c.Clone()
				child[l.ForeignKey] = parents[i][t.PrimaryKey]
				children = append(children, child)
			}
		}
		if len(children) == 0 {
			continue
		}
		g.Go(func() error {
			_, err := e.create(ctx, st, rep, l.Table, children)
			return err
		})
	}
	return g.Wait()
}

// BulkUpdate applies changes to table in one transaction. Rows are found by
// unique reference and only differing fields are written. Any failure rolls
// back every change and drops the buffered events.
func (e *Engine) BulkUpdate(ctx context.Context, table string, changes []Change) (updated []store.Row, err error) {
	ctx, finish := e.start(ctx, "update", table, len(changes))
	defer finish(&err)

	if len(changes) == 0 {
		return nil, nil
	}
	t, err := e.schema.table(table)
	if err != nil {
		return nil, err
	}
	input := make([]store.Row, len(changes))
	for i, c := range changes {
		input[i] = c.Input
	}
	p, err := classify(t, input)
	if err != nil {
		return nil, err
	}
	if err := e.validate(t, p.rows, false); err != nil {
		return nil, err
	}
	refs, err := uniqueRefs(t, p.rows)
	if err != nil {
		return nil, err
	}

	buf := events.NewBuffer(e.reporter)
	written := 0
	err = e.store.Transaction(ctx, func(tx store.Store) error {
		stored, err := e.findAll(ctx, tx, t, refs)
		if err != nil {
			return err
		}
		if err := checkLocks(stored, changes); err != nil {
			return err
		}
		if len(p.toOne) > 0 {
			if err := e.injectToOne(ctx, tx, p); err != nil {
				return fmt.Errorf("unique reference error: %w: objects were not updated", err)
			}
		}

		updated = make([]store.Row, len(stored))
		for i, row := range p.rows {
			fields := diff(t, stored[i], row)
			if len(fields) == 0 {
				updated[i] = stored[i]
				continue
			}
			u, err := tx.Update(ctx, table, stored[i][t.PrimaryKey], fields)
			if err != nil {
				return fmt.Errorf("update %s: %w", table, err)
			}
			updated[i] = u
			written++
		}
		e.report(ctx, buf, t.Singular, events.Update, idsOf(updated, t.PrimaryKey))

		if len(p.toMany) > 0 {
			if err := e.setToMany(ctx, tx, buf, t, updated, p.toMany); err != nil {
				return fmt.Errorf("unique reference error: %w", err)
			}
		}
		if len(p.hasMany) > 0 {
			if err := e.createChildren(ctx, tx, buf, t, updated, p.hasMany); err != nil {
				return fmt.Errorf("failed to create \"hasMany\" objects: %w", committed(err))
			}
		}
		return nil
	})
	if err != nil {
		buf.Discard()
		return nil, err
	}
	e.metrics.RowsWritten(table, "update", written)
	if err := buf.Flush(ctx); err != nil {
		e.logger.Warn("flush events", zap.String("table", table), zap.Error(err))
	}
	return updated, nil
}

// Update applies a single change with the guarantees of BulkUpdate.
func (e *Engine) Update(ctx context.Context, table string, c Change) (store.Row, error) {
	updated, err := e.BulkUpdate(ctx, table, []Change{c})
	if err != nil {
		return nil, err
	}
	return updated[0], nil
}

// Delete removes the row matching where, which may only name unique
// columns, and returns it.
func (e *Engine) Delete(ctx context.Context, table string, where store.Row) (deleted store.Row, err error) {
	ctx, finish := e.start(ctx, "delete", table, 1)
	defer finish(&err)

	t, err := e.schema.table(table)
	if err != nil {
		return nil, err
	}
	if len(where) == 0 {
		return nil, fmt.Errorf("%w: delete from %s needs a unique reference", ErrInvalidInput, table)
	}
	for _, k := range where.Keys() {
		if !t.IsUnique(k) {
			return nil, fmt.Errorf("%w: %s.%s is not a unique column", ErrInvalidInput, table, k)
		}
	}

	buf := events.NewBuffer(e.reporter)
	err = e.store.Transaction(ctx, func(tx store.Store) error {
		row, err := e.findOne(ctx, tx, t, where)
		if err != nil {
			return err
		}
		if err := tx.Delete(ctx, table, row[t.PrimaryKey]); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
		deleted = row
		e.report(ctx, buf, t.Singular, events.Delete, []any{row[t.PrimaryKey]})
		return nil
	})
	if err != nil {
		buf.Discard()
		return nil, err
	}
	e.metrics.RowsWritten(table, "delete", 1)
	if err := buf.Flush(ctx); err != nil {
		e.logger.Warn("flush events", zap.String("table", table), zap.Error(err))
	}
	return deleted, nil
}

// Link adds relatedID to the many-to-many links of the table row id.
func (e *Engine) Link(ctx context.Context, table string, id any, related string, relatedID any) error {
	return e.link(ctx, "link", table, id, related, relatedID)
}

// Unlink removes relatedID from the many-to-many links of the table row id.
func (e *Engine) Unlink(ctx context.Context, table string, id any, related string, relatedID any) error {
	return e.link(ctx, "unlink", table, id, related, relatedID)
}

// LinkIDs reads both ids of a link from args, named as PolyKeys names them.
func (e *Engine) LinkIDs(table, related string, args store.Row) (id, relatedID any, err error) {
	t, err := e.schema.table(table)
	if err != nil {
		return nil, nil, err
	}
	rt, err := e.schema.table(related)
	if err != nil {
		return nil, nil, err
	}
	key, _, otherArg := PolyKeys(t, rt)
	id, ok := args[key]
	if !ok || id == nil {
		return nil, nil, fmt.Errorf("%w: missing %s", ErrInvalidInput, key)
	}
	relatedID, ok = args[otherArg]
	if !ok || relatedID == nil {
		return nil, nil, fmt.Errorf("%w: missing %s", ErrInvalidInput, otherArg)
	}
	return id, relatedID, nil
}

func (e *Engine) link(ctx context.Context, op, table string, id any, related string, relatedID any) (err error) {
	ctx, finish := e.start(ctx, op, table, 1)
	defer finish(&err)

	t, err := e.schema.table(table)
	if err != nil {
		return err
	}
	l, ok := t.ManyToMany(related)
	if !ok {
		return fmt.Errorf("%w: %s has no many-to-many association with %s", ErrInvalidInput, table, related)
	}
	rt, err := e.schema.table(related)
	if err != nil {
		return err
	}
	add := op == "link"

	buf := events.NewBuffer(e.reporter)
	err = e.store.Transaction(ctx, func(tx store.Store) error {
		if _, err := e.findOne(ctx, tx, t, store.Row{t.PrimaryKey: id}); err != nil {
			return err
		}
		if _, err := e.findOne(ctx, tx, rt, store.Row{rt.PrimaryKey: relatedID}); err != nil {
			return err
		}
		current, err := tx.Associated(ctx, l.Through, id)
		if err != nil {
			return err
		}
		next := make([]any, 0, len(current)+1)
		present := false
		for _, c := range current {
			if sameValue(c, relatedID) {
				present = true
				if !add {
					continue
				}
			}
			next = append(next, c)
		}
		if add == present {
			return nil
		}
		if add {
			next = append(next, relatedID)
		}
		if err := tx.SetAssociation(ctx, l.Through, id, next); err != nil {
			return fmt.Errorf("%s %s: %w", op, l.Through.Through, err)
		}
		e.report(ctx, buf, t.Singular, events.Update, []any{id})
		return nil
	})
	if err != nil {
		buf.Discard()
		return err
	}
	if err := buf.Flush(ctx); err != nil {
		e.logger.Warn("flush events", zap.String("table", table), zap.Error(err))
	}
	return nil
}

func (e *Engine) findOne(ctx context.Context, st store.Store, t *Table, where store.Row) (store.Row, error) {
	row, err := st.FindOne(ctx, t.Name, where)
	if errors.Is(err, store.ErrNotFound) {
		text, _ := canonical(where)
		return nil, notFoundError(t.Singular, []string{string(text)})
	}
	return row, err
}

// findAll looks up every reference of refs. Missing rows are reported
// together.
func (e *Engine) findAll(ctx context.Context, st store.Store, t *Table, refs []store.Row) ([]store.Row, error) {
	out := make([]store.Row, len(refs))
	missing := make([]bool, len(refs))
	g := e.group()
	for i, ref := range refs {
		g.Go(func() error {
			row, err := st.FindOne(ctx, t.Name, ref)
			switch {
			case errors.Is(err, store.ErrNotFound):
				missing[i] = true
			case err != nil:
				return err
			default:
				out[i] = row
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var absent []string
	for i, m := range missing {
		if m {
			text, _ := canonical(refs[i])
			absent = append(absent, string(text))
		}
	}
	if len(absent) > 0 {
		return nil, fmt.Errorf("some objects were not found: %w", notFoundError(t.Singular, absent))
	}
	return out, nil
}

// refGroup holds the distinct references of one link.
type refGroup struct {
	link   Link
	target *Table
	// rows lists the input rows carrying references, ascending.
	rows   []int
	hashes map[int][]uint64
	order  []uint64
	values map[uint64]store.Row
	found  map[uint64]store.Row
}

func (r *refGroup) lookup(h uint64) store.Row { return r.found[h] }

func (e *Engine) collectAll(links []Link, byKey map[string]map[int][]store.Row) ([]*refGroup, error) {
	var groups []*refGroup
	for _, l := range links {
		byIndex, ok := byKey[l.Key]
		if !ok {
			continue
		}
		target, err := e.schema.table(l.Table)
		if err != nil {
			return nil, err
		}
		r := &refGroup{
			link:   l,
			target: target,
			rows:   sortedIndexes(byIndex),
			hashes: make(map[int][]uint64, len(byIndex)),
			values: make(map[uint64]store.Row),
		}
		for _, i := range r.rows {
			for _, obj := range byIndex[i] {
				h, err := Hash(obj)
				if err != nil {
					return nil, fmt.Errorf("%w: row %d: %s: %v", ErrInvalidInput, i, l.Key, err)
				}
				if _, seen := r.values[h]; !seen {
					r.values[h] = obj
					r.order = append(r.order, h)
				}
				r.hashes[i] = append(r.hashes[i], h)
			}
		}
		groups = append(groups, r)
	}
	return groups, nil
}

// resolve looks up every distinct reference once. Resolution is all or
// nothing: any reference matching no row fails the whole batch.
func (e *Engine) resolve(ctx context.Context, st store.Store, groups []*refGroup) error {
	g := e.group()
	found := make([][]store.Row, len(groups))
	for gi, r := range groups {
		found[gi] = make([]store.Row, len(r.order))
		for j, h := range r.order {
			where := r.values[h]
			g.Go(func() error {
				row, err := st.FindOne(ctx, r.target.Name, where)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("find %s: %w", r.target.Singular, err)
				}
				found[gi][j] = row
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var errs error
	for gi, r := range groups {
		r.found = make(map[uint64]store.Row, len(r.order))
		var absent []string
		for j, h := range r.order {
			if found[gi][j] == nil {
				text, _ := canonical(r.values[h])
				absent = append(absent, fmt.Sprintf("'%s'", text))
				continue
			}
			r.found[h] = found[gi][j]
		}
		if len(absent) > 0 {
			errs = multierr.Append(errs, notFoundError(r.target.Singular, absent))
		}
	}
	return errs
}

// plan splits a batch into row attributes and the references each row
// carries. References are keyed by link key, then row index.
type plan struct {
	table   *Table
	rows    []store.Row
	toOne   map[string]map[int][]store.Row
	toMany  map[string]map[int][]store.Row
	hasMany map[string]map[int][]store.Row
}

type linkKind int

const (
	noLink linkKind = iota
	toOneLink
	toManyLink
	hasManyLink
)

func (t *Table) kinds() map[string]linkKind {
	out := make(map[string]linkKind, len(t.ToOne)+len(t.ToMany)+len(t.HasMany))
	for _, l := range t.ToOne {
		out[l.Key] = toOneLink
	}
	for _, l := range t.ToMany {
		out[l.Key] = toManyLink
	}
	for _, l := range t.HasMany {
		out[l.Key] = hasManyLink
	}
	return out
}

func put(m map[string]map[int][]store.Row, key string, i int, objs []store.Row) {
	byIndex, ok := m[key]
	if !ok {
		byIndex = make(map[int][]store.Row)
		m[key] = byIndex
	}
	byIndex[i] = objs
}

func classify(t *Table, input []store.Row) (*plan, error) {
	p := &plan{
		table:   t,
		rows:    make([]store.Row, len(input)),
		toOne:   make(map[string]map[int][]store.Row),
		toMany:  make(map[string]map[int][]store.Row),
		hasMany: make(map[string]map[int][]store.Row),
	}
	kinds := t.kinds()
	var errs error
	for i, in := range input {
		row := make(store.Row, len(in))
		for _, k := range in.Keys() {
			v := in[k]
			kind := kinds[k]
			if kind != noLink && v == nil {
				continue
			}
			switch kind {
			case toOneLink:
				ref, ok := asObject(v)
				if !ok || len(ref) == 0 {
					errs = multierr.Append(errs, fmt.Errorf("%w: %s[%d].%s must be a non-empty object", ErrInvalidInput, t.Name, i, k))
					continue
				}
				put(p.toOne, k, i, []store.Row{ref})
			case toManyLink, hasManyLink:
				objs, ok := asObjects(v)
				if !ok {
					errs = multierr.Append(errs, fmt.Errorf("%w: %s[%d].%s must be a list of objects", ErrInvalidInput, t.Name, i, k))
					continue
				}
				if kind == toManyLink {
					for _, o := range objs {
						if len(o) == 0 {
							errs = multierr.Append(errs, fmt.Errorf("%w: %s[%d].%s holds an empty reference", ErrInvalidInput, t.Name, i, k))
						}
					}
					put(p.toMany, k, i, objs)
				} else {
					put(p.hasMany, k, i, objs)
				}
			default:
				// Timestamps are managed by the store.
				if k == api.CreatedAtField || k == api.UpdatedAtField {
					continue
				}
				row[k] = v
			}
		}
		p.rows[i] = row
	}
	if errs != nil {
		return nil, errs
	}
	return p, nil
}

func asObject(v any) (store.Row, bool) {
	switch x := v.(type) {
	case store.Row:
		return x, true
	case map[string]any:
		return store.Row(x), true
	}
	return nil, false
}

func asObjects(v any) ([]store.Row, bool) {
	switch x := v.(type) {
	case []store.Row:
		return x, true
	case []map[string]any:
		out := make([]store.Row, len(x))
		for i, o := range x {
			out[i] = o
		}
		return out, true
	case []any:
		out := make([]store.Row, len(x))
		for i, o := range x {
			obj, ok := asObject(o)
			if !ok {
				return nil, false
			}
			out[i] = obj
		}
		return out, true
	}
	return nil, false
}

// uniqueRefs picks the unique columns of each row as its reference.
func uniqueRefs(t *Table, rows []store.Row) ([]store.Row, error) {
	out := make([]store.Row, len(rows))
	var errs error
	for i, row := range rows {
		ref := store.Row{}
		for _, u := range t.Unique {
			if v, ok := row[u]; ok && v != nil {
				ref[u] = v
			}
		}
		if len(ref) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s[%d] carries no unique reference", ErrInvalidInput, t.Name, i))
		}
		out[i] = ref
	}
	return out, errs
}

func checkLocks(stored []store.Row, changes []Change) error {
	var conflicts []FieldConflict
	for i, c := range changes {
		for _, k := range c.Lock.Keys() {
			if !sameValue(stored[i][k], c.Lock[k]) {
				conflicts = append(conflicts, FieldConflict{Row: i, Field: k, Stored: stored[i][k], Locked: c.Lock[k]})
			}
		}
	}
	if len(conflicts) > 0 {
		return &LockConflictError{Fields: conflicts}
	}
	return nil
}

// diff keeps the fields of row that differ from stored.
func diff(t *Table, stored, row store.Row) store.Row {
	out := store.Row{}
	for k, v := range row {
		if k == t.PrimaryKey || sameValue(stored[k], v) {
			continue
		}
		out[k] = v
	}
	return out
}

func idsOf(rows []store.Row, pk string) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r[pk])
	}
	return out
}

func distinct(ids []any) []any {
	seen := make(map[string]bool, len(ids))
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		k := fmt.Sprint(id)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, id)
	}
	return out
}

func sortedIndexes(m map[int][]store.Row) []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
