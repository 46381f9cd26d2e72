// Package model indexes a tenant schema: entities, the relations between
// them, and the naming rules that map both onto relational tables.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentic-research/dupe/api"
)

// ErrInvalidModel wraps every schema construction failure.
var ErrInvalidModel = errors.New("invalid model")

// Side is the position of an entity in a relation.
type Side int

const (
	// SideNone means the entity does not take part in the relation.
	SideNone Side = iota
	// SideOneToMany is the origin of a OneToMany relation.
	SideOneToMany
	// SideManyToOne is the destination of a OneToMany relation.
	SideManyToOne
	// SideManyToMany is either end of a ManyToMany relation.
	SideManyToMany
)

func (s Side) String() string {
	switch s {
	case SideOneToMany:
		return "OneToMany"
	case SideManyToOne:
		return "ManyToOne"
	case SideManyToMany:
		return "ManyToMany"
	default:
		return "None"
	}
}

// EntitySpec is a loaded entity.
type EntitySpec struct {
	api.Entity
	attrs map[string]api.Attribute
}

// RelationSpec is a loaded relation.
type RelationSpec struct {
	api.Relation
	attrs map[string]api.Attribute
}

func indexAttributes(attrs []api.Attribute) map[string]api.Attribute {
	m := make(map[string]api.Attribute, len(attrs)+len(api.CommonAttributes))
	for _, a := range api.CommonAttributes {
		m[a.ID] = a
	}
	for _, a := range attrs {
		m[a.ID] = a
	}
	return m
}

// FindAttribute looks up a custom or common attribute.
func (e *EntitySpec) FindAttribute(id string) (api.Attribute, bool) {
	a, ok := e.attrs[id]
	return a, ok
}

// NaturalKey is the first unique custom attribute, or id.
func (e *EntitySpec) NaturalKey() string {
	for _, a := range e.Attributes {
		if a.Unique {
			return a.ID
		}
	}
	return api.IDField
}

// TextAttributes are the string typed custom attributes.
func (e *EntitySpec) TextAttributes() []api.Attribute {
	var out []api.Attribute
	for _, a := range e.Attributes {
		if a.Type == api.TypeString {
			out = append(out, a)
		}
	}
	return out
}

// AttributeIDs lists id followed by every custom attribute id.
func (e *EntitySpec) AttributeIDs() []string {
	out := make([]string, 0, len(e.Attributes)+1)
	out = append(out, api.IDField)
	for _, a := range e.Attributes {
		out = append(out, a.ID)
	}
	return out
}

// FindAttribute looks up a relation attribute.
func (r *RelationSpec) FindAttribute(id string) (api.Attribute, bool) {
	a, ok := r.attrs[id]
	return a, ok
}

// Side computes the position of the entity urn in r.
func (r *RelationSpec) Side(urn string) Side {
	isOrigin := r.Origin == urn
	isDestination := r.Destination == urn
	if !isOrigin && !isDestination {
		return SideNone
	}
	switch r.Cardinality {
	case api.OneToMany:
		if isOrigin {
			return SideOneToMany
		}
		return SideManyToOne
	case api.ManyToMany:
		return SideManyToMany
	}
	return SideNone
}

// TargetKind tags a Target.
type TargetKind int

const (
	TargetEntity TargetKind = iota + 1
	TargetAssociation
)

// Target is an urn resolved to either an entity or a relation.
type Target struct {
	Kind     TargetKind
	Entity   *EntitySpec
	Relation *RelationSpec
}

// Model is an immutable, indexed tenant schema. It is safe for concurrent
// use.
type Model struct {
	id     int64
	rev    int64
	tenant string

	entities      map[string]*EntitySpec
	entityOrder   []string
	relations     map[string]*RelationSpec
	relationOrder []string

	relationsByEntity map[string][]string
	targets           map[string]Target

	byTable    map[string]*EntitySpec
	bySingular map[string]*EntitySpec
	joinTables map[string]*RelationSpec
}

// New indexes spec and checks it. All rule violations are returned together,
// wrapped in ErrInvalidModel.
func New(spec api.Model) (*Model, error) {
	m := &Model{
		id:                spec.ID,
		rev:               spec.Rev,
		tenant:            spec.Tenant,
		entities:          make(map[string]*EntitySpec, len(spec.Entities)),
		relations:         make(map[string]*RelationSpec, len(spec.Relations)),
		relationsByEntity: make(map[string][]string, len(spec.Entities)),
		targets:           make(map[string]Target, len(spec.Entities)+len(spec.Relations)),
		byTable:           make(map[string]*EntitySpec, len(spec.Entities)),
		bySingular:        make(map[string]*EntitySpec, len(spec.Entities)),
		joinTables:        make(map[string]*RelationSpec),
	}

	for _, e := range spec.Entities {
		es := &EntitySpec{Entity: e, attrs: indexAttributes(e.Attributes)}
		if _, dup := m.entities[e.URN]; !dup {
			m.entityOrder = append(m.entityOrder, e.URN)
		}
		m.entities[e.URN] = es
		m.targets[e.URN] = Target{Kind: TargetEntity, Entity: es}
		m.byTable[e.Plural] = es
		m.bySingular[e.Singular] = es
	}
	for _, r := range spec.Relations {
		rs := &RelationSpec{Relation: r, attrs: indexAttributes(r.Attributes)}
		if _, dup := m.relations[r.URN]; !dup {
			m.relationOrder = append(m.relationOrder, r.URN)
		}
		m.relations[r.URN] = rs
		m.targets[r.URN] = Target{Kind: TargetAssociation, Relation: rs}
	}

	var dangling []string
	for _, urn := range m.relationOrder {
		r := m.relations[urn]
		origin, okO := m.entities[r.Origin]
		dest, okD := m.entities[r.Destination]
		if !okO || !okD {
			dangling = append(dangling, urn)
			continue
		}
		if r.Cardinality == api.ManyToMany {
			m.joinTables[JoinTableName(origin, dest)] = r
		}
	}
	if len(dangling) > 0 {
		return nil, fmt.Errorf("%w: entity(ies) of relation(s) %s not found", ErrInvalidModel, strings.Join(dangling, ", "))
	}

	for _, eurn := range m.entityOrder {
		for _, rurn := range m.relationOrder {
			r := m.relations[rurn]
			if r.Origin == eurn || r.Destination == eurn {
				m.relationsByEntity[eurn] = append(m.relationsByEntity[eurn], rurn)
			}
		}
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	return m, nil
}

// ID of the model payload.
func (m *Model) ID() int64 { return m.id }

// Rev is the schema revision.
func (m *Model) Rev() int64 { return m.rev }

// Tenant owning the schema.
func (m *Model) Tenant() string { return m.tenant }

// FindEntityByURN returns false when the urn is not an entity.
func (m *Model) FindEntityByURN(urn string) (*EntitySpec, bool) {
	e, ok := m.entities[urn]
	return e, ok
}

// FindRelationByURN returns false when the urn is not a relation.
func (m *Model) FindRelationByURN(urn string) (*RelationSpec, bool) {
	r, ok := m.relations[urn]
	return r, ok
}

// Target resolves urn to an entity or an association.
func (m *Model) Target(urn string) (Target, bool) {
	t, ok := m.targets[urn]
	return t, ok
}

// Entities in declaration order.
func (m *Model) Entities() []*EntitySpec {
	out := make([]*EntitySpec, 0, len(m.entityOrder))
	for _, urn := range m.entityOrder {
		out = append(out, m.entities[urn])
	}
	return out
}

// Relations in declaration order.
func (m *Model) Relations() []*RelationSpec {
	out := make([]*RelationSpec, 0, len(m.relationOrder))
	for _, urn := range m.relationOrder {
		out = append(out, m.relations[urn])
	}
	return out
}

// RelatedEntity returns the entity on the other side of the relation, or
// false when the relation does not touch entityURN.
func (m *Model) RelatedEntity(entityURN, relationURN string) (*EntitySpec, bool) {
	r, ok := m.relations[relationURN]
	if !ok {
		return nil, false
	}
	switch entityURN {
	case r.Origin:
		return m.FindEntityByURN(r.Destination)
	case r.Destination:
		return m.FindEntityByURN(r.Origin)
	}
	return nil, false
}

// RelationsOfEntity lists the relation urns touching the entity, in
// declaration order. The returned slice must not be modified.
func (m *Model) RelationsOfEntity(urn string) []string {
	return m.relationsByEntity[urn]
}

// RelationsBetween lists relations of a that also touch b.
func (m *Model) RelationsBetween(a, b string) []string {
	var out []string
	for _, urn := range m.relationsByEntity[a] {
		if m.relations[urn].Side(b) != SideNone {
			out = append(out, urn)
		}
	}
	return out
}

// Endpoints returns the origin and destination entities of r.
func (m *Model) Endpoints(r *RelationSpec) (origin, destination *EntitySpec) {
	return m.entities[r.Origin], m.entities[r.Destination]
}
