// Package tree builds navigable trees over a model graph. The same tree
// shapes query selections and mutation payloads; the per node payload type
// is chosen by the caller.
//
// Trees are mutated in place. Clone a tree before handing it to another
// goroutine.
package tree

import (
	"fmt"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/muri"
)

// Kind of a node.
type Kind int

const (
	KindEntity Kind = iota
	KindAttribute
	KindAttributes
)

func (k Kind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindAttribute:
		return "attribute"
	case KindAttributes:
		return "attributes"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Meta describes what a node refers to. Exactly one of Entity, Attribute
// and Attributes is set, according to Kind.
type Meta struct {
	URI        string
	Kind       Kind
	Entity     *model.EntitySpec
	Attribute  *api.Attribute
	Attributes []api.Attribute
	IsRoot     bool
	// RelationWithParent is the relation traversed to reach an entity node
	// from its parent. Nil for roots and non entity nodes.
	RelationWithParent *model.RelationSpec
}

// Node is a tree node carrying a caller payload.
type Node[T any] struct {
	Meta
	Inner    T
	Children []*Node[T]
}

// CreateNew builds the payload of a new node.
type CreateNew[T any] func(Meta) T

// Builder creates and expands nodes against one model.
type Builder[T any] struct {
	model     *model.Model
	createNew CreateNew[T]
}

// NewBuilder binds a payload factory to m.
func NewBuilder[T any](m *model.Model, createNew CreateNew[T]) *Builder[T] {
	return &Builder[T]{model: m, createNew: createNew}
}

// Model the builder expands against.
func (b *Builder[T]) Model() *model.Model { return b.model }

// FromAttributes builds an attribute container under prefix.
func (b *Builder[T]) FromAttributes(attrs []api.Attribute, prefix string) *Node[T] {
	return NewAttributes(attrs, prefix, b.createNew)
}

// FromEntity builds a collapsed entity node under prefix.
func (b *Builder[T]) FromEntity(e *model.EntitySpec, prefix string, rel *model.RelationSpec) *Node[T] {
	return NewEntity(e, prefix, b.createNew, rel)
}

// RootFromEntity builds the root node of urn expanded one level.
func (b *Builder[T]) RootFromEntity(urn string) (*Node[T], error) {
	e, ok := b.model.FindEntityByURN(urn)
	if !ok {
		return nil, fmt.Errorf("root entity %s not found", urn)
	}
	n := b.FromEntity(e, "", nil)
	b.DrillNode(n)
	return n, nil
}

// DrillNode expands a collapsed entity node with its attributes and one
// collapsed child per relation. Other nodes are left untouched.
func (b *Builder[T]) DrillNode(n *Node[T]) {
	if n.Kind != KindEntity || len(n.Children) > 0 {
		return
	}
	children := make([]*Node[T], 0, 1+len(b.model.RelationsOfEntity(n.Entity.URN)))
	children = append(children, b.FromAttributes(n.Entity.Attributes, n.URI))
	for _, rurn := range b.model.RelationsOfEntity(n.Entity.URN) {
		rel, _ := b.model.FindRelationByURN(rurn)
		other, ok := b.model.RelatedEntity(n.Entity.URN, rurn)
		if !ok {
			continue
		}
		children = append(children, b.FromEntity(other, n.URI, rel))
	}
	n.Children = children
}

// DrillPath expands every entity node on the way from root to uri and
// fails when uri does not name a node afterwards.
func (b *Builder[T]) DrillPath(root *Node[T], uri string) error {
	ancestors := muri.Ancestors(uri)
	for i := len(ancestors) - 1; i >= 0; i-- {
		n := FindByURI(root, ancestors[i])
		if n == nil {
			return fmt.Errorf("no node at %s", ancestors[i])
		}
		b.DrillNode(n)
	}
	n := FindByURI(root, uri)
	if n == nil {
		return fmt.Errorf("no node at %s", uri)
	}
	b.DrillNode(n)
	return nil
}

// SealNode collapses an expanded entity node.
func (b *Builder[T]) SealNode(n *Node[T]) {
	if n.Kind != KindEntity {
		return
	}
	n.Children = nil
}

// NewEntity builds a collapsed entity node. A node is a root when prefix is
// empty.
func NewEntity[T any](e *model.EntitySpec, prefix string, createNew CreateNew[T], rel *model.RelationSpec) *Node[T] {
	meta := Meta{
		URI:                muri.Join(prefix, e.URN),
		Kind:               KindEntity,
		Entity:             e,
		IsRoot:             prefix == "",
		RelationWithParent: rel,
	}
	return &Node[T]{Meta: meta, Inner: createNew(meta)}
}

// NewAttribute builds a leaf for a.
func NewAttribute[T any](a api.Attribute, prefix string, createNew CreateNew[T]) *Node[T] {
	meta := Meta{
		URI:       muri.Join(prefix, a.ID),
		Kind:      KindAttribute,
		Attribute: &a,
	}
	return &Node[T]{Meta: meta, Inner: createNew(meta)}
}

// NewAttributes builds the attribute container of the entity at prefix,
// with one leaf per attribute.
func NewAttributes[T any](attrs []api.Attribute, prefix string, createNew CreateNew[T]) *Node[T] {
	meta := Meta{
		URI:        muri.PushAttributeFolder(prefix),
		Kind:       KindAttributes,
		Attributes: attrs,
	}
	n := &Node[T]{Meta: meta, Inner: createNew(meta)}
	n.Children = make([]*Node[T], 0, len(attrs))
	for _, a := range attrs {
		n.Children = append(n.Children, NewAttribute(a, meta.URI, createNew))
	}
	return n
}

// EntityWithAttributes builds a root for e holding only an attribute
// container. A nil attrs uses the entity's own attributes.
func EntityWithAttributes[T any](e *model.EntitySpec, createNew CreateNew[T], attrs []api.Attribute) *Node[T] {
	root := NewEntity(e, "", createNew, nil)
	if attrs == nil {
		attrs = e.Attributes
	}
	root.Children = []*Node[T]{NewAttributes(attrs, root.URI, createNew)}
	return root
}

// InsertDefaultAttributes prepends the common attributes to the attribute
// container of every entity node below n.
func InsertDefaultAttributes[T any](n *Node[T], createNew CreateNew[T]) {
	TraversePreOrder(n, func(node *Node[T]) {
		if node.Kind == KindEntity {
			prependAttributes(node, api.CommonAttributes, createNew)
		}
	})
}

func prependAttributes[T any](n *Node[T], attrs []api.Attribute, createNew CreateNew[T]) {
	if len(n.Children) == 0 || n.Children[0].Kind != KindAttributes {
		n.Children = append([]*Node[T]{NewAttributes(attrs, n.URI, createNew)}, n.Children...)
		return
	}
	folder := n.Children[0]
	leaves := make([]*Node[T], 0, len(attrs)+len(folder.Children))
	for _, a := range attrs {
		leaves = append(leaves, NewAttribute(a, folder.URI, createNew))
	}
	folder.Children = append(leaves, folder.Children...)
	folder.Attributes = append(append([]api.Attribute{}, attrs...), folder.Attributes...)
}

// IntoInner folds the tree into its payloads, bottom up. setChildren is
// only called for nodes with children.
func IntoInner[T any](n *Node[T], setChildren func(inner T, children []T)) T {
	if len(n.Children) > 0 {
		inners := make([]T, 0, len(n.Children))
		for _, c := range n.Children {
			inners = append(inners, IntoInner(c, setChildren))
		}
		setChildren(n.Inner, inners)
	}
	return n.Inner
}

// Clone deep copies the structure, copying payloads with innerClone.
func Clone[T any](n *Node[T], innerClone func(T) T) *Node[T] {
	cp := &Node[T]{Meta: n.Meta, Inner: innerClone(n.Inner)}
	if len(n.Children) > 0 {
		cp.Children = make([]*Node[T], 0, len(n.Children))
		for _, c := range n.Children {
			cp.Children = append(cp.Children, Clone(c, innerClone))
		}
	}
	return cp
}

// CloneInto copies the structure into a new payload type. filter, if set,
// drops children (and their subtrees) for which it returns false; it is
// never applied to n itself.
func CloneInto[T, U any](n *Node[T], into func(*Node[T]) U, filter func(*Node[T]) bool) *Node[U] {
	cp := &Node[U]{Meta: n.Meta, Inner: into(n)}
	for _, c := range n.Children {
		if filter != nil && !filter(c) {
			continue
		}
		cp.Children = append(cp.Children, CloneInto(c, into, filter))
	}
	return cp
}

// Hollow is the empty payload of shape only trees.
type Hollow struct{}

// HollowClone copies the filtered structure without payloads.
func HollowClone[T any](n *Node[T], filter func(*Node[T]) bool) *Node[Hollow] {
	return CloneInto(n, func(*Node[T]) Hollow { return Hollow{} }, filter)
}

// FindByURI descends from n towards uri. It returns nil when no node has
// that uri.
func FindByURI[T any](n *Node[T], uri string) *Node[T] {
	for n != nil {
		if n.URI == uri {
			return n
		}
		var next *Node[T]
		for _, c := range n.Children {
			if muri.IsAncestorOf(c.URI, uri) {
				next = c
				break
			}
		}
		n = next
	}
	return nil
}

// TraversePreOrder visits n before its children.
func TraversePreOrder[T any](n *Node[T], visit func(*Node[T])) {
	visit(n)
	for _, c := range n.Children {
		TraversePreOrder(c, visit)
	}
}

// TraversePostOrder visits n after its children.
func TraversePostOrder[T any](n *Node[T], visit func(*Node[T])) {
	for _, c := range n.Children {
		TraversePostOrder(c, visit)
	}
	visit(n)
}

// Sanitize removes entity children left without children of their own.
// Children are cleaned before their parent, so one pass is enough.
func Sanitize[T any](root *Node[T]) {
	TraversePostOrder(root, func(n *Node[T]) {
		kept := n.Children[:0]
		for _, c := range n.Children {
			if c.Kind == KindEntity && len(c.Children) == 0 {
				continue
			}
			kept = append(kept, c)
		}
		for i := len(kept); i < len(n.Children); i++ {
			n.Children[i] = nil
		}
		n.Children = kept
	})
}

// SelectedURIs collects, in pre-order, the uris of attribute leaves for
// which pred holds.
func SelectedURIs[T any](root *Node[T], pred func(*Node[T]) bool) []string {
	var out []string
	TraversePreOrder(root, func(n *Node[T]) {
		if n.Kind == KindAttribute && pred(n) {
			out = append(out, n.URI)
		}
	})
	return out
}
