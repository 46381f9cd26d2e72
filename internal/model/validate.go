package model

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/multierr"

	"github.com/agentic-research/dupe/api"
)

var (
	urnRe       = regexp.MustCompile(`^[a-z0-9:_]+$`)
	snakeCaseRe = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)
)

var reservedAttributes = map[string]bool{
	api.IDField:        true,
	api.CreatedAtField: true,
	api.UpdatedAtField: true,
	api.RevField:       true,
}

// URNBasename is the part of urn after the last ':'.
func URNBasename(urn string) string {
	return urn[strings.LastIndex(urn, ":")+1:]
}

// URNNamespace is the part of urn before the last ':'.
func URNNamespace(urn string) string {
	i := strings.LastIndex(urn, ":")
	if i < 0 {
		return urn
	}
	return urn[:i]
}

func (m *Model) validate() error {
	var errs error
	for _, e := range m.Entities() {
		errs = multierr.Append(errs, validateEntity(e))
	}
	for _, r := range m.Relations() {
		errs = multierr.Append(errs, validateRelation(r))
	}

	seen := make(map[string]bool)
	basenames := make([]string, 0, len(m.entityOrder)+len(m.relationOrder))
	for _, urn := range m.entityOrder {
		basenames = append(basenames, URNBasename(urn))
	}
	for _, urn := range m.relationOrder {
		basenames = append(basenames, URNBasename(urn))
	}
	for _, b := range basenames {
		if seen[b] {
			errs = multierr.Append(errs, fmt.Errorf("basename '%s' occurs more than once", b))
		}
		seen[b] = true
	}

	tables := make(map[string]bool)
	for _, e := range m.Entities() {
		if tables[e.Plural] {
			errs = multierr.Append(errs, fmt.Errorf("table name '%s' occurs more than once", e.Plural))
		}
		tables[e.Plural] = true
	}

	for _, e := range m.Entities() {
		for _, uc := range e.UniqueConstraints {
			for _, rurn := range uc.Relations {
				r, ok := m.relations[rurn]
				if !ok {
					errs = multierr.Append(errs, fmt.Errorf("in entity '%s', in unique constraint, relation '%s' not found", e.URN, rurn))
					continue
				}
				if r.Cardinality != api.OneToMany || r.Destination != e.URN {
					errs = multierr.Append(errs, fmt.Errorf("in entity '%s': unique constraints can only use OneToMany relations with the entity as the destination", e.URN))
				}
			}
		}
	}

	return multierr.Append(errs, m.checkHasManyCycles())
}

func validateEntity(e *EntitySpec) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("invalid '%s' entity: %s", e.URN, fmt.Sprintf(format, args...))
	}
	var errs error
	if !urnRe.MatchString(e.URN) {
		errs = multierr.Append(errs, bad("urn has invalid characters"))
	}
	if URNBasename(e.URN) != e.Singular {
		errs = multierr.Append(errs, bad("urn basename does not match singular"))
	}
	if e.Singular == "" || e.Plural == "" {
		errs = multierr.Append(errs, bad("singular nor plural can be empty strings"))
	} else if e.Singular == e.Plural {
		errs = multierr.Append(errs, bad("singular cannot be equal to plural"))
	}
	if len(e.Attributes) == 0 {
		errs = multierr.Append(errs, bad("attributes list cannot be empty"))
	}
	errs = multierr.Append(errs, validateAttributes(e.Attributes))

	own := make(map[string]bool, len(e.Attributes))
	for _, a := range e.Attributes {
		own[a.ID] = true
	}
	for _, uc := range e.UniqueConstraints {
		for _, id := range uc.Attributes {
			if !own[id] {
				errs = multierr.Append(errs, bad("attribute with id '%s' not found", id))
			}
		}
	}
	return errs
}

func validateRelation(r *RelationSpec) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("invalid '%s' relation: %s", r.URN, fmt.Sprintf(format, args...))
	}
	var errs error
	if !urnRe.MatchString(r.URN) {
		errs = multierr.Append(errs, bad("urn has invalid characters"))
	}
	if URNNamespace(r.URN) != URNNamespace(r.Origin) {
		errs = multierr.Append(errs, bad("origin '%s' does not share the namespace", r.Origin))
	}
	if URNNamespace(r.URN) != URNNamespace(r.Destination) {
		errs = multierr.Append(errs, bad("destination '%s' does not share the namespace", r.Destination))
	}
	switch r.Cardinality {
	case api.OneToMany:
		if len(r.Attributes) > 0 {
			errs = multierr.Append(errs, bad("OneToMany relations cannot have attributes"))
		}
	case api.ManyToMany:
	default:
		errs = multierr.Append(errs, bad("unknown cardinality '%s'", r.Cardinality))
	}
	for _, a := range r.Attributes {
		if strings.HasSuffix(a.ID, "_id") {
			errs = multierr.Append(errs, bad("attributes cannot end with '_id'"))
			break
		}
	}
	return multierr.Append(errs, validateAttributes(r.Attributes))
}

func validateAttributes(attrs []api.Attribute) error {
	var errs error
	seen := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		if reservedAttributes[a.ID] {
			errs = multierr.Append(errs, fmt.Errorf("attribute id '%s' cannot be used", a.ID))
			continue
		}
		if !snakeCaseRe.MatchString(a.ID) {
			errs = multierr.Append(errs, fmt.Errorf("attribute id '%s' must be snake_case all lowercase", a.ID))
		}
		if !a.Type.Valid() {
			errs = multierr.Append(errs, fmt.Errorf("attribute '%s' has unknown type '%s'", a.ID, a.Type))
		}
		if seen[a.ID] {
			errs = multierr.Append(errs, fmt.Errorf("attribute id '%s' occurs more than once", a.ID))
		}
		seen[a.ID] = true
	}
	return errs
}

// checkHasManyCycles walks OneToMany relations from origin to destination.
// Bulk creates recurse along these edges, so they must form a DAG.
func (m *Model) checkHasManyCycles() error {
	edges := make(map[string][]string)
	for _, urn := range m.relationOrder {
		r := m.relations[urn]
		if r.Cardinality == api.OneToMany {
			edges[r.Origin] = append(edges[r.Origin], r.Destination)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(m.entityOrder))
	var stack []string
	var visit func(urn string) error
	visit = func(urn string) error {
		switch state[urn] {
		case visiting:
			start := 0
			for i, s := range stack {
				if s == urn {
					start = i
				}
			}
			path := append(append([]string{}, stack[start:]...), urn)
			return fmt.Errorf("hasMany cycle: %s", strings.Join(path, " -> "))
		case done:
			return nil
		}
		state[urn] = visiting
		stack = append(stack, urn)
		for _, next := range edges[urn] {
			if err := visit(next); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[urn] = done
		return nil
	}
	for _, urn := range m.entityOrder {
		if err := visit(urn); err != nil {
			return err
		}
	}
	return nil
}
