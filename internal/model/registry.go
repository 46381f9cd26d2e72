package model

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/multierr"

	"github.com/agentic-research/dupe/api"
)

// ValidationError is one rejected field of one input row.
type ValidationError struct {
	URN string
	// Row is the index of the object in the validated batch.
	Row int
	// Field is the offending attribute id, empty for whole-object failures.
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s[%d]: %s", e.URN, e.Row, e.Reason)
	}
	return fmt.Sprintf("%s[%d].%s: %s", e.URN, e.Row, e.Field, e.Reason)
}

type specSchema struct {
	urn      string
	required []string
	fields   map[string]*jsonschema.Resolved
	custom   *jsonschema.Resolved
}

// Registry holds the compiled input schemas of one Model. Build it next to
// the Model and pass it to whatever validates input.
type Registry struct {
	specs map[string]*specSchema
}

// NewRegistry compiles a schema for every entity and relation of m.
func NewRegistry(m *Model) (*Registry, error) {
	reg := &Registry{specs: make(map[string]*specSchema)}
	var errs error
	for _, e := range m.Entities() {
		s, err := compileSpec(e.Spec)
		errs = multierr.Append(errs, err)
		reg.specs[e.URN] = s
	}
	for _, r := range m.Relations() {
		s, err := compileSpec(r.Spec)
		errs = multierr.Append(errs, err)
		reg.specs[r.URN] = s
	}
	if errs != nil {
		return nil, errs
	}
	return reg, nil
}

// JSONType maps an attribute type onto its JSON schema type.
func JSONType(t api.AttributeType) string {
	switch t {
	case api.TypeInteger, api.TypeTimestamp:
		return "integer"
	case api.TypeReal:
		return "number"
	case api.TypeBool:
		return "boolean"
	default:
		return "string"
	}
}

// AttributeSchema is the schema of a single attribute value. Optional
// attributes also accept null.
func AttributeSchema(a api.Attribute) *jsonschema.Schema {
	if a.Required {
		return &jsonschema.Schema{Type: JSONType(a.Type)}
	}
	return &jsonschema.Schema{Types: []string{JSONType(a.Type), "null"}}
}

// ObjectSchema is the schema of a whole object of spec.
func ObjectSchema(spec api.Spec) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Title:      spec.URN,
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(spec.Attributes)),
	}
	for _, a := range spec.Attributes {
		s.Properties[a.ID] = AttributeSchema(a)
		if a.Required {
			s.Required = append(s.Required, a.ID)
		}
	}
	return s
}

func compileSpec(spec api.Spec) (*specSchema, error) {
	out := &specSchema{urn: spec.URN, fields: make(map[string]*jsonschema.Resolved, len(spec.Attributes))}
	for _, a := range spec.Attributes {
		rs, err := AttributeSchema(a).Resolve(&jsonschema.ResolveOptions{})
		if err != nil {
			return nil, fmt.Errorf("compile %s.%s: %w", spec.URN, a.ID, err)
		}
		out.fields[a.ID] = rs
		if a.Required {
			out.required = append(out.required, a.ID)
		}
	}
	if len(spec.Schema) > 0 {
		raw, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("encode schema of %s: %w", spec.URN, err)
		}
		var custom jsonschema.Schema
		if err := json.Unmarshal(raw, &custom); err != nil {
			return nil, fmt.Errorf("decode schema of %s: %w", spec.URN, err)
		}
		rs, err := custom.Resolve(&jsonschema.ResolveOptions{})
		if err != nil {
			return nil, fmt.Errorf("compile schema of %s: %w", spec.URN, err)
		}
		out.custom = rs
	}
	return out, nil
}

// Validate checks full objects of the entity or relation urn. Every
// failure is returned as a *ValidationError combined with multierr.
func (r *Registry) Validate(urn string, objects []map[string]any) error {
	return r.validate(urn, objects, true)
}

// ValidatePartial checks update payloads: required attributes may be
// absent, present ones must still be well typed.
func (r *Registry) ValidatePartial(urn string, objects []map[string]any) error {
	return r.validate(urn, objects, false)
}

func (r *Registry) validate(urn string, objects []map[string]any, full bool) error {
	s, ok := r.specs[urn]
	if !ok {
		return fmt.Errorf("no schema registered for %s", urn)
	}
	var errs error
	for i, obj := range objects {
		normalized, err := normalize(obj)
		if err != nil {
			errs = multierr.Append(errs, &ValidationError{URN: urn, Row: i, Reason: err.Error()})
			continue
		}
		if full {
			for _, id := range s.required {
				if v, present := normalized[id]; !present || v == nil {
					errs = multierr.Append(errs, &ValidationError{URN: urn, Row: i, Field: id, Reason: "required"})
				}
			}
		}
		keys := make([]string, 0, len(normalized))
		for k := range normalized {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rs, known := s.fields[k]
			if !known || (full && normalized[k] == nil) {
				continue
			}
			if err := rs.Validate(normalized[k]); err != nil {
				errs = multierr.Append(errs, &ValidationError{URN: urn, Row: i, Field: k, Reason: err.Error()})
			}
		}
		if full && s.custom != nil {
			if err := s.custom.Validate(normalized); err != nil {
				errs = multierr.Append(errs, &ValidationError{URN: urn, Row: i, Reason: err.Error()})
			}
		}
	}
	return errs
}

// normalize converts Go values into their decoded JSON form so numbers of
// any Go type validate the same way.
func normalize(obj map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
