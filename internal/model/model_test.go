package model_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/model/modeltest"
)

func TestNew_Lookups(t *testing.T) {
	m := modeltest.Model(t)

	assert.Equal(t, "dupe", m.Tenant())
	assert.Len(t, m.Entities(), 4)
	assert.Len(t, m.Relations(), 3)

	part, ok := m.FindEntityByURN(modeltest.Part)
	require.True(t, ok)
	assert.Equal(t, "parts", part.Plural)
	assert.Equal(t, "mpn", part.NaturalKey())
	assert.Equal(t, []string{"id", "mpn", "stock", "price"}, part.AttributeIDs())
	assert.Len(t, part.TextAttributes(), 1)

	_, ok = part.FindAttribute("created_at")
	assert.True(t, ok, "common attributes are always present")

	_, ok = m.FindEntityByURN("dupe:nope")
	assert.False(t, ok)
	_, ok = m.FindRelationByURN("dupe:nope")
	assert.False(t, ok)
}

func TestRelationsOfEntity(t *testing.T) {
	m := modeltest.Model(t)

	assert.Equal(t, []string{modeltest.Supplies, modeltest.Classification, modeltest.Holds}, m.RelationsOfEntity(modeltest.Part))
	assert.Equal(t, []string{modeltest.Supplies}, m.RelationsOfEntity(modeltest.Supplier))
	assert.Empty(t, m.RelationsOfEntity("dupe:nope"))

	assert.Equal(t, []string{modeltest.Classification}, m.RelationsBetween(modeltest.Part, modeltest.Category))
	assert.Empty(t, m.RelationsBetween(modeltest.Supplier, modeltest.Category))

	other, ok := m.RelatedEntity(modeltest.Part, modeltest.Holds)
	require.True(t, ok)
	assert.Equal(t, modeltest.Lot, other.URN)

	_, ok = m.RelatedEntity(modeltest.Category, modeltest.Holds)
	assert.False(t, ok)
}

func TestSide(t *testing.T) {
	m := modeltest.Model(t)

	supplies, _ := m.FindRelationByURN(modeltest.Supplies)
	assert.Equal(t, model.SideOneToMany, supplies.Side(modeltest.Supplier))
	assert.Equal(t, model.SideManyToOne, supplies.Side(modeltest.Part))
	assert.Equal(t, model.SideNone, supplies.Side(modeltest.Category))

	classification, _ := m.FindRelationByURN(modeltest.Classification)
	assert.Equal(t, model.SideManyToMany, classification.Side(modeltest.Part))
	assert.Equal(t, model.SideManyToMany, classification.Side(modeltest.Category))
}

func TestTarget(t *testing.T) {
	m := modeltest.Model(t)

	target, ok := m.Target(modeltest.Part)
	require.True(t, ok)
	assert.Equal(t, model.TargetEntity, target.Kind)
	assert.Equal(t, modeltest.Part, target.Entity.URN)

	target, ok = m.Target(modeltest.Classification)
	require.True(t, ok)
	assert.Equal(t, model.TargetAssociation, target.Kind)
	assert.Nil(t, target.Entity)
}

func TestNew_DanglingRelation(t *testing.T) {
	spec := modeltest.Spec()
	spec.Relations[0].Origin = "dupe:ghost"

	_, err := model.New(spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidModel))
	assert.Contains(t, err.Error(), modeltest.Supplies)
}

func TestNew_Rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*api.Model)
		want   string
	}{
		{"basename mismatch", func(s *api.Model) { s.Entities[0].Singular = "vendor" }, "urn basename does not match singular"},
		{"singular equals plural", func(s *api.Model) { s.Entities[1].Plural = "part" }, "singular cannot be equal to plural"},
		{"reserved attribute", func(s *api.Model) {
			s.Entities[2].Attributes = append(s.Entities[2].Attributes, api.Attribute{ID: "rev", Type: api.TypeInteger})
		}, "attribute id 'rev' cannot be used"},
		{"bad type", func(s *api.Model) { s.Entities[2].Attributes[0].Type = "blob" }, "unknown type"},
		{"no attributes", func(s *api.Model) { s.Entities[2].Attributes = nil }, "attributes list cannot be empty"},
		{"basename collision", func(s *api.Model) { s.Relations[2].URN = "dupe:lot" }, "basename 'lot' occurs more than once"},
		{"one to many attributes", func(s *api.Model) {
			s.Relations[0].Attributes = []api.Attribute{{ID: "since", Type: api.TypeTimestamp}}
		}, "OneToMany relations cannot have attributes"},
		{"unique constraint relation", func(s *api.Model) {
			s.Entities[3].UniqueConstraints[0].Relations = []string{modeltest.Classification}
		}, "unique constraints can only use OneToMany relations"},
		{"unique constraint attribute", func(s *api.Model) {
			s.Entities[3].UniqueConstraints[0].Attributes = []string{"serial"}
		}, "attribute with id 'serial' not found"},
		{"uppercase urn", func(s *api.Model) {
			s.Entities[0].URN = "dupe:Supplier"
			s.Entities[0].Singular = "Supplier"
			s.Relations[0].Origin = "dupe:Supplier"
		}, "invalid characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := modeltest.Spec()
			tt.mutate(&spec)
			_, err := model.New(spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrInvalidModel)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNew_CollectsAllErrors(t *testing.T) {
	spec := modeltest.Spec()
	spec.Entities[0].Singular = "vendor"
	spec.Entities[1].Plural = "part"

	_, err := model.New(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "urn basename does not match singular")
	assert.Contains(t, err.Error(), "singular cannot be equal to plural")
}

func TestNew_HasManyCycle(t *testing.T) {
	spec := modeltest.Spec()
	spec.Relations = append(spec.Relations, api.Relation{
		Spec:        api.Spec{ID: 9, URN: "dupe:restocks", Name: "Restocks", Visibility: api.VisibilityTenant},
		Origin:      modeltest.Lot,
		Destination: modeltest.Supplier,
		Cardinality: api.OneToMany,
	})

	_, err := model.New(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hasMany cycle")
	assert.Contains(t, err.Error(), "dupe:supplier -> dupe:part -> dupe:lot -> dupe:supplier")
}

func TestNaming(t *testing.T) {
	m := modeltest.Model(t)

	assert.Equal(t, "category", m.Singular("categories"))
	assert.Equal(t, "category", m.Singular("category"))
	assert.Equal(t, "parts", m.Plural("part"))
	assert.Equal(t, "boxes", m.Plural("box"))
	assert.Equal(t, "widget", m.Singular("widgets"))

	assert.Equal(t, []string{"suppliers", "parts", "categories", "lots", "part_categories"}, m.TableNames())
	assert.True(t, m.IsRelationTable("part_categories"))
	assert.False(t, m.IsRelationTable("parts"))

	r, ok := m.RelationByJoinTable("part_categories")
	require.True(t, ok)
	assert.Equal(t, modeltest.Classification, r.URN)

	uniq, ok := m.TableUniqueAttributes("lots")
	require.True(t, ok)
	assert.Equal(t, []string{"code", "part_id"}, uniq)

	uniq, ok = m.TableUniqueAttributes("parts")
	require.True(t, ok)
	assert.Equal(t, []string{"mpn"}, uniq)

	uniq, ok = m.TableUniqueAttributes("part_categories")
	require.True(t, ok)
	assert.Equal(t, []string{"part_id", "category_id"}, uniq)

	_, ok = m.TableUniqueAttributes("nope")
	assert.False(t, ok)

	assert.Equal(t, "PartCategories", model.PascalCase("part_categories"))
	assert.Equal(t, "PartCategories", model.PascalCase("partCategories"))
	assert.Equal(t, "part_categories", model.FieldName("PartCategories"))
	part, _ := m.FindEntityByURN(modeltest.Part)
	assert.Equal(t, "Part", model.TypeName(part))
	assert.Equal(t, "part_id", model.ForeignKeyName(part))
}

func TestRegistry_Validate(t *testing.T) {
	m := modeltest.Model(t)
	reg := modeltest.Registry(t, m)

	t.Run("valid", func(t *testing.T) {
		err := reg.Validate(modeltest.Part, []map[string]any{
			{"mpn": "R-100", "stock": 3, "price": 0.5},
			{"mpn": "R-101", "stock": nil},
		})
		assert.NoError(t, err)
	})

	t.Run("per field errors", func(t *testing.T) {
		err := reg.Validate(modeltest.Part, []map[string]any{
			{"mpn": "R-100"},
			{"stock": "many"},
		})
		require.Error(t, err)

		errs := multierr.Errors(err)
		require.Len(t, errs, 2)
		var fields []string
		for _, e := range errs {
			var ve *model.ValidationError
			require.ErrorAs(t, e, &ve)
			assert.Equal(t, 1, ve.Row)
			fields = append(fields, ve.Field)
		}
		assert.ElementsMatch(t, []string{"mpn", "stock"}, fields)
	})

	t.Run("partial allows missing required", func(t *testing.T) {
		assert.NoError(t, reg.ValidatePartial(modeltest.Part, []map[string]any{{"stock": 4}}))
		assert.Error(t, reg.ValidatePartial(modeltest.Part, []map[string]any{{"price": "cheap"}}))
	})

	t.Run("unknown urn", func(t *testing.T) {
		assert.Error(t, reg.Validate("dupe:nope", nil))
	})
}

func TestRegistry_CustomSchema(t *testing.T) {
	spec := modeltest.Spec()
	spec.Entities[2].Schema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"label": map[string]any{"type": "string", "minLength": 3},
		},
	}
	m, err := model.New(spec)
	require.NoError(t, err)
	reg := modeltest.Registry(t, m)

	assert.NoError(t, reg.Validate(modeltest.Category, []map[string]any{{"label": "resistor"}}))
	assert.Error(t, reg.Validate(modeltest.Category, []map[string]any{{"label": "r"}}))
}

func TestLoadAndHotSwap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: 1
rev: 1
tenant: dupe
entities:
  - id: 1
    urn: dupe:tag
    name: Tag
    description: A label
    visibility: Tenant
    singular: tag
    plural: tags
    attributes:
      - id: label
        name: Label
        required: true
        type: string
relations: []
`), 0o644))

	m, err := model.Load(path)
	require.NoError(t, err)
	_, ok := m.FindEntityByURN("dupe:tag")
	require.True(t, ok)

	hs, err := model.NewHotSwap(m)
	require.NoError(t, err)

	next := modeltest.Model(t)
	require.NoError(t, hs.Swap(next))
	cur, reg := hs.Current()
	assert.Same(t, next, cur)
	assert.NoError(t, reg.Validate(modeltest.Part, []map[string]any{{"mpn": "x"}}))

	older := modeltest.Spec()
	older.Tenant = "other"
	om, err := model.New(older)
	require.NoError(t, err)
	assert.Error(t, hs.Swap(om))

	require.Error(t, hs.Reload(filepath.Join(dir, "missing.json")))
}
