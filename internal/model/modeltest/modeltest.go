// Package modeltest provides a small inventory schema shared by tests.
//
//	supplier 1──* part *──* category
//	               part 1──* lot
package modeltest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/model"
)

const (
	Tenant         = "dupe"
	Supplier       = "dupe:supplier"
	Part           = "dupe:part"
	Category       = "dupe:category"
	Lot            = "dupe:lot"
	Supplies       = "dupe:supplies"
	Classification = "dupe:classification"
	Holds          = "dupe:holds"
)

// Spec returns a fresh copy of the inventory payload.
func Spec() api.Model {
	return api.Model{
		ID:     1,
		Rev:    1,
		Tenant: Tenant,
		Entities: []api.Entity{
			{
				Spec: api.Spec{
					ID: 1, URN: Supplier, Name: "Supplier", Description: "Part vendor", Visibility: api.VisibilityTenant,
					Attributes: []api.Attribute{
						{ID: "name", Name: "Name", Required: true, Unique: true, Type: api.TypeString},
						{ID: "active", Name: "Active", Type: api.TypeBool},
					},
				},
				Singular: "supplier", Plural: "suppliers",
			},
			{
				Spec: api.Spec{
					ID: 2, URN: Part, Name: "Part", Description: "An electric or mechanical part", Visibility: api.VisibilityTenant,
					Attributes: []api.Attribute{
						{ID: "mpn", Name: "Part Number", Required: true, Unique: true, Type: api.TypeString},
						{ID: "stock", Name: "Stock Units", Type: api.TypeInteger},
						{ID: "price", Name: "Price", Type: api.TypeReal},
					},
				},
				Singular: "part", Plural: "parts",
			},
			{
				Spec: api.Spec{
					ID: 3, URN: Category, Name: "Category", Description: "Part family", Visibility: api.VisibilityTenant,
					Attributes: []api.Attribute{
						{ID: "label", Name: "Label", Required: true, Unique: true, Type: api.TypeString},
					},
				},
				Singular: "category", Plural: "categories",
			},
			{
				Spec: api.Spec{
					ID: 4, URN: Lot, Name: "Lot", Description: "Batch of parts in stock", Visibility: api.VisibilityTenant,
					Attributes: []api.Attribute{
						{ID: "code", Name: "Code", Required: true, Type: api.TypeString},
						{ID: "quantity", Name: "Quantity", Type: api.TypeInteger},
					},
				},
				Singular: "lot", Plural: "lots",
				UniqueConstraints: []api.UniqueConstraint{
					{Attributes: []string{"code"}, Relations: []string{Holds}},
				},
			},
		},
		Relations: []api.Relation{
			{
				Spec:        api.Spec{ID: 1, URN: Supplies, Name: "Supplies", Visibility: api.VisibilityTenant},
				Origin:      Supplier,
				Destination: Part,
				Cardinality: api.OneToMany,
			},
			{
				Spec: api.Spec{
					ID: 2, URN: Classification, Name: "Classification", Visibility: api.VisibilityTenant,
					Attributes: []api.Attribute{
						{ID: "preferred", Name: "Preferred", Type: api.TypeBool},
					},
				},
				Origin:      Part,
				Destination: Category,
				Cardinality: api.ManyToMany,
			},
			{
				Spec:        api.Spec{ID: 3, URN: Holds, Name: "Holds", Visibility: api.VisibilityTenant},
				Origin:      Part,
				Destination: Lot,
				Cardinality: api.OneToMany,
			},
		},
	}
}

// Model builds Spec and fails the test on error.
func Model(t testing.TB) *model.Model {
	t.Helper()
	m, err := model.New(Spec())
	require.NoError(t, err)
	return m
}

// Registry compiles the validators of m.
func Registry(t testing.TB, m *model.Model) *model.Registry {
	t.Helper()
	reg, err := model.NewRegistry(m)
	require.NoError(t, err)
	return reg
}
