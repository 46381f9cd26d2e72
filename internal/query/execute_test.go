package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/model/modeltest"
	"github.com/agentic-research/dupe/internal/store"
	"github.com/agentic-research/dupe/internal/store/memstore"
	"github.com/agentic-research/dupe/internal/tree"
)

// inventory stores two suppliers, three parts, two categories and lots.
func inventory(t *testing.T, m *model.Model) store.Store {
	t.Helper()
	ctx := context.Background()
	st := memstore.FromModel(m)
	create := func(table string, rows ...store.Row) []store.Row {
		created, err := st.BulkCreate(ctx, table, rows)
		require.NoError(t, err)
		return created
	}
	suppliers := create("suppliers", store.Row{"name": "Acme", "active": true}, store.Row{"name": "Bolt", "active": false})
	cats := create("categories", store.Row{"label": "passive"}, store.Row{"label": "smd"})
	parts := create("parts",
		store.Row{"mpn": "R1", "stock": 10, "supplier_id": suppliers[0].ID()},
		store.Row{"mpn": "R2", "stock": 0, "supplier_id": suppliers[1].ID()},
		store.Row{"mpn": "C1", "stock": 4},
	)
	create("lots",
		store.Row{"code": "L1", "quantity": 3, "part_id": parts[0].ID()},
		store.Row{"code": "L2", "quantity": 7, "part_id": parts[0].ID()},
	)
	ref := store.AssocRef{Table: "parts", Related: "categories", Through: "part_categories", ForeignKey: "part_id", OtherKey: "category_id"}
	require.NoError(t, st.SetAssociation(ctx, ref, parts[0].ID(), []any{cats[0].ID(), cats[1].ID()}))
	require.NoError(t, st.SetAssociation(ctx, ref, parts[2].ID(), []any{cats[1].ID()}))
	return st
}

// selected builds the selection of uris below part.
func selected(t *testing.T, m *model.Model, uris ...string) *tree.Node[*Params] {
	t.Helper()
	b := tree.NewBuilder(m, NewParams)
	root, err := b.RootFromEntity(modeltest.Part)
	require.NoError(t, err)
	for _, uri := range uris {
		require.NoError(t, b.DrillPath(root, uri))
	}
	require.NoError(t, Select(root, uris...))
	return root
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	m := modeltest.Model(t)
	st := inventory(t, m)
	uris := []string{
		"dupe:part/./mpn",
		"dupe:part/dupe:supplier/./name",
		"dupe:part/dupe:category/./label",
		"dupe:part/dupe:lot/./code",
	}
	sel := Selection(selected(t, m, uris...))

	resp, err := Execute(ctx, st, m, Options{Params: sel, Limit: 10})
	require.NoError(t, err)

	parts, _ := resp.Data["parts"].([]any)
	require.Len(t, parts, 3)
	first := parts[0].(map[string]any)
	assert.Equal(t, "R1", first["mpn"])
	assert.Equal(t, map[string]any{"id": int64(1), "name": "Acme"}, first["supplier"])
	assert.Len(t, first["categories"], 2)
	assert.Len(t, first["lots"], 2)
	assert.NotContains(t, first, "stock", "only selected attributes are read")

	got, err := resp.IndexByURIs(uris)
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]any{
		"1": {uris[0]: "R1", uris[1]: "Acme", uris[2]: "passive, smd", uris[3]: "L1, L2"},
		"2": {uris[0]: "R2", uris[1]: "Bolt", uris[2]: "", uris[3]: ""},
		"3": {uris[0]: "C1", uris[1]: nil, uris[2]: "smd", uris[3]: ""},
	}, got)
}

func TestExecute_Filters(t *testing.T) {
	ctx := context.Background()
	m := modeltest.Model(t)
	st := inventory(t, m)

	mpns := func(t *testing.T, opts Options) []any {
		t.Helper()
		resp, err := Execute(ctx, st, m, opts)
		require.NoError(t, err)
		var out []any
		for _, p := range resp.Data["parts"].([]any) {
			out = append(out, p.(map[string]any)["mpn"])
		}
		return out
	}

	tests := []struct {
		name    string
		where   Where
		include map[string]Include
		text    string
		page    int
		limit   int
		want    []any
	}{
		{name: "all", limit: 10, want: []any{"R1", "R2", "C1"}},
		{name: "paginated", limit: 2, page: 1, want: []any{"C1"}},
		{name: "equality", where: WhereMap{"mpn": "R2"}, want: []any{"R2"}},
		{name: "operator", where: WhereMap{"stock": map[string]any{"gt": 0.0}}, want: []any{"R1", "C1"}},
		{name: "in", where: WhereMap{"mpn": map[string]any{"in": []any{"C1", "R2"}}}, want: []any{"R2", "C1"}},
		{name: "text", text: "r", want: []any{"R1", "R2"}},
		{name: "text and where", text: "r", where: WhereMap{"stock": map[string]any{"lte": 0.0}}, want: []any{"R2"}},
		{
			name:    "include",
			include: map[string]Include{"categories": {Where: WhereMap{"label": "smd"}}},
			want:    []any{"R1", "C1"},
		},
		{
			name:    "include on the one side",
			include: map[string]Include{"suppliers": {Where: WhereMap{"active": true}}},
			want:    []any{"R1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := selected(t, m, "dupe:part/./mpn")
			tree.FindByURI(root, "dupe:part/./mpn").Inner.ByText = true
			root.Inner.Where, root.Inner.Include = tt.where, tt.include
			got := mpns(t, Options{Params: Selection(root), TextSearch: tt.text, Page: tt.page, Limit: tt.limit})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecute_Errors(t *testing.T) {
	ctx := context.Background()
	m := modeltest.Model(t)
	st := inventory(t, m)
	root := selected(t, m, "dupe:part/./mpn")

	_, err := Execute(ctx, st, m, Options{Params: root.Children[0]})
	assert.ErrorIs(t, err, ErrNotEntity)

	root.Inner.Where = WhereString(`stock: { gt: 0 }`)
	_, err = Execute(ctx, st, m, Options{Params: Selection(root)})
	assert.ErrorIs(t, err, ErrUnsupportedWhere)

	root.Inner.Where = WhereMap{"stock": map[string]any{"between": []any{1, 2}}}
	_, err = Execute(ctx, st, m, Options{Params: Selection(root)})
	assert.ErrorIs(t, err, ErrUnsupportedWhere)

	root.Inner.Where = nil
	root.Inner.Include = map[string]Include{"categories": {}}
	_, err = Execute(ctx, st, m, Options{Params: Selection(root)})
	assert.ErrorIs(t, err, ErrUnsupportedWhere, "an include needs a where clause")

	resp, err := Execute(ctx, st, m, Options{})
	require.NoError(t, err)
	assert.Nil(t, resp.Data)
}

func TestLike(t *testing.T) {
	assert.True(t, like("R100", "%10%"))
	assert.True(t, like("r100", "R1__"))
	assert.False(t, like("R100", "R1_"))
	assert.True(t, like("a.b", "a.b"))
	assert.False(t, like("axb", "a.b"))
}
