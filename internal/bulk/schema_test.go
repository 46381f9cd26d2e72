package bulk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/dupe/internal/assoc"
	"github.com/agentic-research/dupe/internal/ddl"
	"github.com/agentic-research/dupe/internal/model/modeltest"
	"github.com/agentic-research/dupe/internal/store"
	"github.com/agentic-research/dupe/internal/store/sqlite"
)

var partCategories = store.AssocRef{
	Table:      "parts",
	Related:    "categories",
	Through:    "part_categories",
	ForeignKey: "part_id",
	OtherKey:   "category_id",
}

func TestSchemaFromModel(t *testing.T) {
	s, err := SchemaFromModel(modeltest.Model(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"suppliers", "parts", "categories", "lots"}, s.Tables())

	parts, ok := s.Table("parts")
	require.True(t, ok)
	assert.Equal(t, "part", parts.Singular)
	assert.Equal(t, modeltest.Part, parts.URN)
	assert.Equal(t, []string{"id", "mpn"}, parts.Unique)

	want := &Table{
		Name:       "parts",
		Singular:   "part",
		URN:        modeltest.Part,
		PrimaryKey: "id",
		Unique:     []string{"id", "mpn"},
		ToOne:      []Link{{Key: "supplier", Table: "suppliers", ForeignKey: "supplier_id"}},
		ToMany:     []Link{{Key: "categories", Table: "categories", Through: partCategories}},
		HasMany:    []Link{{Key: "lots", Table: "lots", ForeignKey: "part_id"}},
	}
	if diff := cmp.Diff(want, parts); diff != "" {
		t.Errorf("parts schema mismatch (-want +got):\n%s", diff)
	}

	cats, _ := s.Table("categories")
	require.Len(t, cats.ToMany, 1)
	assert.Equal(t, "parts", cats.ToMany[0].Key)
	assert.Equal(t, "category_id", cats.ToMany[0].Through.ForeignKey)
	assert.Equal(t, "part_id", cats.ToMany[0].Through.OtherKey)

	lots, _ := s.Table("lots")
	assert.Equal(t, []string{"id", "code", "part_id"}, lots.Unique)
	assert.True(t, lots.IsUnique("code"))
	assert.False(t, lots.IsUnique("quantity"))
}

func TestNewSchema_FromIntrospection(t *testing.T) {
	ctx := context.Background()
	m := modeltest.Model(t)
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "dupe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range ddl.Generate(m) {
		_, err := db.DB().ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, db.Refresh(ctx))

	associations, err := assoc.InferAll(db.Catalog().Tables(), m, assoc.ModelJoinPredicate(m), nil)
	require.NoError(t, err)
	got, err := NewSchema(db.Catalog(), associations, m)
	require.NoError(t, err)
	want, err := SchemaFromModel(m)
	require.NoError(t, err)

	assert.ElementsMatch(t, want.Tables(), got.Tables(), "join tables are not writable")
	for _, name := range want.Tables() {
		w, _ := want.Table(name)
		g, ok := got.Table(name)
		require.True(t, ok, name)
		assert.ElementsMatch(t, w.ToOne, g.ToOne, name)
		assert.ElementsMatch(t, w.ToMany, g.ToMany, name)
		assert.ElementsMatch(t, w.HasMany, g.HasMany, name)
		assert.Equal(t, []string{"id"}, g.Unique)
	}
}

func TestNewSchema_RejectsCycles(t *testing.T) {
	tables := []assoc.Table{
		{
			Name:        "nodes",
			Columns:     []assoc.Column{{Name: "id", Type: "INTEGER", PrimaryKey: true}, {Name: "edge_id", Type: "INTEGER"}},
			ForeignKeys: []assoc.ForeignKey{{From: "edge_id", Table: "edges", To: "id"}},
		},
		{
			Name:        "edges",
			Columns:     []assoc.Column{{Name: "id", Type: "INTEGER", PrimaryKey: true}, {Name: "node_id", Type: "INTEGER"}},
			ForeignKeys: []assoc.ForeignKey{{From: "node_id", Table: "nodes", To: "id"}},
		},
	}
	associations, err := assoc.InferAll(tables, nil, nil, nil)
	require.NoError(t, err)
	_, err = NewSchema(assoc.NewCatalog(tables), associations, nil)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestNewSchema_UnknownTable(t *testing.T) {
	tables := []assoc.Table{{Name: "notes", Columns: []assoc.Column{{Name: "id", PrimaryKey: true}}}}
	_, err := NewSchema(assoc.NewCatalog(tables), []assoc.Association{
		{From: "notes", To: "ghosts", Kind: assoc.DirectReference, ForeignKey: "ghost_id"},
	}, nil)
	assert.ErrorIs(t, err, store.ErrUnknownTable)
}

func TestPolyKeys(t *testing.T) {
	parts := &Table{Name: "parts", Singular: "part", PrimaryKey: "id"}
	cats := &Table{Name: "categories", Singular: "category", PrimaryKey: "id"}
	key, otherKey, arg := PolyKeys(parts, cats)
	assert.Equal(t, "id", key)
	assert.Equal(t, "id", otherKey)
	assert.Equal(t, "category_id", arg)

	tags := &Table{Name: "tags", Singular: "tag", PrimaryKey: "slug"}
	_, otherKey, arg = PolyKeys(parts, tags)
	assert.Equal(t, "slug", otherKey)
	assert.Equal(t, "slug", arg)

	assert.Equal(t, "stock_item_id", OtherKey("StockItem", "id"))
}

func TestHash(t *testing.T) {
	a, err := Hash(store.Row{"name": "Acme", "active": true, "rank": 2})
	require.NoError(t, err)
	b, err := Hash(map[string]any{"rank": 2.0, "active": true, "name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order and number representation do not matter")

	c, err := Hash(store.Row{"name": "Acme", "active": false, "rank": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	assert.True(t, sameValue(int64(1), 1.0))
	assert.True(t, sameValue(nil, nil))
	assert.False(t, sameValue(nil, 0))
	assert.False(t, sameValue("1", 2))
}

func TestSameValue_Timestamps(t *testing.T) {
	stored := time.Date(2026, 10, 14, 13, 50, 5, 0, time.UTC)
	for _, sent := range []any{
		"2026-10-14T13:50:05Z",
		"2026-10-14T15:50:05+02:00",
		"2026-10-14 13:50:05",
		stored.In(time.FixedZone("CEST", 2*3600)),
	} {
		assert.True(t, sameValue(stored, sent), "%v", sent)
		assert.True(t, sameValue(sent, stored), "%v", sent)
	}
	assert.False(t, sameValue(stored, "2026-10-14T13:50:06Z"))
	assert.False(t, sameValue(stored, "yesterday"))
	assert.False(t, sameValue("2026-10-14 13:50:05", "2026-10-14T13:50:05Z"), "strings compare as written")

	table := &Table{Name: "suppliers", PrimaryKey: "id"}
	changed := diff(table,
		store.Row{"id": int64(1), "name": "Acme", "updated_at": stored},
		store.Row{"id": 1.0, "name": "Acme Corp", "updated_at": "2026-10-14T13:50:05Z"})
	assert.Equal(t, store.Row{"name": "Acme Corp"}, changed)
}
