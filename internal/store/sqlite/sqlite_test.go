package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/dupe/internal/ddl"
	"github.com/agentic-research/dupe/internal/model/modeltest"
	"github.com/agentic-research/dupe/internal/store"
	"github.com/agentic-research/dupe/internal/store/storetest"
)

// openFixture creates the fixture schema in a fresh database.
func openFixture(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "dupe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for _, stmt := range ddl.Generate(modeltest.Model(t)) {
		_, err := s.DB().ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, s.Refresh(ctx))
	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openFixture(t) })
}

func TestForeignKeysEnforced(t *testing.T) {
	s := openFixture(t)
	_, err := s.BulkCreate(context.Background(), "parts", []store.Row{{"mpn": "R1", "supplier_id": 42}})
	assert.Error(t, err)

	all, err := s.FindAll(context.Background(), "parts", nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBulkCreate_AtomicWithoutTransaction(t *testing.T) {
	s := openFixture(t)
	ctx := context.Background()
	_, err := s.BulkCreate(ctx, "categories", []store.Row{{"label": "a"}, {"label": "a"}})
	require.Error(t, err, "label is unique")

	all, err := s.FindAll(ctx, "categories", nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCatalog(t *testing.T) {
	s := openFixture(t)
	assert.ElementsMatch(t, modeltest.Model(t).TableNames(), s.Tables())
	assert.Equal(t, "id", s.Catalog().PrimaryKey("parts"))
	assert.True(t, s.Catalog().Columns("lots")["part_id"])
}

func TestIDs(t *testing.T) {
	assert.Equal(t, []any{int64(1), int64(2)}, IDs([]store.Row{{"id": int64(1)}, {"id": int64(2)}}))
}
