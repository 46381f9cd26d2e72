// Package storetest checks a store.Store implementation against the
// inventory fixture schema.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/dupe/internal/store"
)

// PartCategories is the link table of the fixture ManyToMany relation.
var PartCategories = store.AssocRef{
	Table:      "parts",
	Related:    "categories",
	Through:    "part_categories",
	ForeignKey: "part_id",
	OtherKey:   "category_id",
}

// Reverse reads a link table from its other side.
func Reverse(ref store.AssocRef) store.AssocRef {
	return store.AssocRef{
		Table:      ref.Related,
		Related:    ref.Table,
		Through:    ref.Through,
		ForeignKey: ref.OtherKey,
		OtherKey:   ref.ForeignKey,
	}
}

func idOf(t *testing.T, r store.Row) int64 {
	t.Helper()
	id, err := store.ToInt64(r.ID())
	require.NoError(t, err)
	return id
}

func ids(t *testing.T, vs []any) []int64 {
	t.Helper()
	out := make([]int64, 0, len(vs))
	for _, v := range vs {
		id, err := store.ToInt64(v)
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}

// Run exercises open, which must return an empty store holding the fixture
// tables.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		s := open(t)
		created, err := s.BulkCreate(ctx, "suppliers", []store.Row{
			{"name": "Acme", "active": true, "ignored": 1},
			{"name": "Bolt"},
		})
		require.NoError(t, err)
		require.Len(t, created, 2)
		assert.Equal(t, "Acme", created[0]["name"])
		assert.NotContains(t, created[0], "ignored")
		assert.Less(t, idOf(t, created[0]), idOf(t, created[1]))

		got, err := s.FindOne(ctx, "suppliers", store.Row{"name": "Bolt"})
		require.NoError(t, err)
		assert.Equal(t, idOf(t, created[1]), idOf(t, got))
		assert.Nil(t, got["active"])

		all, err := s.FindAll(ctx, "suppliers", nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = s.FindOne(ctx, "suppliers", store.Row{"name": "Nope"})
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.FindAll(ctx, "ghosts", nil)
		assert.ErrorIs(t, err, store.ErrUnknownTable)
	})

	t.Run("update and delete", func(t *testing.T) {
		s := open(t)
		created, err := s.BulkCreate(ctx, "suppliers", []store.Row{{"name": "Acme"}})
		require.NoError(t, err)
		id := created[0].ID()

		updated, err := s.Update(ctx, "suppliers", id, store.Row{"active": false, "name": "Acme Corp"})
		require.NoError(t, err)
		assert.Equal(t, "Acme Corp", updated["name"])
		assert.Equal(t, false, updated["active"])

		_, err = s.Update(ctx, "suppliers", int64(999), store.Row{"name": "x"})
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.Delete(ctx, "suppliers", id))
		assert.ErrorIs(t, s.Delete(ctx, "suppliers", id), store.ErrNotFound)
	})

	t.Run("association sets", func(t *testing.T) {
		s := open(t)
		sup, err := s.BulkCreate(ctx, "suppliers", []store.Row{{"name": "Acme"}})
		require.NoError(t, err)
		parts, err := s.BulkCreate(ctx, "parts", []store.Row{{"mpn": "R1", "supplier_id": sup[0].ID()}})
		require.NoError(t, err)
		cats, err := s.BulkCreate(ctx, "categories", []store.Row{{"label": "a"}, {"label": "b"}, {"label": "c"}})
		require.NoError(t, err)
		part := parts[0].ID()

		require.NoError(t, s.SetAssociation(ctx, PartCategories, part, []any{cats[0].ID(), cats[1].ID()}))
		got, err := s.Associated(ctx, PartCategories, part)
		require.NoError(t, err)
		assert.Equal(t, []int64{idOf(t, cats[0]), idOf(t, cats[1])}, ids(t, got))

		require.NoError(t, s.SetAssociation(ctx, PartCategories, part, []any{cats[1].ID(), cats[2].ID()}))
		got, err = s.Associated(ctx, PartCategories, part)
		require.NoError(t, err)
		assert.Equal(t, []int64{idOf(t, cats[1]), idOf(t, cats[2])}, ids(t, got))

		back, err := s.Associated(ctx, Reverse(PartCategories), cats[2].ID())
		require.NoError(t, err)
		assert.Equal(t, []int64{idOf(t, parts[0])}, ids(t, back))

		require.NoError(t, s.SetAssociation(ctx, PartCategories, part, nil))
		got, err = s.Associated(ctx, PartCategories, part)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("transaction commit and rollback", func(t *testing.T) {
		s := open(t)
		boom := errors.New("boom")

		err := s.Transaction(ctx, func(tx store.Store) error {
			_, err := tx.BulkCreate(ctx, "categories", []store.Row{{"label": "kept"}})
			return err
		})
		require.NoError(t, err)

		var view store.Store
		err = s.Transaction(ctx, func(tx store.Store) error {
			view = tx
			if _, err := tx.BulkCreate(ctx, "categories", []store.Row{{"label": "dropped"}}); err != nil {
				return err
			}
			return tx.Transaction(ctx, func(inner store.Store) error {
				_, err := inner.FindOne(ctx, "categories", store.Row{"label": "dropped"})
				require.NoError(t, err)
				return boom
			})
		})
		assert.ErrorIs(t, err, boom)

		all, err := s.FindAll(ctx, "categories", nil)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "kept", all[0]["label"])

		_, err = view.FindAll(ctx, "categories", nil)
		assert.Error(t, err, "a resolved transaction view refuses work")
	})

	t.Run("writes outside an open transaction are kept", func(t *testing.T) {
		s := open(t)
		started := make(chan struct{})
		done := make(chan error, 1)

		err := s.Transaction(ctx, func(tx store.Store) error {
			if _, err := tx.BulkCreate(ctx, "categories", []store.Row{{"label": "inside"}}); err != nil {
				return err
			}
			go func() {
				close(started)
				_, err := s.BulkCreate(ctx, "categories", []store.Row{{"label": "outside"}})
				done <- err
			}()
			<-started
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, <-done)

		all, err := s.FindAll(ctx, "categories", nil)
		require.NoError(t, err)
		labels := make([]any, 0, len(all))
		for _, r := range all {
			labels = append(labels, r["label"])
		}
		assert.ElementsMatch(t, []any{"inside", "outside"}, labels)
	})
}
