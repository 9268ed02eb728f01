package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snublejuice/vinskraper/internal/model"
)

// runContract exercises behavior every backend must share.
func runContract(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	coll := model.CollectionProducts

	t.Run("upsert inserts then merges", func(t *testing.T) {
		res, err := st.BulkWrite(ctx, coll, []Op{
			Upsert{Index: 1, Set: model.Document{"name": "A", "price 2025-01-01": 100.0}},
			Upsert{Index: 2, Set: model.Document{"name": "B"}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Upserted)

		_, err = st.BulkWrite(ctx, coll, []Op{
			Upsert{Index: 1, Set: model.Document{"status": "aktiv"}},
		})
		require.NoError(t, err)

		docs, err := st.Find(ctx, coll, Filter{Indexes: []int64{1}})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "A", docs[0]["name"])
		assert.Equal(t, "aktiv", docs[0]["status"])
		idx, ok := docs[0].Index()
		require.True(t, ok)
		assert.Equal(t, int64(1), idx)
	})

	t.Run("set if absent keeps stored value", func(t *testing.T) {
		_, err := st.BulkWrite(ctx, coll, []Op{
			Upsert{Index: 1, SetIfAbsent: model.Document{"price 2025-01-01": 999.0, "price 2025-02-01": 120.0}},
		})
		require.NoError(t, err)

		docs, err := st.Find(ctx, coll, Filter{Indexes: []int64{1}})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, 100.0, docs[0].Float("price 2025-01-01"))
		assert.Equal(t, 120.0, docs[0].Float("price 2025-02-01"))
	})

	t.Run("upsert unsets keys", func(t *testing.T) {
		_, err := st.BulkWrite(ctx, coll, []Op{Upsert{Index: 2, Set: model.Document{"refresh": true}}})
		require.NoError(t, err)
		_, err = st.BulkWrite(ctx, coll, []Op{Upsert{Index: 2, Unset: []string{"refresh"}}})
		require.NoError(t, err)

		docs, err := st.Find(ctx, coll, Filter{Indexes: []int64{2}})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.NotContains(t, docs[0], "refresh")
		assert.Equal(t, "B", docs[0]["name"])
	})

	t.Run("update many with missing equals and inc", func(t *testing.T) {
		_, err := st.BulkWrite(ctx, coll, []Op{
			Upsert{Index: 3, Set: model.Document{"new": int64(4), "refresh": true}},
		})
		require.NoError(t, err)

		n, err := st.UpdateMany(ctx, coll, Filter{Missing: []string{"new"}}, Update{Set: model.Document{"new": int64(0)}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = st.UpdateMany(ctx, coll, Filter{}, Update{Inc: map[string]int64{"new": 1}})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = st.UpdateMany(ctx, coll, Filter{Equals: map[string]any{"refresh": true}},
			Update{Set: model.Document{"new": int64(0)}, Unset: []string{"refresh"}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		docs, err := st.Find(ctx, coll, Filter{})
		require.NoError(t, err)
		require.Len(t, docs, 3)
		got := map[int64]int64{}
		for _, doc := range docs {
			idx, _ := doc.Index()
			got[idx], _ = model.AsInt(doc["new"])
			assert.NotContains(t, doc, "refresh")
		}
		assert.Equal(t, map[int64]int64{1: 1, 2: 1, 3: 0}, got)
	})

	t.Run("distinct and delete", func(t *testing.T) {
		values, err := st.Distinct(ctx, coll, model.FieldIndex)
		require.NoError(t, err)
		ids, err := model.Indexes(values)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{1, 2, 3}, ids)

		res, err := st.BulkWrite(ctx, coll, []Op{Delete{Index: 3}, Delete{Index: 42}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Deleted)

		none, err := st.Find(ctx, coll, Filter{Indexes: []int64{}})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("missing filter", func(t *testing.T) {
		_, err := st.BulkWrite(ctx, coll, []Op{Upsert{Index: 1, Set: model.Document{"smell": "Bær"}}})
		require.NoError(t, err)

		docs, err := st.Find(ctx, coll, Filter{Missing: []string{"smell"}})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		idx, _ := docs[0].Index()
		assert.Equal(t, int64(2), idx)
	})

	t.Run("patch never inserts", func(t *testing.T) {
		res, err := st.BulkWrite(ctx, coll, []Op{
			Patch{Index: 50, Set: model.Document{"name": "Ghost"}},
			Patch{Index: 1, Set: model.Document{"color": "Rød"}, SetIfAbsent: model.Document{"price 2025-01-01": 1.0}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Skipped)
		assert.Zero(t, res.Upserted)

		ghost, err := st.Find(ctx, coll, Filter{Indexes: []int64{50}})
		require.NoError(t, err)
		assert.Empty(t, ghost)

		docs, err := st.Find(ctx, coll, Filter{Indexes: []int64{1}})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "Rød", docs[0]["color"])
		assert.Equal(t, 100.0, docs[0].Float("price 2025-01-01"))
	})

	t.Run("set if absent keeps stored null", func(t *testing.T) {
		_, err := st.BulkWrite(ctx, coll, []Op{Upsert{Index: 2, Set: model.Document{"allergens": nil}}})
		require.NoError(t, err)
		_, err = st.BulkWrite(ctx, coll, []Op{Upsert{Index: 2, SetIfAbsent: model.Document{"allergens": "Nøtter"}}})
		require.NoError(t, err)

		docs, err := st.Find(ctx, coll, Filter{Indexes: []int64{2}})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Contains(t, docs[0], "allergens")
		assert.Nil(t, docs[0]["allergens"])
	})

	t.Run("replace all", func(t *testing.T) {
		require.NoError(t, st.ReplaceAll(ctx, model.CollectionShops, []model.Document{
			{"index": int64(10), "name": "Old"},
		}))
		require.NoError(t, st.ReplaceAll(ctx, model.CollectionShops, []model.Document{
			{"index": int64(11), "name": "Oslo", "coordinates": map[string]any{"latitude": 59.9, "longitude": 10.7}},
			{"index": int64(12), "name": "Bergen"},
		}))

		docs, err := st.Find(ctx, model.CollectionShops, Filter{})
		require.NoError(t, err)
		require.Len(t, docs, 2)
		coords, ok := docs[0]["coordinates"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 59.9, coords["latitude"])
	})
}
