package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/internal/types"
)

const suiteDim = 3

func chunk(docID int64, content string, emb ...float32) models.Chunk {
	return models.Chunk{DocumentID: docID, Content: content, Embedding: emb}
}

func ingest(t *testing.T, s types.Store, name string, chunks ...models.Chunk) *models.Document {
	t.Helper()
	ctx := context.Background()
	res, err := s.Reserve(ctx, name, "test")
	require.NoError(t, err)
	for i := range chunks {
		chunks[i].DocumentID = res.DocumentID
	}
	doc, err := s.Finalize(ctx, res, chunks)
	require.NoError(t, err)
	return doc
}

// runStoreSuite checks the behaviour every Store implementation shares.
// newStore must return an empty store of dimension 3.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) types.Store) {
	ctx := context.Background()

	t.Run("Should rank by ascending L2 distance", func(t *testing.T) {
		s := newStore(t)
		doc := ingest(t, s, "geometry",
			chunk(0, "far", 10, 10, 10),
			chunk(0, "exact", 1, 0, 0),
			chunk(0, "near", 1, 1, 0),
		)

		results, err := s.Search(ctx, []float32{1, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "exact", results[0].Content)
		assert.InDelta(t, 0, results[0].Distance, 1e-6)
		assert.Equal(t, "near", results[1].Content)
		assert.InDelta(t, 1, results[1].Distance, 1e-6)
		assert.Equal(t, "geometry", results[0].DocumentName)
		assert.Equal(t, doc.ID, results[0].DocumentID)
	})

	t.Run("Should return everything when k exceeds the count", func(t *testing.T) {
		s := newStore(t)
		ingest(t, s, "small", chunk(0, "a", 0, 0, 1), chunk(0, "b", 0, 1, 0))

		results, err := s.Search(ctx, []float32{0, 0, 1}, 50)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("Should return nothing from an empty store", func(t *testing.T) {
		s := newStore(t)
		results, err := s.Search(ctx, []float32{0, 0, 1}, 5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("Should reject non-positive k and wrong dimensions", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Search(ctx, []float32{0, 0, 1}, 0)
		assert.ErrorIs(t, err, models.ErrValidation)
		_, err = s.Search(ctx, []float32{0, 1}, 1)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("Should keep reserved documents invisible until finalized", func(t *testing.T) {
		s := newStore(t)
		res, err := s.Reserve(ctx, "pending", "")
		require.NoError(t, err)

		docs, err := s.ListDocuments(ctx, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, docs)
		_, err = s.GetDocument(ctx, res.DocumentID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Should write nothing when a chunk is invalid", func(t *testing.T) {
		s := newStore(t)
		res, err := s.Reserve(ctx, "broken", "")
		require.NoError(t, err)

		cases := [][]models.Chunk{
			nil,
			{chunk(res.DocumentID, "ok", 1, 2, 3), chunk(res.DocumentID, "short", 1, 2)},
			{chunk(res.DocumentID, "ok", 1, 2, 3), chunk(res.DocumentID+1000, "orphan", 1, 2, 3)},
			{chunk(res.DocumentID, "  ", 1, 2, 3)},
		}
		for _, chunks := range cases {
			_, err := s.Finalize(ctx, res, chunks)
			assert.ErrorIs(t, err, models.ErrValidation)
		}

		results, err := s.Search(ctx, []float32{1, 2, 3}, 10)
		require.NoError(t, err)
		assert.Empty(t, results)
		docs, err := s.ListDocuments(ctx, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("Should list chunks in segmentation order", func(t *testing.T) {
		s := newStore(t)
		doc := ingest(t, s, "ordered",
			models.Chunk{Content: "first", Embedding: []float32{1, 0, 0}, Page: models.PageRef(1), Title: "Intro"},
			models.Chunk{Content: "second", Embedding: []float32{0, 1, 0}, Page: models.PageRef(2)},
			models.Chunk{Content: "third", Embedding: []float32{0, 0, 1}},
		)

		chunks, err := s.ListChunks(ctx, doc.ID)
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		for i, c := range chunks {
			assert.Equal(t, i, c.Position)
			assert.Equal(t, doc.ID, c.DocumentID)
		}
		assert.Equal(t, "first", chunks[0].Content)
		assert.Equal(t, "Intro", chunks[0].Title)
		require.NotNil(t, chunks[1].Page)
		assert.Equal(t, 2, *chunks[1].Page)
		assert.Nil(t, chunks[2].Page)

		_, err = s.ListChunks(ctx, doc.ID+1000)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Should list documents newest first with pagination", func(t *testing.T) {
		s := newStore(t)
		a := ingest(t, s, "a", chunk(0, "x", 1, 0, 0))
		b := ingest(t, s, "b", chunk(0, "y", 1, 0, 0))
		c := ingest(t, s, "c", chunk(0, "z", 1, 0, 0))

		docs, err := s.ListDocuments(ctx, 2, 0)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, c.ID, docs[0].ID)
		assert.Equal(t, b.ID, docs[1].ID)

		docs, err = s.ListDocuments(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, a.ID, docs[0].ID)
	})

	t.Run("Should cascade deletes to chunks", func(t *testing.T) {
		s := newStore(t)
		keep := ingest(t, s, "keep", chunk(0, "kept", 0, 1, 0))
		drop := ingest(t, s, "drop", chunk(0, "dropped", 1, 0, 0), chunk(0, "dropped too", 1, 0.1, 0))

		require.NoError(t, s.DeleteDocument(ctx, drop.ID))

		results, err := s.Search(ctx, []float32{1, 0, 0}, 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, keep.ID, results[0].DocumentID)

		_, err = s.ListChunks(ctx, drop.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.ErrorIs(t, s.DeleteDocument(ctx, drop.ID), models.ErrNotFound)
	})

	t.Run("Should store identical documents twice", func(t *testing.T) {
		s := newStore(t)
		first := ingest(t, s, "same", chunk(0, "same text", 1, 1, 1))
		second := ingest(t, s, "same", chunk(0, "same text", 1, 1, 1))
		assert.NotEqual(t, first.ID, second.ID)

		docs, err := s.ListDocuments(ctx, 0, 0)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	})
}
