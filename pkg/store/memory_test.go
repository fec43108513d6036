package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/internal/types"
	"github.com/xhad/docsqa/pkg/store"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) types.Store { return store.NewMemoryStore(suiteDim) })
}

func TestMemoryStore_TiesBrokenByChunkID(t *testing.T) {
	s := store.NewMemoryStore(2)
	ingest(t, s, "ties", chunk(0, "one", 1, 0), chunk(0, "two", 0, 1), chunk(0, "three", 1, 0))

	results, err := s.Search(context.Background(), []float32{0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Less(t, results[0].ID, results[1].ID)
	assert.Less(t, results[1].ID, results[2].ID)
}

func TestMemoryStore_FinalizeTwice(t *testing.T) {
	s := store.NewMemoryStore(2)
	ctx := context.Background()
	res, err := s.Reserve(ctx, "doc", "")
	require.NoError(t, err)

	_, err = s.Finalize(ctx, res, []models.Chunk{chunk(res.DocumentID, "x", 1, 0)})
	require.NoError(t, err)
	_, err = s.Finalize(ctx, res, []models.Chunk{chunk(res.DocumentID, "x", 1, 0)})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMemoryStore_ConcurrentIngest(t *testing.T) {
	s := store.NewMemoryStore(2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Reserve(ctx, "doc", "")
			if !assert.NoError(t, err) {
				return
			}
			_, err = s.Finalize(ctx, res, []models.Chunk{chunk(res.DocumentID, "x", 1, 0)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	docs, err := s.ListDocuments(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 20)
}

func TestMemoryStore_ReserveRequiresName(t *testing.T) {
	_, err := store.NewMemoryStore(2).Reserve(context.Background(), " ", "")
	assert.ErrorIs(t, err, models.ErrValidation)
}
