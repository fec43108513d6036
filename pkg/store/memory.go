package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/internal/types"
)

// MemoryStore is an in-process Store with the same semantics as PGStore.
// Documents and their chunk lists live in separate maps; chunks live in
// their own table keyed by chunk id.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	nextDocID int64
	nextChkID int64
	documents map[int64]models.Document
	docChunks map[int64][]int64
	chunks    map[int64]models.Chunk
	now       func() time.Time
}

var _ types.Store = (*MemoryStore)(nil)

func NewMemoryStore(dimension int) *MemoryStore {
	if dimension <= 0 {
		dimension = 1536
	}
	return &MemoryStore{
		dimension: dimension,
		documents: make(map[int64]models.Document),
		docChunks: make(map[int64][]int64),
		chunks:    make(map[int64]models.Chunk),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Dimension() int { return m.dimension }

func (m *MemoryStore) Close() {}

func (m *MemoryStore) Reserve(ctx context.Context, name, source string) (*models.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: document name is required", models.ErrValidation)
	}
	m.mu.Lock()
	m.nextDocID++
	id := m.nextDocID
	m.mu.Unlock()

	return &models.Reservation{DocumentID: id, Name: name, Source: source, CreatedAt: m.now()}, nil
}

func (m *MemoryStore) Finalize(ctx context.Context, res *models.Reservation, chunks []models.Chunk) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chunks = sanitizeChunks(chunks)
	if err := validateFinalize(res, chunks, m.dimension); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.documents[res.DocumentID]; exists {
		return nil, fmt.Errorf("%w: document %d already finalized", models.ErrValidation, res.DocumentID)
	}

	doc := models.Document{ID: res.DocumentID, Name: res.Name, Source: res.Source, CreatedAt: res.CreatedAt}
	ids := make([]int64, 0, len(chunks))
	for i, c := range chunks {
		m.nextChkID++
		c.ID = m.nextChkID
		c.Position = i
		c.Embedding = append([]float32(nil), c.Embedding...)
		m.chunks[c.ID] = c
		ids = append(ids, c.ID)
	}
	m.documents[doc.ID] = doc
	m.docChunks[doc.ID] = ids

	out := doc
	return &out, nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id int64) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %d", models.ErrNotFound, id)
	}
	return &doc, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, limit, offset int) ([]models.Document, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must be non-negative", models.ErrValidation)
	}
	m.mu.RLock()
	docs := make([]models.Document, 0, len(m.documents))
	for _, d := range m.documents {
		docs = append(docs, d)
	}
	m.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID > docs[j].ID
	})

	if offset >= len(docs) {
		return []models.Document{}, nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *MemoryStore) ListChunks(_ context.Context, documentID int64) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.docChunks[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: document %d", models.ErrNotFound, documentID)
	}
	out := make([]models.Chunk, 0, len(ids))
	for _, id := range ids {
		c := m.chunks[id]
		c.Embedding = nil
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return fmt.Errorf("%w: document %d", models.ErrNotFound, id)
	}
	for _, cid := range m.docChunks[id] {
		delete(m.chunks, cid)
	}
	delete(m.docChunks, id)
	delete(m.documents, id)
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, vector []float32, k int) ([]models.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", models.ErrValidation)
	}
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, expected %d",
			models.ErrValidation, len(vector), m.dimension)
	}

	m.mu.RLock()
	results := make([]models.SearchResult, 0, len(m.chunks))
	for _, c := range m.chunks {
		r := models.SearchResult{
			Chunk:        c,
			DocumentName: m.documents[c.DocumentID].Name,
			Distance:     l2Distance(vector, c.Embedding),
		}
		r.Embedding = nil
		results = append(results, r)
	}
	m.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
